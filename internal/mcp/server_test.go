package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/employee-mcp/internal/db"
	"github.com/hazyhaar/employee-mcp/internal/db/dbtest"
)

type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StructuredContent map[string]any `json:"structuredContent"`
	IsError           bool           `json:"isError"`
}

func (r toolResult) text() string {
	var parts []string
	for _, c := range r.Content {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n")
}

// rpc sends one JSON-RPC message and decodes the result field into out.
func rpc(t *testing.T, srv *server.MCPServer, method string, params any, out any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	resp := srv.HandleMessage(context.Background(), raw)
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var env struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	require.Nil(t, env.Error, "rpc %s failed: %s", method, data)
	require.NoError(t, json.Unmarshal(env.Result, out))
}

func newTestServer(t *testing.T, store Store) *server.MCPServer {
	t.Helper()
	srv := NewServer(store, Options{Name: "employee-crud-server", Version: "test"})
	var init map[string]any
	rpc(t, srv, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test", "version": "1"},
	}, &init)
	return srv
}

func call(t *testing.T, srv *server.MCPServer, name string, args map[string]any) toolResult {
	t.Helper()
	var res toolResult
	rpc(t, srv, "tools/call", map[string]any{"name": name, "arguments": args}, &res)
	return res
}

func adaArgs() map[string]any {
	return map[string]any{
		"first_name": "Ada",
		"last_name":  "Lovelace",
		"email":      "ada@x.com",
		"phone":      "555",
		"hire_date":  "1815-12-10",
		"salary":     1000.0,
	}
}

func createAda(t *testing.T, srv *server.MCPServer, d *db.DB) int64 {
	t.Helper()
	res := call(t, srv, "create_employee", adaArgs())
	require.False(t, res.IsError, res.text())

	var id int64
	require.NoError(t, d.Get(&id, "SELECT MAX(id) FROM employee"))
	return id
}

func TestToolsList(t *testing.T) {
	srv := newTestServer(t, dbtest.Open(t))

	var res struct {
		Tools []struct {
			Name        string `json:"name"`
			InputSchema struct {
				Required []string `json:"required"`
			} `json:"inputSchema"`
		} `json:"tools"`
	}
	rpc(t, srv, "tools/list", map[string]any{}, &res)

	got := map[string][]string{}
	for _, tool := range res.Tools {
		got[tool.Name] = tool.InputSchema.Required
	}
	names := make([]string, 0, len(got))
	for n := range got {
		names = append(names, n)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"create_employee", "delete_employee", "read_employee", "update_employee"}, names)
	assert.ElementsMatch(t, []string{"emp_id"}, got["read_employee"])
	assert.ElementsMatch(t, []string{"emp_id"}, got["delete_employee"])
	assert.Len(t, got["create_employee"], 6)
	assert.Len(t, got["update_employee"], 7)
}

func TestAdaLovelaceScenario(t *testing.T) {
	d := dbtest.Open(t)
	srv := newTestServer(t, d)

	res := call(t, srv, "create_employee", adaArgs())
	require.False(t, res.IsError, res.text())
	assert.Contains(t, res.text(), "Ada Lovelace")

	var id int64
	require.NoError(t, d.Get(&id, "SELECT MAX(id) FROM employee"))
	assert.Contains(t, res.text(), "created")

	res = call(t, srv, "read_employee", map[string]any{"emp_id": id})
	require.False(t, res.IsError, res.text())
	rec := res.StructuredContent
	assert.Equal(t, float64(id), rec["id"])
	for k, v := range adaArgs() {
		assert.Equal(t, v, rec[k], k)
	}
	assert.Len(t, rec, 7)

	var fromText map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.text()), &fromText))
	assert.Equal(t, rec, fromText)

	res = call(t, srv, "delete_employee", map[string]any{"emp_id": id})
	require.False(t, res.IsError)
	assert.Equal(t, MsgDeleted, res.text())

	res = call(t, srv, "read_employee", map[string]any{"emp_id": id})
	require.False(t, res.IsError)
	assert.Empty(t, res.StructuredContent)
	assert.Equal(t, "{}", res.text())
}

func TestReadMissingReturnsEmptyMapping(t *testing.T) {
	srv := newTestServer(t, dbtest.Open(t))

	res := call(t, srv, "read_employee", map[string]any{"emp_id": 12345})
	assert.False(t, res.IsError)
	assert.Equal(t, "{}", res.text())
}

func TestUpdate(t *testing.T) {
	d := dbtest.Open(t)
	srv := newTestServer(t, d)
	id := createAda(t, srv, d)

	args := map[string]any{
		"emp_id":     id,
		"first_name": "Augusta",
		"last_name":  "King",
		"email":      "augusta@x.com",
		"phone":      "556",
		"hire_date":  "1835-07-08",
		"salary":     2000.25,
	}
	res := call(t, srv, "update_employee", args)
	require.False(t, res.IsError, res.text())
	assert.Equal(t, MsgUpdated, res.text())

	res = call(t, srv, "read_employee", map[string]any{"emp_id": id})
	for k, v := range args {
		if k == "emp_id" {
			continue
		}
		assert.Equal(t, v, res.StructuredContent[k], k)
	}
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	d := dbtest.Open(t)
	srv := newTestServer(t, d)

	args := adaArgs()
	args["emp_id"] = 777
	res := call(t, srv, "update_employee", args)
	assert.False(t, res.IsError)
	assert.Equal(t, MsgNotFound, res.text())

	var n int
	require.NoError(t, d.Get(&n, "SELECT COUNT(*) FROM employee"))
	assert.Zero(t, n)
}

func TestDeleteMissingIsNotFound(t *testing.T) {
	srv := newTestServer(t, dbtest.Open(t))

	res := call(t, srv, "delete_employee", map[string]any{"emp_id": 1})
	assert.False(t, res.IsError)
	assert.Equal(t, MsgNotFound, res.text())
}

func TestMissingArgumentIsToolError(t *testing.T) {
	d := dbtest.Open(t)
	srv := newTestServer(t, d)

	args := adaArgs()
	delete(args, "salary")
	res := call(t, srv, "create_employee", args)
	assert.True(t, res.IsError)
	assert.Contains(t, res.text(), "salary")

	res = call(t, srv, "read_employee", map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, res.text(), "emp_id")

	var n int
	require.NoError(t, d.Get(&n, "SELECT COUNT(*) FROM employee"))
	assert.Zero(t, n)
}

func TestFractionalIDIsToolError(t *testing.T) {
	d := dbtest.Open(t)
	srv := newTestServer(t, d)
	id := createAda(t, srv, d)

	for _, bad := range []float64{float64(id) + 0.5, float64(id) + 0.9} {
		res := call(t, srv, "read_employee", map[string]any{"emp_id": bad})
		assert.True(t, res.IsError, "read %v", bad)
		assert.Contains(t, res.text(), "must be an integer")

		update := adaArgs()
		update["emp_id"] = bad
		update["email"] = "changed@x.com"
		res = call(t, srv, "update_employee", update)
		assert.True(t, res.IsError, "update %v", bad)
		assert.Contains(t, res.text(), "must be an integer")

		res = call(t, srv, "delete_employee", map[string]any{"emp_id": bad})
		assert.True(t, res.IsError, "delete %v", bad)
		assert.Contains(t, res.text(), "must be an integer")
	}

	res := call(t, srv, "delete_employee", map[string]any{"emp_id": 1e300})
	assert.True(t, res.IsError)
	assert.Contains(t, res.text(), "out of range")

	var email string
	require.NoError(t, d.Get(&email, "SELECT email FROM employee WHERE id = ?", id))
	assert.Equal(t, "ada@x.com", email)

	res = call(t, srv, "read_employee", map[string]any{"emp_id": float64(id)})
	require.False(t, res.IsError, res.text())
	assert.Equal(t, "ada@x.com", res.StructuredContent["email"])
}

func TestDatastoreRejectionIsToolError(t *testing.T) {
	d := dbtest.Open(t)
	srv := newTestServer(t, d)
	createAda(t, srv, d)

	// duplicate email violates the unique constraint
	res := call(t, srv, "create_employee", adaArgs())
	assert.True(t, res.IsError)
	assert.Contains(t, res.text(), "create_employee")
	assert.Contains(t, res.text(), "inserting employee")
}

type failingStore struct{ err error }

func (f failingStore) CreateEmployee(context.Context, db.EmployeeInput) (int64, error) {
	return 0, f.err
}
func (f failingStore) GetEmployee(context.Context, int64) (*db.Employee, error) { return nil, f.err }
func (f failingStore) UpdateEmployee(context.Context, int64, db.EmployeeInput) (bool, error) {
	return false, f.err
}
func (f failingStore) DeleteEmployee(context.Context, int64) (bool, error) { return false, f.err }

func TestStoreFailuresSurface(t *testing.T) {
	srv := newTestServer(t, failingStore{err: errors.New("connection refused")})

	update := adaArgs()
	update["emp_id"] = 1
	for name, args := range map[string]map[string]any{
		"create_employee": adaArgs(),
		"read_employee":   {"emp_id": 1},
		"update_employee": update,
		"delete_employee": {"emp_id": 1},
	} {
		res := call(t, srv, name, args)
		assert.True(t, res.IsError, name)
		assert.Contains(t, res.text(), "connection refused", name)
	}
}
