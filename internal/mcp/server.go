// Package mcp registers the employee registry tools on an MCP server.
// Each tool maps its arguments onto exactly one SQL statement.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/employee-mcp/internal/db"
	"github.com/hazyhaar/employee-mcp/pkg/calllog"
	"github.com/hazyhaar/employee-mcp/pkg/kit"
	"github.com/hazyhaar/employee-mcp/pkg/trace"
)

const (
	MsgUpdated  = "Employee updated"
	MsgDeleted  = "Employee deleted"
	MsgNotFound = "Not found"
)

// ToolNames lists the registered tools in registration order.
var ToolNames = []string{"create_employee", "read_employee", "update_employee", "delete_employee"}

// Store is the datastore surface the tools need; *db.DB implements it.
type Store interface {
	CreateEmployee(ctx context.Context, in db.EmployeeInput) (int64, error)
	GetEmployee(ctx context.Context, id int64) (*db.Employee, error)
	UpdateEmployee(ctx context.Context, id int64, in db.EmployeeInput) (bool, error)
	DeleteEmployee(ctx context.Context, id int64) (bool, error)
}

type Options struct {
	Name    string
	Version string
	Logger  *slog.Logger
}

// NewServer creates an MCPServer with the four employee tools registered.
func NewServer(store Store, opts Options) *server.MCPServer {
	if opts.Name == "" {
		opts.Name = "employee-crud-server"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	srv := server.NewMCPServer(
		opts.Name,
		opts.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	mw := func(action string) kit.Middleware {
		return kit.Chain(trace.Middleware(action), calllog.Middleware(opts.Logger, action))
	}

	registerCreateEmployee(srv, store, mw("create_employee"))
	registerReadEmployee(srv, store, mw("read_employee"))
	registerUpdateEmployee(srv, store, mw("update_employee"))
	registerDeleteEmployee(srv, store, mw("delete_employee"))

	return srv
}

// --- create_employee ---

func registerCreateEmployee(srv *server.MCPServer, store Store, mw kit.Middleware) {
	endpoint := mw(func(ctx context.Context, request any) (any, error) {
		in := request.(*db.EmployeeInput)
		id, err := store.CreateEmployee(ctx, *in)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("Employee %s %s created (id %d)", in.FirstName, in.LastName, id), nil
	})

	schema, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": fieldProperties(false),
		"required":   []string{"first_name", "last_name", "email", "phone", "hire_date", "salary"},
	})
	tool := mcp.NewToolWithRawSchema("create_employee", "Create a new employee record", schema)

	kit.RegisterMCPTool(srv, tool, endpoint, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		in, err := decodeFields(req)
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: in}, nil
	})
}

// --- read_employee ---

func registerReadEmployee(srv *server.MCPServer, store Store, mw kit.Middleware) {
	endpoint := mw(func(ctx context.Context, request any) (any, error) {
		e, err := store.GetEmployee(ctx, request.(*idReq).EmpID)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return map[string]any{}, nil
		}
		return e.Map(), nil
	})

	schema, _ := json.Marshal(idSchema("Employee ID to retrieve"))
	tool := mcp.NewToolWithRawSchema("read_employee", "Read an employee record by ID; returns an empty object when no record matches", schema)

	kit.RegisterMCPTool(srv, tool, endpoint, decodeID)
}

// --- update_employee ---

func registerUpdateEmployee(srv *server.MCPServer, store Store, mw kit.Middleware) {
	endpoint := mw(func(ctx context.Context, request any) (any, error) {
		r := request.(*updateReq)
		found, err := store.UpdateEmployee(ctx, r.EmpID, r.EmployeeInput)
		if err != nil {
			return nil, err
		}
		if !found {
			return MsgNotFound, nil
		}
		return MsgUpdated, nil
	})

	schema, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": fieldProperties(true),
		"required":   []string{"emp_id", "first_name", "last_name", "email", "phone", "hire_date", "salary"},
	})
	tool := mcp.NewToolWithRawSchema("update_employee", "Overwrite every field of an existing employee record", schema)

	kit.RegisterMCPTool(srv, tool, endpoint, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		id, err := requireID(req)
		if err != nil {
			return nil, err
		}
		in, err := decodeFields(req)
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &updateReq{EmpID: id, EmployeeInput: *in}}, nil
	})
}

type updateReq struct {
	EmpID int64 `json:"emp_id"`
	db.EmployeeInput
}

// --- delete_employee ---

func registerDeleteEmployee(srv *server.MCPServer, store Store, mw kit.Middleware) {
	endpoint := mw(func(ctx context.Context, request any) (any, error) {
		found, err := store.DeleteEmployee(ctx, request.(*idReq).EmpID)
		if err != nil {
			return nil, err
		}
		if !found {
			return MsgNotFound, nil
		}
		return MsgDeleted, nil
	})

	schema, _ := json.Marshal(idSchema("Employee ID to delete"))
	tool := mcp.NewToolWithRawSchema("delete_employee", "Delete an employee record by ID", schema)

	kit.RegisterMCPTool(srv, tool, endpoint, decodeID)
}

type idReq struct {
	EmpID int64 `json:"emp_id"`
}

// --- helpers ---

func fieldProperties(withID bool) map[string]any {
	props := map[string]any{
		"first_name": map[string]string{"type": "string", "description": "Employee's first name"},
		"last_name":  map[string]string{"type": "string", "description": "Employee's last name"},
		"email":      map[string]string{"type": "string", "description": "Employee's email address"},
		"phone":      map[string]string{"type": "string", "description": "Employee's phone number"},
		"hire_date":  map[string]string{"type": "string", "description": "Employee's hire date (YYYY-MM-DD)"},
		"salary":     map[string]string{"type": "number", "description": "Employee's salary"},
	}
	if withID {
		props["emp_id"] = map[string]string{"type": "integer", "description": "Employee ID to update"}
	}
	return props
}

func idSchema(desc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"emp_id": map[string]string{"type": "integer", "description": desc},
		},
		"required": []string{"emp_id"},
	}
}

func decodeID(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	id, err := requireID(req)
	if err != nil {
		return nil, err
	}
	return &kit.MCPDecodeResult{Request: &idReq{EmpID: id}}, nil
}

// requireID reads emp_id as a whole number. JSON numbers arrive as float64;
// a fractional or out-of-range value is rejected rather than truncated onto
// another employee's id.
func requireID(req mcp.CallToolRequest) (int64, error) {
	v, err := req.RequireFloat("emp_id")
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("argument \"emp_id\" must be an integer, got %v", v)
	}
	if v < math.MinInt64 || v >= math.MaxInt64 {
		return 0, fmt.Errorf("argument \"emp_id\" out of range: %v", v)
	}
	return int64(v), nil
}

func decodeFields(req mcp.CallToolRequest) (*db.EmployeeInput, error) {
	var (
		in  db.EmployeeInput
		err error
	)
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"first_name", &in.FirstName},
		{"last_name", &in.LastName},
		{"email", &in.Email},
		{"phone", &in.Phone},
		{"hire_date", &in.HireDate},
	} {
		if *f.dst, err = req.RequireString(f.key); err != nil {
			return nil, err
		}
	}
	if in.Salary, err = req.RequireFloat("salary"); err != nil {
		return nil, err
	}
	return &in, nil
}
