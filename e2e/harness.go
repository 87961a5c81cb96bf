// Package e2e drives a built employee-mcp binary over real HTTP: it spawns
// the server on a free port against a temp SQLite file and talks MCP to it.
package e2e

import (
	"bufio"
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const employeeSchema = `
CREATE TABLE employee (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    first_name  TEXT NOT NULL,
    last_name   TEXT NOT NULL,
    email       TEXT NOT NULL UNIQUE,
    phone       TEXT NOT NULL,
    hire_date   TEXT NOT NULL,
    salary      REAL NOT NULL
);`

// TestHarness manages an employee-mcp subprocess and provides MCP helpers.
type TestHarness struct {
	BaseURL string
	DataDir string
	DBPath  string

	cmd     *exec.Cmd
	client  *http.Client
	session string
}

// NewHarness creates the database, writes a config, starts
// `employee-mcp serve` and waits for /healthz.
func NewHarness(t *testing.T) *TestHarness {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	// Manual cleanup: the harness outlives the first test.
	dataDir, err := os.MkdirTemp("", "employee-mcp-e2e-*")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	dbPath := filepath.Join(dataDir, "employees.db")
	if err := createSchema(dbPath); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	config := fmt.Sprintf(`[server]
addr = "127.0.0.1:%d"
endpoint = "/mcp"
shutdown_timeout = "5s"

[database]
driver = "sqlite"
path = %q

[log]
level = "debug"
format = "console"
output = "stderr"
`, port, dbPath)

	configPath := filepath.Join(dataDir, "config.toml")
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	wd, _ := os.Getwd()
	binary, _ := filepath.Abs(filepath.Join(wd, "..", "employee-mcp"))
	if _, err := os.Stat(binary); os.IsNotExist(err) {
		t.Fatalf("binary not found at %s: run `go build -o employee-mcp .` in the module root", binary)
	}

	cmd := exec.Command(binary, "serve", "--config", configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Dir = dataDir
	// Keep the developer's .env and AUTH_* settings out of the run.
	cmd.Env = append(os.Environ(), "AUTH_ENABLED=false", "TRACING_ENABLED=false")

	if err := cmd.Start(); err != nil {
		t.Fatalf("starting employee-mcp: %v", err)
	}

	h := &TestHarness{
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		DataDir: dataDir,
		DBPath:  dbPath,
		cmd:     cmd,
		client:  &http.Client{Timeout: 30 * time.Second},
	}

	deadline := time.Now().Add(15 * time.Second)
	backoff := 100 * time.Millisecond
	for time.Now().Before(deadline) {
		resp, err := h.client.Get(h.BaseURL + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				t.Logf("employee-mcp ready on port %d", port)
				return h
			}
		}
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff = backoff * 3 / 2
		}
	}

	h.Stop()
	t.Fatalf("employee-mcp did not become ready within 15s on port %d", port)
	return nil
}

func createSchema(path string) error {
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(employeeSchema)
	return err
}

// Stop sends SIGTERM, waits 5s, then SIGKILL. Returns the process exit
// error (nil on a clean graceful shutdown) and removes the data directory.
func (h *TestHarness) Stop() error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	h.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		h.cmd.Process.Kill()
		err = fmt.Errorf("killed after shutdown timeout: %v", <-done)
	}
	h.cmd = nil

	if h.DataDir != "" {
		os.RemoveAll(h.DataDir)
	}
	return err
}

// Get fetches path and decodes the JSON body into dst.
func (h *TestHarness) Get(path string, dst any) (*http.Response, error) {
	resp, err := h.client.Get(h.BaseURL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, err
	}
	if dst != nil {
		if err := json.Unmarshal(data, dst); err != nil {
			return resp, fmt.Errorf("decoding JSON (status %d, body: %s): %w", resp.StatusCode, truncate(string(data), 500), err)
		}
	}
	return resp, nil
}

// RPC posts one JSON-RPC request to /mcp and returns its "result".
func (h *TestHarness) RPC(method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, h.BaseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if h.session != "" {
		req.Header.Set("Mcp-Session-Id", h.session)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, truncate(string(data), 500))
	}
	if method == "initialize" {
		h.session = resp.Header.Get("Mcp-Session-Id")
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "data:") {
				data = []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
	}

	var env struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", method, err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("%s: rpc error %d: %s", method, env.Error.Code, env.Error.Message)
	}
	return env.Result, nil
}

// Initialize performs the MCP handshake and keeps the session id.
func (h *TestHarness) Initialize(t *testing.T) {
	t.Helper()
	if _, err := h.RPC("initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "e2e", "version": "1"},
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

// ToolResult is the decoded tools/call result.
type ToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StructuredContent map[string]any `json:"structuredContent"`
	IsError           bool           `json:"isError"`
}

func (r ToolResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n")
}

// CallTool invokes a tool and fails the test on transport errors.
func (h *TestHarness) CallTool(t *testing.T, name string, args map[string]any) ToolResult {
	t.Helper()
	raw, err := h.RPC("tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		t.Fatalf("tools/call %s: %v", name, err)
	}
	var res ToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decoding %s result: %v", name, err)
	}
	return res
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
