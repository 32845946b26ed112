package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseJSON(t *testing.T) {
	data := []byte(`{
		"mcpServers": {
			"files": {"command": "mcp-files", "args": ["--root", "/tmp"], "timeout": 30},
			"search": {"url": "https://search.example.com/mcp", "oauth": {"scopes": ["mcp:tools"]}},
			"board": {"url": "wss://board.example.com/ws", "transport": "websocket", "disabled": true}
		}
	}`)

	f, err := Parse(data, false)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(f.MCPServers) != 3 {
		t.Fatalf("expected 3 servers, got %d", len(f.MCPServers))
	}

	files := f.MCPServers["files"]
	if files.Transport != TransportStdio {
		t.Errorf("files transport = %q, want stdio (inferred)", files.Transport)
	}
	if files.ConnectTimeout() != 30*time.Second {
		t.Errorf("files timeout = %v, want 30s", files.ConnectTimeout())
	}

	search := f.MCPServers["search"]
	if search.Transport != TransportHTTPStream {
		t.Errorf("search transport = %q, want http-stream (inferred)", search.Transport)
	}
	if search.ConnectTimeout() != DefaultConnectTimeout {
		t.Errorf("search timeout = %v, want default", search.ConnectTimeout())
	}
	if search.OAuth == nil || len(search.OAuth.Scopes) != 1 {
		t.Errorf("search oauth not parsed: %+v", search.OAuth)
	}

	if !f.MCPServers["board"].Disabled {
		t.Error("board should be disabled")
	}
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
mcpServers:
  local:
    command: mcp-local
    args: ["--verbose"]
    env:
      API_KEY: "${CONFIG_TEST_KEY}"
`)
	t.Setenv("CONFIG_TEST_KEY", "sekrit")

	f, err := Parse(data, true)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := f.MCPServers["local"].Env["API_KEY"]; got != "sekrit" {
		t.Errorf("env expansion: got %q, want %q", got, "sekrit")
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"stdio without command", `{"mcpServers": {"a": {"transport": "stdio"}}}`},
		{"websocket without url", `{"mcpServers": {"a": {"transport": "websocket"}}}`},
		{"http-stream without url", `{"mcpServers": {"a": {"transport": "http-stream", "command": "x"}}}`},
		{"unknown transport", `{"mcpServers": {"a": {"transport": "carrier-pigeon", "url": "x"}}}`},
		{"nothing to infer from", `{"mcpServers": {"a": {"env": {"X": "1"}}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.json), false); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestServersStableOrder(t *testing.T) {
	f, err := Parse([]byte(`{"mcpServers": {"zeta": {"command": "z"}, "alpha": {"command": "a"}}}`), false)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	servers := f.Servers()
	if servers[0].Name != "alpha" || servers[1].Name != "zeta" {
		t.Errorf("servers not in name order: %s, %s", servers[0].Name, servers[1].Name)
	}
}

func TestPrefsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")

	p := LoadPrefs(path)
	p.SetServerDisabled("search", true)
	p.SetToolDisabled("files:delete_file", true)

	// Reload from disk.
	p2 := LoadPrefs(path)
	if !p2.ServerDisabled("search") {
		t.Error("server toggle did not persist")
	}
	if !p2.ToolDisabled("files:delete_file") {
		t.Error("tool toggle did not persist")
	}
	if p2.ServerDisabled("files") {
		t.Error("unexpected disabled server")
	}

	p2.SetServerDisabled("search", false)
	if LoadPrefs(path).ServerDisabled("search") {
		t.Error("re-enable did not persist")
	}
}

func TestPrefsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := LoadPrefs(path)
	if p.ServerDisabled("anything") {
		t.Error("corrupt prefs should start empty")
	}
}
