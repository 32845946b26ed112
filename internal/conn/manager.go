// Package conn establishes and supervises connections to configured MCP
// servers across stdio, websocket and http-stream transports, registering
// their tools with the catalog and handing authorization failures to the
// OAuth manager.
package conn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/veldt/mcp-agent/internal/catalog"
	"github.com/veldt/mcp-agent/internal/config"
	"github.com/veldt/mcp-agent/internal/logger"
	"github.com/veldt/mcp-agent/internal/oauth"
	"github.com/veldt/mcp-agent/internal/proc"
	wstransport "github.com/veldt/mcp-agent/internal/transport"
)

const (
	clientName    = "mcp-agent"
	clientVersion = "0.1.0"
)

// Status is the lifecycle state of one server connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusAuthRequired Status = "auth_required"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
)

// mcpClient is the subset of the mcp-go client the manager drives. Narrowed
// to an interface so connection handling is testable without live servers.
type mcpClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	OnNotification(handler func(notification mcp.JSONRPCNotification))
	Close() error
}

// authorizer is what the manager needs from the OAuth subsystem.
type authorizer interface {
	Authorize(ctx context.Context, baseURL string, opts oauth.ClientOptions) error
	ValidToken(ctx context.Context, baseURL string) (string, error)
}

// ServerConnection is the tracked state for one configured server.
type ServerConnection struct {
	Config    *config.ServerConfig
	Status    Status
	Err       error
	ToolCount int

	client mcpClient
}

// Manager owns all server connections. Connections are established one at a
// time; status reads and tool dispatch are safe from any goroutine.
type Manager struct {
	mu    sync.Mutex
	conns map[string]*ServerConnection

	catalog    *catalog.Catalog
	supervisor *proc.Supervisor
	auth       authorizer
	prefs      *config.Prefs
	logger     *logger.Logger

	// newClient is a seam for tests; defaults to buildClient.
	newClient func(cfg *config.ServerConfig) (mcpClient, error)
}

// NewManager creates a connection manager. auth may be nil when no server
// uses an HTTP transport; prefs may be nil.
func NewManager(cat *catalog.Catalog, sup *proc.Supervisor, auth *oauth.Manager, prefs *config.Prefs, log *logger.Logger) *Manager {
	m := &Manager{
		conns:      make(map[string]*ServerConnection),
		catalog:    cat,
		supervisor: sup,
		prefs:      prefs,
		logger:     log,
	}
	if auth != nil {
		m.auth = auth
	}
	m.newClient = m.buildClient
	return m
}

// Resolver returns the catalog's view of live connections.
func (m *Manager) Resolver() catalog.ClientResolver {
	return func(server string) (catalog.ToolCaller, bool) {
		m.mu.Lock()
		sc := m.conns[server]
		m.mu.Unlock()
		if sc == nil || sc.Status != StatusConnected || sc.client == nil {
			return nil, false
		}
		return rpcCaller{client: sc.client}, true
	}
}

// rpcCaller adapts an mcpClient to the executor's ToolCaller.
type rpcCaller struct {
	client mcpClient
}

func (r rpcCaller) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return r.client.CallTool(ctx, req)
}

// InitializeAll connects every enabled configured server. Per-server failures
// are logged and recorded but do not stop the remaining servers.
func (m *Manager) InitializeAll(ctx context.Context, cfgs []*config.ServerConfig) {
	for _, cfg := range cfgs {
		if cfg.Disabled {
			m.logger.InfoVerbose("Server %s disabled in configuration, skipping", cfg.Name)
			continue
		}
		if m.prefs != nil && m.prefs.ServerDisabled(cfg.Name) {
			m.logger.InfoVerbose("Server %s disabled by user preference, skipping", cfg.Name)
			continue
		}
		if err := m.InitializeServer(ctx, cfg); err != nil {
			m.logger.Error("Failed to connect to %s: %v", cfg.Name, err)
		}
	}
}

// InitializeServer connects one server and registers its tools. For
// http-stream servers, a first attempt rejected with an authorization error
// triggers the full OAuth flow exactly once, followed by a single retry;
// any other failure is terminal for this attempt.
func (m *Manager) InitializeServer(ctx context.Context, cfg *config.ServerConfig) error {
	sc := m.track(cfg)
	m.setStatus(cfg.Name, StatusConnecting, nil)
	m.logger.Info("Connecting to %s (%s)...", cfg.Name, cfg.Transport)

	cli, tools, err := m.connect(ctx, cfg)
	if err != nil && cfg.Transport == config.TransportHTTPStream && isAuthError(err) && m.auth != nil {
		m.setStatus(cfg.Name, StatusAuthRequired, err)
		m.logger.Info("Server %s requires authorization", cfg.Name)

		if authErr := m.auth.Authorize(ctx, cfg.URL, clientOptions(cfg)); authErr != nil {
			m.setStatus(cfg.Name, StatusFailed, authErr)
			return fmt.Errorf("authorization for %s failed: %w", cfg.Name, authErr)
		}
		cli, tools, err = m.connect(ctx, cfg)
	}
	if err != nil {
		m.setStatus(cfg.Name, StatusFailed, err)
		return err
	}

	m.mu.Lock()
	sc.client = cli
	sc.ToolCount = len(tools)
	sc.Status = StatusConnected
	sc.Err = nil
	m.mu.Unlock()

	m.catalog.Register(cfg.Name, tools)
	m.watchToolChanges(cfg.Name, cli)
	m.logger.Success("Connected to %s (%d tools)", cfg.Name, len(tools))
	return nil
}

// connect builds the transport-appropriate client and performs the
// start/initialize/list handshake, bounded by the configured timeout.
func (m *Manager) connect(ctx context.Context, cfg *config.ServerConfig) (mcpClient, []mcp.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()

	cli, err := m.newClient(cfg)
	if err != nil {
		return nil, nil, err
	}

	if err := cli.Start(ctx); err != nil {
		_ = cli.Close()
		return nil, nil, fmt.Errorf("failed to start %s transport: %w", cfg.Transport, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	m.logger.Request("initialize", initReq.Params)
	initRes, err := cli.Initialize(ctx, initReq)
	if err != nil {
		_ = cli.Close()
		return nil, nil, fmt.Errorf("initialize failed: %w", err)
	}
	m.logger.Response("initialize", initRes)

	listReq := mcp.ListToolsRequest{}
	m.logger.Request("tools/list", listReq.Params)
	listRes, err := cli.ListTools(ctx, listReq)
	if err != nil {
		_ = cli.Close()
		return nil, nil, fmt.Errorf("tools/list failed: %w", err)
	}
	m.logger.Response("tools/list", listRes)

	return cli, listRes.Tools, nil
}

// buildClient constructs the unstarted client for a server config.
func (m *Manager) buildClient(cfg *config.ServerConfig) (mcpClient, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		return m.buildStdioClient(cfg)

	case config.TransportWebSocket:
		return client.NewClient(wstransport.NewWebSocket(cfg.URL, nil)), nil

	case config.TransportHTTPStream:
		var opts []transport.StreamableHTTPCOption
		if m.auth != nil {
			if token, err := m.auth.ValidToken(context.Background(), cfg.URL); err == nil {
				opts = append(opts, transport.WithHTTPHeaders(map[string]string{
					"Authorization": "Bearer " + token,
				}))
			}
		}
		return client.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// buildStdioClient spawns the server subprocess and wraps its pipes. The
// subprocess is registered with the supervisor so the kill switch reaches it.
func (m *Manager) buildStdioClient(cfg *config.ServerConfig) (mcpClient, error) {
	path, err := resolveExecutable(cfg.Command)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}
	if m.supervisor != nil {
		m.supervisor.Register(cmd)
	}
	m.logger.InfoVerbose("Started %s (pid %d)", path, cmd.Process.Pid)

	return client.NewClient(transport.NewIO(stdout, stdin, stderr)), nil
}

// wellKnownBinDirs lists install locations commonly absent from the PATH of
// GUI-launched or minimal-shell environments.
func wellKnownBinDirs() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return []string{"/usr/local/bin", "/opt/homebrew/bin"}
	}
	return []string{
		filepath.Join(home, ".local", "bin"),
		"/usr/local/bin",
		"/opt/homebrew/bin",
		filepath.Join(home, ".npm-global", "bin"),
	}
}

// resolveExecutable locates a server command via PATH first, then the
// well-known install directories.
func resolveExecutable(command string) (string, error) {
	if strings.ContainsRune(command, os.PathSeparator) {
		if isExecutable(command) {
			return command, nil
		}
		return "", fmt.Errorf("command %q does not exist or is not executable", command)
	}

	if path, err := exec.LookPath(command); err == nil {
		return path, nil
	}
	for _, dir := range wellKnownBinDirs() {
		candidate := filepath.Join(dir, command)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("command %q not found in PATH or well-known install directories (%s)",
		command, strings.Join(wellKnownBinDirs(), ", "))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}

// isAuthError reports whether a connection failure indicates the server
// demands OAuth authorization.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid_token")
}

func clientOptions(cfg *config.ServerConfig) oauth.ClientOptions {
	if cfg.OAuth == nil {
		return oauth.ClientOptions{}
	}
	return oauth.ClientOptions{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Scopes:       cfg.OAuth.Scopes,
		RedirectURL:  cfg.OAuth.RedirectURL,
	}
}

// watchToolChanges re-lists tools when the server announces a change.
func (m *Manager) watchToolChanges(name string, cli mcpClient) {
	cli.OnNotification(func(n mcp.JSONRPCNotification) {
		m.logger.Notification(n.Method, n.Params)
		if n.Method != "notifications/tools/list_changed" {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), config.DefaultConnectTimeout)
			defer cancel()
			res, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
			if err != nil {
				m.logger.Warning("Tool refresh for %s failed: %v", name, err)
				return
			}
			m.catalog.Register(name, res.Tools)
			m.mu.Lock()
			if sc := m.conns[name]; sc != nil {
				sc.ToolCount = len(res.Tools)
			}
			m.mu.Unlock()
			m.logger.InfoVerbose("Refreshed tool list for %s (%d tools)", name, len(res.Tools))
		}()
	})
}

// TestServerConnection performs an ephemeral connect, tool listing and
// disconnect. Nothing shared is mutated: the catalog and tracked connection
// set are untouched.
func (m *Manager) TestServerConnection(ctx context.Context, cfg *config.ServerConfig) (int, error) {
	cli, tools, err := m.connect(ctx, cfg)
	if err != nil {
		return 0, err
	}
	_ = cli.Close()
	return len(tools), nil
}

// StopServer closes one server's connection and deregisters its tools.
// Idempotent; cleanup errors are swallowed.
func (m *Manager) StopServer(name string) {
	m.mu.Lock()
	sc := m.conns[name]
	var cli mcpClient
	if sc != nil {
		cli = sc.client
		sc.client = nil
		sc.Status = StatusDisconnected
		sc.ToolCount = 0
	}
	m.mu.Unlock()

	if cli != nil {
		_ = cli.Close()
		m.logger.InfoVerbose("Stopped server %s", name)
	}
	m.catalog.Deregister(name)
}

// RestartServer stops and reconnects a known server.
func (m *Manager) RestartServer(ctx context.Context, name string) error {
	m.mu.Lock()
	sc := m.conns[name]
	m.mu.Unlock()
	if sc == nil {
		return fmt.Errorf("unknown server %q", name)
	}
	m.StopServer(name)
	return m.InitializeServer(ctx, sc.Config)
}

// SetServerEnabled toggles a server at runtime and persists the preference.
// Disabling a connected server stops it; enabling connects it unless the
// configuration file marks it disabled, which always wins.
func (m *Manager) SetServerEnabled(ctx context.Context, name string, enabled bool) error {
	m.mu.Lock()
	sc := m.conns[name]
	m.mu.Unlock()
	if sc == nil {
		return fmt.Errorf("unknown server %q", name)
	}

	if m.prefs != nil {
		m.prefs.SetServerDisabled(name, !enabled)
	}
	if !enabled {
		m.StopServer(name)
		return nil
	}
	if sc.Config.Disabled {
		return fmt.Errorf("server %q is disabled in the configuration file", name)
	}
	if sc.Status == StatusConnected {
		return nil
	}
	return m.InitializeServer(ctx, sc.Config)
}

// ServerStatus returns the current status for a server, or disconnected for
// unknown names.
func (m *Manager) ServerStatus(name string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sc := m.conns[name]; sc != nil {
		return sc.Status
	}
	return StatusDisconnected
}

// Connections returns a snapshot of all tracked connections for display.
func (m *Manager) Connections() []ServerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerConnection, 0, len(m.conns))
	for _, sc := range m.conns {
		out = append(out, ServerConnection{
			Config:    sc.Config,
			Status:    sc.Status,
			Err:       sc.Err,
			ToolCount: sc.ToolCount,
		})
	}
	return out
}

// Shutdown closes every connection best-effort, then terminates any
// subprocesses that survived their transport closing.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.StopServer(name)
	}
	if m.supervisor != nil {
		m.supervisor.KillAll()
	}
}

func (m *Manager) track(cfg *config.ServerConfig) *ServerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc := m.conns[cfg.Name]
	if sc == nil {
		sc = &ServerConnection{Config: cfg, Status: StatusDisconnected}
		m.conns[cfg.Name] = sc
	}
	sc.Config = cfg
	return sc
}

func (m *Manager) setStatus(name string, status Status, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sc := m.conns[name]; sc != nil {
		sc.Status = status
		sc.Err = err
	}
}
