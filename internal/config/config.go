// Package config loads and validates the server configuration file and the
// per-user runtime preference store.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds a server can be configured with.
const (
	TransportStdio      = "stdio"
	TransportWebSocket  = "websocket"
	TransportHTTPStream = "http-stream"
)

// DefaultConnectTimeout bounds connection establishment when the config does
// not specify a timeout.
const DefaultConnectTimeout = 10 * time.Second

// OAuthOptions carries optional OAuth client settings for a server. Tokens
// obtained during negotiation live in the OAuth store, not here.
type OAuthOptions struct {
	ClientID     string   `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty" yaml:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	RedirectURL  string   `json:"redirectUrl,omitempty" yaml:"redirectUrl,omitempty"`
}

// ServerConfig describes one MCP server. Immutable for the session once
// loaded, except OAuth state which is negotiated at connect time.
type ServerConfig struct {
	Name      string            `json:"-" yaml:"-"`
	Transport string            `json:"transport,omitempty" yaml:"transport,omitempty"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	// TimeoutSeconds bounds connection establishment. Zero means the default.
	TimeoutSeconds int           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Disabled       bool          `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	OAuth          *OAuthOptions `json:"oauth,omitempty" yaml:"oauth,omitempty"`
}

// ConnectTimeout returns the configured timeout or the default.
func (c *ServerConfig) ConnectTimeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultConnectTimeout
}

// File is the top-level configuration file shape.
type File struct {
	MCPServers map[string]*ServerConfig `json:"mcpServers" yaml:"mcpServers"`
}

// envVarPattern matches ${VAR_NAME} references inside env values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads and validates a configuration file. YAML is selected by file
// extension (.yaml/.yml), JSON otherwise. ${VAR} references in env values are
// expanded from the host environment.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data, strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml"))
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte, isYAML bool) (*File, error) {
	var f File
	if isYAML {
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	for name, sc := range f.MCPServers {
		if sc == nil {
			return nil, fmt.Errorf("server %q: empty configuration", name)
		}
		sc.Name = name
		inferTransport(sc)
		if err := validate(sc); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		expandEnvVars(sc.Env)
	}
	return &f, nil
}

// Servers returns the configured servers in stable name order.
func (f *File) Servers() []*ServerConfig {
	names := make([]string, 0, len(f.MCPServers))
	for name := range f.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*ServerConfig, 0, len(names))
	for _, name := range names {
		out = append(out, f.MCPServers[name])
	}
	return out
}

// inferTransport fills in the transport kind when the config omits it:
// a command implies stdio, a URL implies http-stream.
func inferTransport(sc *ServerConfig) {
	if sc.Transport != "" {
		return
	}
	if sc.Command != "" {
		sc.Transport = TransportStdio
	} else if sc.URL != "" {
		sc.Transport = TransportHTTPStream
	}
}

func validate(sc *ServerConfig) error {
	switch sc.Transport {
	case TransportStdio:
		if sc.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case TransportWebSocket, TransportHTTPStream:
		if sc.URL == "" {
			return fmt.Errorf("%s transport requires a url", sc.Transport)
		}
	case "":
		return fmt.Errorf("cannot determine transport: set command or url")
	default:
		return fmt.Errorf("unsupported transport %q (stdio, websocket, http-stream)", sc.Transport)
	}
	return nil
}

// expandEnvVars replaces ${VAR} references with host environment values.
func expandEnvVars(env map[string]string) {
	for k, v := range env {
		env[k] = envVarPattern.ReplaceAllStringFunc(v, func(match string) string {
			return os.Getenv(match[2 : len(match)-1])
		})
	}
}

// DefaultPrefsPath returns the per-user preference file location.
func DefaultPrefsPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mcp-agent", "prefs.json"), nil
}
