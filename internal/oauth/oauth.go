// Package oauth obtains and refreshes bearer tokens for HTTP-transport MCP
// servers using OAuth 2.1 with PKCE, authorization server metadata discovery
// (RFC 8414) and dynamic client registration (RFC 7591).
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/veldt/mcp-agent/internal/logger"
)

// ErrNoValidToken is returned when no usable token exists for a server and
// no refresh token is available.
var ErrNoValidToken = errors.New("no valid token")

// AuthorizationTimeout is the hard limit on waiting for the browser-side
// authorization step.
const AuthorizationTimeout = 5 * time.Minute

// Tokens holds one server's bearer credentials. ExpiresAt is absolute,
// computed from expires_in at exchange time.
type Tokens struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scope        string    `json:"scope,omitempty"`
}

// expirySkew avoids handing out tokens that expire mid-request.
const expirySkew = 30 * time.Second

// Valid reports whether the access token is present and unexpired.
func (t *Tokens) Valid() bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || time.Now().Add(expirySkew).Before(t.ExpiresAt)
}

// ClientOptions carries per-server OAuth client settings from configuration.
type ClientOptions struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	RedirectURL  string
}

// Manager owns token acquisition and refresh for all servers, keyed by server
// base URL. It is the only writer of the underlying store.
type Manager struct {
	store      *Store
	httpClient *http.Client
	logger     *logger.Logger
	callback   CallbackStrategy

	// openBrowser is a seam for tests; defaults to the platform launcher.
	openBrowser func(url string) error
}

// NewManager creates a token manager over the given store. callback may be
// nil, in which case a loopback listener on the conventional port is used.
func NewManager(store *Store, cb CallbackStrategy, log *logger.Logger) *Manager {
	if cb == nil {
		cb = NewLoopbackCallback("localhost:8765", "/callback")
	}
	return &Manager{
		store:       store,
		httpClient:  &http.Client{Timeout: metadataRequestTimeout},
		logger:      log,
		callback:    cb,
		openBrowser: openBrowser,
	}
}

// ValidToken returns a bearer token for the server: the cached token when
// unexpired, a transparently refreshed one when a refresh token exists, and
// ErrNoValidToken otherwise.
func (m *Manager) ValidToken(ctx context.Context, baseURL string) (string, error) {
	entry := m.store.Entry(baseURL)
	if entry == nil || entry.Tokens == nil {
		return "", ErrNoValidToken
	}
	if entry.Tokens.Valid() {
		return entry.Tokens.AccessToken, nil
	}
	if entry.Tokens.RefreshToken == "" {
		return "", ErrNoValidToken
	}

	m.logger.InfoVerbose("Access token for %s expired, refreshing...", baseURL)
	md := m.DiscoverMetadata(ctx, baseURL)
	tokens, err := m.refreshToken(ctx, md, entry)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	m.store.SetTokens(baseURL, tokens)
	return tokens.AccessToken, nil
}

// Invalidate drops the cached tokens for a server. Used after a 401 that
// survives a refresh, or an explicit revoke.
func (m *Manager) Invalidate(baseURL string) {
	m.store.SetTokens(baseURL, nil)
}

// openBrowser opens the URL in the user's default browser. Only http and
// https URLs are ever passed to the OS.
func openBrowser(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme for browser: %s (only http/https allowed)", parsed.Scheme)
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", urlStr)
	case "darwin":
		cmd = exec.Command("open", urlStr)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", urlStr)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}
