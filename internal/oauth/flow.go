package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mark3labs/mcp-go/client"
)

// CallbackResult carries the query parameters delivered to the redirect URI.
type CallbackResult struct {
	Code  string
	State string
}

// CallbackStrategy captures the authorization redirect. Exactly one strategy
// is bound per execution environment: the loopback listener here, or an
// OS-registered custom URL-scheme handler supplied by the embedding
// application (packaged builds).
type CallbackStrategy interface {
	// RedirectURL is the redirect URI to register and send to the server.
	RedirectURL() string

	// Start begins listening for the callback. Must be called before the
	// browser is opened.
	Start() error

	// Await blocks until the callback arrives, the context is cancelled, or
	// the authorization timeout elapses. An error/error_description callback
	// is returned as an error.
	Await(ctx context.Context) (CallbackResult, error)

	// Close releases the listener. Safe to call more than once.
	Close()
}

// LoopbackCallback is the dev/test strategy: a short-lived local HTTP
// listener on the configured address and path.
type LoopbackCallback struct {
	addr    string
	path    string
	server  *http.Server
	results chan CallbackResult
	errs    chan error
}

// NewLoopbackCallback creates a loopback strategy, e.g. ("localhost:8765",
// "/callback").
func NewLoopbackCallback(addr, path string) *LoopbackCallback {
	return &LoopbackCallback{
		addr:    addr,
		path:    path,
		results: make(chan CallbackResult, 1),
		errs:    make(chan error, 1),
	}
}

// RedirectURL implements CallbackStrategy.
func (l *LoopbackCallback) RedirectURL() string {
	return "http://" + l.addr + l.path
}

// Start implements CallbackStrategy. An isolated ServeMux keeps the handler
// off http.DefaultServeMux.
func (l *LoopbackCallback) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		if errName := q.Get("error"); errName != "" {
			select {
			case l.errs <- fmt.Errorf("authorization error: %s - %s", errName, q.Get("error_description")):
			default:
			}
			http.Error(w, "Authorization failed", http.StatusBadRequest)
			return
		}
		select {
		case l.results <- CallbackResult{Code: q.Get("code"), State: q.Get("state")}:
		default:
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><h1>Authorization successful</h1><p>You can close this window.</p></body></html>`))
	})

	l.server = &http.Server{
		Addr:         l.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	go func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case l.errs <- fmt.Errorf("callback server error: %w", err):
			default:
			}
		}
	}()
	return nil
}

// Await implements CallbackStrategy.
func (l *LoopbackCallback) Await(ctx context.Context) (CallbackResult, error) {
	select {
	case res := <-l.results:
		return res, nil
	case err := <-l.errs:
		return CallbackResult{}, err
	case <-time.After(AuthorizationTimeout):
		return CallbackResult{}, fmt.Errorf("authorization timeout")
	case <-ctx.Done():
		return CallbackResult{}, ctx.Err()
	}
}

// Close implements CallbackStrategy.
func (l *LoopbackCallback) Close() {
	if l.server != nil {
		_ = l.server.Shutdown(context.Background())
		l.server = nil
	}
}

// Authorize runs the complete authorization flow for a server: metadata
// discovery, client registration, PKCE challenge, browser hand-off, callback
// capture with CSRF check, and code exchange. The resulting tokens are
// persisted keyed by the server base URL.
func (m *Manager) Authorize(ctx context.Context, baseURL string, opts ClientOptions) error {
	md := m.DiscoverMetadata(ctx, baseURL)
	if md.Synthesized {
		m.logger.InfoVerbose("Using conventional endpoint paths for %s", baseURL)
	}

	cb := m.callback
	if opts.RedirectURL != "" {
		if parsed, err := url.Parse(opts.RedirectURL); err == nil && parsed.Host != "" {
			cb = NewLoopbackCallback(parsed.Host, parsed.Path)
		}
	}

	clientID, clientSecret, err := m.ensureClient(ctx, baseURL, md, opts, cb.RedirectURL())
	if err != nil {
		return err
	}

	codeVerifier, err := client.GenerateCodeVerifier()
	if err != nil {
		return fmt.Errorf("failed to generate code verifier: %w", err)
	}
	codeChallenge := client.GenerateCodeChallenge(codeVerifier)

	state, err := client.GenerateState()
	if err != nil {
		return fmt.Errorf("failed to generate state: %w", err)
	}

	authURL, err := buildAuthorizationURL(md, clientID, cb.RedirectURL(), state, codeChallenge, opts.Scopes)
	if err != nil {
		return err
	}

	if err := cb.Start(); err != nil {
		return fmt.Errorf("failed to start callback listener: %w", err)
	}
	defer cb.Close()

	m.logger.Info("Opening browser for authorization...")
	if err := m.openBrowser(authURL); err != nil {
		m.logger.Warning("Could not open browser automatically: %v", err)
		m.logger.Info("Please open this URL in your browser: %s", authURL)
	}

	m.logger.Info("Waiting for authorization...")
	result, err := cb.Await(ctx)
	if err != nil {
		return err
	}
	if result.State != state {
		return fmt.Errorf("state mismatch (CSRF protection)")
	}
	if result.Code == "" {
		return fmt.Errorf("no authorization code received")
	}

	m.logger.Success("Authorization code received")
	tokens, err := m.exchangeCode(ctx, md, clientID, clientSecret, result.Code, codeVerifier, cb.RedirectURL())
	if err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	m.store.SetTokens(baseURL, tokens)
	m.logger.Success("Access token obtained")
	return nil
}

// buildAuthorizationURL assembles the authorization request with PKCE.
func buildAuthorizationURL(md *Metadata, clientID, redirectURI, state, codeChallenge string, scopes []string) (string, error) {
	parsed, err := url.Parse(md.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	q := parsed.Query()
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	if len(scopes) > 0 {
		q.Set("scope", joinScopes(scopes))
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}
