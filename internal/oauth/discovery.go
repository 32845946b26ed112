package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	// maxMetadataSize caps metadata documents (1MB).
	maxMetadataSize = 1024 * 1024

	// metadataRequestTimeout bounds every metadata and token endpoint request.
	metadataRequestTimeout = 10 * time.Second
)

// Metadata is OAuth 2.0 Authorization Server Metadata per RFC 8414, reduced
// to the fields the flow needs.
type Metadata struct {
	Issuer                string   `json:"issuer,omitempty"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`

	// Synthesized is set when discovery failed and the endpoints were built
	// from conventional default paths instead.
	Synthesized bool `json:"-"`
}

// DiscoverMetadata fetches authorization server metadata from the server's
// origin. Discovery is best-effort, not authoritative: on any failure it
// synthesizes a metadata object from conventional default paths rather than
// failing the caller.
func (m *Manager) DiscoverMetadata(ctx context.Context, baseURL string) *Metadata {
	origin, err := originOf(baseURL)
	if err != nil {
		m.logger.WarningVerbose("Cannot derive origin from %q: %v", baseURL, err)
		return defaultMetadata(baseURL)
	}

	wellKnown := origin + "/.well-known/oauth-authorization-server"
	md, err := m.fetchMetadata(ctx, wellKnown)
	if err != nil {
		m.logger.InfoVerbose("Metadata discovery failed for %s, using default endpoints: %v", origin, err)
		return defaultMetadata(origin)
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		m.logger.WarningVerbose("Metadata from %s missing required endpoints, using defaults", wellKnown)
		return defaultMetadata(origin)
	}

	m.logger.InfoVerbose("Discovered authorization server metadata from %s", wellKnown)
	return md
}

// fetchMetadata retrieves and decodes a metadata document.
func (m *Manager) fetchMetadata(ctx context.Context, metadataURL string) (*Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, err
	}

	var md Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, fmt.Errorf("invalid metadata document: %w", err)
	}
	return &md, nil
}

// defaultMetadata builds endpoints from conventional paths on the origin.
func defaultMetadata(baseURL string) *Metadata {
	origin, err := originOf(baseURL)
	if err != nil {
		origin = baseURL
	}
	return &Metadata{
		Issuer:                origin,
		AuthorizationEndpoint: origin + "/authorize",
		TokenEndpoint:         origin + "/token",
		RegistrationEndpoint:  origin + "/register",
		Synthesized:           true,
	}
}

// originOf reduces a URL to scheme://host.
func originOf(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return "", fmt.Errorf("URL must be absolute with a host: %q", raw)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}
