package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// clientRegistration is the RFC 7591 request body for a public client using
// the authorization code grant.
type clientRegistration struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// clientRegistrationResponse is the subset of the registration response the
// flow needs.
type clientRegistrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// ensureClient returns OAuth client credentials for the server, in priority
// order: configured, previously persisted, or freshly registered via Dynamic
// Client Registration. Newly registered credentials are persisted.
func (m *Manager) ensureClient(ctx context.Context, baseURL string, md *Metadata, opts ClientOptions, redirectURI string) (clientID, clientSecret string, err error) {
	if opts.ClientID != "" {
		return opts.ClientID, opts.ClientSecret, nil
	}
	if entry := m.store.Entry(baseURL); entry != nil && entry.ClientID != "" {
		m.logger.InfoVerbose("Reusing registered client %s for %s", entry.ClientID, baseURL)
		return entry.ClientID, entry.ClientSecret, nil
	}
	if md.RegistrationEndpoint == "" {
		return "", "", fmt.Errorf("no client ID configured and server offers no registration endpoint")
	}

	m.logger.Info("No client ID configured, attempting dynamic client registration...")
	reg, err := m.registerClient(ctx, md.RegistrationEndpoint, redirectURI)
	if err != nil {
		return "", "", fmt.Errorf("client registration failed: %w", err)
	}
	m.store.SetClient(baseURL, reg.ClientID, reg.ClientSecret)
	m.logger.Success("Client registered with ID: %s", reg.ClientID)
	return reg.ClientID, reg.ClientSecret, nil
}

// registerClient performs the RFC 7591 registration POST.
func (m *Manager) registerClient(ctx context.Context, endpoint, redirectURI string) (*clientRegistrationResponse, error) {
	body, err := json.Marshal(clientRegistration{
		ClientName:              "mcp-agent",
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, metadataRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registration endpoint returned %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var reg clientRegistrationResponse
	if err := json.Unmarshal(respBody, &reg); err != nil {
		return nil, fmt.Errorf("invalid registration response: %w", err)
	}
	if reg.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}
	return &reg, nil
}

func truncateBody(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
