package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// tokenResponse is the token endpoint response per RFC 6749.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	ExpiresIn        int64  `json:"expires_in,omitempty"`
	Scope            string `json:"scope,omitempty"`
	TokenType        string `json:"token_type,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// exchangeCode trades an authorization code for tokens at the token endpoint.
func (m *Manager) exchangeCode(ctx context.Context, md *Metadata, clientID, clientSecret, code, codeVerifier, redirectURI string) (*Tokens, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {codeVerifier},
	}
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}
	return m.postTokenEndpoint(ctx, md.TokenEndpoint, form)
}

// refreshToken obtains fresh tokens using the stored refresh token. When the
// server rotates refresh tokens the new one replaces the old; otherwise the
// previous refresh token is kept.
func (m *Manager) refreshToken(ctx context.Context, md *Metadata, entry *Entry) (*Tokens, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {entry.Tokens.RefreshToken},
		"client_id":     {entry.ClientID},
	}
	if entry.ClientSecret != "" {
		form.Set("client_secret", entry.ClientSecret)
	}

	tokens, err := m.postTokenEndpoint(ctx, md.TokenEndpoint, form)
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = entry.Tokens.RefreshToken
	}
	return tokens, nil
}

// postTokenEndpoint performs the form POST and normalizes the response into
// Tokens with an absolute expiry.
func (m *Manager) postTokenEndpoint(ctx context.Context, endpoint string, form url.Values) (*Tokens, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("token endpoint returned %d with invalid body: %s", resp.StatusCode, truncateBody(body))
	}
	if resp.StatusCode != http.StatusOK || tr.Error != "" {
		if tr.Error != "" {
			return nil, fmt.Errorf("token endpoint error: %s - %s", tr.Error, tr.ErrorDescription)
		}
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint response missing access_token")
	}

	tokens := &Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
	}
	if tr.ExpiresIn > 0 {
		tokens.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tokens, nil
}
