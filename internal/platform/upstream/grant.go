package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Grant is the token response of the upstream OAuth2 password grant.
type Grant struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// PasswordGrant exchanges a username and password for an access token.
// A non-2xx reply is returned as *StatusError carrying the upstream body.
func (c *Client) PasswordGrant(ctx context.Context, apiKey, username, password string) (*Grant, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build grant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", contentJSON)
	req.Header.Set(headerAPIKey, apiKey)

	resp, err := c.do(req, "password grant")
	if err != nil {
		return nil, err
	}
	if err := resp.Err("password grant"); err != nil {
		return nil, err
	}

	var g Grant
	if err := json.Unmarshal(resp.Body, &g); err != nil {
		return nil, fmt.Errorf("decode grant response: %w", err)
	}
	if g.AccessToken == "" {
		return nil, fmt.Errorf("grant response has no access_token")
	}
	return &g, nil
}
