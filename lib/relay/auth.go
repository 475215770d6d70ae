// Dunebugger Remote
// Copyright (C) 2025 Dunebugger
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Session is the outcome of a successful authentication: a signed websocket
// URL plus the device account's profile.
type Session struct {
	WSSURL  string
	UserID  string
	Name    string
	Picture string
	Email   string
}

// Credentials identify the device account against the auth domain.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

// AuthClientConfig configures an AuthClient.
type AuthClientConfig struct {
	// AuthURL is the auth domain, e.g. "dunebugger.eu.auth0.com".
	AuthURL string
	// Credentials are the device account credentials.
	Credentials Credentials
	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
	// Logger emits auth diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *AuthClientConfig) CheckAndSetDefaults() error {
	if c.AuthURL == "" {
		return trace.BadParameter("auth client requires an auth URL")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// AuthClient exchanges device credentials for a signed websocket URL using
// the password grant, then reads the user profile.
type AuthClient struct {
	cfg AuthClientConfig
}

// NewAuthClient creates an AuthClient.
func NewAuthClient(cfg AuthClientConfig) (*AuthClient, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &AuthClient{cfg: cfg}, nil
}

// Authenticate performs the token exchange and profile fetch.
func (a *AuthClient) Authenticate(ctx context.Context) (*Session, error) {
	token, err := a.fetchToken(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := a.fetchUserInfo(ctx, token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.cfg.Logger.InfoContext(ctx, "Authenticated against cloud relay", "user", session.Name)
	return session, nil
}

func (a *AuthClient) fetchToken(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"client_id":     a.cfg.Credentials.ClientID,
		"client_secret": a.cfg.Credentials.ClientSecret,
		"grant_type":    "password",
		"username":      a.cfg.Credentials.Username,
		"password":      a.cfg.Credentials.Password,
		"scope":         "openid profile email",
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := a.postJSON(ctx, "/oauth/token", payload, nil, &out); err != nil {
		return "", trace.Wrap(err)
	}
	if out.AccessToken == "" {
		return "", trace.AccessDenied("access token not found in auth response")
	}
	return out.AccessToken, nil
}

func (a *AuthClient) fetchUserInfo(ctx context.Context, token string) (*Session, error) {
	var info struct {
		WSSURL  string `json:"wss_url"`
		Sub     string `json:"sub"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
		Email   string `json:"email"`
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	if err := a.getJSON(ctx, "/userinfo", headers, &info); err != nil {
		return nil, trace.Wrap(err)
	}
	if info.WSSURL == "" {
		return nil, trace.AccessDenied("auth response is missing the websocket URL")
	}
	return &Session{
		WSSURL:  info.WSSURL,
		UserID:  info.Sub,
		Name:    info.Name,
		Picture: info.Picture,
		Email:   info.Email,
	}, nil
}

func (a *AuthClient) postJSON(ctx context.Context, path string, payload []byte, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url(path), bytes.NewReader(payload))
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return a.do(req, out)
}

func (a *AuthClient) getJSON(ctx context.Context, path string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url(path), nil)
	if err != nil {
		return trace.Wrap(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return a.do(req, out)
}

func (a *AuthClient) url(path string) string {
	base := a.cfg.AuthURL
	if !strings.HasPrefix(base, "http") {
		base = "https://" + base
	}
	return base + path
}

func (a *AuthClient) do(req *http.Request, out any) error {
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "calling %v", req.URL.Path)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return trace.AccessDenied("auth request %v failed: %v", req.URL.Path, fmt.Sprintf("code=%d body=%q", resp.StatusCode, body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return trace.BadParameter("malformed auth response from %v: %v", req.URL.Path, err)
	}
	return nil
}
