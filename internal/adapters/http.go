// ABOUTME: HTTP tool adapter and endpoint-based manual authentication
// ABOUTME: Both exchange JSON with a tool service that lives outside the broker

package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/toolbroker/internal/tools"
)

// ErrNoURL is returned for http adapters or manual tools missing a URL.
var ErrNoURL = errors.New("adapter URL is not configured")

// maxErrorBody bounds how much of an error response is quoted back.
const maxErrorBody = 512

// HTTP posts invocations to a tool service.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates an HTTP adapter posting to rawURL.
func NewHTTP(rawURL string, client *http.Client) (*HTTP, error) {
	if rawURL == "" {
		return nil, ErrNoURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{url: rawURL, client: client}, nil
}

// Invoke posts the same document a process adapter receives on stdin.
func (h *HTTP) Invoke(ctx context.Context, inv *tools.Invocation) (any, error) {
	body, err := json.Marshal(processInput{
		Action:          inv.Action,
		Parameters:      inv.Parameters,
		UserID:          inv.UserID,
		UserCredentials: inv.Credential,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding tool input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var out any
	if err := doJSON(h.client, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EndpointAuth authenticates a user by calling the tool's auth endpoint with
// the user id and storing whatever the endpoint returns.
type EndpointAuth struct {
	authURL string
	client  *http.Client
	now     func() time.Time
}

// NewEndpointAuth creates a manual authenticator for authURL.
func NewEndpointAuth(authURL string, client *http.Client) (*EndpointAuth, error) {
	if authURL == "" {
		return nil, ErrNoURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &EndpointAuth{authURL: authURL, client: client, now: time.Now}, nil
}

// ManualAuth calls GET <auth_url>?user_id=<userID>.
func (e *EndpointAuth) ManualAuth(ctx context.Context, userID string) (*tools.Grant, error) {
	u, err := url.Parse(e.authURL)
	if err != nil {
		return nil, fmt.Errorf("parsing auth URL: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var body map[string]any
	if err := doJSON(e.client, req, &body); err != nil {
		return nil, fmt.Errorf("manual auth: %w", err)
	}

	payload := map[string]any{
		"auth_type":        string(tools.AuthManual),
		"authenticated_at": e.now().UTC().Format(time.RFC3339),
		"user_id":          userID,
	}
	for k, v := range body {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	return &tools.Grant{Payload: payload}, nil
}

// doJSON sends req and decodes a 2xx JSON body into out.
func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", req.URL.Redacted(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s returned %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

var (
	_ tools.Adapter             = (*HTTP)(nil)
	_ tools.ManualAuthenticator = (*EndpointAuth)(nil)
)
