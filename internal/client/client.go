// Package client is a small Go SDK for the relay's own HTTP surface, used
// by cmd/relaycli so operators don't have to hand-write curl invocations
// against a running replica.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one relay replica over HTTP. It carries no cluster
// awareness of its own — a request that needs a specific world's replica
// relies on the relay's own cross-replica forwarding, not on the client
// picking the right node.
type Client struct {
	baseURL    string
	credential string
	httpClient *http.Client
}

// New creates a Client against baseURL (e.g. "http://localhost:3010"),
// authenticating as credential when set.
func New(baseURL, credential string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		credential: credential,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RegisterResponse is the credential minted for a new account.
type RegisterResponse struct {
	Credential string `json:"credential"`
	Email      string `json:"email"`
}

// Register creates an account and mints its API credential.
func (c *Client) Register(ctx context.Context, email string) (*RegisterResponse, error) {
	body, _ := json.Marshal(map[string]string{"email": email})
	req, err := c.newRequest(ctx, http.MethodPost, "/register", body)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out RegisterResponse
	return &out, json.NewDecoder(resp.Body).Decode(&out)
}

// Status reports the replica's instance ID, uptime, and connected world
// count.
func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	return c.getJSON(ctx, "/api/status")
}

// Health is a liveness probe; it does not require a credential.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	return c.getJSON(ctx, "/api/health")
}

// Clients lists the worlds connected under the caller's credential.
func (c *Client) Clients(ctx context.Context) (map[string]interface{}, error) {
	return c.getJSON(ctx, "/clients")
}

// EndSession tears down a headless browser session by ID.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/end-session?sessionId="+sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) getJSON(ctx context.Context, path string) (map[string]interface{}, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out map[string]interface{}
	return out, json.NewDecoder(resp.Body).Decode(&out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != "" {
		req.Header.Set("x-api-key", c.credential)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// ErrNotFound is returned for a 404 response.
var ErrNotFound = fmt.Errorf("not found")

// APIError carries the HTTP status and message body of a failed request.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
