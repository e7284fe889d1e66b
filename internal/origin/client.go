// Package origin executes command steps against Mastodon-compatible servers.
//
// Each configured account has its own base URL and bearer token. Every
// response is classified for the retry policy:
//
//	401, 403                  → auth (hard)
//	408, 429, 5xx, network    → IO (soft)
//	other 4xx, bad JSON       → parse (hard)
//
// Rate limit headers are copied into the step result whenever present.
package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/relaybird/syncd/internal/outcome"
	"github.com/relaybird/syncd/internal/runner"
)

// Account holds the credentials of one configured account.
type Account struct {
	// Name is the account id used in command scopes (e.g. "alice@example.social")
	Name string `yaml:"name"`

	// BaseURL is the server root (e.g. "https://example.social")
	BaseURL string `yaml:"base_url"`

	// Token is an OAuth bearer token
	Token string `yaml:"token"`

	// Username is the account's own handle, used to count mentions
	Username string `yaml:"username"`
}

// ClientConfig holds configuration for the origin client.
type ClientConfig struct {
	Accounts []Account

	// DataDir receives downloaded avatars and attachments
	DataDir string

	// Timeout is the HTTP request timeout (default: 30s)
	Timeout time.Duration

	// UserAgent is sent with every request (default: "syncd")
	UserAgent string

	// HTTPClient overrides the default client (tests)
	HTTPClient *http.Client

	// DebugFunc is an optional callback for debug logging
	DebugFunc func(format string, args ...any)
}

// Client performs steps for every configured account.
type Client struct {
	accounts   map[string]Account
	names      []string
	dataDir    string
	userAgent  string
	httpClient *http.Client

	// Debug callback (optional)
	debugFunc func(format string, args ...any)
}

// NewClient creates an origin client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "syncd"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	accounts := make(map[string]Account, len(cfg.Accounts))
	names := make([]string, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		if _, dup := accounts[a.Name]; !dup {
			names = append(names, a.Name)
		}
		accounts[a.Name] = a
	}
	sort.Strings(names)

	return &Client{
		accounts:   accounts,
		names:      names,
		dataDir:    cfg.DataDir,
		userAgent:  cfg.UserAgent,
		httpClient: httpClient,
		debugFunc:  cfg.DebugFunc,
	}
}

// debug logs a message if debug function is configured
func (c *Client) debug(format string, args ...any) {
	if c.debugFunc != nil {
		c.debugFunc(format, args...)
	}
}

// Accounts implements runner.AccountLister.
func (c *Client) Accounts() []string {
	return append([]string(nil), c.names...)
}

func (c *Client) account(name string) (Account, error) {
	a, ok := c.accounts[name]
	if !ok {
		return Account{}, runner.AuthError(fmt.Errorf("no credentials for account %q", name))
	}
	return a, nil
}

// request describes one API call.
type request struct {
	method string
	path   string
	body   any
	header http.Header
}

// do performs an authenticated API call, records rate limit headers in res
// and decodes a JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, acct Account, r request, res *outcome.Result, out any) error {
	var reqBody io.Reader
	if r.body != nil {
		jsonData, err := json.Marshal(r.body)
		if err != nil {
			return runner.ParseError(fmt.Errorf("failed to marshal request body: %w", err))
		}
		reqBody = bytes.NewReader(jsonData)
		c.debug("request: %s %s%s - body: %s", r.method, acct.BaseURL, r.path, string(jsonData))
	} else {
		c.debug("request: %s %s%s", r.method, acct.BaseURL, r.path)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, acct.BaseURL+r.path, reqBody)
	if err != nil {
		return runner.ParseError(fmt.Errorf("failed to create request: %w", err))
	}
	for k, v := range r.header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+acct.Token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return runner.IOError(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	readQuota(resp.Header, res)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return runner.IOError(fmt.Errorf("failed to read response body: %w", err))
	}

	c.debug("response: %d - %d bytes", resp.StatusCode, len(respBody))

	if err := statusError(resp.StatusCode, respBody); err != nil {
		return err
	}

	// Parse success response
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return runner.ParseError(fmt.Errorf("failed to parse response: %w", err))
		}
	}

	return nil
}

// APIError is the error body returned by the server.
type APIError struct {
	StatusCode  int    `json:"-"`
	Message     string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return fmt.Sprintf("%d %s", e.StatusCode, msg)
}

// statusError classifies a non-2xx response.
func statusError(code int, body []byte) error {
	if code < 400 {
		return nil
	}
	apiErr := &APIError{StatusCode: code}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(code)
	}

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return runner.AuthError(apiErr)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return runner.IOError(apiErr)
	default:
		return runner.ParseError(apiErr)
	}
}

// IsStatus reports whether err is an API error with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// readQuota copies the rate limit headers into res.
func readQuota(h http.Header, res *outcome.Result) {
	limit, err1 := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	remaining, err2 := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err1 != nil || err2 != nil {
		return
	}
	res.SetQuota(limit, remaining)
}
