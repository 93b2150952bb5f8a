// Package portal is the HTTP client for the registration portal's JSON API.
// One Client serves the location directory, CAPTCHA generation, login and
// the encumbrance search.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dbsmedya/echarvest/internal/config"
	"github.com/dbsmedya/echarvest/internal/logger"
)

const (
	codeOK       = 1000
	codeNoRecord = 1001

	tokenHeader   = "_append"
	captchaHeader = "i"

	// maxBodyBytes caps how much of a response is read.
	maxBodyBytes = 32 << 20
)

// Client talks to one portal instance. It is safe for concurrent use.
type Client struct {
	hc        *http.Client
	baseURL   string
	userAgent string
	logger    *logger.Logger
	do        func(*http.Request) (*http.Response, error)
}

// New creates a client from the portal section of the configuration.
func New(cfg *config.PortalConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault()
	}
	hc := &http.Client{Timeout: cfg.RequestTimeout()}
	return &Client{
		hc:        hc,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		logger:    log,
		do:        hc.Do,
	}
}

// envelope is the wrapper every JSON endpoint except the location lists
// answers with.
type envelope struct {
	ResponseCode    int             `json:"responseCode"`
	ResponseMessage string          `json:"responseMessage"`
	Data            json.RawMessage `json:"data"`
	TotalPages      int             `json:"totalPages"`
}

// httpError is a non-2xx answer.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("portal returned HTTP %d", e.status)
	}
	return fmt.Sprintf("portal returned HTTP %d: %s", e.status, e.body)
}

func (e *httpError) unauthorized() bool {
	return e.status == http.StatusUnauthorized || e.status == http.StatusForbidden
}

func (e *httpError) temporary() bool {
	return e.status >= 500 || e.status == http.StatusRequestTimeout || e.status == http.StatusTooManyRequests
}

func (c *Client) url(path string) string {
	return c.baseURL + "/api/" + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}, token string) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", path, err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+"/")
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}
	return req, nil
}

// send performs the request and returns the body of a 2xx response. Other
// statuses come back as *httpError; transport failures are returned as is.
func (c *Client) send(req *http.Request) ([]byte, http.Header, error) {
	resp, err := c.do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &httpError{status: resp.StatusCode, body: snippet(body)}
	}
	return body, resp.Header, nil
}

// postJSON posts body and decodes the envelope.
func (c *Client) postJSON(ctx context.Context, path string, body interface{}, token string) (*envelope, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body, token)
	if err != nil {
		return nil, err
	}
	raw, _, err := c.send(req)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return &env, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}
