// Package codebeamer provides a client for the Codebeamer REST API and the
// REST transport built on it.
package codebeamer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scmbridge/cbsync/internal/tracker"
)

const (
	// DefaultTimeout bounds one HTTP round trip.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is how often a transient failure is retried.
	DefaultMaxRetries = 3

	userAgent       = "cbsync/1.0"
	maxResponseSize = 10 * 1024 * 1024
)

// DefaultPrefixes are the API roots probed, in order, before the first call.
var DefaultPrefixes = []string{"/rest/v3", "/cb/rest/v3"}

// Client provides HTTP access to a Codebeamer instance.
// Every request carries Basic credentials; no session state is kept beyond
// the API prefix discovered by the first call.
type Client struct {
	URL        string
	Username   string
	Password   string
	Prefixes   []string
	MaxRetries uint64
	HTTPClient *http.Client

	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	prefix string
}

// NewClient creates a new Codebeamer client.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		URL:        strings.TrimSuffix(baseURL, "/"),
		Username:   username,
		Password:   password,
		Prefixes:   DefaultPrefixes,
		MaxRetries: DefaultMaxRetries,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

// APIPrefix returns the API root in use, probing for it on first use.
func (c *Client) APIPrefix(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prefix != "" {
		return c.prefix, nil
	}

	prefixes := c.Prefixes
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}

	var tried []string
	for _, p := range prefixes {
		p = "/" + strings.Trim(p, "/")
		status, body, err := c.do(ctx, "probe api", http.MethodGet, c.URL+p+"/user", nil)
		if err != nil {
			return "", err
		}
		switch {
		case status == http.StatusOK && json.Valid(body) && looksLikeObject(body):
			c.prefix = p
			return p, nil
		case status == http.StatusUnauthorized:
			return "", fmt.Errorf("probe api %s: %w", p, tracker.ErrAuthentication)
		case status == http.StatusForbidden:
			return "", fmt.Errorf("probe api %s: %w", p, tracker.ErrAuthorization)
		case unsupportedStatus(status), status < 300:
			// missing endpoint, or an HTML page where JSON was expected
			tried = append(tried, fmt.Sprintf("%s (%d)", p, status))
		default:
			return "", statusError("probe api", status, body)
		}
	}
	return "", fmt.Errorf("no REST API at %s [%s]: %w", c.URL, strings.Join(tried, ", "), tracker.ErrProtocolUnsupported)
}

func unsupportedStatus(status int) bool {
	switch status {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return true
	}
	return status >= 300 && status < 400
}

func looksLikeObject(body []byte) bool {
	b := bytes.TrimSpace(body)
	return len(b) > 0 && b[0] == '{'
}

// call performs an API request relative to the discovered prefix and maps
// non-2xx answers to errors. Statuses listed in accept are returned to the
// caller with a nil error.
func (c *Client) call(ctx context.Context, op, method, path string, body interface{}, accept ...int) (int, []byte, error) {
	prefix, err := c.APIPrefix(ctx)
	if err != nil {
		return 0, nil, err
	}
	status, respBody, err := c.do(ctx, op, method, c.URL+prefix+path, body)
	if err != nil {
		return 0, nil, err
	}
	if status >= 200 && status < 300 {
		return status, respBody, nil
	}
	for _, s := range accept {
		if status == s {
			return status, respBody, nil
		}
	}
	return status, nil, statusError(op, status, respBody)
}

// getJSON is a GET through call that decodes the answer into out.
func (c *Client) getJSON(ctx context.Context, op, path string, out interface{}) error {
	_, body, err := c.call(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &tracker.RemoteError{Op: op, Message: "parse response", Err: err}
	}
	return nil
}

// do executes a request, retrying network failures and transient statuses
// with exponential backoff. Any status that is not transient is returned
// as-is for the caller to interpret.
func (c *Client) do(ctx context.Context, op, method, url string, body interface{}) (int, []byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal %s request: %w", op, err)
		}
	}

	newBackOff := c.newBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), c.MaxRetries), ctx)

	var status int
	var respBody []byte
	err := backoff.Retry(func() error {
		var err error
		status, respBody, err = c.roundTrip(ctx, method, url, payload)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return &tracker.RemoteError{Op: op, Message: "request failed", Transient: true, Err: err}
		}
		if transientStatus(status) {
			return statusError(op, status, respBody)
		}
		return nil
	}, bo)
	if err != nil {
		return 0, nil, err
	}
	return status, respBody, nil
}

func (c *Client) roundTrip(ctx context.Context, method, url string, payload []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}

	c.setAuth(req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// setAuth sets Basic credentials on the request.
func (c *Client) setAuth(req *http.Request) {
	auth := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	req.Header.Set("Authorization", "Basic "+auth)
}

func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500 && status != http.StatusNotImplemented
}

// statusError maps a non-success HTTP status to the tracker error taxonomy.
func statusError(op string, status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, tracker.ErrAuthentication)
	case http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, tracker.ErrAuthorization)
	case http.StatusNotFound:
		return &tracker.RemoteError{Op: op, Code: status, Message: snippet(body), Err: tracker.ErrNotFound}
	}
	return &tracker.RemoteError{
		Op:        op,
		Code:      status,
		Message:   snippet(body),
		Transient: transientStatus(status),
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = strings.ToValidUTF8(s[:200], "") + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}

// isNotFound reports whether err is a 404 from the API.
func isNotFound(err error) bool {
	return errors.Is(err, tracker.ErrNotFound)
}
