// Package cbweb implements the legacy web transport: it drives the
// Codebeamer web UI with a cookie session and infers the outcome of every
// write by reading the affected page back.
package cbweb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/publicsuffix"

	"github.com/scmbridge/cbsync/internal/tracker"
)

const (
	// DefaultTimeout bounds one HTTP round trip.
	DefaultTimeout = 30 * time.Second

	userAgent   = "Mozilla/5.0 (compatible; cbsync/1.0)"
	maxPageSize = 10 * 1024 * 1024
	loginPath   = "/login.spr"
)

// Session is an authenticated browser-like session against the web UI.
type Session struct {
	URL        string // web root, e.g. https://alm.example.com/cb
	Username   string
	Password   string
	MaxRetries uint64
	HTTPClient *http.Client

	newBackOff func() backoff.BackOff

	mu       sync.Mutex
	loggedIn bool
}

// NewSession creates a session with its own cookie jar. baseURL may point at
// the server root or at the /cb web root.
func NewSession(baseURL, username, password string) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	root := strings.TrimSuffix(baseURL, "/")
	if !strings.HasSuffix(root, "/cb") {
		root += "/cb"
	}
	return &Session{
		URL:        root,
		Username:   username,
		Password:   password,
		MaxRetries: 2,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
			Jar:     jar,
		},
		newBackOff: defaultBackOff,
	}, nil
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 20 * time.Second
	return bo
}

// Login authenticates the session once. Success requires positive evidence:
// the form submission must leave the login page without an error marker.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn {
		return nil
	}

	lp, err := s.fetch(ctx, "open login page", s.URL+loginPath)
	if err != nil {
		return err
	}
	switch {
	case lp.Status == http.StatusNotFound || lp.Status == http.StatusMethodNotAllowed:
		return fmt.Errorf("no login page at %s: %w", s.URL+loginPath, tracker.ErrProtocolUnsupported)
	case lp.Status != http.StatusOK:
		return pageError("open login page", lp)
	}

	f := loginForm(lp)
	if f == nil {
		return fmt.Errorf("login page has no password form: %w", tracker.ErrProtocolUnsupported)
	}
	values := f.Fields
	userField := "user"
	switch {
	case f.hasField("user"):
	case f.hasField("accountName"):
		userField = "accountName"
	default:
		if name := f.fieldOfType("text"); name != "" {
			userField = name
		} else if name := f.fieldOfType("email"); name != "" {
			userField = name
		}
	}
	values.Set(userField, s.Username)
	values.Set(f.fieldOfType("password"), s.Password)

	res, err := s.submit(ctx, "submit login", lp, f, values)
	if err != nil {
		return err
	}
	onLogin := strings.HasSuffix(res.URL.Path, loginPath)
	switch {
	case res.Status == http.StatusUnauthorized || res.Status == http.StatusForbidden:
		return fmt.Errorf("login rejected (%d): %w", res.Status, tracker.ErrAuthentication)
	case res.Status != http.StatusOK:
		return pageError("submit login", res)
	case onLogin && res.hasErrorMarker():
		return fmt.Errorf("login page reported an error: %w", tracker.ErrAuthentication)
	case onLogin || res.hasErrorMarker():
		return tracker.Ambiguous("login", "could not confirm that the session is authenticated")
	}

	s.loggedIn = true
	return nil
}

func loginForm(p *page) *form {
	for _, f := range p.forms() {
		if f.fieldOfType("password") != "" {
			return f
		}
	}
	return nil
}

// get fetches a page inside the web root, logging in first. A redirect back
// to the login page means the session was not accepted.
func (s *Session) get(ctx context.Context, op, path string) (*page, error) {
	if err := s.Login(ctx); err != nil {
		return nil, err
	}
	p, err := s.fetch(ctx, op, s.URL+path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(p.URL.Path, loginPath) {
		return nil, fmt.Errorf("%s: redirected to login: %w", op, tracker.ErrAuthentication)
	}
	return p, nil
}

// fetch GETs a URL, retrying network errors and 5xx answers.
func (s *Session) fetch(ctx context.Context, op, rawURL string) (*page, error) {
	newBackOff := s.newBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), s.MaxRetries), ctx)

	var p *page
	err := backoff.Retry(func() error {
		var err error
		p, err = s.roundTrip(ctx, op, http.MethodGet, rawURL, nil, "")
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if p.Status >= 500 {
			return pageError(op, p)
		}
		return nil
	}, bo)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// submit posts a form found on from. Form posts are not retried; callers
// confirm their effect by reading the page back.
func (s *Session) submit(ctx context.Context, op string, from *page, f *form, values url.Values) (*page, error) {
	target := from.URL
	if f.Action != "" {
		ref, err := url.Parse(f.Action)
		if err != nil {
			return nil, tracker.Ambiguous(op, "unparsable form action "+f.Action)
		}
		target = from.URL.ResolveReference(ref)
	}
	if f.Method == http.MethodGet {
		u := *target
		u.RawQuery = values.Encode()
		return s.roundTrip(ctx, op, http.MethodGet, u.String(), nil, from.URL.String())
	}
	return s.roundTrip(ctx, op, http.MethodPost, target.String(), strings.NewReader(values.Encode()), from.URL.String())
}

func (s *Session) roundTrip(ctx context.Context, op, method, rawURL string, body io.Reader, referer string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, &tracker.RemoteError{Op: op, Message: "request failed", Transient: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, &tracker.RemoteError{Op: op, Message: "read response", Transient: true, Err: err}
	}
	return parsePage(resp.Request.URL, resp.StatusCode, data), nil
}

// pageError maps an unexpected page status to the tracker error taxonomy.
func pageError(op string, p *page) error {
	switch p.Status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, tracker.ErrAuthentication)
	case http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, tracker.ErrAuthorization)
	case http.StatusNotFound:
		return &tracker.RemoteError{Op: op, Code: p.Status, Message: p.URL.Path, Err: tracker.ErrNotFound}
	}
	return &tracker.RemoteError{
		Op:        op,
		Code:      p.Status,
		Message:   http.StatusText(p.Status),
		Transient: p.Status >= 500 || p.Status == http.StatusTooManyRequests,
	}
}
