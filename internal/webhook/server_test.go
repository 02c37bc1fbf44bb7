package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/scmbridge/cbsync/internal/types"
)

var testSecret = []byte("test-secret")

type recordingSyncer struct {
	mu     sync.Mutex
	events []types.Event
	err    error
}

func (r *recordingSyncer) Sync(_ context.Context, ev types.Event) (*types.SyncOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.err != nil {
		return &types.SyncOutcome{EventKind: ev.Kind, State: types.StateFailed, Error: r.err.Error()}, r.err
	}
	return &types.SyncOutcome{EventKind: ev.Kind, State: types.StateValidated, Success: true}, nil
}

func deliver(t *testing.T, s *Server, event string, body []byte, signature string) (*httptest.ResponseRecorder, DeliveryResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "d-1")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var resp DeliveryResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return w, resp
}

const pushBody = `{"ref":"refs/heads/main","after":"aaaa",
"repository":{"full_name":"acme/widget","html_url":"https://github.com/acme/widget"},
"commits":[{"id":"aaaa","message":"Fix #1","timestamp":"2026-01-02T03:04:05Z","author":{"name":"Dev"}}]}`

func TestDeliveryPush(t *testing.T) {
	syncer := &recordingSyncer{}
	s := NewServer(ServerConfig{Syncer: syncer, Secret: testSecret})

	body := []byte(pushBody)
	w, resp := deliver(t, s, "push", body, Sign(body, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%+v)", w.Code, resp)
	}
	if resp.Status != "ok" || resp.Delivery != "d-1" {
		t.Errorf("response = %+v", resp)
	}
	if len(syncer.events) != 1 {
		t.Fatalf("sync calls = %d, want 1", len(syncer.events))
	}
	ev := syncer.events[0]
	if ev.Kind != types.EventPush || len(ev.Commits) != 1 || ev.Repository.FullName != "acme/widget" {
		t.Errorf("event = %+v", ev)
	}
}

func TestDeliveryOneSyncPerDelivery(t *testing.T) {
	syncer := &recordingSyncer{}
	s := NewServer(ServerConfig{Syncer: syncer, Secret: testSecret})
	body := []byte(pushBody)
	for i := 0; i < 3; i++ {
		deliver(t, s, "push", body, Sign(body, testSecret))
	}
	if len(syncer.events) != 3 {
		t.Errorf("sync calls = %d, want 3", len(syncer.events))
	}
}

func TestDeliverySignature(t *testing.T) {
	body := []byte(pushBody)
	tests := []struct {
		name      string
		signature string
	}{
		{"missing", ""},
		{"wrong prefix", "sha1=abcd"},
		{"not hex", "sha256=zz"},
		{"wrong secret", Sign(body, []byte("other"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &recordingSyncer{}
			s := NewServer(ServerConfig{Syncer: syncer, Secret: testSecret})
			w, resp := deliver(t, s, "push", body, tt.signature)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
			if resp.Status != "error" {
				t.Errorf("status field = %q", resp.Status)
			}
			if len(syncer.events) != 0 {
				t.Error("sync ran for an unverified delivery")
			}
		})
	}
}

func TestDeliveryWithoutSecretSkipsVerification(t *testing.T) {
	syncer := &recordingSyncer{}
	s := NewServer(ServerConfig{Syncer: syncer})
	w, _ := deliver(t, s, "push", []byte(pushBody), "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestDeliveryPingAndIgnored(t *testing.T) {
	syncer := &recordingSyncer{}
	s := NewServer(ServerConfig{Syncer: syncer})

	w, resp := deliver(t, s, "ping", []byte(`{"zen":"hi"}`), "")
	if w.Code != http.StatusOK || resp.Status != "ok" {
		t.Errorf("ping: %d %+v", w.Code, resp)
	}
	w, resp = deliver(t, s, "create", []byte(`{"ref":"v1","ref_type":"tag"}`), "")
	if w.Code != http.StatusOK || resp.Status != "ignored" {
		t.Errorf("tag create: %d %+v", w.Code, resp)
	}
	w, resp = deliver(t, s, "issues", []byte(`{}`), "")
	if w.Code != http.StatusOK || resp.Status != "ignored" {
		t.Errorf("issues: %d %+v", w.Code, resp)
	}
	if len(syncer.events) != 0 {
		t.Errorf("sync calls = %d, want 0", len(syncer.events))
	}
}

func TestDeliveryBadPayload(t *testing.T) {
	s := NewServer(ServerConfig{Syncer: &recordingSyncer{}})
	w, resp := deliver(t, s, "push", []byte(`{not json`), "")
	if w.Code != http.StatusBadRequest || resp.Error == "" {
		t.Errorf("got %d %+v", w.Code, resp)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want 400", rec.Code)
	}
}

func TestDeliverySyncFailure(t *testing.T) {
	s := NewServer(ServerConfig{Syncer: &recordingSyncer{err: errors.New("boom")}})
	w, resp := deliver(t, s, "push", []byte(pushBody), "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if resp.Status != "failed" || resp.Error != "boom" || resp.Outcome == nil {
		t.Errorf("response = %+v", resp)
	}
}

func TestSyncFuncAdapter(t *testing.T) {
	called := false
	s := NewServer(ServerConfig{Syncer: SyncFunc(func(_ context.Context, ev types.Event) (*types.SyncOutcome, error) {
		called = true
		return &types.SyncOutcome{Success: true}, nil
	})})
	deliver(t, s, "push", []byte(pushBody), "")
	if !called {
		t.Error("SyncFunc not invoked")
	}
}

func TestHealth(t *testing.T) {
	s := NewServer(ServerConfig{Syncer: &recordingSyncer{}})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /webhook status = %d, want 405", w.Code)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte("payload")
	if err := VerifySignature(body, Sign(body, testSecret), testSecret); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := VerifySignature(body, "", testSecret); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("missing: %v", err)
	}
	if err := VerifySignature(body, "sha256=00", testSecret); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("mismatch: %v", err)
	}
	if err := VerifySignature(body, "md5=00", testSecret); !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("malformed: %v", err)
	}
	if err := VerifySignature(body, "", nil); err != nil {
		t.Errorf("empty secret should skip: %v", err)
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	s := NewServer(ServerConfig{Syncer: &recordingSyncer{}, Secret: testSecret})
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := s.Start("127.0.0.1:0"); !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Start() after Shutdown = %v, want ErrServerClosed", err)
	}
}

func TestShutdownStopsStart(t *testing.T) {
	s := NewServer(ServerConfig{Syncer: &recordingSyncer{}, Secret: testSecret})
	errc := make(chan error, 1)
	go func() { errc <- s.Start("127.0.0.1:0") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Start() = %v, want ErrServerClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() still serving after Shutdown")
	}
}
