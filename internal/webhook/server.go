package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/scmbridge/cbsync/internal/event"
	"github.com/scmbridge/cbsync/internal/types"
)

const maxBodyBytes = 5 << 20

// Syncer runs one sync invocation. Implementations build a fresh engine per
// call so deliveries share no transport state.
type Syncer interface {
	Sync(ctx context.Context, ev types.Event) (*types.SyncOutcome, error)
}

// SyncFunc adapts a function to Syncer.
type SyncFunc func(ctx context.Context, ev types.Event) (*types.SyncOutcome, error)

func (f SyncFunc) Sync(ctx context.Context, ev types.Event) (*types.SyncOutcome, error) {
	return f(ctx, ev)
}

// Server handles GitHub webhook deliveries.
type Server struct {
	syncer     Syncer
	secret     []byte
	log        *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	now        func() time.Time
}

// ServerConfig holds configuration for the webhook server.
type ServerConfig struct {
	Syncer Syncer
	Secret []byte // HMAC secret; empty disables signature checks
	Logger *zap.Logger
}

// NewServer creates a new webhook server.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		syncer: cfg.Syncer,
		secret: cfg.Secret,
		log:    log,
		router: mux.NewRouter(),
		now:    time.Now,
	}
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	if len(s.secret) == 0 {
		log.Warn("no webhook secret configured; signature verification disabled")
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/webhook", s.handleDelivery).Methods(http.MethodPost)
	s.router.HandleFunc("/", s.handleDelivery).Methods(http.MethodPost)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, DeliveryResponse{Status: "error", Error: "method not allowed"})
	})
	return s
}

// Start listens on addr and serves until Shutdown. It returns
// http.ErrServerClosed after Shutdown, including when Shutdown ran first.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("webhook server listening", zap.String("addr", ln.Addr().String()))
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server. It is safe to call before or
// concurrently with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// DeliveryResponse is the JSON response body for a delivery.
type DeliveryResponse struct {
	Delivery string             `json:"delivery,omitempty"`
	Event    string             `json:"event,omitempty"`
	Status   string             `json:"status"` // ok, ignored, failed, error
	Outcome  *types.SyncOutcome `json:"outcome,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	delivery := r.Header.Get("X-GitHub-Delivery")
	if delivery == "" {
		delivery = uuid.NewString()
	}
	name := r.Header.Get("X-GitHub-Event")
	log := s.log.With(zap.String("delivery", delivery), zap.String("event", name))
	resp := DeliveryResponse{Delivery: delivery, Event: name}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	defer func() { _ = r.Body.Close() }()
	if err != nil || len(body) == 0 {
		resp.Status, resp.Error = "error", "empty or unreadable body"
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	if err := VerifySignature(body, r.Header.Get(SignatureHeader), s.secret); err != nil {
		log.Warn("rejected delivery", zap.Error(err))
		resp.Status, resp.Error = "error", "invalid signature"
		writeJSON(w, http.StatusUnauthorized, resp)
		return
	}

	if name == "ping" {
		resp.Status = "ok"
		writeJSON(w, http.StatusOK, resp)
		return
	}

	ev, err := event.Parse(name, body, nil)
	switch {
	case errors.Is(err, event.ErrIgnored):
		log.Info("delivery ignored", zap.Error(err))
		resp.Status = "ignored"
		writeJSON(w, http.StatusOK, resp)
		return
	case err != nil:
		resp.Status, resp.Error = "error", err.Error()
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	log.Info("processing delivery", zap.String("kind", string(ev.Kind)), zap.Int("commits", len(ev.Commits)))
	outcome, err := s.syncer.Sync(r.Context(), ev)
	resp.Outcome = outcome
	if err != nil || outcome == nil || !outcome.Success {
		resp.Status = "failed"
		if err != nil {
			resp.Error = err.Error()
		}
		log.Error("delivery sync failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	resp.Status = "ok"
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /health for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
