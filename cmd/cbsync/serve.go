package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scmbridge/cbsync/internal/logging"
	"github.com/scmbridge/cbsync/internal/types"
	"github.com/scmbridge/cbsync/internal/webhook"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive GitHub webhooks and synchronize each delivery",
		Long: `Starts an HTTP server that accepts GitHub webhook deliveries on / and
/webhook, verifies X-Hub-Signature-256 against webhook.secret
(WEBHOOK_SECRET) and runs one independent sync per delivery.
GET /health answers load balancer checks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.cfg.Validate(); err != nil {
				return usageError(err)
			}
			if addr == "" {
				addr = c.cfg.Webhook.Addr
			}
			srv := webhook.NewServer(webhook.ServerConfig{
				Syncer: c.deliverySyncer(),
				Secret: []byte(c.cfg.Webhook.Secret),
				Logger: logging.L().Named("webhook"),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() { errc <- srv.Start(addr) }()

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return &exitError{code: exitSyncFailed, err: err}
			case <-ctx.Done():
				logging.L().Info("shutting down webhook server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				err := srv.Shutdown(shutdownCtx)
				// Start returns once the listener is closed, even if it had not begun serving
				if serveErr := <-errc; err == nil && !errors.Is(serveErr, http.ErrServerClosed) {
					err = serveErr
				}
				return err
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: webhook.addr, :8080)")
	return cmd
}

// deliverySyncer builds a new engine for every delivery.
func (c *cli) deliverySyncer() webhook.SyncFunc {
	return func(ctx context.Context, ev types.Event) (*types.SyncOutcome, error) {
		engine, err := c.newEngine(ev, uuid.NewString())
		if err != nil {
			return nil, err
		}
		outcome, err := engine.Sync(ctx, ev)
		logOutcome(logging.L(), outcome)
		return outcome, err
	}
}
