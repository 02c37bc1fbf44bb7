package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/scmbridge/cbsync/internal/cbweb"
	"github.com/scmbridge/cbsync/internal/codebeamer"
	"github.com/scmbridge/cbsync/internal/config"
	"github.com/scmbridge/cbsync/internal/logging"
	"github.com/scmbridge/cbsync/internal/notification"
	"github.com/scmbridge/cbsync/internal/telemetry"
	"github.com/scmbridge/cbsync/internal/tracker"
	"github.com/scmbridge/cbsync/internal/types"
)

func newClient(cfg *config.Config) *codebeamer.Client {
	client := codebeamer.NewClient(cfg.URL, cfg.Username, cfg.Password)
	if len(cfg.APIPrefixes) > 0 {
		client.Prefixes = cfg.APIPrefixes
	}
	client.MaxRetries = uint64(cfg.MaxRetries)
	client.HTTPClient.Timeout = cfg.CallTimeout
	return client
}

// newRegistry registers both transports for one invocation. Nothing is
// built until the engine asks for it.
func newRegistry(cfg *config.Config, repoURL string) *tracker.Registry {
	reg := tracker.NewRegistry()
	reg.Register(types.TransportREST, func(context.Context) (tracker.Transport, error) {
		return telemetry.WrapTransport(codebeamer.NewTransport(newClient(cfg), repoURL)), nil
	})
	reg.Register(types.TransportWeb, func(context.Context) (tracker.Transport, error) {
		session, err := cbweb.NewSession(cfg.URL, cfg.Username, cfg.Password)
		if err != nil {
			return nil, err
		}
		session.MaxRetries = uint64(cfg.MaxRetries)
		session.HTTPClient.Timeout = cfg.CallTimeout
		return telemetry.WrapTransport(cbweb.NewTransport(session, repoURL)), nil
	})
	return reg
}

// runContext describes the CI run from the Actions environment.
func (c *cli) runContext(ev types.Event) notification.RunContext {
	return notification.RunContext{
		Repository: firstNonEmpty(ev.Repository.FullName, c.getenv("GITHUB_REPOSITORY")),
		SHA:        firstNonEmpty(ev.SHA, c.getenv("GITHUB_SHA")),
		Ref:        firstNonEmpty(ev.Ref, c.getenv("GITHUB_REF")),
		Actor:      firstNonEmpty(ev.Actor, c.getenv("GITHUB_ACTOR")),
		RunID:      c.getenv("GITHUB_RUN_ID"),
		ServerURL:  c.getenv("GITHUB_SERVER_URL"),
	}
}

func newNotifier(cfg *config.Config, run notification.RunContext) *notification.Notifier {
	return notification.New(newClient(cfg), notification.Options{
		Channels:   cfg.Notify.Channels,
		ProjectID:  cfg.ProjectNumber(),
		TrackerID:  cfg.Notify.TrackerID,
		Assignee:   cfg.Username,
		WebhookURL: cfg.Notify.WebhookURL,
	}, run, logging.L().Named("notify"))
}

// newEngine builds a fresh engine for ev. Each call gets its own registry,
// so no transport or session outlives one invocation.
func (c *cli) newEngine(ev types.Event, runID string) (*tracker.Engine, error) {
	cfg := c.cfg
	mode, ok := tracker.ParseMode(cfg.Transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Transport)
	}
	extractor, err := cfg.Extractor()
	if err != nil {
		return nil, fmt.Errorf("reference patterns: %w", err)
	}

	repoURL := cfg.RepoURL(ev.Repository.URL)
	engine := tracker.NewEngine(newRegistry(cfg, repoURL), tracker.Options{
		ProjectID:      cfg.ProjectID,
		RepositoryName: cfg.RepoDisplayName(repoURL),
		Mode:           mode,
		CallTimeout:    cfg.CallTimeout,
		Concurrency:    cfg.Concurrency,
		Extractor:      extractor,
		RunID:          runID,

		UpdateRepositoryStatus: cfg.UpdateRepositoryStatus,
		UpdateItemStatus:       cfg.UpdateItemStatus,
	})

	log := logging.L().With(zap.String("run_id", engine.Options().RunID))
	engine.OnMessage = func(msg string) { log.Info(msg) }
	engine.OnWarning = func(msg string) { log.Warn(msg) }
	if cfg.Notify.Enabled {
		engine.Recorder = newNotifier(cfg, c.runContext(ev))
	}
	return engine, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
