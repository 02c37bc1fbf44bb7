package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scmbridge/cbsync/internal/event"
	"github.com/scmbridge/cbsync/internal/logging"
	"github.com/scmbridge/cbsync/internal/tracker"
	"github.com/scmbridge/cbsync/internal/types"
	"github.com/scmbridge/cbsync/internal/ui"
	"github.com/scmbridge/cbsync/internal/validate"
)

type syncFlags struct {
	eventName   string
	eventFile   string
	repoDir     string
	outcomeFile string
	noValidate  bool
}

func newSyncCmd(c *cli) *cobra.Command {
	var f syncFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Propagate the current SCM event into Codebeamer",
		Long: `Reads the GitHub event (GITHUB_EVENT_NAME / GITHUB_EVENT_PATH, or
--event-name / --event-file), resolves the SCM repository in Codebeamer,
records commits or branch changes, links referenced work items and confirms
the newest commit.

Exit status is 0 only if every commit and branch action reached Codebeamer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runSync(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.eventName, "event-name", "", "GitHub event name (default: $GITHUB_EVENT_NAME)")
	cmd.Flags().StringVar(&f.eventFile, "event-file", "", "event payload file (default: $GITHUB_EVENT_PATH)")
	cmd.Flags().StringVar(&f.repoDir, "repo-dir", ".", "local checkout read when a push lists no commits (empty disables)")
	cmd.Flags().StringVar(&f.outcomeFile, "outcome-file", "", "write the sync outcome as JSON to this file")
	cmd.Flags().BoolVar(&f.noValidate, "no-validate", false, "skip the post-sync commit confirmation")
	return cmd
}

func (c *cli) runSync(ctx context.Context, f syncFlags) error {
	log := logging.L()
	ev, err := event.Load(event.Options{
		Name:         f.eventName,
		Path:         f.eventFile,
		RepoDir:      f.repoDir,
		HistoryLimit: c.cfg.LocalHistoryLimit,
		Env:          c.getenv,
	})
	if errors.Is(err, event.ErrIgnored) {
		log.Info("nothing to synchronize", zap.String("reason", err.Error()))
		return nil
	}
	if err != nil {
		return usageError(err)
	}
	if err := c.cfg.Validate(); err != nil {
		return usageError(err)
	}

	engine, err := c.newEngine(ev, c.getenv("GITHUB_RUN_ID"))
	if err != nil {
		return usageError(err)
	}
	outcome, syncErr := engine.Sync(ctx, ev)

	if syncErr == nil && !f.noValidate {
		c.confirm(ctx, engine.Transports, outcome)
	}

	logOutcome(log, outcome)
	if f.outcomeFile != "" {
		if err := writeOutcome(f.outcomeFile, outcome); err != nil {
			log.Warn("could not write outcome file", zap.String("path", f.outcomeFile), zap.Error(err))
		}
	}
	if c.jsonOutput {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(outcome)
	} else if c.verbose {
		ui.RenderOutcome(c.stderr, outcome)
	}

	if syncErr != nil || !outcome.Propagated() {
		if syncErr == nil {
			syncErr = errors.New("not every item reached Codebeamer")
		}
		return &exitError{code: exitSyncFailed, err: syncErr}
	}
	return nil
}

// confirm runs the validator against the newest propagated commit and marks
// the outcome Validated on positive evidence. A miss is a warning only.
func (c *cli) confirm(ctx context.Context, reg *tracker.Registry, outcome *types.SyncOutcome) {
	sha := outcome.LastSHA()
	if sha == "" || outcome.Repository == nil {
		return
	}
	log := logging.L()
	tr, err := reg.New(ctx, outcome.TransportUsed)
	if err != nil {
		log.Warn("validation skipped", zap.Error(err))
		return
	}
	v := validate.New(tr, c.cfg.ValidateAttempts, c.cfg.ValidateInterval)
	v.OnWarning = func(msg string) { log.Warn(msg) }
	report := v.Check(ctx, outcome.Repository, sha)

	fields := []zap.Field{
		zap.String("sha", sha),
		zap.String("verdict", string(report.Verdict)),
		zap.Int("attempts", report.Attempts),
	}
	switch report.Verdict {
	case validate.Confirmed:
		outcome.State = types.StateValidated
		log.Info("commit confirmed in Codebeamer", fields...)
	default:
		if report.Err != nil {
			fields = append(fields, zap.Error(report.Err))
		}
		log.Warn("commit not confirmed in Codebeamer", fields...)
	}
}

func logOutcome(log *zap.Logger, o *types.SyncOutcome) {
	linked, skipped, failed := o.LinkCounts()
	fields := []zap.Field{
		zap.String("run_id", o.RunID),
		zap.String("event_kind", string(o.EventKind)),
		zap.String("repository", o.Source.FullName),
		zap.String("state", string(o.State)),
		zap.Bool("success", o.Success),
		zap.String("transport", string(o.TransportUsed)),
		zap.Int("commits", len(o.Commits)),
		zap.Strings("failed_commits", o.FailedCommits()),
		zap.Int("links_linked", linked),
		zap.Int("links_skipped", skipped),
		zap.Int("links_failed", failed),
		zap.Duration("duration", o.FinishedAt.Sub(o.StartedAt)),
	}
	if o.Repository != nil {
		fields = append(fields, zap.String("repository_id", o.Repository.RemoteID))
	}
	if len(o.Transitions) > 0 {
		changed, skipped, failed := o.TransitionCounts()
		fields = append(fields,
			zap.Int("transitions_changed", changed),
			zap.Int("transitions_skipped", skipped),
			zap.Int("transitions_failed", failed),
		)
	}
	if o.RepositoryStatus != nil {
		fields = append(fields, zap.String("repository_status", string(o.RepositoryStatus.Status)))
	}
	if !o.Success {
		fields = append(fields, zap.String("error_kind", string(o.ErrorKind)), zap.String("error", o.Error))
		log.Error("sync outcome", fields...)
		return
	}
	log.Info("sync outcome", fields...)
}

func writeOutcome(path string, o *types.SyncOutcome) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
