package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scmbridge/cbsync/internal/logging"
	"github.com/scmbridge/cbsync/internal/notification"
	"github.com/scmbridge/cbsync/internal/types"
)

func newNotifyCmd(c *cli) *cobra.Command {
	var (
		outcomeFile string
		message     string
	)
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Report a failed synchronization run",
		Long: `Dispatches a failure notification to the configured channels: the
structured log, a High priority item in Codebeamer and an optional webhook.

Always exits 0 so a notification problem never fails the pipeline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.L()

			var outcome *types.SyncOutcome
			if outcomeFile != "" {
				o, err := readOutcome(outcomeFile)
				if err != nil {
					log.Warn("ignoring unreadable outcome file", zap.String("path", outcomeFile), zap.Error(err))
				} else {
					outcome = o
				}
			}
			if outcome == nil && message != "" {
				outcome = &types.SyncOutcome{State: types.StateFailed, ErrorKind: types.ErrorInternal, Error: message}
			}

			channels := c.cfg.Notify.Channels
			if err := c.cfg.ValidateConnection(); err != nil {
				log.Warn("Codebeamer connection not configured; skipping tracker channel", zap.Error(err))
				channels = withoutTracker(channels, c.cfg.Notify.WebhookURL != "")
			}
			cfg := *c.cfg
			cfg.Notify.Channels = channels
			notifier := newNotifier(&cfg, c.runContext(types.Event{}))

			results := notifier.Dispatch(cmd.Context(), notifier.BuildPayload(outcome))
			for _, r := range results {
				if r.Success {
					log.Info("notification sent", zap.String("channel", r.Channel), zap.Int("item_id", r.ItemID))
				}
			}
			if c.jsonOutput {
				enc := json.NewEncoder(c.stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(results)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outcomeFile, "outcome-file", "", "sync outcome JSON written by 'cbsync sync --outcome-file'")
	cmd.Flags().StringVar(&message, "message", "", "failure description when no outcome file is available")
	return cmd
}

// withoutTracker removes the tracker channel, expanding the default channel
// set first.
func withoutTracker(channels []string, webhook bool) []string {
	if len(channels) == 0 {
		channels = []string{notification.ChannelLog, notification.ChannelTracker}
		if webhook {
			channels = append(channels, notification.ChannelWebhook)
		}
	}
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch != notification.ChannelTracker {
			out = append(out, ch)
		}
	}
	if len(out) == 0 {
		out = append(out, notification.ChannelLog)
	}
	return out
}

func readOutcome(path string) (*types.SyncOutcome, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator supplied path
	if err != nil {
		return nil, err
	}
	var o types.SyncOutcome
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse outcome: %w", err)
	}
	return &o, nil
}
