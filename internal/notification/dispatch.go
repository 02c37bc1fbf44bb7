// Package notification reports failed synchronization runs. A failure is
// dispatched to the configured channels: the structured log, a failure item
// in the ALM tracker, and an optional webhook. Notification never fails the
// pipeline; channel errors are returned for logging only.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/scmbridge/cbsync/internal/codebeamer"
	"github.com/scmbridge/cbsync/internal/tracker"
	"github.com/scmbridge/cbsync/internal/types"
)

// Channel names.
const (
	ChannelLog     = "log"
	ChannelTracker = "tracker"
	ChannelWebhook = "webhook"
)

// ItemCreator is the part of the ALM client the tracker channel uses.
type ItemCreator interface {
	CreateItem(ctx context.Context, projectID int, req codebeamer.ItemRequest) (*codebeamer.Item, error)
	AddComment(ctx context.Context, itemID, text, format string) error
}

// RunContext describes the CI run that triggered the invocation.
type RunContext struct {
	Repository string // owner/name
	SHA        string
	Ref        string
	Actor      string
	RunID      string
	ServerURL  string // e.g. https://github.com
}

// RunURL links to the CI run log, or "" when unknown.
func (r RunContext) RunURL() string {
	if r.Repository == "" || r.RunID == "" {
		return ""
	}
	server := strings.TrimSuffix(r.ServerURL, "/")
	if server == "" {
		server = "https://github.com"
	}
	return fmt.Sprintf("%s/%s/actions/runs/%s", server, r.Repository, r.RunID)
}

// FailurePayload is the notification sent for a failed run.
type FailurePayload struct {
	Type                string                `json:"type"` // "sync_failure"
	RunID               string                `json:"run_id"`
	Repository          string                `json:"repository"`
	SHA                 string                `json:"sha,omitempty"`
	Ref                 string                `json:"ref,omitempty"`
	Actor               string                `json:"actor,omitempty"`
	RunURL              string                `json:"run_url,omitempty"`
	ErrorKind           types.ErrorKind       `json:"error_kind,omitempty"`
	Error               string                `json:"error,omitempty"`
	TransportsAttempted []types.TransportKind `json:"transports_attempted,omitempty"`
	FailedCommits       []string              `json:"failed_commits,omitempty"`
	Time                time.Time             `json:"time"`
}

// Options configures the channels.
type Options struct {
	// Channels to notify, in order. Empty means log and tracker, plus
	// webhook when WebhookURL is set.
	Channels   []string
	ProjectID  int
	TrackerID  int    // optional; items go to the project's default tracker otherwise
	Assignee   string // optional; usually the sync account
	WebhookURL string
}

// DispatchResult records the outcome of one channel.
type DispatchResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	ItemID  int    `json:"item_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Notifier dispatches failure notifications. It implements
// tracker.FailureRecorder.
type Notifier struct {
	items      ItemCreator
	opts       Options
	run        RunContext
	logger     *zap.Logger
	httpClient *http.Client
	now        func() time.Time
}

var _ tracker.FailureRecorder = (*Notifier)(nil)

// New creates a notifier. items may be nil when the tracker channel is not
// used; logger may be nil.
func New(items ItemCreator, opts Options, run RunContext, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		items:      items,
		opts:       opts,
		run:        run,
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Record dispatches a notification for a failed outcome. The returned error
// aggregates channel failures; callers log it and carry on.
func (n *Notifier) Record(ctx context.Context, outcome *types.SyncOutcome) error {
	var result *multierror.Error
	for _, r := range n.Dispatch(ctx, n.BuildPayload(outcome)) {
		if !r.Success {
			result = multierror.Append(result, fmt.Errorf("%s: %s", r.Channel, r.Error))
		}
	}
	return result.ErrorOrNil()
}

// BuildPayload creates the payload for outcome, which may be nil when the
// failure happened before the engine ran.
func (n *Notifier) BuildPayload(outcome *types.SyncOutcome) *FailurePayload {
	p := &FailurePayload{
		Type:       "sync_failure",
		RunID:      n.run.RunID,
		Repository: n.run.Repository,
		SHA:        n.run.SHA,
		Ref:        n.run.Ref,
		Actor:      n.run.Actor,
		RunURL:     n.run.RunURL(),
		Time:       n.now(),
	}
	if outcome == nil {
		return p
	}
	if p.Repository == "" {
		p.Repository = outcome.Source.FullName
	}
	if p.RunID == "" {
		p.RunID = outcome.RunID
	}
	p.ErrorKind = outcome.ErrorKind
	p.Error = outcome.Error
	p.TransportsAttempted = outcome.TransportsAttempted
	p.FailedCommits = outcome.FailedCommits()
	return p
}

// Dispatch sends payload to every configured channel.
func (n *Notifier) Dispatch(ctx context.Context, payload *FailurePayload) []DispatchResult {
	var results []DispatchResult
	for _, ch := range n.channels() {
		results = append(results, n.dispatchToChannel(ctx, payload, ch))
	}
	return results
}

func (n *Notifier) channels() []string {
	if len(n.opts.Channels) > 0 {
		return n.opts.Channels
	}
	chs := []string{ChannelLog, ChannelTracker}
	if n.opts.WebhookURL != "" {
		chs = append(chs, ChannelWebhook)
	}
	return chs
}

func (n *Notifier) dispatchToChannel(ctx context.Context, payload *FailurePayload, channel string) DispatchResult {
	result := DispatchResult{Channel: channel}

	switch channel {
	case ChannelLog:
		n.logNotification(payload)
		result.Success = true

	case ChannelTracker:
		id, err := n.createFailureItem(ctx, payload)
		result.ItemID = id
		result.Success = err == nil
		if err != nil {
			result.Error = err.Error()
		}

	case ChannelWebhook:
		if n.opts.WebhookURL == "" {
			result.Error = "no webhook URL configured"
			break
		}
		err := n.sendWebhook(ctx, payload)
		result.Success = err == nil
		if err != nil {
			result.Error = err.Error()
		}

	default:
		result.Error = fmt.Sprintf("unknown channel type: %s", channel)
	}

	if !result.Success {
		n.logger.Warn("notification channel failed", zap.String("channel", channel), zap.String("error", result.Error))
	}
	return result
}

func (n *Notifier) logNotification(p *FailurePayload) {
	n.logger.Error("synchronization failure",
		zap.String("repository", p.Repository),
		zap.String("sha", p.SHA),
		zap.String("ref", p.Ref),
		zap.String("actor", p.Actor),
		zap.String("run_id", p.RunID),
		zap.String("run_url", p.RunURL),
		zap.String("error_kind", string(p.ErrorKind)),
		zap.String("error", p.Error),
		zap.Any("transports_attempted", p.TransportsAttempted),
		zap.Strings("failed_commits", p.FailedCommits),
	)
}

// createFailureItem files a High priority item, then adds the alert comment.
// A failed comment does not undo the item.
func (n *Notifier) createFailureItem(ctx context.Context, p *FailurePayload) (int, error) {
	if n.items == nil {
		return 0, fmt.Errorf("no ALM client configured")
	}
	if n.opts.ProjectID == 0 && n.opts.TrackerID == 0 {
		return 0, fmt.Errorf("no project configured for failure items")
	}

	req := codebeamer.ItemRequest{
		Name:        "GitHub Sync Failure - " + p.Time.Format("2006-01-02 15:04"),
		Description: itemDescription(p),
		Priority:    &codebeamer.NamedRef{Name: "High"},
		Status:      &codebeamer.NamedRef{Name: "New"},
		TrackerID:   n.opts.TrackerID,
	}
	if n.opts.Assignee != "" {
		req.AssignedTo = []codebeamer.NamedRef{{Name: n.opts.Assignee}}
	}
	item, err := n.items.CreateItem(ctx, n.opts.ProjectID, req)
	if err != nil {
		return 0, fmt.Errorf("create failure item: %w", err)
	}
	n.logger.Info("created failure item", zap.Int("item_id", item.ID))

	if err := n.items.AddComment(ctx, fmt.Sprint(item.ID), alertComment(p), codebeamer.FormatWiki); err != nil {
		n.logger.Warn("failed to add notification comment", zap.Int("item_id", item.ID), zap.Error(err))
	}
	return item.ID, nil
}

func itemDescription(p *FailurePayload) string {
	var b strings.Builder
	b.WriteString("GitHub to Codebeamer synchronization failed.\n\n")
	b.WriteString("**Details:**\n")
	fmt.Fprintf(&b, "- Repository: %s\n", orUnknown(p.Repository))
	fmt.Fprintf(&b, "- Commit SHA: %s\n", orUnknown(p.SHA))
	fmt.Fprintf(&b, "- Branch/Ref: %s\n", orUnknown(p.Ref))
	fmt.Fprintf(&b, "- Triggered by: %s\n", orUnknown(p.Actor))
	fmt.Fprintf(&b, "- Run ID: %s\n", orUnknown(p.RunID))
	fmt.Fprintf(&b, "- Failure Time: %s\n", p.Time.Format(time.RFC3339))
	if p.ErrorKind != "" {
		fmt.Fprintf(&b, "- Error kind: %s\n", p.ErrorKind)
	}
	if len(p.TransportsAttempted) > 0 {
		labels := make([]string, len(p.TransportsAttempted))
		for i, t := range p.TransportsAttempted {
			labels[i] = t.Label()
		}
		fmt.Fprintf(&b, "- Transports attempted: %s\n", strings.Join(labels, ", "))
	}
	if len(p.FailedCommits) > 0 {
		fmt.Fprintf(&b, "- Failed commits: %s\n", strings.Join(p.FailedCommits, ", "))
	}
	if p.Error != "" {
		fmt.Fprintf(&b, "\n**Error:**\n%s\n", p.Error)
	}
	b.WriteString("\n**Action Required:**\nPlease investigate the synchronization failure and ensure proper connectivity between GitHub and Codebeamer.\n")
	if p.RunURL != "" {
		fmt.Fprintf(&b, "\n**GitHub Actions Log:**\n%s\n", p.RunURL)
	}
	return b.String()
}

func alertComment(p *FailurePayload) string {
	var b strings.Builder
	b.WriteString("**GitHub Synchronization Failure Alert**\n\n")
	fmt.Fprintf(&b, "The automated synchronization from GitHub repository `%s` to Codebeamer has failed.\n\n", orUnknown(p.Repository))
	fmt.Fprintf(&b, "**Failed Commit:** %s\n", orUnknown(types.ShortSHA(p.SHA)))
	fmt.Fprintf(&b, "**Branch:** %s\n", orUnknown(types.BranchName(p.Ref)))
	fmt.Fprintf(&b, "**Triggered by:** %s\n", orUnknown(p.Actor))
	fmt.Fprintf(&b, "**Time:** %s\n\n", p.Time.Format("2006-01-02 15:04:05 UTC"))
	b.WriteString("Please check the GitHub Actions logs for detailed error information and resolve the synchronization issue promptly.\n")
	return b.String()
}

func (n *Notifier) sendWebhook(ctx context.Context, payload *FailurePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.opts.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cbsync-Event", payload.Type)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
