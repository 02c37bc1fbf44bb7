package event

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/scmbridge/cbsync/internal/types"
)

// DefaultHistoryLimit bounds the local history read for pushes whose payload
// lists no commits.
const DefaultHistoryLimit = 10

// Options locate the event to load.
type Options struct {
	Name string // event name; GITHUB_EVENT_NAME when empty
	Path string // payload file; GITHUB_EVENT_PATH when empty

	// RepoDir is the local checkout read when a push lists no commits, and
	// described in the event's snapshot. Empty disables both.
	RepoDir      string
	HistoryLimit int

	Env Env
}

// Load reads and parses the event described by opts.
func Load(opts Options) (types.Event, error) {
	env := opts.Env
	if env == nil {
		env = os.Getenv
	}
	name := firstNonEmpty(opts.Name, env.get("GITHUB_EVENT_NAME"))
	if name == "" {
		return types.Event{}, errors.New("no event name: set GITHUB_EVENT_NAME or pass --event-name")
	}

	var payload []byte
	if path := firstNonEmpty(opts.Path, env.get("GITHUB_EVENT_PATH")); path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - path comes from the runner
		if err != nil {
			return types.Event{}, fmt.Errorf("read event payload: %w", err)
		}
		payload = data
	}

	ev, err := Parse(name, payload, env)
	if err != nil {
		return types.Event{}, err
	}

	if ev.Kind == types.EventPush && len(ev.Commits) == 0 && opts.RepoDir != "" {
		limit := opts.HistoryLimit
		if limit <= 0 {
			limit = DefaultHistoryLimit
		}
		commits, err := LocalHistory(opts.RepoDir, limit, ev.Ref)
		if err != nil {
			return types.Event{}, fmt.Errorf("push payload lists no commits and local history is unavailable: %w", err)
		}
		ev.Commits = commits
		if ev.SHA == "" && len(commits) > 0 {
			ev.SHA = commits[len(commits)-1].SHA
		}
	}
	if opts.RepoDir != "" {
		// the snapshot only feeds best-effort status metadata
		if snap, err := Snapshot(opts.RepoDir); err == nil {
			ev.Snapshot = snap
		}
	}
	return ev, nil
}

// Snapshot describes the checkout at dir: its current branch ("detached"
// for a detached HEAD), the number of commits reachable from HEAD, and the
// remote branches, or the local ones when there is no remote. A shallow
// clone counts only the commits it has.
func Snapshot(dir string) (*types.RepositorySnapshot, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	snap := &types.RepositorySnapshot{CurrentBranch: "detached"}
	if head.Name().IsBranch() {
		snap.CurrentBranch = head.Name().Short()
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()
	err = iter.ForEach(func(*object.Commit) error {
		snap.TotalCommits++
		return nil
	})
	if err != nil && !errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("walk log: %w", err)
	}

	refs, err := repo.References()
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	remote, local := map[string]bool{}, map[string]bool{}
	_ = refs.ForEach(func(r *plumbing.Reference) error {
		name := r.Name()
		switch {
		case name.IsRemote():
			short := name.Short()
			if i := strings.IndexByte(short, '/'); i >= 0 {
				short = short[i+1:]
			}
			if short != "HEAD" {
				remote[short] = true
			}
		case name.IsBranch():
			local[name.Short()] = true
		}
		return nil
	})
	names := remote
	if len(names) == 0 {
		names = local
	}
	for n := range names {
		snap.Branches = append(snap.Branches, n)
	}
	sort.Strings(snap.Branches)
	return snap, nil
}

