package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scmbridge/cbsync/internal/types"
)

// ErrIgnored marks events that are valid GitHub events but carry nothing to
// synchronize, such as tag creation. Callers exit successfully on it.
var ErrIgnored = errors.New("event ignored")

// Env supplies the Actions environment variables, usually os.Getenv.
type Env func(key string) string

func (e Env) get(key string) string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e(key))
}

// Parse converts a GitHub event payload into an engine event. env fills in
// what the payload leaves out (GITHUB_SHA for create events, for instance).
func Parse(name string, payload []byte, env Env) (types.Event, error) {
	switch name {
	case NamePush:
		var p PushPayload
		if err := decode(name, payload, &p); err != nil {
			return types.Event{}, err
		}
		return fromPush(p, env)

	case NamePullRequest:
		var p PullRequestPayload
		if err := decode(name, payload, &p); err != nil {
			return types.Event{}, err
		}
		return fromPullRequest(p, env), nil

	case NameCreate, NameDelete:
		var p RefPayload
		if err := decode(name, payload, &p); err != nil {
			return types.Event{}, err
		}
		return fromRef(name, p, env)
	}
	return types.Event{}, fmt.Errorf("%w: unsupported event %q", ErrIgnored, name)
}

func decode(name string, payload []byte, v interface{}) error {
	if len(strings.TrimSpace(string(payload))) == 0 {
		// Actions runs triggered without a payload file
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("parse %s payload: %w", name, err)
	}
	return nil
}

func identity(r Repository, env Env) types.RepositoryIdentity {
	id := types.RepositoryIdentity{FullName: r.FullName, URL: r.HTMLURL}
	if id.FullName == "" {
		id.FullName = env.get("GITHUB_REPOSITORY")
	}
	if id.URL == "" && id.FullName != "" {
		server := strings.TrimSuffix(env.get("GITHUB_SERVER_URL"), "/")
		if server == "" {
			server = "https://github.com"
		}
		id.URL = server + "/" + id.FullName
	}
	return id
}

func actor(u User, env Env) string {
	if a := env.get("GITHUB_ACTOR"); a != "" {
		return a
	}
	return u.Login
}

func fromPush(p PushPayload, env Env) (types.Event, error) {
	ref := firstNonEmpty(p.Ref, env.get("GITHUB_REF"))
	ev := types.Event{
		Kind:       types.EventPush,
		Repository: identity(p.Repository, env),
		Ref:        ref,
		SHA:        firstNonEmpty(p.After, env.get("GITHUB_SHA")),
		Actor:      actor(p.Sender, env),
	}

	if p.Deleted {
		// a push that removes the branch carries no commits
		ev.Kind = types.EventBranchDelete
		ev.SHA = ""
		ev.Branch = &types.BranchEvent{BranchRef: branchRef(ref), Action: types.BranchDeleted}
		return ev, nil
	}

	for _, c := range p.Commits {
		ce, err := commitEvent(c, ref)
		if err != nil {
			return types.Event{}, err
		}
		ev.Commits = append(ev.Commits, ce)
	}
	return ev, nil
}

func commitEvent(c Commit, ref string) (types.CommitEvent, error) {
	ce := types.CommitEvent{
		SHA:         c.ID,
		Message:     c.Message,
		AuthorName:  firstNonEmpty(c.Author.Name, c.Author.Username),
		AuthorEmail: c.Author.Email,
		BranchRef:   ref,
	}
	if c.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, c.Timestamp)
		if err != nil {
			return types.CommitEvent{}, fmt.Errorf("commit %s: bad timestamp %q: %w", types.ShortSHA(c.ID), c.Timestamp, err)
		}
		ce.Timestamp = ts.UTC()
	}
	return ce, nil
}

func fromPullRequest(p PullRequestPayload, env Env) types.Event {
	pr := p.PullRequest
	number := pr.Number
	if number == 0 {
		number = p.Number
	}
	return types.Event{
		Kind:       types.EventPullRequest,
		Repository: identity(p.Repository, env),
		Ref:        env.get("GITHUB_REF"),
		SHA:        firstNonEmpty(pr.MergeCommitSHA, pr.Head.SHA, env.get("GITHUB_SHA")),
		Actor:      actor(p.Sender, env),
		PullRequest: &types.PullRequest{
			Number:         number,
			Action:         p.Action,
			Title:          pr.Title,
			Merged:         pr.Merged,
			MergeCommitSHA: pr.MergeCommitSHA,
			BaseRef:        branchRef(pr.Base.Ref),
			HeadRef:        branchRef(pr.Head.Ref),
		},
	}
}

func fromRef(name string, p RefPayload, env Env) (types.Event, error) {
	if p.RefType != "" && p.RefType != "branch" {
		return types.Event{}, fmt.Errorf("%w: %s of %s %q", ErrIgnored, name, p.RefType, p.Ref)
	}
	ref := branchRef(firstNonEmpty(p.Ref, env.get("GITHUB_REF")))
	if ref == "" {
		return types.Event{}, fmt.Errorf("%s event without ref", name)
	}

	ev := types.Event{
		Repository: identity(p.Repository, env),
		Ref:        ref,
		Actor:      actor(p.Sender, env),
	}
	if name == NameCreate {
		ev.Kind = types.EventBranchCreate
		ev.SHA = env.get("GITHUB_SHA")
		ev.Branch = &types.BranchEvent{BranchRef: ref, Action: types.BranchCreated, AtSHA: ev.SHA}
	} else {
		ev.Kind = types.EventBranchDelete
		ev.Branch = &types.BranchEvent{BranchRef: ref, Action: types.BranchDeleted}
	}
	return ev, nil
}

// branchRef qualifies a short branch name with refs/heads/.
func branchRef(ref string) string {
	if ref == "" || strings.HasPrefix(ref, "refs/") {
		return ref
	}
	return "refs/heads/" + ref
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
