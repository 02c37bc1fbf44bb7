package cbweb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/scmbridge/cbsync/internal/tracker"
	"github.com/scmbridge/cbsync/internal/types"
)

// Form ids on the web UI pages.
const (
	formNewRepository = "new-repository"
	formAddNote       = "add-note"
	formAddComment    = "add-comment"
)

var repositoryHrefRe = regexp.MustCompile(`/repository/(\d+)(?:[/?#]|$)`)

// Transport implements tracker.Transport over the web UI. It is strictly
// sequential and reports success only when a read-back shows the write.
type Transport struct {
	session *Session
	repoURL string
}

var _ tracker.Transport = (*Transport)(nil)

// NewTransport returns a web transport using session.
func NewTransport(session *Session, repoURL string) *Transport {
	return &Transport{session: session, repoURL: repoURL}
}

// Kind reports TransportWeb.
func (t *Transport) Kind() types.TransportKind { return types.TransportWeb }

// FindOrCreateRepository logs in, checks project access and returns the
// repository listed under name, creating it through the new-repository form
// when absent.
func (t *Transport) FindOrCreateRepository(ctx context.Context, name, projectID string) (*types.RepositoryRecord, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("empty project id")
	}

	pp, err := t.session.get(ctx, "open project", "/project/"+projectID)
	if err != nil {
		return nil, err
	}
	if pp.Status != http.StatusOK {
		return nil, pageError("open project", pp)
	}

	listing, err := t.listing(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if id := findRepository(listing, name); id != "" {
		return t.record(id, name, projectID), nil
	}

	f := listing.formByID(formNewRepository)
	if f == nil {
		return nil, tracker.Ambiguous("create repository", "repositories page has no creation form")
	}
	values := f.Fields
	values.Set("name", name)
	if f.hasField("description") {
		values.Set("description", "Auto-synced from repository "+t.repoURL)
	}
	if f.hasField("repositoryUrl") {
		values.Set("repositoryUrl", t.repoURL)
	}
	if f.hasField("type") {
		values.Set("type", "GIT")
	}
	res, err := t.session.submit(ctx, "create repository", listing, f, values)
	if err != nil {
		return nil, err
	}
	if res.Status >= 400 {
		return nil, pageError("create repository", res)
	}

	listing, err = t.listing(ctx, projectID)
	if err != nil {
		return nil, err
	}
	id := findRepository(listing, name)
	if id == "" {
		return nil, tracker.Ambiguous("create repository", "repository "+name+" not listed after creation")
	}
	return t.record(id, name, projectID), nil
}

func (t *Transport) listing(ctx context.Context, projectID string) (*page, error) {
	p, err := t.session.get(ctx, "list repositories", "/project/"+projectID+"/repositories")
	if err != nil {
		return nil, err
	}
	if p.Status != http.StatusOK {
		return nil, pageError("list repositories", p)
	}
	return p, nil
}

// findRepository returns the id of the repository linked under name.
func findRepository(p *page, name string) string {
	for _, l := range p.links() {
		if l.Text != name {
			continue
		}
		if m := repositoryHrefRe.FindStringSubmatch(l.Href); m != nil {
			return m[1]
		}
	}
	return ""
}

func (t *Transport) record(id, name, projectID string) *types.RepositoryRecord {
	return &types.RepositoryRecord{
		RemoteID:    id,
		DisplayName: name,
		ProjectID:   projectID,
		URL:         t.repoURL,
	}
}

func (t *Transport) repositoryPage(ctx context.Context, repo *types.RepositoryRecord) (*page, error) {
	p, err := t.session.get(ctx, "open repository", "/repository/"+repo.RemoteID)
	if err != nil {
		return nil, err
	}
	if p.Status != http.StatusOK {
		return nil, pageError("open repository", p)
	}
	return p, nil
}

// PushCommit records the commit as a marker note on the repository page.
// A marker already present means the commit was recorded before.
func (t *Transport) PushCommit(ctx context.Context, repo *types.RepositoryRecord, seq int, c types.CommitEvent) (bool, error) {
	marker := commitMarker(c.SHA)
	rp, err := t.repositoryPage(ctx, repo)
	if err != nil {
		return false, err
	}
	if hasMarker(rp.text(), marker) {
		return true, nil
	}
	if err := t.postAndConfirm(ctx, "push commit", rp, formAddNote, commitNote(seq, c), func(p *page) bool {
		return hasMarker(p.text(), marker)
	}, func() (*page, error) { return t.repositoryPage(ctx, repo) }); err != nil {
		return false, err
	}
	return false, nil
}

// PushBranchEvent records a branch creation or deletion as a marker note.
// When the latest marker for the branch already states the same change, the
// call is a no-op.
func (t *Transport) PushBranchEvent(ctx context.Context, repo *types.RepositoryRecord, b types.BranchEvent) error {
	rp, err := t.repositoryPage(ctx, repo)
	if err != nil {
		return err
	}
	applied := func(p *page) bool {
		action, sha, ok := lastBranchMarker(p.text(), b.BranchName())
		if !ok || action != b.Action {
			return false
		}
		return b.Action == types.BranchDeleted || b.AtSHA == "" || strings.EqualFold(sha, b.AtSHA)
	}
	if applied(rp) {
		return nil
	}
	return t.postAndConfirm(ctx, "record branch "+string(b.Action), rp, formAddNote, branchMarker(b), applied,
		func() (*page, error) { return t.repositoryPage(ctx, repo) })
}

// LinkWorkItem comments on the work item page. A missing item page yields
// tracker.ErrNotFound.
func (t *Transport) LinkWorkItem(ctx context.Context, itemID string, c types.CommitEvent) error {
	open := func() (*page, error) {
		p, err := t.session.get(ctx, "open work item", "/issue/"+itemID)
		if err != nil {
			return nil, err
		}
		if p.Status != http.StatusOK {
			return nil, pageError("open work item", p)
		}
		return p, nil
	}
	ip, err := open()
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			return fmt.Errorf("work item %s: %w", itemID, tracker.ErrNotFound)
		}
		return err
	}

	marker := linkMarker(c.SHA)
	if hasMarker(ip.text(), marker) {
		return nil
	}
	return t.postAndConfirm(ctx, "link work item", ip, formAddComment, linkNote(c), func(p *page) bool {
		return hasMarker(p.text(), marker)
	}, open)
}

// UpdateRepositoryStatus is not available through the web UI, which has no
// form for repository metadata. It always returns tracker.ErrUnsupported.
func (t *Transport) UpdateRepositoryStatus(context.Context, *types.RepositoryRecord, types.RepositoryStatus) error {
	return fmt.Errorf("update repository status via web UI: %w", tracker.ErrUnsupported)
}

// TransitionWorkItem is not available through the web UI, whose status
// change is a workflow dialog that differs per tracker. It always returns
// tracker.ErrUnsupported.
func (t *Transport) TransitionWorkItem(_ context.Context, itemID, _ string) (string, bool, error) {
	return "", false, fmt.Errorf("transition work item %s via web UI: %w", itemID, tracker.ErrUnsupported)
}

// HasCommit looks for the commit's marker on the repository page.
func (t *Transport) HasCommit(ctx context.Context, repo *types.RepositoryRecord, sha string) (bool, error) {
	rp, err := t.repositoryPage(ctx, repo)
	if err != nil {
		return false, err
	}
	return hasMarker(rp.text(), commitMarker(sha)), nil
}

// postAndConfirm submits text through the named form on p, then re-reads
// the page and requires confirmed to hold.
func (t *Transport) postAndConfirm(ctx context.Context, op string, p *page, formID, text string, confirmed func(*page) bool, reread func() (*page, error)) error {
	f := p.formByID(formID)
	if f == nil {
		return tracker.Ambiguous(op, "page has no "+formID+" form")
	}
	field := "text"
	if formID == formAddComment {
		field = "comment"
	}
	if !f.hasField(field) {
		field = f.fieldOfType("textarea")
	}
	if field == "" {
		return tracker.Ambiguous(op, formID+" form has no text field")
	}
	values := f.Fields
	values.Set(field, text)

	res, err := t.session.submit(ctx, op, p, f, values)
	if err != nil {
		return err
	}
	if res.Status >= 400 {
		return pageError(op, res)
	}

	after, err := reread()
	if err != nil {
		return err
	}
	if !confirmed(after) {
		return tracker.Ambiguous(op, "change not visible after submission")
	}
	return nil
}
