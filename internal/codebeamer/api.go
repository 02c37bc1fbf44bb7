package codebeamer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/scmbridge/cbsync/internal/tracker"
	"github.com/scmbridge/cbsync/internal/types"
)

// CurrentUser returns the account the client authenticates as.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.getJSON(ctx, "get current user", "/user", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Project fetches a project by id.
func (c *Client) Project(ctx context.Context, projectID int) (*Project, error) {
	var p Project
	if err := c.getJSON(ctx, "get project", fmt.Sprintf("/projects/%d", projectID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListRepositories returns the SCM repositories of a project.
func (c *Client) ListRepositories(ctx context.Context, projectID int) ([]Repository, error) {
	var repos []Repository
	if err := c.getJSON(ctx, "list repositories", fmt.Sprintf("/projects/%d/scmRepositories", projectID), &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// CreateRepository creates an SCM repository. It returns conflict=true, and
// no repository, when the server reports that it already exists.
func (c *Client) CreateRepository(ctx context.Context, projectID int, req RepositoryRequest) (repo *Repository, conflict bool, err error) {
	req.ProjectID = projectID
	if req.Type == "" {
		req.Type = "GIT"
	}
	status, body, err := c.call(ctx, "create repository", http.MethodPost,
		fmt.Sprintf("/projects/%d/scmRepositories", projectID), req, http.StatusConflict)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusConflict {
		return nil, true, nil
	}

	var created Repository
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, false, &tracker.RemoteError{Op: "create repository", Message: "parse response", Err: err}
	}
	return &created, false, nil
}

// UpdateRepository writes status metadata onto a repository record.
func (c *Client) UpdateRepository(ctx context.Context, repositoryID int, req RepositoryStatusRequest) error {
	_, _, err := c.call(ctx, "update repository", http.MethodPut,
		fmt.Sprintf("/scmRepositories/%d", repositoryID), req)
	return err
}

// CreateCommit records a commit on a repository. A 409 answer means the
// revision is already recorded and is reported as existed=true.
func (c *Client) CreateCommit(ctx context.Context, repositoryID int, req CommitRequest) (existed bool, err error) {
	req.RepositoryID = repositoryID
	status, _, err := c.call(ctx, "push commit", http.MethodPost,
		fmt.Sprintf("/scmRepositories/%d/commits", repositoryID), req, http.StatusConflict)
	if err != nil {
		return false, err
	}
	return status == http.StatusConflict, nil
}

// ListCommits returns the commits recorded on a repository.
func (c *Client) ListCommits(ctx context.Context, repositoryID int) ([]Commit, error) {
	var commits []Commit
	if err := c.getJSON(ctx, "list commits", fmt.Sprintf("/scmRepositories/%d/commits", repositoryID), &commits); err != nil {
		return nil, err
	}
	return commits, nil
}

// CreateBranch records a new branch. An existing branch is not an error.
func (c *Client) CreateBranch(ctx context.Context, repositoryID int, req BranchRequest) error {
	_, _, err := c.call(ctx, "create branch", http.MethodPost,
		fmt.Sprintf("/scmRepositories/%d/branches", repositoryID), req, http.StatusConflict)
	return err
}

// DeleteBranch removes a branch record. A branch that is already gone is
// not an error.
func (c *Client) DeleteBranch(ctx context.Context, repositoryID int, name string) error {
	_, _, err := c.call(ctx, "delete branch", http.MethodDelete,
		fmt.Sprintf("/scmRepositories/%d/branches/%s", repositoryID, url.PathEscape(name)), nil, http.StatusNotFound)
	return err
}

// GetItem fetches a tracker item. A missing item yields tracker.ErrNotFound.
func (c *Client) GetItem(ctx context.Context, itemID string) (*Item, error) {
	var item Item
	if err := c.getJSON(ctx, "get item", "/items/"+url.PathEscape(itemID), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateItemStatus moves a tracker item to status. Items already in a final
// state, or already in status, are left alone. It returns the status the
// item had and whether it changed.
func (c *Client) UpdateItemStatus(ctx context.Context, itemID, status string) (from string, changed bool, err error) {
	item, err := c.GetItem(ctx, itemID)
	if err != nil {
		return "", false, err
	}
	if item.Status != nil {
		from = item.Status.Name
	}
	if types.FinalItemStatus(from) || strings.EqualFold(from, status) {
		return from, false, nil
	}
	if _, _, err := c.call(ctx, "update item status", http.MethodPut,
		"/items/"+url.PathEscape(itemID), ItemStatusRequest{Status: NamedRef{Name: status}}); err != nil {
		return from, false, err
	}
	return from, true, nil
}

// AddComment posts a comment on a tracker item.
func (c *Client) AddComment(ctx context.Context, itemID, text, format string) error {
	if format == "" {
		format = FormatPlainText
	}
	_, _, err := c.call(ctx, "add comment", http.MethodPost,
		"/items/"+url.PathEscape(itemID)+"/comments",
		CommentRequest{Comment: text, CommentFormat: format})
	return err
}

// CreateItem creates a tracker item in a project, or in a specific tracker
// when req.TrackerID is set.
func (c *Client) CreateItem(ctx context.Context, projectID int, req ItemRequest) (*Item, error) {
	path := fmt.Sprintf("/projects/%d/items", projectID)
	if req.TrackerID != 0 {
		path = fmt.Sprintf("/trackers/%d/items", req.TrackerID)
	} else {
		req.ProjectID = projectID
	}

	_, body, err := c.call(ctx, "create item", http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}
	var item Item
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, &tracker.RemoteError{Op: "create item", Message: "parse response", Err: err}
	}
	return &item, nil
}
