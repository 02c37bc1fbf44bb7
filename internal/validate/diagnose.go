package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/scmbridge/cbsync/internal/codebeamer"
	"github.com/scmbridge/cbsync/internal/types"
)

// API is the subset of the REST client used for diagnostics.
type API interface {
	Project(ctx context.Context, projectID int) (*codebeamer.Project, error)
	CurrentUser(ctx context.Context) (*codebeamer.User, error)
	ListRepositories(ctx context.Context, projectID int) ([]codebeamer.Repository, error)
	ListCommits(ctx context.Context, repositoryID int) ([]codebeamer.Commit, error)
}

// Check names, in the order Diagnose runs them.
const (
	CheckProject    = "Project Connectivity"
	CheckUser       = "User Permissions"
	CheckRepository = "SCM Repository"
	CheckCommit     = "Commit Sync"
)

// CheckResult is the result of one diagnostic check.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Warning bool   `json:"warning,omitempty"`
	Detail  string `json:"detail"`
}

// Target identifies what Diagnose looks for.
type Target struct {
	ProjectID      int
	RepositoryName string // empty accepts any repository in the project
	SHA            string // empty skips the commit check
}

// Diagnose runs the project, user, repository and commit checks. Every check
// runs even when an earlier one fails, so the report shows all problems.
func Diagnose(ctx context.Context, api API, target Target) []CheckResult {
	results := []CheckResult{
		checkProject(ctx, api, target.ProjectID),
		checkUser(ctx, api),
	}

	repos, repoResult := checkRepository(ctx, api, target)
	results = append(results, repoResult)
	if target.SHA != "" {
		results = append(results, checkCommit(ctx, api, repos, target.SHA))
	}
	return results
}

// Passed counts the passed checks.
func Passed(results []CheckResult) int {
	n := 0
	for _, r := range results {
		if r.Passed {
			n++
		}
	}
	return n
}

func checkProject(ctx context.Context, api API, projectID int) CheckResult {
	res := CheckResult{Name: CheckProject}
	p, err := api.Project(ctx, projectID)
	if err != nil {
		res.Detail = fmt.Sprintf("failed to connect to project %d: %v", projectID, err)
		return res
	}
	res.Passed = true
	res.Detail = "connected to project " + nameOr(p.Name)
	return res
}

func checkUser(ctx context.Context, api API) CheckResult {
	res := CheckResult{Name: CheckUser}
	u, err := api.CurrentUser(ctx)
	if err != nil {
		res.Detail = fmt.Sprintf("failed to read current user: %v", err)
		return res
	}
	res.Passed = true
	res.Detail = fmt.Sprintf("authenticated as %s", nameOr(u.Name))
	if u.Email != "" {
		res.Detail += " (" + u.Email + ")"
	}
	if !u.SystemAdmin {
		// project permissions may still be sufficient
		res.Warning = true
		res.Detail += "; no system administrator permissions"
	}
	return res
}

func checkRepository(ctx context.Context, api API, target Target) ([]codebeamer.Repository, CheckResult) {
	res := CheckResult{Name: CheckRepository}
	repos, err := api.ListRepositories(ctx, target.ProjectID)
	if err != nil {
		res.Detail = fmt.Sprintf("failed to list repositories: %v", err)
		return nil, res
	}
	if target.RepositoryName == "" {
		res.Passed = len(repos) > 0
		res.Detail = fmt.Sprintf("found %d repositories in project", len(repos))
		return repos, res
	}
	for _, r := range repos {
		if r.Name == target.RepositoryName {
			res.Passed = true
			res.Detail = fmt.Sprintf("found repository %s (id %d)", r.Name, r.ID)
			return []codebeamer.Repository{r}, res
		}
	}
	res.Detail = fmt.Sprintf("repository %s not found among %d repositories", target.RepositoryName, len(repos))
	return nil, res
}

func checkCommit(ctx context.Context, api API, repos []codebeamer.Repository, sha string) CheckResult {
	res := CheckResult{Name: CheckCommit}
	var errs []string
	for _, r := range repos {
		commits, err := api.ListCommits(ctx, r.ID)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", r.Name, err))
			continue
		}
		for _, c := range commits {
			if strings.EqualFold(c.Revision, sha) {
				res.Passed = true
				res.Detail = fmt.Sprintf("found synced commit %s in %s", types.ShortSHA(sha), r.Name)
				return res
			}
		}
	}
	res.Detail = fmt.Sprintf("commit %s not found", types.ShortSHA(sha))
	if len(errs) > 0 {
		res.Detail += " (" + strings.Join(errs, "; ") + ")"
	}
	return res
}

func nameOr(name string) string {
	if name == "" {
		return "Unknown"
	}
	return name
}
