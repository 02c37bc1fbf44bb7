package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scmbridge/cbsync/internal/ui"
	"github.com/scmbridge/cbsync/internal/validate"
)

func newValidateCmd(c *cli) *cobra.Command {
	var sha string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check connectivity, permissions, the SCM repository and a commit",
		Long: `Runs read-only diagnostics against Codebeamer: project connectivity,
user permissions, presence of the SCM repository and, when a commit is given
(--sha or $GITHUB_SHA), whether Codebeamer records it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.cfg.ValidateConnection(); err != nil {
				return usageError(err)
			}
			repoURL := c.cfg.RepoURL(githubRepoURL(c.getenv))
			target := validate.Target{
				ProjectID:      c.cfg.ProjectNumber(),
				RepositoryName: c.cfg.RepoDisplayName(repoURL),
				SHA:            firstNonEmpty(sha, c.getenv("GITHUB_SHA")),
			}
			results := validate.Diagnose(cmd.Context(), newClient(c.cfg), target)

			passed := validate.Passed(results)
			if c.jsonOutput {
				enc := json.NewEncoder(c.stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(map[string]interface{}{
					"passed":  passed,
					"total":   len(results),
					"results": results,
				})
			} else {
				ui.RenderDiagnostics(c.stderr, results)
			}
			if passed < len(results) {
				return &exitError{code: exitSyncFailed, err: fmt.Errorf("%d of %d checks failed", len(results)-passed, len(results))}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sha, "sha", "", "commit to look for (default: $GITHUB_SHA)")
	return cmd
}

// githubRepoURL derives the repository URL from the Actions environment.
func githubRepoURL(getenv func(string) string) string {
	repo := getenv("GITHUB_REPOSITORY")
	if repo == "" {
		return ""
	}
	server := firstNonEmpty(getenv("GITHUB_SERVER_URL"), "https://github.com")
	return server + "/" + repo
}
