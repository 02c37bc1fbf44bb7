// Command cbsync propagates SCM events from a CI run or a webhook delivery
// into a Codebeamer ALM instance.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scmbridge/cbsync/internal/config"
	"github.com/scmbridge/cbsync/internal/logging"
	"github.com/scmbridge/cbsync/internal/telemetry"
)

// Exit codes.
const (
	exitOK         = 0
	exitSyncFailed = 1
	exitUsage      = 2
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error { return &exitError{code: exitUsage, err: err} }

// cli holds the state shared by all subcommands of one process.
type cli struct {
	configFile string
	jsonOutput bool
	verbose    bool

	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "cbsync",
		Short:         "Synchronize SCM events into Codebeamer ALM",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.verbose {
				logging.ConsoleMode()
				logging.SetLevel(zapcore.DebugLevel)
			} else {
				logging.JSONModeTo(c.stderr)
			}
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(config.Options{File: c.configFile, Flags: cmd.Flags()})
			if err != nil {
				return usageError(err)
			}
			c.cfg = cfg
			logging.L().Debug("configuration loaded", zap.Any("config", cfg.Redacted()))
			if err := telemetry.Init(cmd.Context(), "cbsync", Version); err != nil {
				logging.L().Warn("telemetry disabled", zap.Error(err))
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(ctx)
			logging.Sync()
		},
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.configFile, "config", "", "config file (default: ./cbsync.yaml or ./cbsync.toml if present)")
	pf.BoolVar(&c.jsonOutput, "json", false, "write machine-readable JSON to stdout")
	pf.BoolVarP(&c.verbose, "verbose", "v", false, "human-readable debug logging")
	pf.String("transport", "auto", "transport mode: auto, rest or web")
	pf.String("project-id", "", "Codebeamer project id (overrides CODEBEAMER_PROJECT_ID)")
	pf.String("repository-name", "", "repository display name (overrides CODEBEAMER_REPOSITORY_NAME)")
	pf.StringSlice("ref-link-prefixes", nil, "prefixes of PREFIX-123 tokens that name work items (e.g. TASK,PROJ)")

	root.AddCommand(
		newSyncCmd(c),
		newValidateCmd(c),
		newNotifyCmd(c),
		newServeCmd(c),
		newVersionCmd(c),
	)
	return root
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	c := &cli{stdout: stdout, stderr: stderr, getenv: getenv}
	root := newRootCmd(c)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			logging.L().Error("cbsync failed", zap.Int("exit_code", ee.code), zap.Error(ee.err))
		}
		logging.Sync()
		return ee.code
	}
	// flag and argument errors from cobra itself
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitUsage
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}
