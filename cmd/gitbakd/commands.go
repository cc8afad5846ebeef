package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bashhack/gitbakd/internal/config"
	"github.com/bashhack/gitbakd/internal/control"
	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
	"github.com/bashhack/gitbakd/internal/history"
	"github.com/bashhack/gitbakd/internal/notify"
)

// forceExitAfter is how long after a signal the process exits even if
// shutdown has not finished.
const forceExitAfter = stopTimeout + 5*time.Second

// newRootCmd builds the command tree. It is rebuilt per invocation so tests
// start from fresh flag state.
func newRootCmd(info config.VersionInfo) *cobra.Command {
	root := &cobra.Command{
		Use:   "gitbakd",
		Short: "Commit a git working tree automatically as it changes",
		Long: `gitbakd watches a git working tree and commits changes as they settle.
Each commit passes a rate limit, a protected-branch guard, a secret scan and
optional pre-flight checks. Running without a subcommand starts the agent.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, info)
		},
	}
	config.New().SetupFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the agent in the foreground",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAgent(cmd, info)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				app := NewApp(AppOptions{Config: &config.Config{VersionInfo: info}, Stdout: cmd.OutOrStdout()})
				app.ShowVersion()
				return nil
			},
		},
		newStatusCmd(),
		newMetricsCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newCommitCmd(),
		newUndoCmd(),
		newStashCmd(),
		newStashPopCmd(),
		newNotificationsCmd(),
		newCredentialCmd(),
		newHistoryCmd(),
	)
	return root
}

func runAgent(cmd *cobra.Command, info config.VersionInfo) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	cfg.VersionInfo = info

	app := NewApp(AppOptions{Config: cfg, Stdout: cmd.OutOrStdout(), Stderr: cmd.ErrOrStderr()})
	if err := app.Initialize(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	done := make(chan struct{})
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			_, _ = fmt.Fprintf(app.Stdout, "\nReceived signal %v, stopping gitbakd...\n", sig)
			cancel()
		case <-done:
			return
		}

		select {
		case <-done:
		case <-time.After(forceExitAfter):
			app.CleanupOnSignal()
			app.exit(0)
		}
	}()

	err = app.Run(ctx)
	close(done)
	if err != nil {
		_ = app.Close()
		return err
	}
	app.PrintSummary()
	return app.Close()
}

// clientFor resolves the control socket of the agent for the selected repository.
func clientFor(cmd *cobra.Command) (*control.Client, *config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	return control.NewClient(cfg.SocketPath()), cfg, nil
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the agent's state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := clientFor(cmd)
			if err != nil {
				return err
			}
			state, err := client.State(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), state)
			}
			newPrinter(cmd.OutOrStdout()).state(state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the state as JSON")
	return cmd
}

func newMetricsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show counters for the running session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := clientFor(cmd)
			if err != nil {
				return err
			}
			m, err := client.Metrics(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), m)
			}
			newPrinter(cmd.OutOrStdout()).metrics(m)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the metrics as JSON")
	return cmd
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop committing; changes keep accumulating",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := clientFor(cmd)
			if err != nil {
				return err
			}
			if _, err := client.Pause(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("⏸️  gitbakd paused")
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume committing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := clientFor(cmd)
			if err != nil {
				return err
			}
			state, err := client.Resume(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("▶️  gitbakd resumed (%d pending changes)\n", state.PendingChanges)
			return nil
		},
	}
}

func newCommitCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit pending changes now",
		Long:  "Commit pending changes now, even while paused. Without -m the message is generated from the changes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := clientFor(cmd)
			if err != nil {
				return err
			}
			result, err := client.Commit(cmd.Context(), message)
			if err != nil {
				if gitbakdErrors.Is(err, gitbakdErrors.ErrNothingToCommit) {
					cmd.Println("nothing to commit")
					return nil
				}
				return err
			}
			newPrinter(cmd.OutOrStdout()).commit(result)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Commit message")
	return cmd
}

func newUndoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Undo the last commit, keeping its changes in the working tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := clientFor(cmd)
			if err != nil {
				return err
			}
			undone, err := client.Undo(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("↩️  Undid %s %s\n", shortHash(undone.Hash), undone.Subject)
			return nil
		},
	}
}

func newStashCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "stash",
		Short: "Stash uncommitted changes and drop them from the pending set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := clientFor(cmd)
			if err != nil {
				return err
			}
			stashed, err := client.Stash(cmd.Context(), message)
			if err != nil {
				return err
			}
			if !stashed {
				cmd.Println("no local changes to stash")
				return nil
			}
			cmd.Println("📦 Changes stashed")
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Stash message")
	return cmd
}

func newStashPopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stash-pop",
		Short: "Re-apply the most recent stash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := clientFor(cmd)
			if err != nil {
				return err
			}
			if err := client.StashPop(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("📦 Stash applied")
			return nil
		},
	}
}

func newNotificationsCmd() *cobra.Command {
	var (
		limit  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"events"},
		Short:   "Show recent notifications",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := clientFor(cmd)
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())

			events, err := client.Notifications(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for i := len(events) - 1; i >= 0; i-- {
				p.event(events[i])
			}
			if !follow {
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = client.Follow(ctx, func(e notify.Event) { p.event(e) })
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of recent notifications to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new notifications")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var (
		query string
		kind  string
		since time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Search what the agent has done",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.HistoryDB == historyInMemory {
				return gitbakdErrors.Errorf("%w: history_db is %q, nothing is persisted", gitbakdErrors.ErrValidation, historyInMemory)
			}
			store, err := history.OpenSQLite(cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			q := history.Query{Text: query, Kind: history.Kind(kind), Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			entries, err := store.Search(cmd.Context(), q)
			if err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).history(entries)
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Match messages, hashes and file paths")
	cmd.Flags().StringVar(&kind, "kind", "", "Only show commit, push, undo, stash or error entries")
	cmd.Flags().DurationVar(&since, "since", 0, "Only show entries newer than this (e.g. 24h)")
	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultSearchLimit, "Maximum entries to show")
	return cmd
}

// readMaterial reads key material from path, or stdin when path is empty or "-".
func readMaterial(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gitbakdErrors.Wrapf(err, "failed to read %s", path)
	}
	return data, nil
}
