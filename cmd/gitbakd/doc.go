// Package main implements gitbakd, an agent that commits a git working tree
// as it changes.
//
// Running gitbakd with no subcommand starts the agent in the foreground. The
// other subcommands talk to a running agent over its control socket.
//
// # Basic Usage
//
//	gitbakd                          # Watch the current repository
//	gitbakd --auto-push              # Push after every commit
//	gitbakd status                   # Show state and pending changes
//	gitbakd pause | resume           # Hold or release automatic commits
//	gitbakd commit -m "message"      # Commit now, even while paused
//	gitbakd undo                     # Undo the last commit, keep its changes
//	gitbakd stash | stash-pop        # Set changes aside and bring them back
//	gitbakd notifications --follow   # Stream notifications
//	gitbakd history -q parser        # Search recorded operations
//	gitbakd credential store -f KEY  # Store the SSH key used for pushes
//
// # Configuration
//
// Settings are read from <repo>/.gitbakd.yaml, then GITBAKD_* environment
// variables, then flags. Common flags:
//
//	--repo                Repository to watch (env: GITBAKD_REPO_PATH)
//	--debounce-ms         Quiet period before committing (env: GITBAKD_DEBOUNCE_MS)
//	--min-changes         Batch size threshold (env: GITBAKD_MIN_CHANGES)
//	--rate-limit          Commits per window (env: GITBAKD_RATE_LIMIT)
//	--protected-branches  Extra protected branches (env: GITBAKD_PROTECTED_BRANCHES)
//	--force-protected     Allow protected branches (env: GITBAKD_FORCE_PROTECTED)
//	--auto-push           Push after commits (env: GITBAKD_AUTO_PUSH)
//	--preflight           Run pre-flight checks (env: GITBAKD_PREFLIGHT)
//	--history-db          History database, "memory" to disable (env: GITBAKD_HISTORY_DB)
//	--debug               Write a log file (env: GITBAKD_DEBUG)
//
// # Signals
//
// SIGINT, SIGTERM and SIGHUP stop the agent gracefully: an in-flight commit
// finishes, the control socket is removed and a session summary is printed.
package main
