// Package gitbakd is an agent that commits a git working tree as it changes.
//
// gitbakd watches a repository, waits for edits to settle, and commits them
// with a conventional-commit message derived from what changed. Every commit
// goes through a set of safety gates before it reaches git, and commits can
// optionally be pushed with a dedicated SSH key that the agent keeps healthy.
//
// # Quick Start
//
//	# Navigate to your Git repository
//	cd /path/to/your/repo
//
//	# Start the agent in the foreground
//	gitbakd
//
//	# From another terminal
//	gitbakd status
//	gitbakd commit -m "wip: checkpoint"
//	gitbakd undo
//
//	# Press Ctrl+C in the first terminal to stop
//
// # Key Features
//
//   - Debounced change detection: bursts of edits become one commit
//   - Commit strategies: urgent paths commit at once, thresholds batch small edits
//   - Safety gates: rate limit, protected branches, secret scan, pre-flight checks
//   - Optional auto-push with a managed SSH credential and backup rotation
//   - Notifications to a JSONL log, webhooks and a live stream
//   - Searchable history of everything the agent did
//
// # Module Structure
//
//   - cmd/gitbakd: Command-line interface and control client
//   - internal/agent: Lifecycle, commit cycle and manual operations
//   - internal/watcher: Filesystem events, ignore rules and debouncing
//   - internal/strategy: Commit strategies and message generation
//   - internal/pipeline: Rate limiting, branch guard, secret scan, pre-flight
//   - internal/git: Git command execution
//   - internal/credential: SSH key storage, validation and backups
//   - internal/notify: Notification bus and sinks
//   - internal/history: Operation history (SQLite or in-memory)
//   - internal/control: HTTP control API over a unix socket
//   - internal/config, internal/logger, internal/lock, internal/errors: Support
//
// # Implementation Notes
//
// gitbakd uses the command-line Git executable rather than a Go Git library so
// that hooks, credential helpers and repository configuration behave exactly as
// they do for the user. Only one agent may watch a working tree at a time.
package gitbakd
