// Package git runs the git commands the agent needs.
//
// Every command runs through a CommandExecutor so tests can observe or fail
// individual subcommands. Failures are returned as *errors.GitError carrying
// the arguments and combined output.
//
// # Timeouts
//
// Push and remote probes have their own deadlines (see Timeouts). A command
// killed by its deadline reports errors.ErrTimeout. Push failures are
// classified so callers can tell an authentication rejection from a missing
// upstream.
//
// # Concurrency
//
// A Service is safe for concurrent use, but git itself is not: callers that
// mutate the index or HEAD must serialize those calls.
package git
