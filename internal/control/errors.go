package control

import (
	"net/http"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
)

// errorCodes maps sentinels to wire codes so the client can restore them.
var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{gitbakdErrors.ErrValidation, "validation", http.StatusBadRequest},
	{gitbakdErrors.ErrNothingToCommit, "nothing_to_commit", http.StatusConflict},
	{gitbakdErrors.ErrRateLimited, "rate_limited", http.StatusTooManyRequests},
	{gitbakdErrors.ErrProtectedBranch, "protected_branch", http.StatusConflict},
	{gitbakdErrors.ErrSecretDetected, "secret_detected", http.StatusUnprocessableEntity},
	{gitbakdErrors.ErrAgentNotRunning, "not_running", http.StatusConflict},
	{gitbakdErrors.ErrNoCredential, "no_credential", http.StatusNotFound},
	{gitbakdErrors.ErrCredentialInvalid, "credential_invalid", http.StatusUnprocessableEntity},
	{gitbakdErrors.ErrAuthenticationFailed, "auth_failed", http.StatusBadGateway},
	{gitbakdErrors.ErrTimeout, "timeout", http.StatusGatewayTimeout},
	{gitbakdErrors.ErrGitOperationFailed, "git_failed", http.StatusBadGateway},
}

func classify(err error) (int, string) {
	for _, e := range errorCodes {
		if gitbakdErrors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func sentinelFor(code string) error {
	for _, e := range errorCodes {
		if e.code == code {
			return e.err
		}
	}
	return nil
}
