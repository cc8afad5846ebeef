package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bashhack/gitbakd/internal/agent"
	"github.com/bashhack/gitbakd/internal/credential"
	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
	"github.com/bashhack/gitbakd/internal/notify"
)

// DefaultClientTimeout bounds every request except commits and streams.
const DefaultClientTimeout = 10 * time.Second

// commitTimeout covers pre-flight checks and a push.
const commitTimeout = 5 * time.Minute

// Client talks to the agent listening on a socket.
type Client struct {
	socket     string
	httpClient *http.Client
}

// NewClient creates a client for socketPath.
func NewClient(socketPath string) *Client {
	dialer := &net.Dialer{Timeout: 2 * time.Second}
	return &Client{
		socket: socketPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Ping reports whether an agent answers on the socket.
func (c *Client) Ping(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil) == nil
}

func (c *Client) State(ctx context.Context) (agent.State, error) {
	var s agent.State
	err := c.do(ctx, http.MethodGet, "/v1/state", nil, &s)
	return s, err
}

func (c *Client) Metrics(ctx context.Context) (agent.Metrics, error) {
	var m agent.Metrics
	err := c.do(ctx, http.MethodGet, "/v1/metrics", nil, &m)
	return m, err
}

func (c *Client) Pause(ctx context.Context) (agent.State, error) {
	var s agent.State
	err := c.do(ctx, http.MethodPost, "/v1/pause", nil, &s)
	return s, err
}

func (c *Client) Resume(ctx context.Context) (agent.State, error) {
	var s agent.State
	err := c.do(ctx, http.MethodPost, "/v1/resume", nil, &s)
	return s, err
}

// Commit asks the agent to commit everything pending now.
func (c *Client) Commit(ctx context.Context, message string) (agent.CommitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()

	var r agent.CommitResult
	err := c.do(ctx, http.MethodPost, "/v1/commit", CommitRequest{Message: message}, &r)
	return r, err
}

func (c *Client) Undo(ctx context.Context) (UndoResponse, error) {
	var r UndoResponse
	err := c.do(ctx, http.MethodPost, "/v1/undo", nil, &r)
	return r, err
}

func (c *Client) Stash(ctx context.Context, message string) (bool, error) {
	var r StashResponse
	err := c.do(ctx, http.MethodPost, "/v1/stash", StashRequest{Message: message}, &r)
	return r.Stashed, err
}

func (c *Client) StashPop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/stash/pop", nil, nil)
}

// Notifications returns up to limit recent notifications, oldest first.
func (c *Client) Notifications(ctx context.Context, limit int) ([]notify.Event, error) {
	var events []notify.Event
	err := c.do(ctx, http.MethodGet, "/v1/notifications?limit="+strconv.Itoa(limit), nil, &events)
	return events, err
}

// Follow calls fn for every new notification until ctx is done or the agent
// goes away.
func (c *Client) Follow(ctx context.Context, fn func(notify.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://gitbakd/v1/notifications/stream", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var e notify.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return gitbakdErrors.Wrap(err, "malformed notification")
		}
		fn(e)
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func (c *Client) CredentialStatus(ctx context.Context) (credential.Status, error) {
	var s credential.Status
	err := c.do(ctx, http.MethodGet, "/v1/credential", nil, &s)
	return s, err
}

func (c *Client) StoreCredential(ctx context.Context, material []byte) (credential.Record, error) {
	var r credential.Record
	err := c.do(ctx, http.MethodPut, "/v1/credential", CredentialRequest{Material: string(material)}, &r)
	return r, err
}

func (c *Client) RemoveCredential(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/credential", nil, nil)
}

func (c *Client) CredentialBackups(ctx context.Context) ([]credential.Backup, error) {
	var b []credential.Backup
	err := c.do(ctx, http.MethodGet, "/v1/credential/backups", nil, &b)
	return b, err
}

func (c *Client) RestoreCredential(ctx context.Context, name string) (credential.Record, error) {
	var r credential.Record
	err := c.do(ctx, http.MethodPost, "/v1/credential/restore", RestoreRequest{Name: name}, &r)
	return r, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultClientTimeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://gitbakd"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return gitbakdErrors.Wrap(err, "malformed response from agent")
	}
	return nil
}

// transportError reports a missing or dead socket as ErrAgentNotRunning.
func (c *Client) transportError(err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
		return gitbakdErrors.Errorf("%w (no agent listening on %s)", gitbakdErrors.ErrAgentNotRunning, c.socket)
	}
	return gitbakdErrors.Wrap(err, "control request failed")
}

// apiError carries the agent's message and unwraps to the matching sentinel.
type apiError struct {
	status  int
	message string
	cause   error
}

func (e *apiError) Error() string {
	return e.message
}

func (e *apiError) Unwrap() error {
	return e.cause
}

func decodeError(resp *http.Response) error {
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return &apiError{status: resp.StatusCode, message: "agent returned " + resp.Status}
	}
	return &apiError{status: resp.StatusCode, message: body.Error, cause: sentinelFor(body.Code)}
}
