package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryIsBoundedRing(t *testing.T) {
	b := NewBus(Options{HistorySize: 3})
	for _, msg := range []string{"one", "two", "three", "four", "five"} {
		b.Publish(TypeInfo, SeverityLow, msg, nil)
	}

	messages := func(events []Event) []string {
		out := make([]string, 0, len(events))
		for _, e := range events {
			out = append(out, e.Message)
		}
		return out
	}
	assert.Equal(t, []string{"three", "four", "five"}, messages(b.History(0)))
	assert.Equal(t, []string{"four", "five"}, messages(b.History(2)))
	assert.Equal(t, []string{"three", "four", "five"}, messages(b.History(10)))
}

func TestPublishStampsEvents(t *testing.T) {
	b := NewBus(Options{})
	e := b.Publish(TypeCommit, SeverityLow, "committed", map[string]any{"hash": "abc"})

	assert.NotEmpty(t, e.ID)
	assert.WithinDuration(t, time.Now(), e.Timestamp, time.Minute)
	assert.Equal(t, TypeCommit, e.Type)

	other := b.Publish(TypeCommit, SeverityLow, "committed", nil)
	assert.NotEqual(t, e.ID, other.ID)
}

func TestSubscriptionFilterAndDrops(t *testing.T) {
	b := NewBus(Options{})
	all := b.Subscribe(10)
	auth := b.Subscribe(10, TypeAuthFailure)
	tiny := b.Subscribe(1)

	b.Publish(TypeInfo, SeverityLow, "started", nil)
	b.Publish(TypeAuthFailure, SeverityHigh, "denied", nil)
	b.Publish(TypeWarning, SeverityMedium, "slow", nil)

	assert.Len(t, all.Events(), 3)
	require.Len(t, auth.Events(), 1)
	assert.Equal(t, "denied", (<-auth.Events()).Message)

	assert.Len(t, tiny.Events(), 1)
	assert.Equal(t, uint64(2), tiny.Dropped(), "a full queue drops instead of blocking the publisher")

	all.Close()
	b.Publish(TypeInfo, SeverityLow, "after close", nil)
	count := 0
	for range all.Events() {
		count++
	}
	assert.Equal(t, 3, count, "closed subscription keeps queued events but receives no new ones")
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
	fail   bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Handle(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if s.fail {
		return errors.New("sink failure")
	}
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestSinksDrainOnClose(t *testing.T) {
	b := NewBus(Options{})
	sink := &recordingSink{}
	failing := &recordingSink{fail: true}
	b.AddSink(sink, 16)
	b.AddSink(failing, 16, TypeError)

	b.Publish(TypeInfo, SeverityLow, "a", nil)
	b.Publish(TypeError, SeverityHigh, "b", nil)
	require.NoError(t, b.Close())

	assert.Len(t, sink.events, 2)
	assert.True(t, sink.closed)
	assert.Len(t, failing.events, 1, "sink errors do not stop delivery")
	assert.True(t, failing.closed)

	b.Publish(TypeInfo, SeverityLow, "ignored", nil)
	assert.Len(t, b.History(0), 2)
	assert.NoError(t, b.Close(), "close is idempotent")
}

func TestJSONLSinkHashChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications", "log.jsonl")

	sink, err := NewJSONLSink(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Handle(ctx, NewEvent(TypeInfo, SeverityLow, "started", nil)))
	require.NoError(t, sink.Handle(ctx, NewEvent(TypeCommit, SeverityLow, "feat: add a.go", map[string]any{"files": 1})))
	require.NoError(t, sink.Close())

	// Reopening resumes the chain.
	sink, err = NewJSONLSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Handle(ctx, NewEvent(TypeWarning, SeverityMedium, "push failed", nil)))
	require.NoError(t, sink.Close())
	assert.Error(t, sink.Handle(ctx, NewEvent(TypeInfo, SeverityLow, "late", nil)))

	n, err := VerifyLog(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	records, err := ReadLog(path)
	require.NoError(t, err)
	assert.Empty(t, records[0].PrevHash)
	assert.Equal(t, records[1].Hash, records[2].PrevHash)
	assert.Equal(t, "feat: add a.go", records[1].Message)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "push failed", "push worked", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	n, err = VerifyLog(path)
	assert.ErrorIs(t, err, ErrChainBroken)
	assert.Equal(t, 2, n)
}

func TestWebhookSink(t *testing.T) {
	var calls atomic.Int32
	var gotSignature, gotEvent string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		gotSignature = r.Header.Get("X-Gitbakd-Signature")
		gotEvent = r.Header.Get("X-Gitbakd-Event")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink([]Hook{{URL: srv.URL, Secret: "s3cret", Events: []string{"commit"}}}).
		WithRetry(2, 10*time.Millisecond)

	e := NewEvent(TypeCommit, SeverityLow, "feat: add a.go", nil)
	require.NoError(t, sink.Handle(context.Background(), e))
	assert.Equal(t, int32(2), calls.Load(), "first attempt failed and was retried")
	assert.Equal(t, "commit", gotEvent)
	assert.Equal(t, Sign(gotBody, "s3cret"), gotSignature)

	var decoded Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, e.ID, decoded.ID)

	require.NoError(t, sink.Handle(context.Background(), NewEvent(TypeInfo, SeverityLow, "skip", nil)))
	assert.Equal(t, int32(2), calls.Load(), "non-matching event types are not sent")
	require.NoError(t, sink.Close())
}

func TestWebhookSinkGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink([]Hook{{URL: srv.URL}}).WithRetry(1, time.Millisecond)
	err := sink.Handle(context.Background(), NewEvent(TypeError, SeverityHigh, "boom", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 500")
	assert.Equal(t, int32(2), calls.Load())
}
