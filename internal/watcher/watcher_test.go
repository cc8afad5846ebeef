package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func collect(ch chan Batch) func(Batch) {
	return func(b Batch) { ch <- b }
}

func change(action Action, p string) FileChange {
	return NewFileChange(action, p, time.Now())
}

func TestDebounceFlushesOnlyAfterQuietPeriod(t *testing.T) {
	batches := make(chan Batch, 4)
	w := New(Options{Root: t.TempDir(), Debounce: 150 * time.Millisecond, OnBatch: collect(batches)})

	start := time.Now()
	for i, p := range []string{"a.go", "b.go", "c.go"} {
		if i > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		w.HandleEvent(change(Modified, p))
	}
	lastEvent := time.Now()

	select {
	case b := <-batches:
		assert.Equal(t, []string{"a.go", "b.go", "c.go"}, b.Paths())
		assert.GreaterOrEqual(t, time.Since(lastEvent), 100*time.Millisecond,
			"batch flushed before the quiet period after the last event")
		assert.GreaterOrEqual(t, time.Since(start), 240*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a batch after the debounce window")
	}

	select {
	case b := <-batches:
		t.Fatalf("Expected exactly one flush, got a second batch %v", b.Paths())
	case <-time.After(300 * time.Millisecond):
	}
	assert.Empty(t, w.PendingChanges())
}

func TestUrgentChangeFlushesImmediately(t *testing.T) {
	batches := make(chan Batch, 1)
	w := New(Options{
		Root:       t.TempDir(),
		Debounce:   time.Hour,
		OnBatch:    collect(batches),
		UrgentFunc: func(c FileChange) bool { return c.Path == "SECURITY.md" },
	})

	w.HandleEvent(change(Modified, "README.md"))
	w.HandleEvent(change(Modified, "SECURITY.md"))

	select {
	case b := <-batches:
		assert.Equal(t, []string{"README.md", "SECURITY.md"}, b.Paths())
	case <-time.After(time.Second):
		t.Fatal("Expected urgent change to bypass the debounce timer")
	}
}

func TestPauseAccumulatesWithoutFlushing(t *testing.T) {
	batches := make(chan Batch, 1)
	w := New(Options{Root: t.TempDir(), Debounce: 50 * time.Millisecond, OnBatch: collect(batches)})

	w.HandleEvent(change(Modified, "armed-before-pause.go"))
	w.Pause()
	require.True(t, w.Paused())
	w.HandleEvent(change(Added, "during-pause.go"))

	select {
	case b := <-batches:
		t.Fatalf("Expected no flush while paused, got %v", b.Paths())
	case <-time.After(250 * time.Millisecond):
	}
	assert.Len(t, w.PendingChanges(), 2)

	w.Resume()
	select {
	case b := <-batches:
		assert.Equal(t, []string{"armed-before-pause.go", "during-pause.go"}, b.Paths())
	case <-time.After(2 * time.Second):
		t.Fatal("Expected resume to re-arm the timer")
	}
}

func TestFlushAndClear(t *testing.T) {
	batches := make(chan Batch, 2)
	w := New(Options{Root: t.TempDir(), Debounce: time.Hour, OnBatch: collect(batches)})

	w.HandleEvent(change(Added, "x.go"))
	flushed := w.Flush()
	require.Len(t, flushed, 1)
	assert.Equal(t, flushed, <-batches)

	assert.Empty(t, w.Flush(), "flushing an empty batch returns nothing")

	w.HandleEvent(change(Added, "y.go"))
	w.ClearPendingChanges()
	assert.Empty(t, w.PendingChanges())
	select {
	case b := <-batches:
		t.Fatalf("Expected cleared changes not to be delivered, got %v", b.Paths())
	default:
	}
}

func TestSetMerge(t *testing.T) {
	tests := map[string]struct {
		actions []Action
		want    Action
	}{
		"CreateThenWriteStaysAdded": {[]Action{Added, Modified}, Added},
		"WriteThenDelete":           {[]Action{Modified, Deleted}, Deleted},
		"DeleteThenCreate":          {[]Action{Deleted, Added}, Added},
		"AddedThenDeleted":          {[]Action{Added, Deleted}, Deleted},
		"RepeatedWrites":            {[]Action{Modified, Modified, Modified}, Modified},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := make(Set)
			for _, a := range tc.actions {
				s.Add(change(a, "src/app.ts"))
			}
			b := s.Batch()
			require.Len(t, b, 1)
			assert.Equal(t, tc.want, b[0].Action)
		})
	}
}

func TestConsumeKeepsNewerChanges(t *testing.T) {
	t0 := time.Now()
	s := make(Set)
	s.Add(NewFileChange(Modified, "a.go", t0))
	s.Add(NewFileChange(Modified, "b.go", t0))
	consumed := s.Batch()

	s.Add(NewFileChange(Modified, "b.go", t0.Add(time.Second)))
	s.Consume(consumed)

	assert.Equal(t, []string{"b.go"}, s.Batch().Paths())
}

func TestNormalizePath(t *testing.T) {
	nfd := "docs/cafe\u0301.md"
	nfc := "docs/caf\u00e9.md"

	assert.Equal(t, nfc, NormalizePath(nfd))
	assert.Equal(t, "src/a.go", NormalizePath("./src//a.go"))

	c := NewFileChange(Added, filepath.Join("src", "Main.TSX"), time.Now())
	assert.Equal(t, "src/Main.TSX", c.Path)
	assert.Equal(t, ".TSX", c.Extension)
}

func TestMatcher(t *testing.T) {
	m := NewMatcher(append(DefaultIgnorePatterns, "*.log", "tmp/**", "/generated/", "!keep.log"), []string{"/home/u/.creds"})

	tests := map[string]bool{
		".git/HEAD":                   true,
		"node_modules/react/index.js": true,
		"web/node_modules/x.js":       true,
		"dist":                        true,
		"src/app.swp":                 true,
		"notes.txt~":                  true,
		"logs/server.log":             true,
		"tmp/cache/a":                 true,
		"generated/api.go":            true,
		".gitignore":                  false,
		"src/build.go":                false,
		"src/app.go":                  false,
		"keep.log":                    true,
	}
	for rel, want := range tests {
		assert.Equal(t, want, m.Match(rel), rel)
	}

	assert.True(t, m.MatchAbs("/home/u/.creds/id_gitbakd"))
	assert.False(t, m.MatchAbs("/home/u/.credsx/file"))
}

func TestBatchProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		paths := []string{"a.go", "src/b.ts", "docs/c.md", "d_test.go"}
		actions := []Action{Added, Modified, Deleted}

		n := rapid.IntRange(1, 40).Draw(rt, "events")
		s := make(Set)
		last := map[string]Action{}
		sawAdded := map[string]bool{}
		base := time.Unix(1_700_000_000, 0)

		for i := 0; i < n; i++ {
			p := rapid.SampledFrom(paths).Draw(rt, "path")
			a := rapid.SampledFrom(actions).Draw(rt, "action")
			s.Add(NewFileChange(a, p, base.Add(time.Duration(i)*time.Millisecond)))
			last[p] = a
			if a == Added {
				sawAdded[p] = true
			}
		}

		b := s.Batch()
		if len(b) != len(last) {
			rt.Fatalf("expected %d unique paths, got %d", len(last), len(b))
		}
		for i := 1; i < len(b); i++ {
			if b[i-1].Path >= b[i].Path {
				rt.Fatalf("batch not strictly ordered by path: %v", b.Paths())
			}
		}
		for _, c := range b {
			switch last[c.Path] {
			case Added, Deleted:
				if c.Action != last[c.Path] {
					rt.Fatalf("%s: expected latest action %s, got %s", c.Path, last[c.Path], c.Action)
				}
			case Modified:
				if c.Action == Added && !sawAdded[c.Path] {
					rt.Fatalf("%s: reported added without an add event", c.Path)
				}
				if c.Action == Deleted {
					rt.Fatalf("%s: modified reported as deleted", c.Path)
				}
			}
		}

		s.Consume(b)
		if len(s) != 0 {
			rt.Fatalf("consuming the whole batch left %d entries", len(s))
		}
	})
}

func TestWatcherReportsFilesystemEvents(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	credDir := filepath.Join(root, ".gitbakd-creds")
	require.NoError(t, os.MkdirAll(credDir, 0o700))

	batches := make(chan Batch, 16)
	errs := make(chan error, 4)
	w := New(Options{
		Root:       root,
		Debounce:   100 * time.Millisecond,
		IgnoreDirs: []string{credDir},
		OnBatch:    collect(batches),
		OnError:    func(err error) { errs <- err },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	<-w.Ready()

	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "lib", "x.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(credDir, "id_gitbakd"), []byte("key"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg", "util"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "util", "util.go"), []byte("package util\n"), 0o644))

	seen := Set{}
	deadline := time.After(5 * time.Second)
	for seen["src/main.go"].Path == "" || seen["pkg/util/util.go"].Path == "" {
		select {
		case b := <-batches:
			seen.AddBatch(b)
		case <-deadline:
			t.Fatalf("Timed out waiting for events, saw %v", seen.Batch().Paths())
		}
	}

	assert.Equal(t, Added, seen["src/main.go"].Action)
	assert.Equal(t, Added, seen["pkg/util/util.go"].Action)
	for p := range seen {
		assert.False(t, strings.HasPrefix(p, "node_modules"), "ignored path reported: %s", p)
		assert.False(t, strings.HasPrefix(p, ".gitbakd-creds"), "credential path reported: %s", p)
	}

	require.NoError(t, w.Close())
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected event loop to exit after Close")
	}
	select {
	case err := <-errs:
		t.Fatalf("Expected no errors for a deliberate close, got %v", err)
	default:
	}
}

func TestLoopKeepsWatchingAfterErrorStreamEnds(t *testing.T) {
	root := t.TempDir()
	batches := make(chan Batch, 4)
	reported := make(chan error, 4)
	w := New(Options{
		Root:     root,
		Debounce: 20 * time.Millisecond,
		OnBatch:  collect(batches),
		OnError:  func(err error) { reported <- err },
	})

	events := make(chan fsnotify.Event)
	errs := make(chan error, 1)
	errs <- errors.New("event queue overflow")
	close(errs)

	go w.loop(context.Background(), events, errs)

	select {
	case err := <-reported:
		assert.Contains(t, err.Error(), "event queue overflow")
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the queued error to be reported")
	}

	events <- fsnotify.Event{Name: filepath.Join(root, "main.go"), Op: fsnotify.Write}
	select {
	case b := <-batches:
		assert.Equal(t, []string{"main.go"}, b.Paths())
	case <-time.After(2 * time.Second):
		t.Fatal("Expected events to flow after the error stream closed")
	}

	close(events)
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected event loop to exit when the event stream ends")
	}
	select {
	case err := <-reported:
		assert.ErrorIs(t, err, ErrWatcherClosed)
	default:
		t.Fatal("Expected an unexpected close to be reported")
	}
}
