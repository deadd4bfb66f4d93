// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package watch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/rex/pkg/state"
	rexsync "github.com/kraklabs/rex/pkg/sync"
)

// syncRecorder captures syncFn invocations and can block or fail them.
type syncRecorder struct {
	mu       sync.Mutex
	calls    []syncRequest
	inFlight int
	maxSeen  int
	block    chan struct{} // when non-nil, calls wait on it
	err      error
}

func (r *syncRecorder) run(_ context.Context, req syncRequest) error {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.inFlight++
	if r.inFlight > r.maxSeen {
		r.maxSeen = r.inFlight
	}
	block := r.block
	err := r.err
	r.mu.Unlock()

	if block != nil {
		<-block
	}

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
	return err
}

func (r *syncRecorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *syncRecorder) lastCall() syncRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

// testOrchestrator builds an orchestrator over a temp state file holding one
// indexed agent for "demo", with the sync runner replaced by rec.
func testOrchestrator(t *testing.T, rec *syncRecorder) (*Orchestrator, string) {
	t.Helper()

	repoDir := t.TempDir()
	statePath := filepath.Join(t.TempDir(), state.DefaultPath)

	store := state.NewStore()
	appState := state.NewAppState().WithAgent("demo", &state.AgentState{
		AgentID:        "agent-demo",
		RepoName:       "demo",
		Passages:       map[string][]string{"src/a.ts": {"p-1"}},
		LastSyncCommit: "abc123",
	})
	require.NoError(t, store.Save(statePath, appState))

	cfg := rexsync.RepoConfig{
		Name:       "demo",
		Path:       repoDir,
		Extensions: []string{".ts"},
		IgnoreDirs: []string{"node_modules"},
	}

	o := New(nil, nil, store, statePath, []rexsync.RepoConfig{cfg}, Options{
		Interval: time.Hour, // polling driven manually in tests
		Debounce: 20 * time.Millisecond,
	})
	o.syncFn = rec.run
	o.headFn = func(context.Context, string) (string, error) { return "abc123", nil }
	return o, repoDir
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPoll_HeadUnchanged_NoSync(t *testing.T) {
	rec := &syncRecorder{}
	o, _ := testOrchestrator(t, rec)

	o.pollOnce(context.Background())

	assert.Zero(t, rec.callCount())
	// The slot must have been released for later passes.
	assert.True(t, o.admitSync("demo"))
}

func TestPoll_HeadChanged_LaunchesSync(t *testing.T) {
	rec := &syncRecorder{}
	o, _ := testOrchestrator(t, rec)
	o.headFn = func(context.Context, string) (string, error) { return "def456", nil }

	o.pollOnce(context.Background())
	o.wg.Wait()

	require.Equal(t, 1, rec.callCount())
	assert.False(t, rec.lastCall().eventDriven)
}

func TestDebounce_CoalescesEvents(t *testing.T) {
	rec := &syncRecorder{}
	o, repoDir := testOrchestrator(t, rec)
	ctx := context.Background()

	// Burst of events inside one debounce window, with a duplicate.
	o.handleEvent(ctx, "demo", filepath.Join(repoDir, "src/a.ts"))
	o.handleEvent(ctx, "demo", filepath.Join(repoDir, "src/b.ts"))
	o.handleEvent(ctx, "demo", filepath.Join(repoDir, "src/a.ts"))

	waitFor(t, time.Second, func() bool { return rec.callCount() > 0 })
	o.wg.Wait()

	require.Equal(t, 1, rec.callCount(), "burst must coalesce into one sync")
	call := rec.lastCall()
	assert.True(t, call.eventDriven)
	assert.Equal(t, []string{"src/a.ts", "src/b.ts"}, call.changed)
}

func TestDebounce_EventDrivenRunsWithHeadUnchanged(t *testing.T) {
	rec := &syncRecorder{}
	o, repoDir := testOrchestrator(t, rec)

	// headFn still reports the stored commit; the event path must not care.
	o.handleEvent(context.Background(), "demo", filepath.Join(repoDir, "src/a.ts"))

	waitFor(t, time.Second, func() bool { return rec.callCount() > 0 })
	o.wg.Wait()
	assert.True(t, rec.lastCall().eventDriven)
}

func TestSelfTriggerSuppression(t *testing.T) {
	rec := &syncRecorder{}
	o, _ := testOrchestrator(t, rec)

	o.handleEvent(context.Background(), "demo", o.statePath)
	o.handleEvent(context.Background(), "demo", o.statePath+".tmp.0a1b2c")

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, rec.callCount())

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.repos["demo"].pending)
}

func TestEventFiltering(t *testing.T) {
	rec := &syncRecorder{}
	o, repoDir := testOrchestrator(t, rec)
	ctx := context.Background()

	o.handleEvent(ctx, "demo", filepath.Join(repoDir, "notes.txt"))                // extension
	o.handleEvent(ctx, "demo", filepath.Join(repoDir, "node_modules/x/y.ts"))     // ignored dir
	o.handleEvent(ctx, "demo", "/somewhere/else/entirely.ts")                     // outside repo
	o.handleEvent(ctx, "demo", filepath.Join(repoDir, "src/ok.ts"))               // indexable
	o.handleEvent(ctx, "demo", "./"+filepath.ToSlash(filepath.Join("src", "rel.ts"))) // relative form

	o.mu.Lock()
	pending := make([]string, 0, len(o.repos["demo"].pending))
	for p := range o.repos["demo"].pending {
		pending = append(pending, p)
	}
	o.mu.Unlock()

	assert.ElementsMatch(t, []string{"src/ok.ts", "src/rel.ts"}, pending)
}

func TestPerRepoSerialization(t *testing.T) {
	rec := &syncRecorder{block: make(chan struct{})}
	o, repoDir := testOrchestrator(t, rec)
	ctx := context.Background()

	// First event-driven sync starts and blocks.
	o.handleEvent(ctx, "demo", filepath.Join(repoDir, "src/a.ts"))
	waitFor(t, time.Second, func() bool { return rec.callCount() == 1 })

	// Poll and a second debounce fire while the first is in flight.
	o.headFn = func(context.Context, string) (string, error) { return "def456", nil }
	o.pollOnce(ctx)
	o.handleEvent(ctx, "demo", filepath.Join(repoDir, "src/b.ts"))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, rec.callCount(), "no second sync while one is in flight")

	close(rec.block)
	// The deferred debounce re-arms and eventually drains the pending edit.
	waitFor(t, time.Second, func() bool { return rec.callCount() >= 2 })
	o.wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.maxSeen, "concurrent syncs for one repo must never exceed 1")
}

func TestBackoff_SuppressesUntilElapsed_ResetsOnSuccess(t *testing.T) {
	rec := &syncRecorder{err: errors.New("provider down")}
	o, _ := testOrchestrator(t, rec)
	o.headFn = func(context.Context, string) (string, error) { return "def456", nil }

	now := time.Unix(10_000, 0)
	o.now = func() time.Time { return now }

	// Failing pass increments the failure counter and sets the gate.
	o.pollOnce(context.Background())
	o.wg.Wait()
	require.Equal(t, 1, rec.callCount())

	o.mu.Lock()
	rs := o.repos["demo"]
	failures := rs.failures
	next := rs.nextAllowed
	o.mu.Unlock()
	require.Equal(t, 1, failures)
	require.True(t, next.After(now))

	// While the gate holds, the poll path is short-circuited.
	o.pollOnce(context.Background())
	o.wg.Wait()
	assert.Equal(t, 1, rec.callCount())

	// After the gate elapses, the next pass runs; success resets the count.
	now = next.Add(time.Millisecond)
	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()

	o.pollOnce(context.Background())
	o.wg.Wait()
	assert.Equal(t, 2, rec.callCount())

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Zero(t, o.repos["demo"].failures)
}

func TestRun_ShutdownAwaitsInFlight(t *testing.T) {
	rec := &syncRecorder{block: make(chan struct{})}
	o, repoDir := testOrchestrator(t, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()

	o.handleEvent(ctx, "demo", filepath.Join(repoDir, "src/a.ts"))
	waitFor(t, time.Second, func() bool { return rec.callCount() == 1 })

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a sync was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(rec.block)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the in-flight sync finished")
	}
}

func TestNormalizeEventPath(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		repo     string
		base     string
		want     string
		wantOK   bool
	}{
		{"absolute inside repo", "/repo/src/a.ts", "/repo", "", "src/a.ts", true},
		{"repo relative", "src/a.ts", "/repo", "", "src/a.ts", true},
		{"dot slash stripped", "./src/a.ts", "/repo", "", "src/a.ts", true},
		{"backslashes normalized", "src\\win\\a.ts", "/repo", "", "src/win/a.ts", true},
		{"base path stripped", "/repo/packages/core/src/a.ts", "/repo", "packages/core", "src/a.ts", true},
		{"outside base path", "/repo/packages/other/b.ts", "/repo", "packages/core", "", false},
		{"absolute outside repo", "/elsewhere/a.ts", "/repo", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizeEventPath(tt.raw, tt.repo, tt.base)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
