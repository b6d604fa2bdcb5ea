package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaura/studio-api/internal/model"
)

// scriptedFetcher returns snapshots in sequence, repeating the last one.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []fetchResult
	calls  int
}

type fetchResult struct {
	snap *Snapshot
	err  error
}

func (f *scriptedFetcher) Fetch(ctx context.Context, taskID string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	r := f.script[idx]
	return r.snap, r.err
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSaver struct {
	mu         sync.Mutex
	saves      []model.SaveStatus
	failed     []string
	saveErr    error
	lastTracks []model.CanonicalTrack
}

func (s *recordingSaver) Save(ctx context.Context, taskID string, tracks []model.CanonicalTrack, status model.SaveStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, status)
	s.lastTracks = tracks
	return nil
}

func (s *recordingSaver) MarkFailed(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, taskID)
	return nil
}

func (s *recordingSaver) completedSaves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.saves {
		if st == model.SaveCompleted {
			n++
		}
	}
	return n
}

func fastOptions() Options {
	return Options{
		Policy:         func(time.Duration) time.Duration { return time.Millisecond },
		Backoff:        func(int) time.Duration { return time.Millisecond },
		MaxAttempts:    30,
		RequestTimeout: time.Second,
		Estimate:       time.Minute,
	}
}

func pendingSnap() *Snapshot {
	return &Snapshot{Status: model.TaskStatusPending}
}

func successSnap(ids ...string) *Snapshot {
	tracks := make([]model.CanonicalTrack, 0, len(ids))
	for _, id := range ids {
		tracks = append(tracks, model.CanonicalTrack{
			ProviderTrackID: id,
			AudioURL:        "https://cdn.example.com/" + id + ".mp3",
		})
	}
	return &Snapshot{Status: model.TaskStatusSuccess, Tracks: tracks}
}

// collectUntil drains updates until pred matches or the deadline passes.
func collectUntil(t *testing.T, p *Poller, pred func(model.TaskUpdate) bool) []model.TaskUpdate {
	t.Helper()
	var got []model.TaskUpdate
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-p.Updates():
			got = append(got, u)
			if pred(u) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for update, got %d updates so far", len(got))
		}
	}
}

func waitInactive(t *testing.T, p *Poller, taskID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !p.IsActive(taskID) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("loop for %s still active", taskID)
}

func TestStart_SecondStartIsNoOp(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{snap: pendingSnap()}}}
	p := New(fetcher, &recordingSaver{}, fastOptions())
	defer p.Shutdown()

	require.True(t, p.Start("task-1"))
	assert.False(t, p.Start("task-1"))
	assert.True(t, p.IsActive("task-1"))
	assert.Equal(t, 1, p.ActiveCount())
}

func TestStart_ConcurrentStartsSpawnOneLoop(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{snap: pendingSnap()}}}
	p := New(fetcher, &recordingSaver{}, fastOptions())
	defer p.Shutdown()

	started := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Start("task-1") {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, p.ActiveCount())
}

func TestRun_SuccessSavesExactlyOnce(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{
		{snap: pendingSnap()},
		{snap: successSnap("t1", "t2")},
	}}
	saver := &recordingSaver{}
	p := New(fetcher, saver, fastOptions())
	defer p.Shutdown()

	require.True(t, p.Start("task-1"))
	updates := collectUntil(t, p, func(u model.TaskUpdate) bool {
		return u.Status == model.TaskStatusSuccess
	})

	final := updates[len(updates)-1]
	assert.Equal(t, 100, final.Progress)
	assert.Len(t, final.Tracks, 2)

	waitInactive(t, p, "task-1")
	assert.Equal(t, 1, saver.completedSaves())
	assert.Len(t, saver.lastTracks, 2)
}

func TestRun_SuccessWithoutTracksKeepsPolling(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{
		{snap: &Snapshot{Status: model.TaskStatusSuccess}}, // no tracks yet
		{snap: &Snapshot{Status: model.TaskStatusSuccess}},
		{snap: successSnap("t1")},
	}}
	saver := &recordingSaver{}
	p := New(fetcher, saver, fastOptions())
	defer p.Shutdown()

	require.True(t, p.Start("task-1"))
	collectUntil(t, p, func(u model.TaskUpdate) bool {
		return u.Status == model.TaskStatusSuccess && len(u.Tracks) > 0
	})

	waitInactive(t, p, "task-1")
	assert.Equal(t, 1, saver.completedSaves())
	assert.GreaterOrEqual(t, fetcher.callCount(), 3)
}

func TestRun_TransportFailuresRetryThenRecover(t *testing.T) {
	boom := errors.New("connection refused")
	fetcher := &scriptedFetcher{script: []fetchResult{
		{err: boom},
		{err: boom},
		{err: boom},
		{snap: successSnap("t1")},
	}}
	saver := &recordingSaver{}
	p := New(fetcher, saver, fastOptions())
	defer p.Shutdown()

	require.True(t, p.Start("task-1"))
	collectUntil(t, p, func(u model.TaskUpdate) bool {
		return u.Status == model.TaskStatusSuccess
	})

	waitInactive(t, p, "task-1")
	assert.Equal(t, 4, fetcher.callCount())
	assert.Equal(t, 1, saver.completedSaves())
}

func TestRun_AttemptCeilingBroadcastsTimeout(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{snap: pendingSnap()}}}
	opts := fastOptions()
	opts.MaxAttempts = 3
	p := New(fetcher, &recordingSaver{}, opts)
	defer p.Shutdown()

	require.True(t, p.Start("task-1"))
	updates := collectUntil(t, p, func(u model.TaskUpdate) bool {
		return u.Status == model.TaskStatusTimeout
	})

	waitInactive(t, p, "task-1")
	// Exactly MaxAttempts fetches happened before the ceiling fired
	assert.Equal(t, 3, fetcher.callCount())
	final := updates[len(updates)-1]
	assert.Equal(t, "generation timed out", final.Error)
}

func TestRun_ErrorStatusMarksFailed(t *testing.T) {
	raw := json.RawMessage(`{"errorMessage": "sensitive words detected"}`)
	fetcher := &scriptedFetcher{script: []fetchResult{
		{snap: &Snapshot{Status: model.TaskStatusError, Raw: raw}},
	}}
	saver := &recordingSaver{}
	p := New(fetcher, saver, fastOptions())
	defer p.Shutdown()

	require.True(t, p.Start("task-1"))
	updates := collectUntil(t, p, func(u model.TaskUpdate) bool {
		return u.Status == model.TaskStatusError
	})

	waitInactive(t, p, "task-1")
	assert.Equal(t, []string{"task-1"}, saver.failed)
	assert.Equal(t, "sensitive words detected", updates[len(updates)-1].Error)
}

func TestRun_SaveFailureBroadcastsError(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{snap: successSnap("t1")}}}
	saver := &recordingSaver{saveErr: errors.New("redis down")}
	p := New(fetcher, saver, fastOptions())
	defer p.Shutdown()

	require.True(t, p.Start("task-1"))
	updates := collectUntil(t, p, func(u model.TaskUpdate) bool {
		return u.Status == model.TaskStatusError
	})

	waitInactive(t, p, "task-1")
	assert.Equal(t, "failed to persist generation", updates[len(updates)-1].Error)
}

func TestRun_FirstStatusPersistsPartial(t *testing.T) {
	first := &Snapshot{
		Status: model.TaskStatusFirst,
		Tracks: []model.CanonicalTrack{{ProviderTrackID: "t1", AudioURL: "https://cdn.example.com/t1.mp3"}},
	}
	fetcher := &scriptedFetcher{script: []fetchResult{
		{snap: first},
		{snap: successSnap("t1", "t2")},
	}}
	saver := &recordingSaver{}
	p := New(fetcher, saver, fastOptions())
	defer p.Shutdown()

	require.True(t, p.Start("task-1"))
	updates := collectUntil(t, p, func(u model.TaskUpdate) bool {
		return u.Status == model.TaskStatusSuccess
	})

	waitInactive(t, p, "task-1")

	sawFirst := false
	for _, u := range updates {
		if u.Status == model.TaskStatusFirst {
			sawFirst = true
		}
	}
	assert.True(t, sawFirst, "expected a first-track update before success")

	saver.mu.Lock()
	defer saver.mu.Unlock()
	assert.Equal(t, []model.SaveStatus{model.SavePartial, model.SaveCompleted}, saver.saves)
}

func TestStop_CancelsLoop(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{snap: pendingSnap()}}}
	saver := &recordingSaver{}
	p := New(fetcher, saver, fastOptions())
	defer p.Shutdown()

	require.True(t, p.Start("task-1"))
	p.Stop("task-1")
	waitInactive(t, p, "task-1")

	// Stopping again is a no-op
	p.Stop("task-1")
	assert.Equal(t, 0, saver.completedSaves())

	// The task can be started again after a stop
	assert.True(t, p.Start("task-1"))
}

func TestShutdown_RefusesNewLoops(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{snap: pendingSnap()}}}
	p := New(fetcher, &recordingSaver{}, fastOptions())

	require.True(t, p.Start("task-1"))
	p.Shutdown()

	assert.False(t, p.Start("task-2"))
	assert.Equal(t, 0, p.ActiveCount())
}

func TestBroadcast_NeverBlocksLoops(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{snap: pendingSnap()}}}
	opts := fastOptions()
	opts.MaxAttempts = 100000
	p := New(fetcher, &recordingSaver{}, opts)
	defer p.Shutdown()

	// Nobody reads Updates; the loop must keep cycling regardless.
	require.True(t, p.Start("task-1"))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fetcher.callCount() > 300 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("loop stalled after %d fetches", fetcher.callCount())
}

func TestBroadcast_TerminalSurvivesFullChannel(t *testing.T) {
	p := New(&scriptedFetcher{script: []fetchResult{{snap: pendingSnap()}}}, &recordingSaver{}, fastOptions())
	defer p.Shutdown()

	// Saturate the buffer with progress noise for another task
	for i := 0; i < cap(p.updates); i++ {
		p.broadcast(model.TaskUpdate{TaskID: "noisy", Status: model.TaskStatusPending})
	}

	delivered := make(chan struct{})
	go func() {
		p.broadcast(model.TaskUpdate{
			TaskID: "task-9",
			Status: model.TaskStatusTimeout,
			Error:  "generation timed out",
		})
		close(delivered)
	}()

	found := false
	deadline := time.After(5 * time.Second)
	for !found {
		select {
		case u := <-p.Updates():
			if u.TaskID == "task-9" && u.Status == model.TaskStatusTimeout {
				found = true
			}
		case <-deadline:
			t.Fatal("terminal update never delivered")
		}
	}
	<-delivered
}

func TestBroadcast_ProgressOverflowNeverEvictsTerminal(t *testing.T) {
	p := New(&scriptedFetcher{script: []fetchResult{{snap: pendingSnap()}}}, &recordingSaver{}, fastOptions())
	defer p.Shutdown()

	p.broadcast(model.TaskUpdate{
		TaskID: "task-9",
		Status: model.TaskStatusSuccess,
		Tracks: []model.CanonicalTrack{{ProviderTrackID: "t1"}},
	})
	for i := 0; i < cap(p.updates)*2; i++ {
		p.broadcast(model.TaskUpdate{TaskID: "noisy", Status: model.TaskStatusPending})
	}

	// Drain what is buffered; the terminal update must still be there
	found := false
	for {
		select {
		case u := <-p.Updates():
			if u.TaskID == "task-9" && u.Status == model.TaskStatusSuccess {
				found = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, found)
}
