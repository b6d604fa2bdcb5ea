// Package poller runs one independent polling loop per active generation
// task. Loops live in their own goroutines, decoupled from the requesting
// handler's lifetime, and report status exclusively through a broadcast
// channel. Listeners never share mutable state with a loop.
package poller

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/synaura/studio-api/internal/config"
	"github.com/synaura/studio-api/internal/model"
)

// Snapshot is one normalized status fetch.
type Snapshot struct {
	Status string
	Tracks []model.CanonicalTrack
	Raw    json.RawMessage
}

// StatusFetcher fetches and normalizes the provider state for a task.
type StatusFetcher interface {
	Fetch(ctx context.Context, taskID string) (*Snapshot, error)
}

// Saver receives partial and terminal track data. Implementations must be
// idempotent on task ID: the same terminal update may be observed more
// than once (polling plus callback delivery).
type Saver interface {
	Save(ctx context.Context, taskID string, tracks []model.CanonicalTrack, status model.SaveStatus) error
	MarkFailed(ctx context.Context, taskID string) error
}

// Options tunes a Poller. Zero-value fields fall back to defaults.
type Options struct {
	Policy         IntervalPolicy
	Backoff        BackoffPolicy
	MaxAttempts    int
	RequestTimeout time.Duration
	Estimate       time.Duration
}

// OptionsFromConfig builds poller options from the polling config section.
func OptionsFromConfig(cfg config.PollConfig) Options {
	return Options{
		Policy:         TieredPolicy(cfg),
		Backoff:        LinearBackoff(cfg.ErrorBackoffBase, cfg.ErrorBackoffMax),
		MaxAttempts:    cfg.MaxAttempts,
		RequestTimeout: cfg.RequestTimeout,
		Estimate:       cfg.ProgressEstimate,
	}
}

// Poller owns the task→loop registry. Start and Stop are the only
// lifecycle operations; there is no ambient state outside the registry.
type Poller struct {
	fetcher StatusFetcher
	saver   Saver
	opts    Options

	mu      sync.Mutex
	loops   map[string]context.CancelFunc
	updates chan model.TaskUpdate
	wg      sync.WaitGroup
	closed  bool
}

// New creates a Poller. The updates channel is buffered; a listener that
// falls behind loses progress updates, never terminal ones.
func New(fetcher StatusFetcher, saver Saver, opts Options) *Poller {
	if opts.Policy == nil {
		opts.Policy = func(time.Duration) time.Duration { return 12 * time.Second }
	}
	if opts.Backoff == nil {
		opts.Backoff = LinearBackoff(5*time.Second, time.Minute)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 30
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 8 * time.Second
	}
	if opts.Estimate <= 0 {
		opts.Estimate = time.Minute
	}
	return &Poller{
		fetcher: fetcher,
		saver:   saver,
		opts:    opts,
		loops:   make(map[string]context.CancelFunc),
		updates: make(chan model.TaskUpdate, 256),
	}
}

// Updates is the single message stream from all loops. Broadcasts for a
// given task arrive in fetch order; no ordering holds across tasks.
func (p *Poller) Updates() <-chan model.TaskUpdate {
	return p.updates
}

// Start begins polling a task. A second start for the same task ID is a
// no-op and returns false.
func (p *Poller) Start(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if _, active := p.loops[taskID]; active {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.loops[taskID] = cancel
	p.wg.Add(1)
	go p.run(ctx, taskID)

	log.Printf("[Poller] Started loop for task %s", taskID)
	return true
}

// Stop cancels the loop for a task. Idempotent; a fetch already in flight
// may still complete, and its result is discarded.
func (p *Poller) Stop(taskID string) {
	p.mu.Lock()
	cancel, ok := p.loops[taskID]
	if ok {
		delete(p.loops, taskID)
	}
	p.mu.Unlock()
	if ok {
		cancel()
		log.Printf("[Poller] Stopped loop for task %s", taskID)
	}
}

// IsActive reports whether a loop exists for the task ID.
func (p *Poller) IsActive(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[taskID]
	return ok
}

// ActiveCount returns the number of live loops.
func (p *Poller) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

// Shutdown cancels every loop and waits for them to exit.
func (p *Poller) Shutdown() {
	p.mu.Lock()
	p.closed = true
	for taskID, cancel := range p.loops {
		cancel()
		delete(p.loops, taskID)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// remove drops the loop's registry entry if it still owns it.
func (p *Poller) remove(taskID string) {
	p.mu.Lock()
	if cancel, ok := p.loops[taskID]; ok {
		delete(p.loops, taskID)
		defer cancel()
	}
	p.mu.Unlock()
}

// run is one polling loop. It is strictly serial: each cycle fetches,
// broadcasts, and only then schedules the next cycle. Transport failures
// back off and retry; only success, error, or the attempt ceiling end the
// loop.
func (p *Poller) run(ctx context.Context, taskID string) {
	defer p.wg.Done()
	defer p.remove(taskID)

	start := time.Now()
	polls := 0
	failures := 0
	delay := time.Duration(0) // first poll fires immediately

	for {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		polls++
		// Hard ceiling on attempts, independent of wall-clock gaps from
		// delayed polls, so a genuinely stuck provider cannot pin a loop.
		if polls > p.opts.MaxAttempts {
			log.Printf("[Poller] Task %s exceeded %d attempts, timing out", taskID, p.opts.MaxAttempts)
			p.broadcast(model.TaskUpdate{
				TaskID: taskID,
				Status: model.TaskStatusTimeout,
				Error:  "generation timed out",
			})
			return
		}

		snap, err := p.fetch(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay = p.opts.Backoff(failures)
			log.Printf("[Poller] Task %s poll #%d failed (retry in %s): %v", taskID, polls, delay, err)
			continue
		}
		failures = 0

		elapsed := time.Since(start)
		update := model.TaskUpdate{
			TaskID:   taskID,
			Status:   snap.Status,
			Tracks:   snap.Tracks,
			Progress: progressFor(elapsed, p.opts.Estimate),
			Raw:      snap.Raw,
		}

		switch snap.Status {
		case model.TaskStatusSuccess:
			// A success flag can precede the track data; treat an empty
			// payload as not ready yet and keep polling.
			if len(snap.Tracks) == 0 {
				log.Printf("[Poller] Task %s reported success without tracks, continuing", taskID)
				p.broadcast(update)
				delay = p.opts.Policy(elapsed)
				continue
			}

			if err := p.save(taskID, snap.Tracks, model.SaveCompleted); err != nil {
				log.Printf("[Poller] Task %s completed save failed: %v", taskID, err)
				update.Status = model.TaskStatusError
				update.Error = "failed to persist generation"
				p.broadcast(update)
				return
			}
			update.Progress = 100
			p.broadcast(update)
			log.Printf("[Poller] Task %s completed with %d tracks after %d polls", taskID, len(snap.Tracks), polls)
			return

		case model.TaskStatusError:
			update.Error = errorMessage(snap.Raw)
			if err := p.markFailed(taskID); err != nil {
				log.Printf("[Poller] Task %s failure save failed: %v", taskID, err)
			}
			p.broadcast(update)
			log.Printf("[Poller] Task %s failed: %s", taskID, update.Error)
			return

		case model.TaskStatusFirst:
			// First track ready: give listeners early visibility and persist
			// best effort; the completed save still decides final state.
			p.broadcast(update)
			if len(snap.Tracks) > 0 {
				if err := p.save(taskID, snap.Tracks, model.SavePartial); err != nil {
					log.Printf("[Poller] Task %s partial save failed: %v", taskID, err)
				}
			}
			delay = p.opts.Policy(elapsed)

		default:
			p.broadcast(update)
			delay = p.opts.Policy(elapsed)
		}
	}
}

func (p *Poller) fetch(ctx context.Context, taskID string) (*Snapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()
	return p.fetcher.Fetch(fetchCtx, taskID)
}

// save runs on a fresh context: the loop may be cancelled right after a
// terminal fetch, and the persistence write must not be torn down with it.
func (p *Poller) save(taskID string, tracks []model.CanonicalTrack, status model.SaveStatus) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.saver.Save(ctx, taskID, tracks, status)
}

func (p *Poller) markFailed(taskID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.saver.MarkFailed(ctx, taskID)
}

const terminalSendTimeout = 5 * time.Second

// terminal reports whether an update ends its loop. A success flag
// without track data keeps the loop alive and is not terminal.
func terminal(u model.TaskUpdate) bool {
	switch u.Status {
	case model.TaskStatusError, model.TaskStatusTimeout:
		return true
	case model.TaskStatusSuccess:
		return len(u.Tracks) > 0
	}
	return false
}

// broadcast delivers an update without blocking a loop on progress noise.
// When the buffer is full a progress update is dropped outright, so a
// buffered terminal update for another task is never evicted to make
// room. A terminal update instead waits for channel space, bounded in
// case no listener ever drains.
func (p *Poller) broadcast(u model.TaskUpdate) {
	if terminal(u) {
		timer := time.NewTimer(terminalSendTimeout)
		defer timer.Stop()
		select {
		case p.updates <- u:
		case <-timer.C:
			log.Printf("[Poller] Terminal update for task %s not delivered: listener stalled", u.TaskID)
		}
		return
	}

	select {
	case p.updates <- u:
	default:
	}
}

// errorMessage pulls the provider's error text out of a raw payload.
func errorMessage(raw json.RawMessage) string {
	var data struct {
		ErrorMessage string `json:"errorMessage"`
		Error        string `json:"error"`
		Msg          string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &data); err == nil {
		switch {
		case data.ErrorMessage != "":
			return data.ErrorMessage
		case data.Error != "":
			return data.Error
		case data.Msg != "":
			return data.Msg
		}
	}
	return "generation failed"
}
