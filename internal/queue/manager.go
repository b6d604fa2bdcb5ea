// Package queue holds the client-visible orchestration state machine. The
// manager decides when a request is dispatched; the polling loops own
// everything after a task ID exists. The manager is the single writer of
// queue items; polling loops only emit events.
package queue

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/synaura/studio-api/internal/model"
)

// Submitter submits a parameter snapshot to the provider and returns the
// task ID.
type Submitter interface {
	Generate(ctx context.Context, params *model.GenerateParams) (string, error)
}

// TaskStarter starts the background polling loop for a dispatched task.
type TaskStarter interface {
	Start(taskID string) bool
}

// Error is a sentinel error produced by queue operations.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrNotFound     = Error("queue item not found")
	ErrNotRetryable = Error("only failed items can be retried")
	ErrNothingToRun = Error("no pending items")
)

const (
	submitTimeout      = 2 * time.Minute
	defaultConcurrency = 1
)

// Manager is the queue state machine. All mutation happens under one mutex;
// the dispatch scan itself is synchronous and non-blocking, with submission
// I/O pushed to a goroutine that feeds its result back in.
type Manager struct {
	mu       sync.Mutex
	items    []*model.QueueItem
	byTask   map[string]*model.QueueItem
	cfg      model.QueueConfig
	submit   Submitter
	starter  TaskStarter
	onChange func(model.QueueSnapshot)
}

func NewManager(submit Submitter, starter TaskStarter, cfg model.QueueConfig) *Manager {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = defaultConcurrency
	}
	return &Manager{
		byTask:  make(map[string]*model.QueueItem),
		cfg:     cfg,
		submit:  submit,
		starter: starter,
	}
}

// SetOnChange registers the subscriber notification callback. It is invoked
// outside the manager lock with an immutable snapshot.
func (m *Manager) SetOnChange(fn func(model.QueueSnapshot)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Enqueue adds a new pending item and, when auto-run is on, dispatches as
// far as the concurrency bound allows.
func (m *Manager) Enqueue(params model.GenerateParams, projectID string) model.QueueItem {
	m.mu.Lock()
	item := &model.QueueItem{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Status:    model.QueueStatusPending,
		Params:    params,
		CreatedAt: time.Now(),
	}
	m.items = append(m.items, item)
	if m.cfg.AutoRun {
		m.dispatchLocked()
	}
	snapshot := m.snapshotLocked()
	out := *item
	m.mu.Unlock()

	m.notify(snapshot)
	return out
}

// Retry resets a failed item to pending with its original parameter
// snapshot unchanged, so the replay is deterministic. Done items are
// immutable.
func (m *Manager) Retry(itemID string) (model.QueueItem, error) {
	m.mu.Lock()
	item := m.findLocked(itemID)
	if item == nil {
		m.mu.Unlock()
		return model.QueueItem{}, ErrNotFound
	}
	if item.Status != model.QueueStatusFailed {
		m.mu.Unlock()
		return model.QueueItem{}, ErrNotRetryable
	}

	if item.TaskID != "" {
		delete(m.byTask, item.TaskID)
	}
	item.Status = model.QueueStatusPending
	item.TaskID = ""
	item.Progress = 0
	item.Error = ""
	item.Timeout = false

	if m.cfg.AutoRun {
		m.dispatchLocked()
	}
	snapshot := m.snapshotLocked()
	out := *item
	m.mu.Unlock()

	m.notify(snapshot)
	return out, nil
}

// SetConfig applies a new concurrency bound and auto-run flag. Turning
// auto-run on immediately dispatches what fits.
func (m *Manager) SetConfig(cfg model.QueueConfig) {
	m.mu.Lock()
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = defaultConcurrency
	}
	m.cfg = cfg
	if m.cfg.AutoRun {
		m.dispatchLocked()
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snapshot)
}

// Dispatch manually dispatches pending items up to the concurrency bound.
// Used when auto-run is off.
func (m *Manager) Dispatch() error {
	m.mu.Lock()
	dispatched := m.dispatchLocked()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snapshot)
	if dispatched == 0 {
		return ErrNothingToRun
	}
	return nil
}

// Config returns the current queue configuration.
func (m *Manager) Config() model.QueueConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Items returns a copy of every queue item in creation order.
func (m *Manager) Items() []model.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemsLocked()
}

// Counts aggregates item statuses.
func (m *Manager) Counts() model.QueueCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countsLocked()
}

// Snapshot returns the full client-visible queue state.
func (m *Manager) Snapshot() model.QueueSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Run consumes polling updates until the context ends. Updates for task
// IDs the queue no longer tracks are silently discarded.
func (m *Manager) Run(ctx context.Context, updates <-chan model.TaskUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			m.HandleUpdate(u)
		}
	}
}

// HandleUpdate folds one polling update into the state machine.
func (m *Manager) HandleUpdate(u model.TaskUpdate) {
	m.mu.Lock()
	item, tracked := m.byTask[u.TaskID]
	if !tracked || item.Status != model.QueueStatusRunning {
		// Late update for a stopped, retried, or finished item
		m.mu.Unlock()
		return
	}

	changed := true
	switch u.Status {
	case model.TaskStatusSuccess:
		// The provider can flag success before the track data exists;
		// until tracks arrive this is progress, not an outcome.
		if len(u.Tracks) == 0 {
			if u.Progress > item.Progress {
				item.Progress = u.Progress
			} else {
				changed = false
			}
			break
		}
		item.Status = model.QueueStatusDone
		item.Progress = 100
		m.dispatchLocked()
	case model.TaskStatusError:
		item.Status = model.QueueStatusFailed
		item.Error = u.Error
		m.dispatchLocked()
	case model.TaskStatusTimeout:
		// Timed out items act like failed ones but stay distinguishable
		item.Status = model.QueueStatusFailed
		item.Error = u.Error
		item.Timeout = true
		m.dispatchLocked()
	default:
		if u.Progress > item.Progress {
			item.Progress = u.Progress
		} else {
			changed = false
		}
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if changed {
		m.notify(snapshot)
	}
}

// dispatchLocked scans pending items in FIFO creation order and dispatches
// as many as fit under the concurrency bound. Caller holds the lock.
func (m *Manager) dispatchLocked() int {
	running := 0
	for _, it := range m.items {
		if it.Status == model.QueueStatusRunning {
			running++
		}
	}
	capacity := m.cfg.MaxConcurrency - running
	if capacity <= 0 {
		return 0
	}

	pending := make([]*model.QueueItem, 0)
	for _, it := range m.items {
		if it.Status == model.QueueStatusPending {
			pending = append(pending, it)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	dispatched := 0
	for _, it := range pending {
		if dispatched >= capacity {
			break
		}
		it.Status = model.QueueStatusRunning
		it.Progress = 0
		go m.doSubmit(it.ID, it.Params)
		dispatched++
	}
	return dispatched
}

// doSubmit performs the provider submission for one dispatched item and
// feeds the result back into the state machine.
func (m *Manager) doSubmit(itemID string, params model.GenerateParams) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	taskID, err := m.submit.Generate(ctx, &params)

	m.mu.Lock()
	item := m.findLocked(itemID)
	if item == nil || item.Status != model.QueueStatusRunning {
		// Item was retried or removed while the submission was in flight;
		// nothing to attach the result to.
		m.mu.Unlock()
		return
	}

	if err != nil {
		item.Status = model.QueueStatusFailed
		item.Error = err.Error()
		log.Printf("[Queue] Item %s submission failed: %v", itemID, err)
		m.dispatchLocked()
		snapshot := m.snapshotLocked()
		m.mu.Unlock()
		m.notify(snapshot)
		return
	}

	item.TaskID = taskID
	m.byTask[taskID] = item
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.starter.Start(taskID)
	log.Printf("[Queue] Item %s dispatched as task %s", itemID, taskID)
	m.notify(snapshot)
}

func (m *Manager) findLocked(itemID string) *model.QueueItem {
	for _, it := range m.items {
		if it.ID == itemID {
			return it
		}
	}
	return nil
}

func (m *Manager) itemsLocked() []model.QueueItem {
	out := make([]model.QueueItem, len(m.items))
	for i, it := range m.items {
		out[i] = *it
	}
	return out
}

func (m *Manager) countsLocked() model.QueueCounts {
	var c model.QueueCounts
	for _, it := range m.items {
		switch it.Status {
		case model.QueueStatusPending:
			c.Pending++
		case model.QueueStatusRunning:
			c.Running++
		case model.QueueStatusDone:
			c.Done++
		case model.QueueStatusFailed:
			c.Failed++
		}
	}
	return c
}

func (m *Manager) snapshotLocked() model.QueueSnapshot {
	return model.QueueSnapshot{
		Items:  m.itemsLocked(),
		Counts: m.countsLocked(),
		Config: m.cfg,
	}
}

func (m *Manager) notify(snapshot model.QueueSnapshot) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}
