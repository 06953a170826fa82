// Package queue owns the per-backend FIFO admission queues and the single
// processing slot each backend exposes. No other package touches the
// underlying collections; all access goes through Manager.
package queue

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"imagegen/internal/domain"
)

var (
	// ErrNotFound is returned when a request id is not tracked by the manager.
	ErrNotFound = errors.New("queue: request not found")
	// ErrInvalidTransition is returned when a status change would move a
	// request backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("queue: invalid status transition")
)

// BackendStats is a point-in-time view of one backend queue.
type BackendStats struct {
	Backend    domain.Backend
	Pending    int
	Processing bool
	CurrentID  string
	Tracked    int
}

// Observer receives queue state changes. It is invoked while holding the
// backend lock and must not call back into the Manager.
type Observer interface {
	QueueChanged(stats BackendStats)
}

// backendQueue holds arrival-ordered requests for one backend. The processing
// flag is true iff current names a request in StatusProcessing.
type backendQueue struct {
	mu         sync.Mutex
	backend    domain.Backend
	entries    *list.List
	byID       map[string]*list.Element
	processing bool
	current    string
	changed    chan struct{}
}

// Manager coordinates admission for every backend. Each backend has its own
// lock, so operations on one backend never wait on another.
type Manager struct {
	queues   map[domain.Backend]*backendQueue
	idxMu    sync.RWMutex
	index    map[string]domain.Backend
	now      func() time.Time
	newID    func() string
	observer Observer
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// WithObserver registers a listener for queue state changes.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// NewManager creates one queue per supported backend.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		queues: make(map[domain.Backend]*backendQueue),
		index:  make(map[string]domain.Backend),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, b := range domain.Backends() {
		m.queues[b] = &backendQueue{
			backend: b,
			entries: list.New(),
			byID:    make(map[string]*list.Element),
			changed: make(chan struct{}),
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Admit registers a new pending request at the tail of the backend queue.
func (m *Manager) Admit(backend domain.Backend, prompt, callerID string) (string, error) {
	q, ok := m.queues[backend]
	if !ok {
		return "", fmt.Errorf("queue: admit %q: %w", backend, domain.ErrUnknownBackend)
	}
	req := &domain.GenerationRequest{
		ID:             m.newID(),
		Backend:        backend,
		OriginalPrompt: prompt,
		CallerID:       callerID,
		Status:         domain.StatusPending,
		CreatedAt:      m.now(),
	}

	m.idxMu.Lock()
	m.index[req.ID] = backend
	m.idxMu.Unlock()

	q.mu.Lock()
	q.byID[req.ID] = q.entries.PushBack(req)
	m.notifyLocked(q, false)
	q.mu.Unlock()
	return req.ID, nil
}

// TryStartProcessing grants the backend slot to requestID when the slot is
// free and requestID is the oldest pending request of that backend. It has no
// side effects when it returns false.
func (m *Manager) TryStartProcessing(requestID string, backend domain.Backend) bool {
	q, ok := m.queues[backend]
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processing {
		return false
	}
	head := q.headPendingLocked()
	if head == nil || head.ID != requestID {
		return false
	}
	head.Status = domain.StatusProcessing
	head.StartedAt = m.now()
	q.processing = true
	q.current = head.ID
	m.notifyLocked(q, true)
	return true
}

// QueuePosition returns the 1-based position of a pending request among the
// pending requests of its backend. ok is false when the request is unknown or
// no longer pending.
func (m *Manager) QueuePosition(requestID string, backend domain.Backend) (int, bool) {
	q, ok := m.queues[backend]
	if !ok {
		return 0, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	elem, ok := q.byID[requestID]
	if !ok || elem.Value.(*domain.GenerationRequest).Status != domain.StatusPending {
		return 0, false
	}
	pos := 1
	for e := q.entries.Front(); e != nil && e != elem; e = e.Next() {
		if e.Value.(*domain.GenerationRequest).Status == domain.StatusPending {
			pos++
		}
	}
	return pos, true
}

// SetEnhancedPrompt records the prompt actually sent to the backend.
func (m *Manager) SetEnhancedPrompt(requestID, prompt string) error {
	return m.mutate(requestID, func(q *backendQueue, req *domain.GenerationRequest) error {
		if req.Status.Terminal() {
			return ErrInvalidTransition
		}
		req.EnhancedPrompt = prompt
		return nil
	})
}

// MarkCompleted moves a processing request to StatusCompleted and releases
// the backend slot.
func (m *Manager) MarkCompleted(requestID, artifactPath string) error {
	return m.mutate(requestID, func(q *backendQueue, req *domain.GenerationRequest) error {
		if req.Status != domain.StatusProcessing {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, domain.StatusCompleted)
		}
		req.Status = domain.StatusCompleted
		req.ArtifactPath = artifactPath
		req.FinishedAt = m.now()
		m.releaseLocked(q, req.ID)
		return nil
	})
}

// MarkFailed moves a pending or processing request to StatusFailed. When the
// request held the backend slot, the slot is released.
func (m *Manager) MarkFailed(requestID, detail string) error {
	return m.mutate(requestID, func(q *backendQueue, req *domain.GenerationRequest) error {
		if req.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, domain.StatusFailed)
		}
		req.Status = domain.StatusFailed
		req.ErrorDetail = detail
		req.FinishedAt = m.now()
		m.releaseLocked(q, req.ID)
		return nil
	})
}

// Abandon drops a pending request whose caller went away. It refuses to drop
// a processing request; that one must reach a terminal state first.
func (m *Manager) Abandon(requestID string) bool {
	backend, ok := m.lookupBackend(requestID)
	if !ok {
		return false
	}
	q := m.queues[backend]
	q.mu.Lock()
	elem, ok := q.byID[requestID]
	if !ok || elem.Value.(*domain.GenerationRequest).Status != domain.StatusPending {
		q.mu.Unlock()
		return false
	}
	q.removeLocked(elem)
	m.notifyLocked(q, true)
	q.mu.Unlock()

	m.forget(requestID)
	return true
}

// Remove forgets a terminal request once its caller has been notified.
func (m *Manager) Remove(requestID string) error {
	backend, ok := m.lookupBackend(requestID)
	if !ok {
		return ErrNotFound
	}
	q := m.queues[backend]
	q.mu.Lock()
	elem, ok := q.byID[requestID]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if !elem.Value.(*domain.GenerationRequest).Status.Terminal() {
		q.mu.Unlock()
		return fmt.Errorf("%w: cannot remove non-terminal request", ErrInvalidTransition)
	}
	q.removeLocked(elem)
	m.notifyLocked(q, false)
	q.mu.Unlock()

	m.forget(requestID)
	return nil
}

// Get returns a copy of the tracked request.
func (m *Manager) Get(requestID string) (domain.GenerationRequest, bool) {
	backend, ok := m.lookupBackend(requestID)
	if !ok {
		return domain.GenerationRequest{}, false
	}
	q := m.queues[backend]
	q.mu.Lock()
	defer q.mu.Unlock()
	elem, ok := q.byID[requestID]
	if !ok {
		return domain.GenerationRequest{}, false
	}
	return *elem.Value.(*domain.GenerationRequest), true
}

// Changed returns a channel that is closed the next time the backend slot is
// taken or released, or a waiting request leaves the queue. Callers must fetch a fresh
// channel after each wake-up.
func (m *Manager) Changed(backend domain.Backend) <-chan struct{} {
	q, ok := m.queues[backend]
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// Stats reports the state of every backend queue.
func (m *Manager) Stats() []BackendStats {
	out := make([]BackendStats, 0, len(m.queues))
	for _, b := range domain.Backends() {
		q := m.queues[b]
		q.mu.Lock()
		out = append(out, q.statsLocked())
		q.mu.Unlock()
	}
	return out
}

func (m *Manager) mutate(requestID string, fn func(*backendQueue, *domain.GenerationRequest) error) error {
	backend, ok := m.lookupBackend(requestID)
	if !ok {
		return ErrNotFound
	}
	q := m.queues[backend]
	q.mu.Lock()
	defer q.mu.Unlock()
	elem, ok := q.byID[requestID]
	if !ok {
		return ErrNotFound
	}
	return fn(q, elem.Value.(*domain.GenerationRequest))
}

func (m *Manager) lookupBackend(requestID string) (domain.Backend, bool) {
	m.idxMu.RLock()
	defer m.idxMu.RUnlock()
	b, ok := m.index[requestID]
	return b, ok
}

func (m *Manager) forget(requestID string) {
	m.idxMu.Lock()
	delete(m.index, requestID)
	m.idxMu.Unlock()
}

// releaseLocked clears the processing flag if requestID holds it and wakes
// waiters. Pending requests failing before their turn also wake waiters since
// queue positions shift.
func (m *Manager) releaseLocked(q *backendQueue, requestID string) {
	if q.processing && q.current == requestID {
		q.processing = false
		q.current = ""
	}
	m.notifyLocked(q, true)
}

func (m *Manager) notifyLocked(q *backendQueue, wake bool) {
	if wake {
		close(q.changed)
		q.changed = make(chan struct{})
	}
	if m.observer != nil {
		m.observer.QueueChanged(q.statsLocked())
	}
}

func (q *backendQueue) headPendingLocked() *domain.GenerationRequest {
	for e := q.entries.Front(); e != nil; e = e.Next() {
		req := e.Value.(*domain.GenerationRequest)
		if req.Status == domain.StatusPending {
			return req
		}
	}
	return nil
}

func (q *backendQueue) removeLocked(elem *list.Element) {
	req := elem.Value.(*domain.GenerationRequest)
	q.entries.Remove(elem)
	delete(q.byID, req.ID)
}

func (q *backendQueue) statsLocked() BackendStats {
	pending := 0
	for e := q.entries.Front(); e != nil; e = e.Next() {
		if e.Value.(*domain.GenerationRequest).Status == domain.StatusPending {
			pending++
		}
	}
	return BackendStats{
		Backend:    q.backend,
		Pending:    pending,
		Processing: q.processing,
		CurrentID:  q.current,
		Tracked:    q.entries.Len(),
	}
}
