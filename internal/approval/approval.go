// Package approval serializes user confirmation of dangerous wallet methods.
// Unlike the permission manager's ASK path, which is keyed by method name,
// the approval queue is keyed by the outer JSON-RPC request id: two
// concurrent calls to the same dangerous method always require two
// independent confirmations.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/walletmesh/core/pkg/logging"
)

// State is the lifecycle stage of an ApprovalContext.
type State string

const (
	StatePending          State = "pending"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateDenied           State = "denied"
	StateComplete         State = "complete"
)

// ErrDuplicateRequestID is returned by Queue when request_id already has a
// pending entry.
var ErrDuplicateRequestID = errors.New("approval: duplicate request id")

// ErrShutdown is the rejection reason used by CleanupAll for any entry still
// pending at shutdown.
var ErrShutdown = errors.New("approval: queue shut down")

// ApprovalContext describes one outstanding approval request.
type ApprovalContext struct {
	RequestID  string
	ChainID    string
	Method     string
	Params     json.RawMessage
	Origin     string
	SessionID  string
	TxStatusID string
	State      State
	QueuedAt   time.Time
}

type entry struct {
	ctx     *ApprovalContext
	resolve chan bool
	reject  chan error
	timer   *time.Timer
}

// Queue is the per-router approval gate. The zero value is not usable; use
// New.
type Queue struct {
	defaultTimeout time.Duration
	log            *logging.Logger

	mu      sync.Mutex
	pending map[string]*entry

	approvedTotal uint64
	deniedTotal   uint64
	timedOutTotal uint64
}

// Stats summarizes the queue's lifetime activity, for a daemon's status
// endpoint.
type Stats struct {
	Pending  int
	Approved uint64
	Denied   uint64
	TimedOut uint64
}

// New creates an approval queue with the given default timeout (applied
// when Queue is called with timeout <= 0). Per the design's fixed default,
// pass 5*time.Minute unless the deployment overrides it.
func New(defaultTimeout time.Duration) *Queue {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	return &Queue{
		defaultTimeout: defaultTimeout,
		log:            logging.GetDefault().Component("approval"),
		pending:        make(map[string]*entry),
	}
}

// Queue inserts a new ApprovalContext keyed by requestID and blocks until
// Resolve is called, the timeout elapses, or ctx is cancelled. It returns
// ErrDuplicateRequestID immediately if requestID already has a pending
// entry.
func (q *Queue) Queue(ctx context.Context, actx *ApprovalContext, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}
	if actx.TxStatusID == "" {
		actx.TxStatusID = uuid.NewString()
	}
	actx.QueuedAt = time.Now()
	actx.State = StateAwaitingApproval

	e := &entry{
		ctx:     actx,
		resolve: make(chan bool, 1),
		reject:  make(chan error, 1),
	}

	q.mu.Lock()
	if _, exists := q.pending[actx.RequestID]; exists {
		q.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrDuplicateRequestID, actx.RequestID)
	}
	q.pending[actx.RequestID] = e
	q.mu.Unlock()

	e.timer = time.AfterFunc(timeout, func() {
		q.resolveLocked(actx.RequestID, false, nil, true)
	})

	defer q.cleanup(actx.RequestID)

	select {
	case approved := <-e.resolve:
		return approved, nil
	case err := <-e.reject:
		return false, err
	case <-ctx.Done():
		q.resolveLocked(actx.RequestID, false, ctx.Err(), false)
		return false, ctx.Err()
	}
}

// Resolve is called by the approval UI to approve or deny a pending
// request. It is a no-op if requestID has no pending entry (already
// resolved, timed out, or never queued).
func (q *Queue) Resolve(requestID string, approved bool) {
	q.resolveLocked(requestID, approved, nil, false)
}

func (q *Queue) resolveLocked(requestID string, approved bool, err error, timedOut bool) {
	q.mu.Lock()
	e, ok := q.pending[requestID]
	if ok {
		delete(q.pending, requestID)
	}
	q.mu.Unlock()
	if !ok {
		return
	}

	if e.timer != nil {
		e.timer.Stop()
	}

	switch {
	case err != nil:
		e.ctx.State = StateDenied
		q.mu.Lock()
		q.deniedTotal++
		q.mu.Unlock()
		e.reject <- err
	case timedOut:
		e.ctx.State = StateDenied
		q.mu.Lock()
		q.timedOutTotal++
		q.mu.Unlock()
		e.reject <- fmt.Errorf("approval: timed out waiting for confirmation")
	case approved:
		e.ctx.State = StateApproved
		q.mu.Lock()
		q.approvedTotal++
		q.mu.Unlock()
		e.resolve <- true
	default:
		e.ctx.State = StateDenied
		q.mu.Lock()
		q.deniedTotal++
		q.mu.Unlock()
		e.resolve <- false
	}
}

// Stats reports the number of currently pending requests and lifetime
// approved/denied/timed-out counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:  len(q.pending),
		Approved: q.approvedTotal,
		Denied:   q.deniedTotal,
		TimedOut: q.timedOutTotal,
	}
}

// cleanup removes requestID from pending when Queue returns. Every path out
// of Queue's select has already removed the entry (through resolveLocked or
// CleanupAll), so this is normally a no-op; it guards against a leaked
// entry.
func (q *Queue) cleanup(requestID string) {
	q.mu.Lock()
	delete(q.pending, requestID)
	q.mu.Unlock()
}

// GetPending returns the ApprovalContext for requestID, if still pending.
func (q *Queue) GetPending(requestID string) (*ApprovalContext, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.pending[requestID]
	if !ok {
		return nil, false
	}
	cp := *e.ctx
	return &cp, true
}

// GetAllPending returns every currently pending ApprovalContext.
func (q *Queue) GetAllPending() []*ApprovalContext {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*ApprovalContext, 0, len(q.pending))
	for _, e := range q.pending {
		cp := *e.ctx
		out = append(out, &cp)
	}
	return out
}

// HasPending reports whether requestID currently has a pending entry.
func (q *Queue) HasPending(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[requestID]
	return ok
}

// CleanupAll rejects every pending entry with ErrShutdown. Call on router
// shutdown so no caller is left blocked indefinitely.
func (q *Queue) CleanupAll() {
	q.mu.Lock()
	entries := make([]*entry, 0, len(q.pending))
	for _, e := range q.pending {
		entries = append(entries, e)
	}
	q.pending = make(map[string]*entry)
	q.mu.Unlock()

	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.reject <- ErrShutdown
	}
}
