// Package queue implements the durable transfer queue and the descriptor
// state machine on top of a store.DescriptorStore.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/franksops/gridconveyor/failure"
	"github.com/franksops/gridconveyor/store"
)

var (
	// ErrQueueEmpty is returned by DequeueNext when nothing is ENQUEUED.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrConcurrentModification is returned when a caller other than the
	// lease holder tries to mutate a PROCESSING descriptor.
	ErrConcurrentModification = errors.New("descriptor is being processed")

	// ErrInvalidTransition is returned when the state machine forbids a move.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrLeaseMismatch is returned when a lease no longer owns its descriptor.
	ErrLeaseMismatch = errors.New("lease does not own descriptor")

	// ErrInvalidDescriptor is wrapped by enqueue validation failures.
	ErrInvalidDescriptor = errors.New("invalid descriptor")
)

// Lease proves exclusive ownership of a PROCESSING descriptor.
type Lease struct {
	Token      string
	Descriptor *store.Descriptor
}

// ID returns the leased descriptor's ID.
func (l *Lease) ID() string {
	return l.Descriptor.ID
}

// Progress is a delta applied to a descriptor's counters.
type Progress struct {
	Files int
	Bytes int64
}

// Queue is the durable FIFO of transfer descriptors.
type Queue struct {
	store store.DescriptorStore
	now   func() time.Time

	mu     sync.Mutex
	leases map[string]string // descriptor ID -> lease token

	wake chan struct{}
}

// New creates a queue over st.
func New(st store.DescriptorStore) *Queue {
	return &Queue{
		store:  st,
		now:    time.Now,
		leases: make(map[string]string),
		wake:   make(chan struct{}, 1),
	}
}

// Wake returns a channel that receives when new work may be available.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Validate checks that d describes a runnable transfer.
func Validate(d *store.Descriptor) error {
	if d == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalidDescriptor)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDescriptor, d.Type)
	}
	if err := d.Account.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	if strings.TrimSpace(d.RemotePath) == "" {
		return fmt.Errorf("%w: remote path is required", ErrInvalidDescriptor)
	}
	switch d.Type {
	case store.TypeReplicate:
		if strings.TrimSpace(d.TargetResource) == "" {
			return fmt.Errorf("%w: replicate needs a target resource", ErrInvalidDescriptor)
		}
	default:
		if strings.TrimSpace(d.LocalPath) == "" {
			return fmt.Errorf("%w: local path is required for %s", ErrInvalidDescriptor, d.Type)
		}
	}
	return nil
}

// Enqueue validates d and appends a fresh copy to the back of the queue.
// A caller may pre-assign d.ID; an ID already in the store is rejected as
// invalid. An empty ID gets a new UUID. Progress, state and timestamps of d
// are ignored.
func (q *Queue) Enqueue(ctx context.Context, d *store.Descriptor) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := Validate(d); err != nil {
		return "", failure.Validation("enqueue", err)
	}

	rec := d.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := q.now()
	rec.State = store.StateEnqueued
	rec.CreatedAt = now
	rec.LastUpdatedAt = now
	rec.FilesTransferred = 0
	rec.BytesTransferred = 0
	rec.TotalFiles = 0
	rec.TotalBytes = 0
	rec.RetryCount = 0
	rec.Error = nil
	rec.Seq = 0

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.store.GetDescriptor(rec.ID); err == nil {
		return "", failure.Validation("enqueue", fmt.Errorf("%w: id %s already exists", ErrInvalidDescriptor, rec.ID))
	} else if !errors.Is(err, store.ErrDescriptorNotFound) {
		return "", fmt.Errorf("failed to check descriptor %s: %w", rec.ID, err)
	}

	if err := q.store.SaveDescriptor(rec); err != nil {
		return "", fmt.Errorf("failed to enqueue descriptor: %w", err)
	}
	q.signal()
	return rec.ID, nil
}

// DequeueNext moves the oldest ENQUEUED descriptor to PROCESSING and returns
// a lease on it.
func (q *Queue) DequeueNext(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	d, err := q.store.OldestEnqueued()
	if errors.Is(err, store.ErrNoEnqueued) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	d.State = store.StateProcessing
	d.LastUpdatedAt = q.now()
	if err := q.store.SaveDescriptor(d); err != nil {
		return nil, fmt.Errorf("failed to mark descriptor %s processing: %w", d.ID, err)
	}

	token := uuid.NewString()
	q.leases[d.ID] = token
	return &Lease{Token: token, Descriptor: d.Clone()}, nil
}

// UpdateState moves a leased descriptor to state and applies delta to its
// counters. Leaving PROCESSING releases the lease.
func (q *Queue) UpdateState(ctx context.Context, lease *Lease, state store.State, delta Progress) (*store.Descriptor, error) {
	return q.mutateLeased(lease, state, func(d *store.Descriptor) {
		d.FilesTransferred += delta.Files
		d.BytesTransferred += delta.Bytes
	})
}

// SetTotals records the planned size of a leased transfer.
func (q *Queue) SetTotals(ctx context.Context, lease *Lease, files int, bytes int64) (*store.Descriptor, error) {
	return q.mutateLeased(lease, store.StateProcessing, func(d *store.Descriptor) {
		d.TotalFiles = files
		d.TotalBytes = bytes
	})
}

// Requeue returns a leased descriptor to the back of the queue after a
// transient failure and counts the retry.
func (q *Queue) Requeue(ctx context.Context, lease *Lease, info store.ErrorInfo) (*store.Descriptor, error) {
	return q.mutateLeased(lease, store.StateEnqueued, func(d *store.Descriptor) {
		d.RetryCount++
		d.Error = &info
		d.Seq = 0
	})
}

// Release gives up a lease without counting a retry, for example when the
// executor shuts down mid-transfer. The descriptor keeps its queue position.
func (q *Queue) Release(ctx context.Context, lease *Lease) (*store.Descriptor, error) {
	return q.mutateLeased(lease, store.StateEnqueued, func(*store.Descriptor) {})
}

// Fail moves a leased descriptor to FAILED with info attached.
func (q *Queue) Fail(ctx context.Context, lease *Lease, info store.ErrorInfo) (*store.Descriptor, error) {
	return q.mutateLeased(lease, store.StateFailed, func(d *store.Descriptor) {
		d.Error = &info
	})
}

func (q *Queue) mutateLeased(lease *Lease, state store.State, apply func(*store.Descriptor)) (*store.Descriptor, error) {
	if lease == nil || lease.Descriptor == nil {
		return nil, ErrLeaseMismatch
	}
	id := lease.ID()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.leases[id] != lease.Token {
		return nil, fmt.Errorf("%w: %s", ErrLeaseMismatch, id)
	}

	d, err := q.store.GetDescriptor(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load descriptor %s: %w", id, err)
	}
	if !CanTransition(d.State, state) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.State, state)
	}

	apply(d)
	d.State = state
	d.LastUpdatedAt = q.now()
	if err := q.store.SaveDescriptor(d); err != nil {
		return nil, fmt.Errorf("failed to save descriptor %s: %w", id, err)
	}

	if state != store.StateProcessing {
		delete(q.leases, id)
	}
	if state == store.StateEnqueued {
		q.signal()
	}
	lease.Descriptor = d.Clone()
	return d, nil
}

// Cancel moves a descriptor that is not being processed to CANCELLED.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.mutateIdle(ctx, id, store.StateCancelled, nil)
}

// Pause holds an ENQUEUED descriptor back from execution.
func (q *Queue) Pause(ctx context.Context, id string) error {
	return q.mutateIdle(ctx, id, store.StatePaused, nil)
}

// Restart puts a PAUSED or FAILED descriptor back at the end of the queue.
// Restarting a failed descriptor resets its retry budget.
func (q *Queue) Restart(ctx context.Context, id string) error {
	return q.mutateIdle(ctx, id, store.StateEnqueued, func(d *store.Descriptor) {
		if d.State == store.StateFailed {
			d.RetryCount = 0
			d.Error = nil
		}
		d.Seq = 0
	})
}

func (q *Queue) mutateIdle(ctx context.Context, id string, state store.State, apply func(*store.Descriptor)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, leased := q.leases[id]; leased {
		return fmt.Errorf("%w: %s", ErrConcurrentModification, id)
	}
	d, err := q.store.GetDescriptor(id)
	if err != nil {
		return fmt.Errorf("failed to load descriptor %s: %w", id, err)
	}
	if d.State == store.StateProcessing {
		return fmt.Errorf("%w: %s", ErrConcurrentModification, id)
	}
	if !CanTransition(d.State, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.State, state)
	}

	if apply != nil {
		apply(d)
	}
	d.State = state
	d.LastUpdatedAt = q.now()
	if err := q.store.SaveDescriptor(d); err != nil {
		return fmt.Errorf("failed to save descriptor %s: %w", id, err)
	}
	if state == store.StateEnqueued {
		q.signal()
	}
	return nil
}

// Recover returns PROCESSING descriptors without a live lease to ENQUEUED,
// keeping their original queue position. It is meant to run once at
// start-up, after a crash left descriptors stranded.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	all, err := q.store.ListDescriptors()
	if err != nil {
		return 0, fmt.Errorf("failed to list descriptors: %w", err)
	}

	n := 0
	for _, d := range all {
		if d.State != store.StateProcessing {
			continue
		}
		if _, leased := q.leases[d.ID]; leased {
			continue
		}
		d.State = store.StateEnqueued
		d.LastUpdatedAt = q.now()
		if err := q.store.SaveDescriptor(d); err != nil {
			return n, fmt.Errorf("failed to recover descriptor %s: %w", d.ID, err)
		}
		n++
	}
	if n > 0 {
		q.signal()
	}
	return n, nil
}

// Get returns a copy of the descriptor with id.
func (q *Queue) Get(ctx context.Context, id string) (*store.Descriptor, error) {
	return q.store.GetDescriptor(id)
}

// List returns the descriptors accepted by keep, oldest first. A nil keep
// returns everything.
func (q *Queue) List(ctx context.Context, keep func(*store.Descriptor) bool) ([]*store.Descriptor, error) {
	all, err := q.store.ListDescriptors()
	if err != nil {
		return nil, err
	}
	if keep == nil {
		return all, nil
	}
	out := all[:0]
	for _, d := range all {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// HasActive reports whether a not-yet-finished descriptor already covers
// the same transfer.
func (q *Queue) HasActive(ctx context.Context, t store.TransferType, localPath, remotePath string) (bool, error) {
	matches, err := q.List(ctx, func(d *store.Descriptor) bool {
		return Active(d.State) && d.Type == t && d.LocalPath == localPath && d.RemotePath == remotePath
	})
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}
