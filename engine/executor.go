// Package engine runs transfer descriptors from the queue through their
// flow pipeline, one at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/franksops/gridconveyor/connection"
	"github.com/franksops/gridconveyor/failure"
	"github.com/franksops/gridconveyor/flow"
	"github.com/franksops/gridconveyor/grid"
	"github.com/franksops/gridconveyor/logging"
	"github.com/franksops/gridconveyor/queue"
	"github.com/franksops/gridconveyor/store"
)

var (
	// ErrAlreadyStarted is returned by Start on an executor that is running.
	ErrAlreadyStarted = errors.New("executor already started")
	// ErrNotRunning is returned by PauseCurrent and CancelCurrent when no
	// descriptor is in flight.
	ErrNotRunning     = errors.New("descriptor is not running")
)

const (
	defaultMaxRetries   = 3
	defaultPollInterval = 30 * time.Second
)

// Sessions hands out authenticated sessions. *connection.Cache implements it.
type Sessions interface {
	Checkout(ctx context.Context, account grid.Account) (*connection.Lease, error)
	Checkin(l *connection.Lease) error
	Invalidate(l *connection.Lease) error
}

// Config tunes the executor.
type Config struct {
	// MaxRetries bounds automatic requeues after transient failures.
	MaxRetries int
	// PollInterval is how often an idle executor looks at the queue without
	// being woken.
	PollInterval time.Duration
}

// Deps are the collaborators an executor drives.
type Deps struct {
	Queue      *queue.Queue
	Flows      *flow.Resolver
	Sessions   Sessions
	Operations Operations
	Logger     logging.Logger
	Tracer     trace.Tracer
}

// Executor is the single-flight conveyor: it takes the oldest ENQUEUED
// descriptor, runs it to a final state and reports status on the way.
type Executor struct {
	queue    *queue.Queue
	flows    *flow.Resolver
	sessions Sessions
	ops      Operations
	log      logging.Logger
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time

	listenersMu sync.RWMutex
	listeners   []StatusListener

	// runMu keeps a single descriptor in flight.
	runMu sync.Mutex

	currentMu sync.Mutex
	currentID string
	pauseReq  atomic.Bool
	cancelReq atomic.Bool

	lifeMu   sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewExecutor wires an executor. Queue, Flows, Sessions and Operations are
// required.
func NewExecutor(deps Deps, cfg Config) (*Executor, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("engine: queue is required")
	case deps.Flows == nil:
		return nil, errors.New("engine: flow resolver is required")
	case deps.Sessions == nil:
		return nil, errors.New("engine: sessions are required")
	case deps.Operations == nil:
		return nil, errors.New("engine: operations are required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/franksops/gridconveyor/engine")
	}
	return &Executor{
		queue:    deps.Queue,
		flows:    deps.Flows,
		sessions: deps.Sessions,
		ops:      deps.Operations,
		log:      logging.OrNop(deps.Logger),
		tracer:   tracer,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// RegisterStatusListener adds l to the listeners notified of every event.
func (e *Executor) RegisterStatusListener(l StatusListener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, l)
}

// RegisterFlowSpec makes spec available to the flow resolver.
func (e *Executor) RegisterFlowSpec(spec *flow.Spec) error {
	return e.flows.Register(spec)
}

// Enqueue validates d and appends it to the queue.
func (e *Executor) Enqueue(ctx context.Context, d *store.Descriptor) (string, error) {
	return e.queue.Enqueue(ctx, d)
}

// Cancel cancels descriptor id. The running descriptor is cancelled at the
// next file boundary.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	if e.isCurrent(id) {
		return e.CancelCurrent()
	}
	return e.queue.Cancel(ctx, id)
}

// Pause pauses descriptor id. The running descriptor pauses at the next
// file boundary.
func (e *Executor) Pause(ctx context.Context, id string) error {
	if e.isCurrent(id) {
		return e.PauseCurrent()
	}
	return e.queue.Pause(ctx, id)
}

// Restart puts a paused or failed descriptor back in the queue.
func (e *Executor) Restart(ctx context.Context, id string) error {
	return e.queue.Restart(ctx, id)
}

// PauseCurrent asks the running descriptor to pause.
func (e *Executor) PauseCurrent() error {
	e.currentMu.Lock()
	defer e.currentMu.Unlock()
	if e.currentID == "" {
		return ErrNotRunning
	}
	e.pauseReq.Store(true)
	return nil
}

// CancelCurrent asks the running descriptor to cancel.
func (e *Executor) CancelCurrent() error {
	e.currentMu.Lock()
	defer e.currentMu.Unlock()
	if e.currentID == "" {
		return ErrNotRunning
	}
	e.cancelReq.Store(true)
	return nil
}

// Current returns the ID of the running descriptor, if any.
func (e *Executor) Current() (string, bool) {
	e.currentMu.Lock()
	defer e.currentMu.Unlock()
	return e.currentID, e.currentID != ""
}

func (e *Executor) isCurrent(id string) bool {
	cur, ok := e.Current()
	return ok && cur == id
}

func (e *Executor) begin(id string) {
	e.currentMu.Lock()
	e.currentID = id
	e.pauseReq.Store(false)
	e.cancelReq.Store(false)
	e.currentMu.Unlock()
}

func (e *Executor) end() {
	e.currentMu.Lock()
	e.currentID = ""
	e.currentMu.Unlock()
}

// Start recovers descriptors stranded by a previous run and starts the
// executor goroutine.
func (e *Executor) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.stop != nil {
		return ErrAlreadyStarted
	}

	n, err := e.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover queue: %w", err)
	}
	if n > 0 {
		e.log.Info(ctx, "recovered stranded descriptors", "count", n)
	}

	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.loop(ctx)
	return nil
}

// Stop lets the running descriptor finish, then stops the executor.
func (e *Executor) Stop() {
	e.lifeMu.Lock()
	stop, done := e.stop, e.done
	e.lifeMu.Unlock()
	if stop == nil {
		return
	}
	e.stopOnce.Do(func() { close(stop) })
	<-done
}

func (e *Executor) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		ran, err := e.RunNext(ctx)
		if err != nil {
			e.log.Error(ctx, "failed to take next descriptor", "error", err)
		}
		if ran && err == nil {
			continue
		}

		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-e.queue.Wake():
		case <-ticker.C:
		}
	}
}

// RunNext processes the oldest ENQUEUED descriptor, if any. It reports
// whether a descriptor was taken.
func (e *Executor) RunNext(ctx context.Context) (bool, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	lease, err := e.queue.DequeueNext(ctx)
	if errors.Is(err, queue.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.process(ctx, lease)
	return true, nil
}

// Drain runs descriptors until the queue is empty and returns how many ran.
func (e *Executor) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ran, err := e.RunNext(ctx)
		if err != nil || !ran {
			return n, err
		}
		n++
	}
}

// run carries per-descriptor state through process.
type run struct {
	lease      *queue.Lease
	spec       *flow.Spec
	errorChain bool
}

func (e *Executor) process(ctx context.Context, lease *queue.Lease) {
	d := lease.Descriptor
	ctx, span := e.tracer.Start(ctx, "conveyor.descriptor", trace.WithAttributes(
		attribute.String("conveyor.descriptor.id", d.ID),
		attribute.String("conveyor.descriptor.type", string(d.Type)),
		attribute.String("conveyor.account", d.Account.Signature()),
	))
	defer span.End()

	e.begin(d.ID)
	defer e.end()

	log := e.log.With("id", d.ID, "type", string(d.Type))
	r := &run{lease: lease}

	defer func() {
		if p := recover(); p != nil {
			log.Error(ctx, "recovered panic while processing descriptor", "panic", p, "stack", string(debug.Stack()))
			err := failure.Fatal("process", fmt.Errorf("panic: %v", p))
			span.SetStatus(codes.Error, err.Error())
			e.handleFailure(ctx, log, r, err)
		}
	}()

	if err := e.execute(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.handleFailure(ctx, log, r, err)
	}
}

func (e *Executor) execute(ctx context.Context, r *run) error {
	d := r.lease.Descriptor
	e.emit(ctx, StatusEvent{Kind: EventStarted, Descriptor: *d})

	spec, err := e.flows.Resolve(flow.ActionFor(d.Type), d.Account.Host, d.Account.Zone)
	if err != nil {
		return failure.Fatal("resolve flow", err)
	}
	r.spec = spec

	if res, err := spec.Run(ctx, flow.PhasePreOperation, e.snapshot(r, nil)); res == flow.ResultAbort {
		return failure.Aborted("pre-operation", err)
	}

	sl, err := e.sessions.Checkout(ctx, d.Account)
	if err != nil {
		if errors.Is(err, connection.ErrCacheClosed) {
			return failure.Transient("checkout", err)
		}
		return err
	}
	healthy := true
	defer func() {
		if healthy {
			_ = e.sessions.Checkin(sl)
		} else {
			_ = e.sessions.Invalidate(sl)
		}
	}()
	session := sl.Session()

	units, err := e.ops.Plan(ctx, session, d)
	if err != nil {
		healthy = !failure.IsTransient(err)
		return err
	}
	SortUnits(units)

	var total int64
	for _, u := range units {
		total += u.Size
	}
	if _, err := e.queue.SetTotals(ctx, r.lease, len(units), total); err != nil {
		return err
	}

	start := min(r.lease.Descriptor.FilesTransferred, len(units))
	for i := start; i < len(units); i++ {
		if stopped, err := e.interrupted(ctx, r); stopped || err != nil {
			return err
		}

		u := units[i]
		file := &flow.FileStatus{Index: i, Source: u.Source, Destination: u.Destination, Size: u.Size, Local: u.Local()}
		if res, err := spec.Run(ctx, flow.PhasePreFile, e.snapshot(r, file)); res == flow.ResultAbort {
			return failure.Aborted("pre-file", err)
		}

		sink := func(n int64) {
			e.emit(ctx, StatusEvent{Kind: EventProgress, Descriptor: *r.lease.Descriptor, File: u.Source, InFlightBytes: n})
		}
		copied, err := e.ops.Transfer(ctx, session, u, sink)
		if err != nil {
			healthy = !failure.IsTransient(err)
			return err
		}
		file.Written, file.Checksum, file.HasChecksum = copied.Bytes, copied.Checksum, true

		if res, err := spec.Run(ctx, flow.PhasePostFile, e.snapshot(r, file)); res == flow.ResultAbort {
			return failure.Aborted("post-file", err)
		}

		updated, err := e.queue.UpdateState(ctx, r.lease, store.StateProcessing, queue.Progress{Files: 1, Bytes: u.Size})
		if err != nil {
			return err
		}
		e.emit(ctx, StatusEvent{Kind: EventFileComplete, Descriptor: *updated, File: u.Source})
	}

	if res, err := spec.Run(ctx, flow.PhasePostOperation, e.snapshot(r, nil)); res == flow.ResultAbort {
		return failure.Aborted("post-operation", err)
	}

	done, err := e.queue.UpdateState(ctx, r.lease, store.StateComplete, queue.Progress{})
	if err != nil {
		return err
	}
	e.emit(ctx, StatusEvent{Kind: EventCompleted, Descriptor: *done})
	return nil
}

// interrupted applies a pending cancel or pause request. It reports whether
// the descriptor left PROCESSING.
func (e *Executor) interrupted(ctx context.Context, r *run) (bool, error) {
	var (
		state store.State
		kind  EventKind
	)
	switch {
	case e.cancelReq.Load():
		state, kind = store.StateCancelled, EventCancelled
	case e.pauseReq.Load():
		state, kind = store.StatePaused, EventPaused
	default:
		return false, nil
	}

	d, err := e.queue.UpdateState(ctx, r.lease, state, queue.Progress{})
	if err != nil {
		return false, err
	}
	e.emit(ctx, StatusEvent{Kind: kind, Descriptor: *d})
	return true, nil
}

func (e *Executor) snapshot(r *run, file *flow.FileStatus) flow.Snapshot {
	return flow.Snapshot{Descriptor: *r.lease.Descriptor.Clone(), File: file}
}

// handleFailure runs the error handler chain once and settles the
// descriptor: FAILED when the chain aborts or the error is not worth
// retrying, back in the queue otherwise.
func (e *Executor) handleFailure(ctx context.Context, log logging.Logger, r *run, cause error) {
	// Shutdown interrupted the transfer; give the descriptor back untouched.
	if ctx.Err() != nil && failure.IsTransient(cause) {
		if _, err := e.queue.Release(context.WithoutCancel(ctx), r.lease); err != nil {
			log.Error(ctx, "failed to release descriptor", "error", err)
		}
		log.Info(ctx, "descriptor released on shutdown")
		return
	}

	kind := failure.KindOf(cause)
	forceFail := false
	if r.spec != nil && !r.errorChain {
		r.errorChain = true
		snap := e.snapshot(r, nil)
		snap.Err, snap.ErrKind = cause, kind
		if res, err := r.spec.Run(ctx, flow.PhaseError, snap); res == flow.ResultAbort {
			log.Warn(ctx, "error handler chain aborted", "error", err)
			forceFail = true
		}
	}

	info := store.ErrorInfo{Kind: string(kind), Message: cause.Error(), At: e.now()}
	retry := !forceFail && kind == failure.KindTransient && r.lease.Descriptor.RetryCount < e.cfg.MaxRetries

	if retry {
		d, err := e.queue.Requeue(ctx, r.lease, info)
		if err != nil {
			log.Error(ctx, "failed to requeue descriptor", "error", err)
			return
		}
		log.Warn(ctx, "descriptor requeued after transient failure", "retry", d.RetryCount, "error", cause)
		e.emit(ctx, StatusEvent{Kind: EventRetrying, Descriptor: *d, ErrKind: kind, Message: info.Message})
		return
	}

	d, err := e.queue.Fail(ctx, r.lease, info)
	if err != nil {
		log.Error(ctx, "failed to mark descriptor failed", "error", err)
		return
	}
	log.Error(ctx, "descriptor failed", "kind", string(kind), "error", cause)
	e.emit(ctx, StatusEvent{Kind: EventFailed, Descriptor: *d, ErrKind: kind, Message: info.Message})
}

// emit delivers ev to every listener in registration order. Listener
// errors and panics are logged and swallowed.
func (e *Executor) emit(ctx context.Context, ev StatusEvent) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.listenersMu.RLock()
	listeners := append([]StatusListener(nil), e.listeners...)
	e.listenersMu.RUnlock()

	for _, l := range listeners {
		e.notify(ctx, l, ev)
	}
}

func (e *Executor) notify(ctx context.Context, l StatusListener, ev StatusEvent) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Warn(ctx, "status listener panicked", "event", string(ev.Kind), "panic", p)
		}
	}()
	if err := l.OnStatus(ctx, ev); err != nil {
		e.log.Warn(ctx, "status listener failed", "event", string(ev.Kind), "error", err)
	}
}
