// Package scheduler keeps synchronization relationships in step by diffing
// local and remote trees on a timer and enqueueing the missing copies.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/franksops/gridconveyor/engine"
	"github.com/franksops/gridconveyor/failure"
	"github.com/franksops/gridconveyor/grid"
	"github.com/franksops/gridconveyor/logging"
	"github.com/franksops/gridconveyor/store"
)

// ErrInvalidRelationship is wrapped by relationship validation failures.
var ErrInvalidRelationship = errors.New("invalid sync relationship")

const defaultInterval = 15 * time.Minute

// TreeLister lists the files of both sides of a relationship.
// *engine.ProviderTrees implements it.
type TreeLister interface {
	ListLocalTree(ctx context.Context, root string) ([]engine.TreeEntry, error)
	ListRemoteTree(ctx context.Context, account grid.Account, root string) ([]engine.TreeEntry, error)
}

// Enqueuer accepts descriptors and tells whether one is already pending.
// *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, d *store.Descriptor) (string, error)
	HasActive(ctx context.Context, t store.TransferType, localPath, remotePath string) (bool, error)
}

// Config tunes the scheduler.
type Config struct {
	// Interval between synchronization passes.
	Interval time.Duration
}

// Report summarizes one synchronization pass.
type Report struct {
	Relationships int
	Enqueued      int
	// Skipped counts differences already covered by an active descriptor.
	Skipped int
}

// Scheduler runs synchronization passes.
type Scheduler struct {
	syncs store.SyncStore
	trees TreeLister
	queue Enqueuer
	log   logging.Logger
	cfg   Config

	mu       sync.Mutex
	cron     *cron.Cron
	stopOnce sync.Once
}

// New creates a scheduler. It does nothing until Start or RunOnce.
func New(cfg Config, syncs store.SyncStore, trees TreeLister, q Enqueuer, log logging.Logger) (*Scheduler, error) {
	switch {
	case syncs == nil:
		return nil, errors.New("scheduler: sync store is required")
	case trees == nil:
		return nil, errors.New("scheduler: tree lister is required")
	case q == nil:
		return nil, errors.New("scheduler: enqueuer is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Scheduler{syncs: syncs, trees: trees, queue: q, log: logging.OrNop(log), cfg: cfg}, nil
}

// Validate checks r before it is stored.
func Validate(r store.SyncRelationship) error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRelationship)
	case r.LocalPath == "" || r.RemotePath == "":
		return fmt.Errorf("%w: local and remote paths are required", ErrInvalidRelationship)
	}
	switch r.Direction {
	case "", store.DirectionBoth, store.DirectionPush, store.DirectionPull:
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidRelationship, r.Direction)
	}
	if err := r.Account.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRelationship, err)
	}
	return nil
}

// Add validates and stores r, replacing a relationship with the same name.
func (s *Scheduler) Add(r store.SyncRelationship) error {
	if err := Validate(r); err != nil {
		return failure.Validation("add sync", err)
	}
	if r.Direction == "" {
		r.Direction = store.DirectionBoth
	}
	return s.syncs.SaveSync(r)
}

// Start schedules a pass every Interval on cron's goroutine. A pass still
// running when the next one is due causes that one to be skipped. The
// scheduler stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	clog := cronLogger{log: s.log}
	c := cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	spec := "@every " + s.cfg.Interval.String()
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn(ctx, "synchronization pass finished with errors", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule %q: %w", spec, err)
	}
	s.cron = c
	c.Start()
	s.log.Info(ctx, "sync scheduler started", "interval", s.cfg.Interval.String())

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop stops scheduling and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return
	}
	s.stopOnce.Do(func() {
		<-c.Stop().Done()
	})
}

// RunOnce synchronizes every enabled relationship. A failing relationship
// does not stop the others; their errors are joined.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	rels, err := s.syncs.ListSyncs()
	if err != nil {
		return rep, fmt.Errorf("failed to load sync relationships: %w", err)
	}

	var errs []error
	for _, r := range rels {
		if !r.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rep.Relationships++
		enq, skipped, err := s.syncOne(ctx, r)
		rep.Enqueued += enq
		rep.Skipped += skipped
		if err != nil {
			s.log.Warn(ctx, "sync relationship failed", "name", r.Name, "error", err)
			errs = append(errs, fmt.Errorf("sync %s: %w", r.Name, err))
		}
	}
	if rep.Enqueued > 0 {
		s.log.Info(ctx, "synchronization pass enqueued transfers", "enqueued", rep.Enqueued, "skipped", rep.Skipped)
	}
	return rep, errors.Join(errs...)
}

func (s *Scheduler) syncOne(ctx context.Context, r store.SyncRelationship) (enqueued, skipped int, err error) {
	local, err := s.trees.ListLocalTree(ctx, r.LocalPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list local tree: %w", err)
	}
	remote, err := s.trees.ListRemoteTree(ctx, r.Account, r.RemotePath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list remote tree: %w", err)
	}

	for _, item := range engine.Diff(local, remote, r.Direction) {
		d := descriptorFor(r, item)
		active, err := s.queue.HasActive(ctx, d.Type, d.LocalPath, d.RemotePath)
		if err != nil {
			return enqueued, skipped, err
		}
		if active {
			skipped++
			continue
		}
		if _, err := s.queue.Enqueue(ctx, d); err != nil {
			return enqueued, skipped, err
		}
		enqueued++
	}
	return enqueued, skipped, nil
}

func descriptorFor(r store.SyncRelationship, item engine.DiffItem) *store.Descriptor {
	localPath, remotePath := r.LocalPath, r.RemotePath
	if item.RelPath != "" {
		localPath = filepath.Join(r.LocalPath, filepath.FromSlash(item.RelPath))
		remotePath = path.Join(r.RemotePath, item.RelPath)
	}
	return &store.Descriptor{
		Type:       item.Type,
		LocalPath:  localPath,
		RemotePath: remotePath,
		Account:    r.Account,
	}
}

// cronLogger routes cron's own logging through the conveyor logger.
type cronLogger struct {
	log logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug(context.Background(), "cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error(context.Background(), "cron: "+msg, append(keysAndValues, "error", err)...)
}
