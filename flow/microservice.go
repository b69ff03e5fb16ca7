// Package flow selects the microservice pipeline that wraps a transfer and
// runs its chains.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/franksops/gridconveyor/failure"
	"github.com/franksops/gridconveyor/store"
)

// ErrAborted is returned by RunChain when a microservice signals ABORT.
var ErrAborted = errors.New("chain aborted")

// Result is what a microservice tells the chain runner to do next.
type Result int

const (
	// ResultOK continues with the next microservice in the chain.
	ResultOK Result = iota
	// ResultSkipRestOfChain ends the chain and moves on to the next phase.
	ResultSkipRestOfChain
	// ResultAbort ends the chain and diverts to the error handler chain.
	ResultAbort
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultSkipRestOfChain:
		return "SKIP_REST_OF_CHAIN"
	case ResultAbort:
		return "ABORT"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Phase names a point in the pipeline where a chain runs.
type Phase string

const (
	PhasePreOperation  Phase = "pre_operation"
	PhasePreFile       Phase = "pre_file"
	PhasePostFile      Phase = "post_file"
	PhasePostOperation Phase = "post_operation"
	PhaseError         Phase = "on_error"
)

// FileStatus describes the file unit a per-file chain runs around.
type FileStatus struct {
	Index       int
	Source      string
	Destination string
	Size        int64

	// Local is whichever of Source or Destination is on the local
	// filesystem, empty for replication.
	Local string

	// Written and Checksum (CRC64 ISO of the written bytes) are filled in
	// once the copy succeeds, so only the post-file chain sees them.
	Written     int64
	Checksum    uint64
	HasChecksum bool
}

// Snapshot is the read-only view of a transfer handed to microservices.
type Snapshot struct {
	Phase      Phase
	Descriptor store.Descriptor

	// File is set for the pre-file and post-file phases.
	File *FileStatus

	// Err and ErrKind are set for the error handler chain.
	Err     error
	ErrKind failure.Kind
}

// Microservice is a pluggable unit of pre/post processing. Implementations
// must not keep state between invocations other than what they were
// constructed with.
type Microservice interface {
	Execute(ctx context.Context, snap Snapshot) (Result, error)
}

// Func adapts a function to Microservice.
type Func func(ctx context.Context, snap Snapshot) (Result, error)

func (f Func) Execute(ctx context.Context, snap Snapshot) (Result, error) {
	return f(ctx, snap)
}

type named struct {
	name string
	Microservice
}

func (n named) Name() string { return n.name }

// Named attaches a display name to m.
func Named(name string, m Microservice) Microservice {
	return named{name: name, Microservice: m}
}

// NameOf returns the display name of m.
func NameOf(m Microservice) string {
	if n, ok := m.(interface{ Name() string }); ok {
		return n.Name()
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", m), "*")
}

// RunChain executes chain in order. The first non-OK result stops the
// chain: SKIP_REST_OF_CHAIN returns normally, ABORT returns ErrAborted.
// A microservice error or panic counts as ABORT.
func RunChain(ctx context.Context, chain []Microservice, snap Snapshot) (Result, error) {
	for _, m := range chain {
		res, err := execute(ctx, m, snap)
		if err != nil {
			return ResultAbort, fmt.Errorf("%s: %w", NameOf(m), err)
		}
		switch res {
		case ResultOK:
			continue
		case ResultSkipRestOfChain:
			return res, nil
		default:
			return ResultAbort, fmt.Errorf("%w by %s during %s", ErrAborted, NameOf(m), snap.Phase)
		}
	}
	return ResultOK, nil
}

func execute(ctx context.Context, m Microservice, snap Snapshot) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = ResultAbort, fmt.Errorf("panic: %v", r)
		}
	}()
	return m.Execute(ctx, snap)
}
