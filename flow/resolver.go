package flow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/franksops/gridconveyor/store"
)

// ErrNoMatchingFlow is returned when no registered flow applies.
var ErrNoMatchingFlow = errors.New("no matching flow")

// Resolver holds registered flow specs and picks the most specific one for
// an operation.
type Resolver struct {
	mu    sync.RWMutex
	specs []*Spec
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Register adds spec. A spec with the same name replaces the earlier one
// and keeps its registration position.
func (r *Resolver) Register(spec *Spec) error {
	if spec == nil {
		return fmt.Errorf("%w: nil spec", ErrInvalidSpec)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.specs {
		if s.name == spec.name {
			r.specs[i] = spec
			return nil
		}
	}
	r.specs = append(r.specs, spec)
	return nil
}

// Unregister removes the spec called name. It reports whether one existed.
func (r *Resolver) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.specs {
		if s.name == name {
			r.specs = append(r.specs[:i], r.specs[i+1:]...)
			return true
		}
	}
	return false
}

// Resolve returns the matching spec with the most specific selector. An
// exact action beats ANY; then exact host and zone patterns beat globs,
// which beat wildcards; remaining ties go to the earliest registration.
func (r *Resolver) Resolve(action Action, host, zone string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Spec
	bestAction, bestLoc := -1, -1
	for _, s := range r.specs {
		if !s.selector.Matches(action, host, zone) {
			continue
		}
		a, l := s.selector.actionScore(), s.selector.locationScore()
		if a > bestAction || (a == bestAction && l > bestLoc) {
			best, bestAction, bestLoc = s, a, l
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w for %s on %s/%s", ErrNoMatchingFlow, action, host, zone)
	}
	return best, nil
}

// Specs returns the registered specs in registration order.
func (r *Resolver) Specs() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Spec(nil), r.specs...)
}

// Restore registers every flow persisted in st, building microservices
// through f. It returns how many flows were registered.
func (r *Resolver) Restore(st store.FlowStore, f *Factory) (int, error) {
	records, err := st.ListFlows()
	if err != nil {
		return 0, fmt.Errorf("failed to list flows: %w", err)
	}
	for _, rec := range records {
		spec, err := Build(rec, f)
		if err != nil {
			return 0, fmt.Errorf("flow %q: %w", rec.Name, err)
		}
		if err := r.Register(spec); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}
