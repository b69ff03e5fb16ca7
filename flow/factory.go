package flow

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/franksops/gridconveyor/store"
)

var (
	ErrUnknownMicroservice   = errors.New("unknown microservice")
	ErrDuplicateMicroservice = errors.New("microservice already registered")
)

// Constructor builds a microservice from its configured parameters.
type Constructor func(params map[string]string) (Microservice, error)

// Factory maps microservice names to constructors so persisted flows can be
// rebuilt after a restart.
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{ctors: make(map[string]Constructor)}
}

// Register adds a constructor under name.
func (f *Factory) Register(name string, c Constructor) error {
	if name == "" || c == nil {
		return fmt.Errorf("%w: name and constructor are required", ErrInvalidSpec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ctors[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMicroservice, name)
	}
	f.ctors[name] = c
	return nil
}

// New constructs the microservice ref names.
func (f *Factory) New(ref store.MicroserviceRef) (Microservice, error) {
	f.mu.RLock()
	c, ok := f.ctors[ref.Name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMicroservice, ref.Name)
	}
	m, err := c(ref.Params)
	if err != nil {
		return nil, fmt.Errorf("microservice %s: %w", ref.Name, err)
	}
	return Named(ref.Name, m), nil
}

// Names returns the registered microservice names, sorted.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.ctors))
	for n := range f.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
