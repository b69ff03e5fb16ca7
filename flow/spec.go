package flow

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/franksops/gridconveyor/store"
)

// ErrInvalidSpec is wrapped by Build failures.
var ErrInvalidSpec = errors.New("invalid flow spec")

// Action is the transfer type a flow applies to.
type Action string

const (
	ActionPut         Action = Action(store.TypePut)
	ActionGet         Action = Action(store.TypeGet)
	ActionReplicate   Action = Action(store.TypeReplicate)
	ActionSynchronize Action = Action(store.TypeSynchronize)
	ActionAny         Action = "ANY"
)

// ActionFor maps a transfer type to its flow action.
func ActionFor(t store.TransferType) Action {
	return Action(t)
}

// ParseAction parses an action name case-insensitively. An empty name is ANY.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if a == "" {
		return ActionAny, nil
	}
	switch a {
	case ActionPut, ActionGet, ActionReplicate, ActionSynchronize, ActionAny:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidSpec, s)
}

// Selector decides which operations a flow applies to. An empty Host or
// Zone matches anything; a value with glob metacharacters is matched with
// path.Match; any other value must match exactly.
type Selector struct {
	Action Action
	Host   string
	Zone   string
}

// Matches reports whether the selector applies to the operation.
func (s Selector) Matches(action Action, host, zone string) bool {
	if s.Action != ActionAny && s.Action != action {
		return false
	}
	return matchPattern(s.Host, host) && matchPattern(s.Zone, zone)
}

func (s Selector) String() string {
	h, z := s.Host, s.Zone
	if h == "" {
		h = "*"
	}
	if z == "" {
		z = "*"
	}
	return fmt.Sprintf("%s %s/%s", s.Action, h, z)
}

func isGlob(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	if !isGlob(pattern) {
		return pattern == value
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// patternScore ranks exact patterns above globs above wildcards.
func patternScore(p string) int {
	switch {
	case p == "":
		return 0
	case isGlob(p):
		return 1
	}
	return 2
}

func (s Selector) actionScore() int {
	if s.Action == ActionAny {
		return 0
	}
	return 1
}

func (s Selector) locationScore() int {
	return patternScore(s.Host) + patternScore(s.Zone)
}

// Spec is an immutable selector-matched pipeline of microservice chains.
type Spec struct {
	name     string
	selector Selector
	chains   map[Phase][]Microservice
}

// Name returns the flow name.
func (s *Spec) Name() string { return s.name }

// Selector returns the flow's selector.
func (s *Spec) Selector() Selector { return s.selector }

// Chain returns a copy of the chain registered for phase.
func (s *Spec) Chain(phase Phase) []Microservice {
	c := s.chains[phase]
	out := make([]Microservice, len(c))
	copy(out, c)
	return out
}

// Run executes the chain for phase against snap.
func (s *Spec) Run(ctx context.Context, phase Phase, snap Snapshot) (Result, error) {
	snap.Phase = phase
	return RunChain(ctx, s.chains[phase], snap)
}

// Builder assembles a Spec.
type Builder struct {
	spec Spec
}

// NewSpec starts a builder for a flow that matches every operation until
// narrowed with For, Host and Zone.
func NewSpec(name string) *Builder {
	return &Builder{spec: Spec{
		name:     name,
		selector: Selector{Action: ActionAny},
		chains:   make(map[Phase][]Microservice),
	}}
}

func (b *Builder) For(a Action) *Builder  { b.spec.selector.Action = a; return b }
func (b *Builder) Host(p string) *Builder { b.spec.selector.Host = p; return b }
func (b *Builder) Zone(p string) *Builder { b.spec.selector.Zone = p; return b }

func (b *Builder) add(ph Phase, ms []Microservice) *Builder {
	b.spec.chains[ph] = append(b.spec.chains[ph], ms...)
	return b
}

func (b *Builder) PreOperation(ms ...Microservice) *Builder  { return b.add(PhasePreOperation, ms) }
func (b *Builder) PreFile(ms ...Microservice) *Builder       { return b.add(PhasePreFile, ms) }
func (b *Builder) PostFile(ms ...Microservice) *Builder      { return b.add(PhasePostFile, ms) }
func (b *Builder) PostOperation(ms ...Microservice) *Builder { return b.add(PhasePostOperation, ms) }
func (b *Builder) OnError(ms ...Microservice) *Builder       { return b.add(PhaseError, ms) }

// Build validates the spec and returns an immutable copy.
func (b *Builder) Build() (*Spec, error) {
	s := b.spec
	if strings.TrimSpace(s.name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if _, err := ParseAction(string(s.selector.Action)); err != nil {
		return nil, err
	}
	for _, p := range []string{s.selector.Host, s.selector.Zone} {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("%w: bad pattern %q: %v", ErrInvalidSpec, p, err)
		}
	}

	chains := make(map[Phase][]Microservice, len(s.chains))
	for ph, c := range s.chains {
		for i, m := range c {
			if m == nil {
				return nil, fmt.Errorf("%w: nil microservice at %s[%d]", ErrInvalidSpec, ph, i)
			}
		}
		chains[ph] = append([]Microservice(nil), c...)
	}
	return &Spec{name: s.name, selector: s.selector, chains: chains}, nil
}

// Default returns the catch-all flow with empty chains. Bootstrappers
// register it last so resolution never fails at runtime.
func Default() *Spec {
	s, _ := NewSpec("default").For(ActionAny).Build()
	return s
}
