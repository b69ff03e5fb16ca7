package queue

import "github.com/franksops/gridconveyor/store"

// transitions lists the legal next states for each state.
// COMPLETE and CANCELLED are immutable.
var transitions = map[store.State][]store.State{
	store.StateEnqueued: {
		store.StateProcessing,
		store.StatePaused,
		store.StateCancelled,
	},
	store.StateProcessing: {
		store.StateProcessing,
		store.StateComplete,
		store.StatePaused,
		store.StateCancelled,
		store.StateEnqueued,
		store.StateFailed,
	},
	store.StatePaused: {
		store.StateEnqueued,
		store.StateCancelled,
	},
	store.StateFailed: {
		store.StateEnqueued,
		store.StateCancelled,
	},
}

// CanTransition reports whether a descriptor may move from one state to
// another.
func CanTransition(from, to store.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s can never change again.
func Terminal(s store.State) bool {
	return s == store.StateComplete || s == store.StateCancelled
}

// Active reports whether a descriptor in state s still has work ahead of it
// without operator action.
func Active(s store.State) bool {
	return s == store.StateEnqueued || s == store.StateProcessing || s == store.StatePaused
}
