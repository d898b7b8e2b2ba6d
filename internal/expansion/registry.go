package expansion

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry maps expansion ids to definitions. It does no I/O and is safe
// for concurrent use. Definitions are copied on the way in and out, so
// callers cannot mutate a registered expansion.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]Expansion
	// seq numbers interceptors across the whole registry so ties on
	// priority resolve to registration order.
	seq map[string][]int
	n   int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]Expansion),
		seq:  make(map[string][]int),
	}
}

// Register adds e. Registering an id that is already present is a
// no-op: the first definition wins and its interceptors are never
// duplicated. It reports whether e was added.
func (r *Registry) Register(e Expansion) (bool, error) {
	if e.ID == "" {
		return false, errors.New("expansion id is required")
	}
	for i, ic := range e.Interceptors {
		if ic.Trigger == "" {
			return false, fmt.Errorf("expansion %s: interceptor %d has no trigger", e.ID, i)
		}
		if ic.Execute == nil {
			return false, fmt.Errorf("expansion %s: interceptor %d (%s) has no handler", e.ID, i, ic.Trigger)
		}
		switch ic.Kind {
		case KindSync, KindAsync, KindAPI:
		default:
			return false, fmt.Errorf("expansion %s: interceptor %d has unknown kind %q", e.ID, i, ic.Kind)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[e.ID]; ok {
		return false, nil
	}

	e = e.clone()
	seqs := make([]int, len(e.Interceptors))
	for i := range e.Interceptors {
		seqs[i] = r.n
		r.n++
	}
	r.byID[e.ID] = e
	r.seq[e.ID] = seqs
	r.order = append(r.order, e.ID)
	return true, nil
}

// Get returns the expansion with the given id, or a *NotFoundError.
func (r *Registry) Get(id string) (Expansion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return Expansion{}, &NotFoundError{What: "expansion", Key: id}
	}
	return e.clone(), nil
}

// All returns every expansion in registration order.
func (r *Registry) All() []Expansion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Expansion, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].clone())
	}
	return out
}

// Len returns the number of registered expansions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Reset removes every registration. It exists for tests and for
// rebuilding the core set after a config reload.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.byID = make(map[string]Expansion)
	r.seq = make(map[string][]int)
	r.n = 0
}

// bound is an interceptor together with the expansion that owns it.
type bound struct {
	Interceptor
	expansion string
	seq       int
}

// match returns the interceptors bound to trigger, highest priority
// first, ties in registration order. kinds, when non-empty, restricts
// the result to those kinds.
func (r *Registry) match(trigger Trigger, kinds ...Kind) []bound {
	r.mu.RLock()
	var out []bound
	for _, id := range r.order {
		e := r.byID[id]
		for i, ic := range e.Interceptors {
			if ic.Trigger != trigger {
				continue
			}
			if len(kinds) > 0 && !containsKind(kinds, ic.Kind) {
				continue
			}
			out = append(out, bound{Interceptor: ic, expansion: id, seq: r.seq[id][i]})
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

// selectAPI finds the API interceptor chosen by sel.
func (r *Registry) selectAPI(sel Selection) (bound, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best bound
	found := false
	for _, id := range r.order {
		if sel.Expansion != "" && id != sel.Expansion {
			continue
		}
		for i, ic := range r.byID[id].Interceptors {
			if ic.Kind != KindAPI {
				continue
			}
			if sel.Action != "" && string(ic.Trigger) != sel.Action {
				continue
			}
			b := bound{Interceptor: ic, expansion: id, seq: r.seq[id][i]}
			if !found || b.Priority > best.Priority {
				best, found = b, true
			}
		}
	}
	return best, found
}
