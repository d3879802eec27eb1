package store

import (
	"sync"

	"github.com/rmax-ai/flowboard/pkg/graph"
)

// Select subscribes to a derived value of the store. fn is called only when
// selector's result differs from the previous one according to equal.
func Select[T any](s *Store, selector func(graph.State) T, equal func(a, b T) bool, fn func(T)) Unsubscribe {
	return selectValue(s, selector, equal, fn, false)
}

// Watch is Select that also calls fn with the current value before it
// returns.
func Watch[T any](s *Store, selector func(graph.State) T, equal func(a, b T) bool, fn func(T)) Unsubscribe {
	return selectValue(s, selector, equal, fn, true)
}

func selectValue[T any](s *Store, selector func(graph.State) T, equal func(a, b T) bool, fn func(T), initial bool) Unsubscribe {
	var (
		mu     sync.Mutex // held by whoever runs fn
		last   T
		qmu    sync.Mutex
		queued *T
	)

	// run hands every queued value to fn and releases mu. A value queued
	// while fn runs is picked up before mu is released.
	run := func() {
		for {
			qmu.Lock()
			next := queued
			queued = nil
			if next == nil {
				mu.Unlock()
				qmu.Unlock()
				return
			}
			qmu.Unlock()

			if !equal(last, *next) {
				last = *next
				fn(*next)
			}
		}
	}

	mu.Lock()
	snap, unsubscribe := s.SubscribeWithSnapshot(func(nodes []graph.Node, edges []graph.Edge) {
		next := selector(graph.State{Nodes: nodes, Edges: edges})
		qmu.Lock()
		queued = &next
		qmu.Unlock()
		if mu.TryLock() {
			run()
		}
	})
	last = selector(snap)
	if initial {
		fn(last)
	}
	run()
	return unsubscribe
}

// ShallowEqual compares two slices element by element.
func ShallowEqual[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShallowEqualState compares nodes and edges element by element.
func ShallowEqualState(a, b graph.State) bool {
	return ShallowEqual(a.Nodes, b.Nodes) && ShallowEqual(a.Edges, b.Edges)
}
