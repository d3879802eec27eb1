package store

import (
	"sort"

	"github.com/rmax-ai/flowboard/pkg/graph"
)

// fieldMask selects mergeable fields of an entity. Each field carries its own
// stamp so concurrent updates to different fields both survive.
type fieldMask uint8

const maxFields = 8

const (
	nodeTypeField fieldMask = 1 << iota
	nodeLabelField
	nodePositionField
	nodeOriginField

	nodeFields = nodeTypeField | nodeLabelField | nodePositionField | nodeOriginField
)

const (
	edgeSourceField fieldMask = 1 << iota
	edgeTargetField

	edgeFields = edgeSourceField | edgeTargetField
)

// record is the merge state of one id. The entity is visible while its
// latest add is newer than its latest remove.
type record[T any] struct {
	value   T
	fields  [maxFields]Stamp
	adds    []Stamp // sorted, distinct
	added   Stamp
	removed Stamp
}

func (r *record[T]) visible() bool {
	return !r.added.IsZero() && r.removed.Less(r.added)
}

// born is the first add after the latest remove. A re-added entity therefore
// sorts by its re-add, the same on every replica.
func (r *record[T]) born() Stamp {
	i := sort.Search(len(r.adds), func(i int) bool { return r.removed.Less(r.adds[i]) })
	if i == len(r.adds) {
		return Stamp{}
	}
	return r.adds[i]
}

// addStamp records st and reports whether it was new.
func (r *record[T]) addStamp(st Stamp) bool {
	i := sort.Search(len(r.adds), func(i int) bool { return !r.adds[i].Less(st) })
	if i < len(r.adds) && r.adds[i] == st {
		return false
	}
	r.adds = append(r.adds, Stamp{})
	copy(r.adds[i+1:], r.adds[i:])
	r.adds[i] = st
	return true
}

// collection is a last-write-wins map of records. Applying the same set of
// stamped operations in any order yields the same visible view.
type collection[T any] struct {
	name    Collection
	all     fieldMask
	records map[string]*record[T]
	setID   func(v *T, id string)
	assign  func(dst, src *T, f fieldMask)
}

func newNodeCollection() *collection[graph.Node] {
	return &collection[graph.Node]{
		name:    CollectionNodes,
		all:     nodeFields,
		records: make(map[string]*record[graph.Node]),
		setID:   func(n *graph.Node, id string) { n.ID = id },
		assign: func(dst, src *graph.Node, f fieldMask) {
			switch f {
			case nodeTypeField:
				dst.Type = src.Type
			case nodeLabelField:
				dst.Data.Label = src.Data.Label
			case nodePositionField:
				dst.Position = src.Position
			case nodeOriginField:
				dst.Origin = src.Origin
			}
		},
	}
}

func newEdgeCollection() *collection[graph.Edge] {
	return &collection[graph.Edge]{
		name:    CollectionEdges,
		all:     edgeFields,
		records: make(map[string]*record[graph.Edge]),
		setID:   func(e *graph.Edge, id string) { e.ID = id },
		assign: func(dst, src *graph.Edge, f fieldMask) {
			switch f {
			case edgeSourceField:
				dst.Source = src.Source
			case edgeTargetField:
				dst.Target = src.Target
			}
		},
	}
}

func (c *collection[T]) get(id string) *record[T] {
	r, ok := c.records[id]
	if !ok {
		r = &record[T]{}
		c.setID(&r.value, id)
		c.records[id] = r
	}
	return r
}

// write copies the masked fields of v whose stamps are older than st.
func (c *collection[T]) write(r *record[T], v *T, mask fieldMask, st Stamp) bool {
	changed := false
	for i := 0; i < maxFields; i++ {
		f := fieldMask(1) << i
		if mask&f == 0 {
			continue
		}
		if r.fields[i].Less(st) {
			c.assign(&r.value, v, f)
			r.fields[i] = st
			changed = true
		}
	}
	return changed
}

// add applies an add. conflict reports that a different add already claimed
// the id while it was visible; the later stamp wins field by field. Adding an
// id again after its removal is not a conflict.
func (c *collection[T]) add(id string, v T, st Stamp) (changed, conflict bool, prev Stamp) {
	r := c.get(id)
	prev = r.added
	conflict = r.visible() && r.added != st && r.removed.Less(st)

	changed = c.write(r, &v, c.all, st)
	if r.added.Less(st) {
		r.added = st
		changed = true
	}
	if r.addStamp(st) {
		changed = true
	}
	return changed, conflict, prev
}

func (c *collection[T]) remove(id string, st Stamp) bool {
	r := c.get(id)
	if r.removed.Less(st) {
		r.removed = st
		return true
	}
	return false
}

func (c *collection[T]) update(id string, v T, mask fieldMask, st Stamp) bool {
	return c.write(c.get(id), &v, mask, st)
}

func (c *collection[T]) lookup(id string) (T, bool) {
	r, ok := c.records[id]
	if !ok || !r.visible() {
		var zero T
		return zero, false
	}
	return r.value, true
}

// view returns the visible entities ordered by their first add.
func (c *collection[T]) view() []T {
	live := make([]*record[T], 0, len(c.records))
	for _, r := range c.records {
		if r.visible() {
			live = append(live, r)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].born().Less(live[j].born())
	})

	out := make([]T, len(live))
	for i, r := range live {
		out[i] = r.value
	}
	return out
}

func nodePatchValue(p *NodePatch) (graph.Node, fieldMask) {
	var (
		n    graph.Node
		mask fieldMask
	)
	if p.Type != nil {
		n.Type = *p.Type
		mask |= nodeTypeField
	}
	if p.Label != nil {
		n.Data.Label = *p.Label
		mask |= nodeLabelField
	}
	if p.Position != nil {
		n.Position = *p.Position
		mask |= nodePositionField
	}
	if p.Origin != nil {
		n.Origin = *p.Origin
		mask |= nodeOriginField
	}
	return n, mask
}

func edgePatchValue(p *EdgePatch) (graph.Edge, fieldMask) {
	var (
		e    graph.Edge
		mask fieldMask
	)
	if p.Source != nil {
		e.Source = *p.Source
		mask |= edgeSourceField
	}
	if p.Target != nil {
		e.Target = *p.Target
		mask |= edgeTargetField
	}
	return e, mask
}
