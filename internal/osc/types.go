package osc

import (
	"fmt"

	"github.com/paulmach/osm"
)

// Action represents the type of change in an OSC file
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Change is one element of an OSC file together with its action. Object
// is a *osm.Node, *osm.Way or *osm.Relation.
type Change struct {
	Action Action
	Object osm.Object
}

// Type returns the element type.
func (c Change) Type() osm.Type {
	return c.Object.ObjectID().Type()
}

// ID returns the element id.
func (c Change) ID() int64 {
	return c.Object.ObjectID().Ref()
}

// Version returns the element version, 0 if unknown.
func (c Change) Version() int {
	switch o := c.Object.(type) {
	case *osm.Node:
		return o.Version
	case *osm.Way:
		return o.Version
	case *osm.Relation:
		return o.Version
	}
	return 0
}

// Deleted reports whether the change removes the element.
func (c Change) Deleted() bool {
	return c.Action == ActionDelete
}

func (c Change) String() string {
	return fmt.Sprintf("%s %s/%d", c.Action, c.Type(), c.ID())
}

// Stats tracks OSC parsing statistics
type Stats struct {
	NodesCreated      int64
	NodesModified     int64
	NodesDeleted      int64
	WaysCreated       int64
	WaysModified      int64
	WaysDeleted       int64
	RelationsCreated  int64
	RelationsModified int64
	RelationsDeleted  int64
}

// Total returns total number of changes
func (s *Stats) Total() int64 {
	return s.NodesCreated + s.NodesModified + s.NodesDeleted +
		s.WaysCreated + s.WaysModified + s.WaysDeleted +
		s.RelationsCreated + s.RelationsModified + s.RelationsDeleted
}

func (s *Stats) add(c Change) {
	counters := map[osm.Type][3]*int64{
		osm.TypeNode:     {&s.NodesCreated, &s.NodesModified, &s.NodesDeleted},
		osm.TypeWay:      {&s.WaysCreated, &s.WaysModified, &s.WaysDeleted},
		osm.TypeRelation: {&s.RelationsCreated, &s.RelationsModified, &s.RelationsDeleted},
	}
	row, ok := counters[c.Type()]
	if !ok {
		return
	}
	switch c.Action {
	case ActionCreate:
		*row[0]++
	case ActionModify:
		*row[1]++
	case ActionDelete:
		*row[2]++
	}
}

// Changeset is the net effect of one or more change files: the latest
// change of every element, keyed by id per type.
type Changeset struct {
	Nodes     map[int64]Change
	Ways      map[int64]Change
	Relations map[int64]Change
}

// NewChangeset creates an empty changeset.
func NewChangeset() *Changeset {
	return &Changeset{
		Nodes:     make(map[int64]Change),
		Ways:      make(map[int64]Change),
		Relations: make(map[int64]Change),
	}
}

func (cs *Changeset) table(t osm.Type) map[int64]Change {
	switch t {
	case osm.TypeNode:
		return cs.Nodes
	case osm.TypeWay:
		return cs.Ways
	case osm.TypeRelation:
		return cs.Relations
	}
	return nil
}

// Add records a change. An element changed more than once keeps its
// highest version; equal versions keep the later change.
func (cs *Changeset) Add(c Change) {
	m := cs.table(c.Type())
	if m == nil {
		return
	}
	if prev, ok := m[c.ID()]; ok && prev.Version() > c.Version() {
		return
	}
	m[c.ID()] = c
}

// Len returns the number of distinct elements changed.
func (cs *Changeset) Len() int {
	return len(cs.Nodes) + len(cs.Ways) + len(cs.Relations)
}

// Node returns the latest change of a node.
func (cs *Changeset) Node(id int64) (Change, bool) {
	c, ok := cs.Nodes[id]
	return c, ok
}

// Way returns the latest change of a way.
func (cs *Changeset) Way(id int64) (Change, bool) {
	c, ok := cs.Ways[id]
	return c, ok
}

// Relation returns the latest change of a relation.
func (cs *Changeset) Relation(id int64) (Change, bool) {
	c, ok := cs.Relations[id]
	return c, ok
}
