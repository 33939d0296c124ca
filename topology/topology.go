// Package topology models the static dataflow graph a run synchronizes over:
// groups of contacts connected by wires. A topology is loaded once per node
// and never mutated; peers verify they share the same graph by comparing
// digests during the connection handshake.
package topology

import (
	"errors"
	"fmt"
	"sort"
)

// Directionality describes how updates flow across a wire.
type Directionality string

const (
	Directed      Directionality = "directed"
	Bidirectional Directionality = "bidirectional"
)

// BlendMode describes how a contact resolves competing writes. Only
// accept-last is specified: the newest applied write replaces content
// unconditionally.
type BlendMode string

const BlendAcceptLast BlendMode = "accept-last"

// Group is an ownership unit bundling contacts. Exactly one node holds a
// group (and therefore write authority over its contacts) per run.
type Group struct {
	ID      string
	Name    string
	Inputs  []string
	Outputs []string
}

// Contact is a named, independently versioned value slot.
type Contact struct {
	ID       string
	GroupID  string
	Blend    BlendMode
	Boundary bool
}

// Wire is a directed or bidirectional edge between two contacts. Wires never
// change at runtime; they express who should learn about whom.
type Wire struct {
	ID             string
	From           string
	To             string
	Directionality Directionality
	Priority       int
	Required       bool
}

var (
	ErrEmptyTopology   = errors.New("topology: no groups defined")
	ErrUnknownContact  = errors.New("topology: unknown contact")
	ErrUnknownGroup    = errors.New("topology: unknown group")
	ErrDuplicateID     = errors.New("topology: duplicate identifier")
	ErrInvalidWire     = errors.New("topology: invalid wire")
	ErrInvalidDocument = errors.New("topology: invalid document")
)

// Topology is the immutable description of one run's graph.
type Topology struct {
	groups   map[string]Group
	contacts map[string]Contact
	wires    map[string]Wire

	groupOrder   []string
	contactOrder []string
	wireOrder    []string

	incident map[string][]string // contact id -> wire ids, sorted

	digest []byte
}

// New validates the supplied graph and builds the derived indexes. The input
// slices are copied; callers may reuse them afterwards.
func New(groups []Group, contacts []Contact, wires []Wire) (*Topology, error) {
	if len(groups) == 0 {
		return nil, ErrEmptyTopology
	}

	t := &Topology{
		groups:   make(map[string]Group, len(groups)),
		contacts: make(map[string]Contact, len(contacts)),
		wires:    make(map[string]Wire, len(wires)),
		incident: make(map[string][]string),
	}

	for _, g := range groups {
		if g.ID == "" {
			return nil, fmt.Errorf("%w: group with empty id", ErrInvalidDocument)
		}
		if _, ok := t.groups[g.ID]; ok {
			return nil, fmt.Errorf("%w: group %q", ErrDuplicateID, g.ID)
		}
		g.Inputs = append([]string(nil), g.Inputs...)
		g.Outputs = append([]string(nil), g.Outputs...)
		t.groups[g.ID] = g
		t.groupOrder = append(t.groupOrder, g.ID)
	}

	for _, c := range contacts {
		if c.ID == "" {
			return nil, fmt.Errorf("%w: contact with empty id", ErrInvalidDocument)
		}
		if _, ok := t.contacts[c.ID]; ok {
			return nil, fmt.Errorf("%w: contact %q", ErrDuplicateID, c.ID)
		}
		if _, ok := t.groups[c.GroupID]; !ok {
			return nil, fmt.Errorf("%w: contact %q references group %q", ErrUnknownGroup, c.ID, c.GroupID)
		}
		if c.Blend == "" {
			c.Blend = BlendAcceptLast
		}
		if c.Blend != BlendAcceptLast {
			return nil, fmt.Errorf("%w: contact %q has unsupported blend mode %q", ErrInvalidDocument, c.ID, c.Blend)
		}
		t.contacts[c.ID] = c
		t.contactOrder = append(t.contactOrder, c.ID)
	}

	for id, g := range t.groups {
		for _, cid := range append(append([]string(nil), g.Inputs...), g.Outputs...) {
			c, ok := t.contacts[cid]
			if !ok {
				return nil, fmt.Errorf("%w: group %q lists contact %q", ErrUnknownContact, id, cid)
			}
			if c.GroupID != id {
				return nil, fmt.Errorf("%w: contact %q listed by group %q but owned by %q", ErrInvalidDocument, cid, id, c.GroupID)
			}
		}
	}

	for _, w := range wires {
		if w.ID == "" {
			return nil, fmt.Errorf("%w: wire with empty id", ErrInvalidDocument)
		}
		if _, ok := t.wires[w.ID]; ok {
			return nil, fmt.Errorf("%w: wire %q", ErrDuplicateID, w.ID)
		}
		if _, ok := t.contacts[w.From]; !ok {
			return nil, fmt.Errorf("%w: wire %q source %q: %v", ErrInvalidWire, w.ID, w.From, ErrUnknownContact)
		}
		if _, ok := t.contacts[w.To]; !ok {
			return nil, fmt.Errorf("%w: wire %q target %q: %v", ErrInvalidWire, w.ID, w.To, ErrUnknownContact)
		}
		switch w.Directionality {
		case Directed, Bidirectional:
		case "":
			w.Directionality = Directed
		default:
			return nil, fmt.Errorf("%w: wire %q directionality %q", ErrInvalidWire, w.ID, w.Directionality)
		}
		t.wires[w.ID] = w
		t.wireOrder = append(t.wireOrder, w.ID)
		t.incident[w.From] = append(t.incident[w.From], w.ID)
		if w.To != w.From {
			t.incident[w.To] = append(t.incident[w.To], w.ID)
		}
	}

	sort.Strings(t.groupOrder)
	sort.Strings(t.contactOrder)
	sort.Strings(t.wireOrder)
	for _, ids := range t.incident {
		sort.Strings(ids)
	}

	t.digest = t.computeDigest()
	return t, nil
}

// Groups returns every group sorted by id.
func (t *Topology) Groups() []Group {
	out := make([]Group, 0, len(t.groupOrder))
	for _, id := range t.groupOrder {
		out = append(out, t.groups[id])
	}
	return out
}

// Contacts returns every contact sorted by id.
func (t *Topology) Contacts() []Contact {
	out := make([]Contact, 0, len(t.contactOrder))
	for _, id := range t.contactOrder {
		out = append(out, t.contacts[id])
	}
	return out
}

// Wires returns every wire sorted by id.
func (t *Topology) Wires() []Wire {
	out := make([]Wire, 0, len(t.wireOrder))
	for _, id := range t.wireOrder {
		out = append(out, t.wires[id])
	}
	return out
}

// ContactByID looks up a contact.
func (t *Topology) ContactByID(id string) (Contact, bool) {
	c, ok := t.contacts[id]
	return c, ok
}

// GroupByID looks up a group.
func (t *Topology) GroupByID(id string) (Group, bool) {
	g, ok := t.groups[id]
	return g, ok
}

// WireByID looks up a wire.
func (t *Topology) WireByID(id string) (Wire, bool) {
	w, ok := t.wires[id]
	return w, ok
}

// GroupOf returns the group owning the given contact.
func (t *Topology) GroupOf(contactID string) (Group, bool) {
	c, ok := t.contacts[contactID]
	if !ok {
		return Group{}, false
	}
	g, ok := t.groups[c.GroupID]
	return g, ok
}

// ContactsOf returns the ids of every contact owned by the given group,
// sorted. It returns nil for an unknown group.
func (t *Topology) ContactsOf(groupID string) []string {
	if _, ok := t.groups[groupID]; !ok {
		return nil
	}
	var out []string
	for _, id := range t.contactOrder {
		if t.contacts[id].GroupID == groupID {
			out = append(out, id)
		}
	}
	return out
}

// WiresAt returns every wire incident to the contact, as source or target.
func (t *Topology) WiresAt(contactID string) []Wire {
	ids := t.incident[contactID]
	if len(ids) == 0 {
		return nil
	}
	out := make([]Wire, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.wires[id])
	}
	return out
}
