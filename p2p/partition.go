package p2p

import (
	"sort"
	"sync"
	"time"

	"bassline/topology"
)

const (
	healthSuccessStep = 0.1
	healthFailureStep = 0.2
	brokenThreshold   = 0.3
)

// WireHealth is the health record for one wire. Health is continuous in
// [0,1]; breakage is a hard threshold used for routing and reporting.
type WireHealth struct {
	WireID             string
	Health             float64
	LastSuccessfulSync time.Time
	FailureCount       int
	Required           bool
	Broken             bool
}

// PartitionMonitor tracks wire health, detects broken wires and notices
// healing when connectivity returns. A wire breaks the instant its health
// drops below the threshold and stays broken until both of its endpoints are
// reachable again.
type PartitionMonitor struct {
	topo *topology.Topology
	now  func() time.Time

	mu     sync.Mutex
	health map[string]*WireHealth
	broken map[string]struct{}
}

// NewPartitionMonitor initializes every wire at full health.
func NewPartitionMonitor(topo *topology.Topology, now func() time.Time) *PartitionMonitor {
	if now == nil {
		now = time.Now
	}
	m := &PartitionMonitor{
		topo:   topo,
		now:    now,
		health: make(map[string]*WireHealth),
		broken: make(map[string]struct{}),
	}
	for _, w := range topo.Wires() {
		m.health[w.ID] = &WireHealth{WireID: w.ID, Health: 1.0, Required: w.Required}
	}
	return m
}

// RecordSuccess applies a successful reachability confirmation. The failure
// count resets and health recovers by a fixed step, capped at 1.
func (m *PartitionMonitor) RecordSuccess(wireID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.health[wireID]
	if rec == nil {
		return
	}
	rec.Health += healthSuccessStep
	if rec.Health > 1.0 {
		rec.Health = 1.0
	}
	rec.FailureCount = 0
	rec.LastSuccessfulSync = m.now()
}

// RecordFailure applies a failed reachability event and reports whether the
// wire just crossed into the broken set.
func (m *PartitionMonitor) RecordFailure(wireID string) (nowBroken bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordFailureLocked(wireID)
}

func (m *PartitionMonitor) recordFailureLocked(wireID string) bool {
	rec := m.health[wireID]
	if rec == nil {
		return false
	}
	rec.Health -= healthFailureStep
	if rec.Health < 0 {
		rec.Health = 0
	}
	rec.FailureCount++
	if rec.Health < brokenThreshold {
		if _, already := m.broken[wireID]; !already {
			m.broken[wireID] = struct{}{}
			rec.Broken = true
			return true
		}
	}
	return false
}

// IsBroken reports whether the wire is currently in the broken set.
func (m *PartitionMonitor) IsBroken(wireID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.broken[wireID]
	return ok
}

// BrokenWires returns the sorted broken set.
func (m *PartitionMonitor) BrokenWires() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.broken))
	for id := range m.broken {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Health returns the current health value for a wire.
func (m *PartitionMonitor) Health(wireID string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.health[wireID]
	if rec == nil {
		return 0, false
	}
	return rec.Health, true
}

// Snapshot returns a copy of every wire health record sorted by wire id.
func (m *PartitionMonitor) Snapshot() []WireHealth {
	m.mu.Lock()
	out := make([]WireHealth, 0, len(m.health))
	for _, rec := range m.health {
		out = append(out, *rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WireID < out[j].WireID })
	return out
}

// Sweep walks the full topology and adds every wire whose endpoints are no
// longer both reachable to the broken set, decrementing its health. The
// reachable predicate must report true when this node holds the contact
// locally or some currently-connected peer announced owning it.
func (m *PartitionMonitor) Sweep(reachable func(contactID string) bool) (newlyBroken []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.topo.Wires() {
		if _, already := m.broken[w.ID]; already {
			continue
		}
		if reachable(w.From) && reachable(w.To) {
			continue
		}
		// Unreachable wires join the broken set immediately; the health
		// decrement is bookkeeping, not the admission criterion here.
		m.recordFailureLocked(w.ID)
		if _, already := m.broken[w.ID]; !already {
			m.broken[w.ID] = struct{}{}
			if rec := m.health[w.ID]; rec != nil {
				rec.Broken = true
			}
		}
		newlyBroken = append(newlyBroken, w.ID)
	}
	sort.Strings(newlyBroken)
	return newlyBroken
}

// HealCheck removes every broken wire whose endpoints are reachable again and
// restores its health above the broken threshold so a single later failure
// does not immediately re-break it.
func (m *PartitionMonitor) HealCheck(reachable func(contactID string) bool) (healed []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.broken {
		w, ok := m.topo.WireByID(id)
		if !ok {
			continue
		}
		if !reachable(w.From) || !reachable(w.To) {
			continue
		}
		delete(m.broken, id)
		rec := m.health[id]
		if rec != nil {
			rec.Broken = false
			rec.FailureCount = 0
			if rec.Health < brokenThreshold {
				rec.Health = brokenThreshold + healthSuccessStep
			}
			rec.LastSuccessfulSync = m.now()
		}
		healed = append(healed, id)
	}
	sort.Strings(healed)
	return healed
}
