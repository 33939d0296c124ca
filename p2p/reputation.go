package p2p

import (
	"sort"
	"sync"
)

const defaultBadPeerThreshold = 3

// BadPeerFilter scores malformed or inapplicable inbound messages per peer
// and blacklists peers that cross the threshold. Blacklisting is a purely
// local decision, lasts for the remainder of the process run, and is never
// propagated to other nodes.
type BadPeerFilter struct {
	threshold int

	mu        sync.Mutex
	scores    map[string]int
	blacklist map[string]struct{}
}

// NewBadPeerFilter returns a filter with the given eviction threshold.
func NewBadPeerFilter(threshold int) *BadPeerFilter {
	if threshold <= 0 {
		threshold = defaultBadPeerThreshold
	}
	return &BadPeerFilter{
		threshold: threshold,
		scores:    make(map[string]int),
		blacklist: make(map[string]struct{}),
	}
}

// MarkInvalid increments the peer's bad score and reports whether the peer
// has just crossed the threshold into the blacklist.
func (f *BadPeerFilter) MarkInvalid(id string) (score int, blacklisted bool) {
	if id == "" {
		return 0, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blacklist[id]; ok {
		return f.threshold, true
	}
	f.scores[id]++
	score = f.scores[id]
	if score >= f.threshold {
		f.blacklist[id] = struct{}{}
		delete(f.scores, id)
		return score, true
	}
	return score, false
}

// IsBlacklisted reports whether the peer has been evicted.
func (f *BadPeerFilter) IsBlacklisted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blacklist[id]
	return ok
}

// Score returns the current bad score for a peer.
func (f *BadPeerFilter) Score(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blacklist[id]; ok {
		return f.threshold
	}
	return f.scores[id]
}

// Forget drops the running score for a disconnected peer. Blacklist entries
// are absorbing and survive.
func (f *BadPeerFilter) Forget(id string) {
	f.mu.Lock()
	delete(f.scores, id)
	f.mu.Unlock()
}

// Blacklisted returns the sorted ids of every evicted peer.
func (f *BadPeerFilter) Blacklisted() []string {
	f.mu.Lock()
	out := make([]string, 0, len(f.blacklist))
	for id := range f.blacklist {
		out = append(out, id)
	}
	f.mu.Unlock()
	sort.Strings(out)
	return out
}
