package p2p

import (
	"log/slog"

	"bassline/observability/logging"
	"bassline/topology"
)

// The subscription router replaces the baseline flood with change-driven
// pushes along wires. A peer is subscribed to a locally-owned contact exactly
// when some wire connects that contact to one the peer owns, in the direction
// data flows. Subscription sets therefore only ever contain contacts this
// node owns, which is what keeps remotely-applied content from being pushed
// onward: a received update lands on a contact we do not own and matches no
// subscription.

// deriveSubscriptionsLocked computes the set of locally-owned contacts whose
// changes must be pushed to the peer. Caller holds s.mu.
func (s *Server) deriveSubscriptionsLocked(peer *Peer) map[string]struct{} {
	subs := make(map[string]struct{})
	if s.topo == nil {
		return subs
	}
	for _, w := range s.topo.Wires() {
		weOwnFrom := s.ownsContactLocked(w.From)
		weOwnTo := s.ownsContactLocked(w.To)
		if weOwnFrom && peer.OwnsContact(w.To) {
			subs[w.From] = struct{}{}
		}
		// A bidirectional wire carries data both ways; a directed wire only
		// from its From end.
		if w.Directionality == topology.Bidirectional && weOwnTo && peer.OwnsContact(w.From) {
			subs[w.To] = struct{}{}
		}
	}
	return subs
}

func (s *Server) ownsContactLocked(contactID string) bool {
	_, ok := s.ownedContacts[contactID]
	return ok
}

// SubscriptionsFor returns the contact ids the named peer is subscribed to.
func (s *Server) SubscriptionsFor(peerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setToSorted(s.subscriptions[peerID])
}

// onLocalChange is the content store's change observer under the routing
// strategy: every applied write that changed a hash is pushed to the peers
// subscribed to that contact. Writes applied from the network target contacts
// this node does not own and so never match a subscription.
func (s *Server) onLocalChange(contactID, hash string, value []byte) {
	s.markSeen(contactID, hash)

	var targets []*Peer
	s.mu.RLock()
	for id, subs := range s.subscriptions {
		if _, ok := subs[contactID]; !ok {
			continue
		}
		if peer := s.peers[id]; peer != nil {
			targets = append(targets, peer)
		}
	}
	s.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	msg, err := NewUpdateContactMessage(contactID, value)
	if err != nil {
		return
	}
	for _, peer := range targets {
		s.send(peer, msg)
	}
}

// initialStatePush brings a freshly-connected peer up to date with the
// current content of every contact it is subscribed to. Pushes run through
// the shared limiter so a wide subscription set does not burst the new
// connection.
func (s *Server) initialStatePush(peer *Peer) {
	s.mu.RLock()
	contacts := setToSorted(s.subscriptions[peer.id])
	s.mu.RUnlock()

	for _, contactID := range contacts {
		if err := s.pushLimiter.Wait(peer.ctx); err != nil {
			return
		}
		value, ok, err := s.content.Get(contactID)
		if err != nil {
			s.log().Warn("Initial push read failed",
				logging.MaskField("contact_id", contactID),
				slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		if msg, err := NewUpdateContactMessage(contactID, value); err == nil {
			s.send(peer, msg)
		}
	}
}

// aggressiveResync pushes current content across freshly-healed wires so both
// sides converge without waiting for the next periodic round. Each healed
// wire's locally-held endpoint content goes to every connected peer that owns
// the opposite endpoint.
func (s *Server) aggressiveResync(healedWireIDs []string) {
	s.mu.RLock()
	topo := s.topo
	s.mu.RUnlock()
	if topo == nil {
		return
	}

	for _, wireID := range healedWireIDs {
		w, ok := topo.WireByID(wireID)
		if !ok {
			continue
		}
		s.resyncEndpoint(w.From, w.To)
		s.resyncEndpoint(w.To, w.From)
	}
}

func (s *Server) resyncEndpoint(contactID, oppositeID string) {
	value, ok, err := s.content.Get(contactID)
	if err != nil || !ok {
		return
	}
	msg, err := NewUpdateContactMessage(contactID, value)
	if err != nil {
		return
	}
	for _, peer := range s.snapshotPeerList() {
		if peer.OwnsContact(oppositeID) {
			s.send(peer, msg)
		}
	}
}
