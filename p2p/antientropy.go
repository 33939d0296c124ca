package p2p

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"bassline/observability/logging"
)

// pexResponseLimit bounds how many endpoints a peer-response may carry.
const pexResponseLimit = 64

// syncLoop drives the periodic anti-entropy rounds of the baseline engine.
// Each round floods a content-check for every locally-known contact hash.
func (s *Server) syncLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.floodContentChecks()
		case <-s.quit:
			return
		}
	}
}

// floodContentChecks announces every locally-known (contact, hash) pair to
// all connected peers, batched through the flood limiter so large stores do
// not burst the wire.
func (s *Server) floodContentChecks() {
	for _, ch := range s.content.AllHashes() {
		if err := s.checkLimiter.Wait(s.baseCtx); err != nil {
			return
		}
		s.broadcastContentCheck(ch.ContactID, ch.Hash, "")
	}
}

func (s *Server) broadcastContentCheck(contactID, hash, exceptID string) {
	msg, err := NewContentCheckMessage(contactID, hash)
	if err != nil {
		return
	}
	s.broadcast(msg, exceptID)
}

// handleContentCheck compares the announced hash with local state. A
// differing, not-yet-seen hash triggers a content request back at the
// announcer; a matching hash confirms reachability for the contact's wires.
func (s *Server) handleContentCheck(p *Peer, payload ContentCheckPayload) {
	s.mu.RLock()
	topo := s.topo
	s.mu.RUnlock()
	if _, ok := topo.ContactByID(payload.ContactID); !ok {
		s.handleProtocolViolation(p, fmt.Errorf("content-check for unknown contact %q", payload.ContactID))
		return
	}
	if payload.Hash == "" {
		s.handleProtocolViolation(p, fmt.Errorf("content-check with empty hash"))
		return
	}

	localHash, ok := s.content.Hash(payload.ContactID)
	if ok && localHash == payload.Hash {
		s.recordWireSuccess(payload.ContactID)
		return
	}
	if s.hasSeen(payload.ContactID, payload.Hash) {
		return
	}
	if msg, err := NewContentRequestMessage(payload.ContactID); err == nil {
		s.send(p, msg)
	}
}

// handleContentRequest replies with the full local content, if any. Having
// nothing for the contact is not an error; the requester simply gets no
// response.
func (s *Server) handleContentRequest(p *Peer, payload ContentRequestPayload) {
	s.mu.RLock()
	topo := s.topo
	s.mu.RUnlock()
	if _, ok := topo.ContactByID(payload.ContactID); !ok {
		s.handleProtocolViolation(p, fmt.Errorf("content-request for unknown contact %q", payload.ContactID))
		return
	}
	value, ok, err := s.content.Get(payload.ContactID)
	if err != nil {
		s.log().Warn("Content read failed",
			logging.MaskField("contact_id", payload.ContactID),
			slog.Any("error", err))
		return
	}
	if !ok {
		return
	}
	if msg, err := NewContentResponseMessage(payload.ContactID, value); err == nil {
		s.send(p, msg)
	}
}

func (s *Server) handleContentResponse(p *Peer, payload ContentResponsePayload) {
	s.applyRemote(p, payload.ContactID, payload.Content)
}

// handleUpdateContact applies a direct push from a subscription-routing or
// resyncing peer. Pushed content is never re-flooded; the sender is the
// authority for its own contacts.
func (s *Server) handleUpdateContact(p *Peer, payload UpdateContactPayload) {
	s.applyRemote(p, payload.ContactID, payload.Content)
}

// applyRemote applies remotely-received content with accept-last blending:
// whatever arrives replaces what is held. Storage failures score the sender
// so a peer feeding unstorable values is eventually evicted. In the baseline
// strategy a newly-learned hash re-broadcasts a content-check to everyone
// except the sender, which is what spreads updates epidemically.
func (s *Server) applyRemote(p *Peer, contactID string, content []byte) {
	s.mu.RLock()
	topo := s.topo
	s.mu.RUnlock()
	if _, ok := topo.ContactByID(contactID); !ok {
		s.handleProtocolViolation(p, fmt.Errorf("content for unknown contact %q", contactID))
		return
	}

	hash, err := s.content.Put(contactID, content)
	if err != nil {
		s.handleProtocolViolation(p, fmt.Errorf("apply content for %s: %w", contactID, err))
		return
	}

	firstSight := !s.hasSeen(contactID, hash)
	s.markSeen(contactID, hash)
	s.recordWireSuccess(contactID)

	if firstSight && s.cfg.Strategy == StrategyAntiEntropy {
		s.broadcastContentCheck(contactID, hash, p.id)
	}
}

// recordWireSuccess credits every wire incident to the contact with a
// successful reachability confirmation.
func (s *Server) recordWireSuccess(contactID string) {
	if s.monitor == nil {
		return
	}
	for _, w := range s.topoWiresAt(contactID) {
		s.monitor.RecordSuccess(w.ID)
	}
}

// --- peer discovery ---

// announceLoop periodically advertises this node to all connected peers and
// asks one random peer for its view of the network.
func (s *Server) announceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.announceSelf()
			s.requestPeers()
		case <-s.quit:
			return
		}
	}
}

func (s *Server) announceSelf() {
	s.mu.RLock()
	contacts := make([]string, 0, len(s.ownedContacts))
	for id := range s.ownedContacts {
		contacts = append(contacts, id)
	}
	s.mu.RUnlock()
	msg, err := NewPeerAnnounceMessage(s.nodeID, s.advertisedAddr(), contacts)
	if err != nil {
		return
	}
	s.broadcast(msg, "")
}

func (s *Server) requestPeers() {
	peers := s.snapshotPeerList()
	if len(peers) == 0 {
		return
	}
	target := peers[rand.Intn(len(peers))]
	token := uuid.NewString()

	s.mu.Lock()
	s.pexTokens[token] = target.id
	s.mu.Unlock()

	msg, err := NewPeerRequestMessage(token, pexResponseLimit)
	if err != nil {
		return
	}
	s.send(target, msg)
}

// handlePeerAnnounce records a gossiped peer and dials it when there is room.
func (s *Server) handlePeerAnnounce(p *Peer, payload PeerAnnouncePayload) {
	if payload.NodeID == "" {
		s.handleProtocolViolation(p, fmt.Errorf("peer-announce without node id"))
		return
	}
	s.considerEndpoint(PeerEndpoint{
		NodeID:     payload.NodeID,
		Address:    payload.Address,
		ContactIDs: payload.ContactIDs,
		LastSeen:   s.now(),
	})
}

// handlePeerRequest answers with currently connected peers plus persisted
// ones, bounded by the requested limit.
func (s *Server) handlePeerRequest(p *Peer, payload PeerRequestPayload) {
	limit := payload.Limit
	if limit <= 0 || limit > pexResponseLimit {
		limit = pexResponseLimit
	}

	seen := map[string]struct{}{s.nodeID: {}, p.id: {}}
	endpoints := make([]PeerEndpoint, 0, limit)
	for _, peer := range s.snapshotPeerList() {
		if len(endpoints) >= limit {
			break
		}
		if _, dup := seen[peer.id]; dup || peer.listenAddr == "" {
			continue
		}
		seen[peer.id] = struct{}{}
		contacts := make([]string, 0, len(peer.contacts))
		for id := range peer.contacts {
			contacts = append(contacts, id)
		}
		endpoints = append(endpoints, PeerEndpoint{
			NodeID:     peer.id,
			Address:    peer.listenAddr,
			ContactIDs: contacts,
			LastSeen:   peer.LastSeen(),
		})
	}
	if s.peerstore != nil {
		for _, rec := range s.peerstore.Snapshot() {
			if len(endpoints) >= limit {
				break
			}
			if _, dup := seen[rec.NodeID]; dup || rec.Addr == "" {
				continue
			}
			seen[rec.NodeID] = struct{}{}
			endpoints = append(endpoints, PeerEndpoint{
				NodeID:     rec.NodeID,
				Address:    rec.Addr,
				ContactIDs: rec.ContactIDs,
				LastSeen:   rec.LastSeen,
			})
		}
	}

	if msg, err := NewPeerResponseMessage(payload.Token, endpoints); err == nil {
		s.send(p, msg)
	}
}

// handlePeerResponse accepts a peer list only against an outstanding request
// token; unsolicited responses score the sender.
func (s *Server) handlePeerResponse(p *Peer, payload PeerResponsePayload) {
	s.mu.Lock()
	owner, ok := s.pexTokens[payload.Token]
	if ok {
		delete(s.pexTokens, payload.Token)
	}
	s.mu.Unlock()
	if !ok || owner != p.id {
		s.handleProtocolViolation(p, fmt.Errorf("unsolicited peer-response"))
		return
	}
	if len(payload.Peers) > pexResponseLimit {
		s.handleProtocolViolation(p, fmt.Errorf("oversized peer-response (%d entries)", len(payload.Peers)))
		return
	}
	for _, ep := range payload.Peers {
		if ep.NodeID == "" {
			continue
		}
		s.considerEndpoint(ep)
	}
}

// considerEndpoint persists a discovered peer and schedules a dial if the
// peer is new, not blacklisted and the connection cap has room. Peers beyond
// the cap stay known through the peerstore's contact records.
func (s *Server) considerEndpoint(ep PeerEndpoint) {
	if ep.NodeID == s.nodeID {
		return
	}
	if s.peerstore != nil {
		entry := PeerstoreEntry{
			Addr:       ep.Address,
			NodeID:     ep.NodeID,
			ContactIDs: ep.ContactIDs,
			LastSeen:   ep.LastSeen,
		}
		if err := s.peerstore.Put(entry); err != nil {
			s.log().Warn("Failed to persist discovered peer",
				logging.MaskField("peer_id", ep.NodeID),
				slog.Any("error", err))
		}
	}
	if ep.Address == "" || s.filter.IsBlacklisted(ep.NodeID) {
		return
	}

	s.mu.RLock()
	_, connected := s.peers[ep.NodeID]
	room := len(s.peers) < s.cfg.MaxPeers
	s.mu.RUnlock()
	if connected || !room {
		return
	}
	if s.peerstore != nil {
		if next := s.peerstore.NextDialAt(ep.Address, s.now()); next.After(s.now()) {
			return
		}
	}
	s.scheduleDial(ep.Address)
}

// scheduleDial kicks off a one-shot asynchronous connect attempt.
func (s *Server) scheduleDial(addr string) {
	if addr == "" || s.isBadDigest(addr) || s.isConnectedToAddress(addr) {
		return
	}
	s.dialMu.Lock()
	if _, pending := s.pendingDial[addr]; pending {
		s.dialMu.Unlock()
		return
	}
	s.pendingDial[addr] = struct{}{}
	s.dialMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.dialMu.Lock()
			delete(s.pendingDial, addr)
			s.dialMu.Unlock()
		}()
		if s.isShuttingDown() {
			return
		}
		if err := s.Connect(addr); err != nil {
			s.log().Debug("Discovery dial failed",
				logging.MaskField("peer_address", addr),
				slog.Any("error", err))
		}
	}()
}
