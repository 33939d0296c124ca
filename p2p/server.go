// Package p2p implements the peer-to-peer synchronization core: peer
// connection lifecycle, content-hash anti-entropy, topology-aware
// subscription routing, and wire-health partition detection and healing.
package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"bassline/observability/logging"
	"bassline/store"
	"bassline/topology"
)

// Strategy selects the synchronization engine a node runs. The subscription
// router subsumes the anti-entropy engine's peer discovery and bad-peer
// handling; the baseline engine needs no topology knowledge for content flow.
type Strategy string

const (
	StrategyAntiEntropy Strategy = "anti-entropy"
	StrategyRouter      Strategy = "router"
)

const (
	outboundQueueSize = 64

	defaultMaxPeers          = 32
	defaultReadTimeout       = 90 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultHandshakeTimeout  = 5 * time.Second
	defaultMaxMessageSize    = 1 << 20
	defaultSyncInterval      = 5 * time.Second
	defaultAnnounceInterval  = 15 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultDialBackoff       = 2 * time.Second
	defaultCheckRate         = 128.0
	defaultCheckBurst        = 32
	defaultPushRate          = 256.0
	defaultPushBurst         = 64
)

// ServerConfig encapsulates runtime settings for one node's sync engine.
type ServerConfig struct {
	ListenAddress    string
	AdvertiseAddress string
	NodeID           string
	ClientVersion    string
	Strategy         Strategy

	MaxPeers        int
	Seeds           []string
	PersistentPeers []string

	SyncInterval      time.Duration
	AnnounceInterval  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SweepInterval     time.Duration
	DialBackoff       time.Duration

	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MaxMessageBytes  int

	BadPeerThreshold int

	// Flood control for periodic content-check bursts and the post-connect
	// initial-state push.
	CheckRate  float64
	CheckBurst int
	PushRate   float64
	PushBurst  int
}

type dialFunc func(context.Context, string) (net.Conn, error)

// Server coordinates peer connections and content dissemination for one node.
// All mutable node-local state is guarded by mu; network I/O happens on
// per-peer goroutines that hand inbound messages to the serialized dispatch
// path.
type Server struct {
	cfg     ServerConfig
	nodeID  string
	content *store.ContentStore

	logger *slog.Logger

	mu            sync.RWMutex
	joined        bool
	topo          *topology.Topology
	peers         map[string]*Peer
	ownedGroups   map[string]struct{}
	ownedContacts map[string]struct{}
	subscriptions map[string]map[string]struct{}
	seen          map[string]struct{}
	pexTokens     map[string]string

	monitor   *PartitionMonitor
	filter    *BadPeerFilter
	peerstore *Peerstore
	metrics   *syncMetrics

	checkLimiter *rate.Limiter
	pushLimiter  *rate.Limiter

	dialFn dialFunc
	now    func() time.Time

	listenMu   sync.RWMutex
	listener   net.Listener
	listenAddr string

	dialMu      sync.Mutex
	pendingDial map[string]struct{}
	badDigest   map[string]struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
	quit       chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
	shutdownMu sync.Mutex
	shutdown   bool
}

// NewServer creates a sync server over the given content store. The server
// does nothing until JoinNetwork is called.
func NewServer(content *store.ContentStore, cfg ServerConfig) *Server {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":0"
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "bassline/node"
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRouter
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = defaultAnnounceInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	// The timeout tolerates jitter across several heartbeat intervals; equal
	// values would disconnect healthy peers.
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 2 * cfg.HeartbeatInterval
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = defaultDialBackoff
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageSize
	}
	if cfg.BadPeerThreshold <= 0 {
		cfg.BadPeerThreshold = defaultBadPeerThreshold
	}
	if cfg.CheckRate <= 0 {
		cfg.CheckRate = defaultCheckRate
	}
	if cfg.CheckBurst <= 0 {
		cfg.CheckBurst = defaultCheckBurst
	}
	if cfg.PushRate <= 0 {
		cfg.PushRate = defaultPushRate
	}
	if cfg.PushBurst <= 0 {
		cfg.PushBurst = defaultPushBurst
	}
	cfg.Seeds = uniqueStrings(cfg.Seeds)
	cfg.PersistentPeers = uniqueStrings(cfg.PersistentPeers)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		nodeID:        cfg.NodeID,
		content:       content,
		logger:        slog.Default().With(slog.String("component", "sync_server")),
		peers:         make(map[string]*Peer),
		ownedGroups:   make(map[string]struct{}),
		ownedContacts: make(map[string]struct{}),
		subscriptions: make(map[string]map[string]struct{}),
		seen:          make(map[string]struct{}),
		pexTokens:     make(map[string]string),
		filter:        NewBadPeerFilter(cfg.BadPeerThreshold),
		metrics:       newSyncMetrics(),
		checkLimiter:  rate.NewLimiter(rate.Limit(cfg.CheckRate), cfg.CheckBurst),
		pushLimiter:   rate.NewLimiter(rate.Limit(cfg.PushRate), cfg.PushBurst),
		dialFn:        defaultDialer,
		now:           time.Now,
		pendingDial:   make(map[string]struct{}),
		badDigest:     make(map[string]struct{}),
		baseCtx:       ctx,
		baseCancel:    cancel,
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	return s
}

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: defaultHandshakeTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// SetPeerstore attaches a persistent known-peer store used for discovery and
// redial pacing. Must be called before JoinNetwork.
func (s *Server) SetPeerstore(ps *Peerstore) {
	s.peerstore = ps
}

// NodeID exposes the node identifier.
func (s *Server) NodeID() string { return s.nodeID }

// JoinNetwork performs the one-time setup for a run: records this node's
// group ownership, initializes the partition monitor, starts the listener and
// the protocol loops, and begins dialing seeds.
func (s *Server) JoinNetwork(topo *topology.Topology, ownedGroupIDs []string) error {
	if topo == nil {
		return fmt.Errorf("p2p: nil topology")
	}

	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	for _, groupID := range ownedGroupIDs {
		if _, ok := topo.GroupByID(groupID); !ok {
			s.mu.Unlock()
			return fmt.Errorf("p2p: join with unknown group %q", groupID)
		}
	}
	for _, groupID := range ownedGroupIDs {
		s.ownedGroups[groupID] = struct{}{}
		for _, contactID := range topo.ContactsOf(groupID) {
			s.ownedContacts[contactID] = struct{}{}
		}
	}
	s.topo = topo
	s.joined = true
	s.mu.Unlock()

	s.monitor = NewPartitionMonitor(topo, s.now)

	if s.cfg.Strategy == StrategyRouter {
		s.content.OnChange(s.onLocalChange)
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("p2p: listen: %w", err)
	}
	s.listenMu.Lock()
	s.listener = ln
	s.listenAddr = ln.Addr().String()
	s.listenMu.Unlock()

	s.log().Info("Sync server listening",
		logging.MaskField("listen_address", ln.Addr().String()),
		slog.String("strategy", string(s.cfg.Strategy)),
		slog.String("topology", summarizeDigest(topo.DigestHex())),
		logging.MaskField("node_id", s.nodeID))

	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.wg.Add(1)
	go s.heartbeatLoop()
	s.wg.Add(1)
	go s.announceLoop()
	s.wg.Add(1)
	go s.sweepLoop()
	if s.cfg.Strategy == StrategyAntiEntropy {
		s.wg.Add(1)
		go s.syncLoop()
	}

	for _, addr := range append(append([]string{}, s.cfg.Seeds...), s.cfg.PersistentPeers...) {
		s.wg.Add(1)
		go s.dialLoop(addr)
	}
	return nil
}

// ListenAddress returns the bound listen address, once listening.
func (s *Server) ListenAddress() string {
	s.listenMu.RLock()
	defer s.listenMu.RUnlock()
	return s.listenAddr
}

func (s *Server) advertisedAddr() string {
	if s.cfg.AdvertiseAddress != "" {
		return s.cfg.AdvertiseAddress
	}
	return s.ListenAddress()
}

// Shutdown tears the node down: peer connections first, then timers, then the
// transport listener. It is idempotent and returns only after teardown
// completed.
func (s *Server) Shutdown() {
	s.shutdownMu.Lock()
	if s.shutdown {
		s.shutdownMu.Unlock()
		<-s.done
		return
	}
	s.shutdown = true
	s.shutdownMu.Unlock()

	for _, peer := range s.snapshotPeerList() {
		peer.terminate(false, ErrServerShuttingDown)
	}

	close(s.quit)
	s.baseCancel()

	s.listenMu.Lock()
	ln := s.listener
	s.listener = nil
	s.listenMu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	s.wg.Wait()
	close(s.done)
}

func (s *Server) isShuttingDown() bool {
	select {
	case <-s.quit:
		return true
	default:
	}
	// Shutdown terminates peers before closing quit; the flag covers that
	// window so their teardown is not mistaken for failures.
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	return s.shutdown
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isShuttingDown() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log().Warn("Accept failed", slog.Any("error", err))
			return
		}
		go s.handleInbound(conn)
	}
}

func (s *Server) handleInbound(conn net.Conn) {
	if err := s.initPeer(conn, true, false, ""); err != nil {
		s.log().Warn("Inbound connection rejected",
			logging.MaskField("peer_address", conn.RemoteAddr().String()),
			slog.Any("error", err))
		conn.Close()
	}
}

func (s *Server) initPeer(conn net.Conn, inbound, persistent bool, dialAddr string) (err error) {
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		s.metrics.recordHandshake(outcome)
	}()

	reader := bufio.NewReader(conn)
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.HandshakeTimeout)
	defer cancel()

	hello, err := s.performHandshake(ctx, conn, reader)
	if err != nil {
		if errors.Is(err, ErrTopologyMismatch) {
			s.markBadDigest(dialAddr)
		}
		return err
	}
	if hello.NodeID == s.nodeID {
		return fmt.Errorf("self connection not allowed")
	}
	if s.filter.IsBlacklisted(hello.NodeID) {
		return fmt.Errorf("%w: %s", ErrPeerBlacklisted, hello.NodeID)
	}

	trimmedDial := strings.TrimSpace(dialAddr)
	storeAddr := trimmedDial
	if storeAddr == "" {
		storeAddr = hello.ListenAddr
	}

	peer := newPeer(hello, conn, reader, s, inbound, persistent, trimmedDial)
	if err := s.registerPeer(peer); err != nil {
		return err
	}
	peer.markConnected()
	s.clearBadDigest(trimmedDial)
	s.clearBadDigest(hello.ListenAddr)

	if s.peerstore != nil && storeAddr != "" {
		entry := PeerstoreEntry{Addr: storeAddr, NodeID: hello.NodeID, ContactIDs: hello.Contacts}
		if err := s.peerstore.Put(entry); err != nil {
			s.log().Warn("Failed to persist peer entry",
				logging.MaskField("peer_id", hello.NodeID),
				slog.Any("error", err))
		}
		if err := s.peerstore.RecordSuccess(hello.NodeID, s.now()); err != nil {
			s.log().Warn("Failed to record peer success",
				logging.MaskField("peer_id", hello.NodeID),
				slog.Any("error", err))
		}
	}

	s.log().Info("Peer connected",
		logging.MaskField("peer_id", peer.id),
		logging.MaskField("peer_address", peer.remoteAddr),
		slog.Bool("inbound", inbound))

	peer.start()
	if s.cfg.Strategy == StrategyRouter {
		go s.initialStatePush(peer)
	}
	s.onPeerConnected(peer)
	return nil
}

func (s *Server) registerPeer(peer *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined {
		return ErrNotJoined
	}
	if _, exists := s.peers[peer.id]; exists {
		return fmt.Errorf("peer %s already connected", peer.id)
	}
	if len(s.peers) >= s.cfg.MaxPeers {
		return fmt.Errorf("maximum peers reached")
	}
	s.peers[peer.id] = peer
	if s.cfg.Strategy == StrategyRouter {
		s.subscriptions[peer.id] = s.deriveSubscriptionsLocked(peer)
	}
	s.metrics.setPeerCount(len(s.peers))
	return nil
}

func (s *Server) removePeer(peer *Peer, blacklisted bool, reason error) {
	s.mu.Lock()
	current, ok := s.peers[peer.id]
	if !ok || current != peer {
		s.mu.Unlock()
		return
	}
	delete(s.peers, peer.id)
	delete(s.subscriptions, peer.id)
	s.metrics.setPeerCount(len(s.peers))
	contacts := make([]string, 0, len(peer.contacts))
	for id := range peer.contacts {
		contacts = append(contacts, id)
	}
	s.mu.Unlock()

	if !blacklisted {
		s.filter.Forget(peer.id)
	}

	if s.peerstore != nil && !s.isShuttingDown() {
		_ = s.peerstore.RecordFail(peer.id, s.now())
	}

	switch {
	case blacklisted:
		s.log().Warn("Peer disconnected and blacklisted",
			logging.MaskField("peer_id", peer.id),
			logging.MaskField("peer_address", peer.remoteAddr),
			slog.Any("error", reason))
	case reason != nil:
		s.log().Info("Peer disconnected",
			logging.MaskField("peer_id", peer.id),
			logging.MaskField("peer_address", peer.remoteAddr),
			slog.Any("error", reason))
	default:
		s.log().Info("Peer disconnected",
			logging.MaskField("peer_id", peer.id),
			logging.MaskField("peer_address", peer.remoteAddr))
	}

	s.onPeerDisconnected(contacts)

	// Administrative drops carry no reason and are not redialed.
	if !peer.inbound && !blacklisted && reason != nil && !s.isShuttingDown() {
		s.scheduleReconnect(peer.dialAddr)
	}
}

// onPeerDisconnected pessimistically records a failed-reachability event for
// every wire incident to the departed peer's contacts, then sweeps the full
// topology for newly broken wires and announces them.
func (s *Server) onPeerDisconnected(announcedContacts []string) {
	if s.monitor == nil {
		return
	}
	for _, contactID := range announcedContacts {
		for _, w := range s.topoWiresAt(contactID) {
			s.monitor.RecordFailure(w.ID)
		}
	}
	newlyBroken := s.monitor.Sweep(s.reachable)
	if len(newlyBroken) == 0 {
		return
	}
	s.log().Warn("Partition detected",
		slog.Int("broken_wires", len(newlyBroken)),
		slog.String("wire_id", strings.Join(newlyBroken, ",")))
	if msg, err := NewPartitionDetectedMessage(newlyBroken); err == nil {
		s.broadcast(msg, "")
	}
	s.metrics.observeWireHealth(s.monitor.Snapshot())
}

// onPeerConnected re-evaluates broken wires against the new connectivity and
// triggers the aggressive post-heal resync.
func (s *Server) onPeerConnected(peer *Peer) {
	if s.monitor == nil {
		return
	}
	healed := s.monitor.HealCheck(s.reachable)
	if len(healed) == 0 {
		return
	}
	s.log().Info("Partition healed",
		slog.Int("healed_wires", len(healed)),
		slog.String("wire_id", strings.Join(healed, ",")))
	if msg, err := NewPartitionHealedMessage(healed); err == nil {
		s.broadcast(msg, "")
	}
	s.aggressiveResync(healed)
	s.metrics.observeWireHealth(s.monitor.Snapshot())
}

// reachable reports whether this node holds the contact locally or some
// currently-connected peer announced owning it.
func (s *Server) reachable(contactID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.ownedContacts[contactID]; ok {
		return true
	}
	for _, peer := range s.peers {
		if peer.OwnsContact(contactID) {
			return true
		}
	}
	return false
}

func (s *Server) topoWiresAt(contactID string) []topology.Wire {
	s.mu.RLock()
	topo := s.topo
	s.mu.RUnlock()
	if topo == nil {
		return nil
	}
	return topo.WiresAt(contactID)
}

// Disconnect drops the named peer without scoring it. The peer may
// reconnect or be rediscovered later.
func (s *Server) Disconnect(nodeID string) error {
	s.mu.RLock()
	peer := s.peers[nodeID]
	s.mu.RUnlock()
	if peer == nil {
		return fmt.Errorf("%w: %s", ErrPeerUnknown, nodeID)
	}
	peer.terminate(false, nil)
	return nil
}

// Connect dials a remote peer and establishes a session.
func (s *Server) Connect(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ErrDialTargetEmpty
	}
	if s.isConnectedToAddress(addr) {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := s.dialFn(ctx, addr)
	if err != nil {
		return err
	}
	if err := s.initPeer(conn, false, s.isPersistent(addr), addr); err != nil {
		conn.Close()
		return fmt.Errorf("handshake with peer failed: %w", err)
	}
	return nil
}

func (s *Server) isConnectedToAddress(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, peer := range s.peers {
		if peer.dialAddr == addr || peer.listenAddr == addr {
			return true
		}
	}
	return false
}

func (s *Server) isPersistent(addr string) bool {
	for _, a := range s.cfg.PersistentPeers {
		if a == addr {
			return true
		}
	}
	return false
}

// dialLoop keeps an outbound connection to a configured address alive,
// retrying after a fixed backoff. Addresses flagged for a topology digest
// mismatch are left alone until the remote side reconnects to us with a
// matching digest.
func (s *Server) dialLoop(addr string) {
	defer s.wg.Done()
	for {
		if s.isShuttingDown() {
			return
		}
		switch {
		case s.isConnectedToAddress(addr), s.isBadDigest(addr):
			// Nothing to do this round.
		default:
			if err := s.Connect(addr); err != nil {
				s.log().Debug("Dial failed",
					logging.MaskField("peer_address", addr),
					slog.Any("error", err))
			}
		}
		if !s.wait(s.cfg.DialBackoff) {
			return
		}
	}
}

// scheduleReconnect retries a dropped outbound connection once after the
// fixed backoff. Discovered peers re-enter through discovery if this fails.
func (s *Server) scheduleReconnect(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" || s.isBadDigest(addr) {
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
		if !s.wait(s.cfg.DialBackoff) {
			return
		}
		if s.isConnectedToAddress(addr) {
			return
		}
		if err := s.Connect(addr); err != nil {
			s.log().Debug("Reconnect failed",
				logging.MaskField("peer_address", addr),
				slog.Any("error", err))
		}
	}()
}

func (s *Server) markBadDigest(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	s.dialMu.Lock()
	s.badDigest[addr] = struct{}{}
	s.dialMu.Unlock()
}

func (s *Server) clearBadDigest(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	s.dialMu.Lock()
	delete(s.badDigest, addr)
	s.dialMu.Unlock()
}

func (s *Server) isBadDigest(addr string) bool {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	_, ok := s.badDigest[addr]
	return ok
}

func (s *Server) wait(delay time.Duration) bool {
	if delay <= 0 {
		return !s.isShuttingDown()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.quit:
		return false
	}
}

// heartbeatLoop periodically broadcasts liveness and force-disconnects peers
// whose last-seen timestamp exceeded the timeout.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if msg, err := NewHeartbeatMessage(s.now()); err == nil {
				s.broadcast(msg, "")
			}
			cutoff := s.now().Add(-s.cfg.HeartbeatTimeout)
			for _, peer := range s.snapshotPeerList() {
				if peer.LastSeen().Before(cutoff) {
					peer.terminate(false, fmt.Errorf("heartbeat timeout"))
				}
			}
		case <-s.quit:
			return
		}
	}
}

// sweepLoop is the safety-net partition sweep; connectivity changes remain
// the primary trigger.
func (s *Server) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.monitor == nil {
				continue
			}
			newlyBroken := s.monitor.Sweep(s.reachable)
			if len(newlyBroken) > 0 {
				if msg, err := NewPartitionDetectedMessage(newlyBroken); err == nil {
					s.broadcast(msg, "")
				}
			}
			s.metrics.observeWireHealth(s.monitor.Snapshot())
		case <-s.quit:
			return
		}
	}
}

// broadcast enqueues a message for every connected peer except the one named,
// fire-and-forget. Peers with full queues are terminated.
func (s *Server) broadcast(msg *Message, exceptID string) {
	for _, peer := range s.snapshotPeerList() {
		if peer.id == exceptID {
			continue
		}
		s.send(peer, msg)
	}
}

func (s *Server) send(peer *Peer, msg *Message) {
	if err := peer.Enqueue(msg); err != nil {
		if errors.Is(err, errQueueFull) {
			s.log().Warn("Peer send queue full",
				logging.MaskField("peer_id", peer.id))
		}
		peer.terminate(false, err)
	}
}

func (s *Server) snapshotPeerList() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	return out
}

// dispatch is the single entry point for inbound protocol messages. The
// vocabulary is closed; anything outside it scores the sender.
func (s *Server) dispatch(p *Peer, msg *Message) {
	s.metrics.recordMessage("in", msg.Type)
	switch msg.Type {
	case MsgTypeContentCheck:
		var payload ContentCheckPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.handleProtocolViolation(p, fmt.Errorf("content-check: %w", err))
			return
		}
		s.handleContentCheck(p, payload)
	case MsgTypeContentRequest:
		var payload ContentRequestPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.handleProtocolViolation(p, fmt.Errorf("content-request: %w", err))
			return
		}
		s.handleContentRequest(p, payload)
	case MsgTypeContentResponse:
		var payload ContentResponsePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.handleProtocolViolation(p, fmt.Errorf("content-response: %w", err))
			return
		}
		s.handleContentResponse(p, payload)
	case MsgTypeUpdateContact:
		var payload UpdateContactPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.handleProtocolViolation(p, fmt.Errorf("update-contact: %w", err))
			return
		}
		s.handleUpdateContact(p, payload)
	case MsgTypeHeartbeat:
		var payload HeartbeatPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.handleProtocolViolation(p, fmt.Errorf("heartbeat: %w", err))
			return
		}
		// The read loop already refreshed last-seen.
	case MsgTypePeerAnnounce:
		var payload PeerAnnouncePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.handleProtocolViolation(p, fmt.Errorf("peer-announce: %w", err))
			return
		}
		s.handlePeerAnnounce(p, payload)
	case MsgTypePeerRequest:
		var payload PeerRequestPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.handleProtocolViolation(p, fmt.Errorf("peer-request: %w", err))
			return
		}
		s.handlePeerRequest(p, payload)
	case MsgTypePeerResponse:
		var payload PeerResponsePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.handleProtocolViolation(p, fmt.Errorf("peer-response: %w", err))
			return
		}
		s.handlePeerResponse(p, payload)
	case MsgTypePartitionDetected:
		var payload PartitionDetectedPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.handleProtocolViolation(p, fmt.Errorf("partition-detected: %w", err))
			return
		}
		s.handlePartitionDetected(p, payload)
	case MsgTypePartitionHealed:
		var payload PartitionHealedPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.handleProtocolViolation(p, fmt.Errorf("partition-healed: %w", err))
			return
		}
		s.handlePartitionHealed(p, payload)
	default:
		s.handleProtocolViolation(p, fmt.Errorf("unknown message type 0x%02x", msg.Type))
	}
}

// handleProtocolViolation scores the peer and evicts it once the bad-peer
// threshold is crossed. The connection survives violations below the
// threshold.
func (s *Server) handleProtocolViolation(p *Peer, err error) {
	score, blacklisted := s.filter.MarkInvalid(p.id)
	s.log().Warn("Protocol violation",
		logging.MaskField("peer_id", p.id),
		slog.Any("error", err),
		slog.Int("score", score),
		slog.Bool("blacklisted", blacklisted))
	if blacklisted {
		s.metrics.recordBlacklist()
		p.terminate(true, err)
	}
}

// handlePartitionDetected folds a remote node's broken-wire observation into
// local health, but only for wires this node cannot itself reach.
func (s *Server) handlePartitionDetected(p *Peer, payload PartitionDetectedPayload) {
	if s.monitor == nil {
		return
	}
	s.mu.RLock()
	topo := s.topo
	s.mu.RUnlock()
	for _, wireID := range payload.WireIDs {
		w, ok := topo.WireByID(wireID)
		if !ok {
			s.handleProtocolViolation(p, fmt.Errorf("partition-detected for unknown wire %q", wireID))
			return
		}
		if s.reachable(w.From) && s.reachable(w.To) {
			continue
		}
		s.monitor.RecordFailure(wireID)
	}
	s.metrics.observeWireHealth(s.monitor.Snapshot())
}

// handlePartitionHealed re-evaluates the local broken set; the remote side
// may see connectivity this node is about to regain.
func (s *Server) handlePartitionHealed(p *Peer, payload PartitionHealedPayload) {
	if s.monitor == nil {
		return
	}
	healed := s.monitor.HealCheck(s.reachable)
	if len(healed) > 0 {
		s.aggressiveResync(healed)
	}
	s.metrics.observeWireHealth(s.monitor.Snapshot())
}

// --- application entry points ---

// UpdateContact applies a locally-originated write and propagates it. Storage
// failures surface to the caller and leave hash/content state untouched;
// propagation is fire-and-forget.
func (s *Server) UpdateContact(contactID string, value []byte) error {
	s.mu.RLock()
	joined := s.joined
	topo := s.topo
	s.mu.RUnlock()
	if !joined {
		return ErrNotJoined
	}
	if _, ok := topo.ContactByID(contactID); !ok {
		return fmt.Errorf("p2p: update for unknown contact %q", contactID)
	}

	hash, err := s.content.Put(contactID, value)
	if err != nil {
		return err
	}
	s.markSeen(contactID, hash)

	// Router propagation rides the content store's change callback; the
	// baseline engine announces the new hash to everyone.
	if s.cfg.Strategy == StrategyAntiEntropy {
		s.broadcastContentCheck(contactID, hash, "")
	}
	return nil
}

// ContentHash exposes the current hash for external convergence checks.
func (s *Server) ContentHash(contactID string) (string, bool) {
	return s.content.Hash(contactID)
}

// TriggerSync forces an anti-entropy round regardless of strategy: every
// locally-known (contact, hash) pair is announced to all connected peers,
// batched through the flood limiter.
func (s *Server) TriggerSync() {
	s.shutdownMu.Lock()
	if s.shutdown {
		s.shutdownMu.Unlock()
		return
	}
	s.wg.Add(1)
	s.shutdownMu.Unlock()
	go func() {
		defer s.wg.Done()
		s.floodContentChecks()
	}()
}

// WireHealthSnapshot returns the current health record for every wire.
func (s *Server) WireHealthSnapshot() []WireHealth {
	if s.monitor == nil {
		return nil
	}
	return s.monitor.Snapshot()
}

// BrokenWires returns the current broken set.
func (s *Server) BrokenWires() []string {
	if s.monitor == nil {
		return nil
	}
	return s.monitor.BrokenWires()
}

// PeerInfo captures the public status of a connected peer.
type PeerInfo struct {
	NodeID    string    `json:"nodeId"`
	Direction string    `json:"dir"`
	State     string    `json:"state"`
	Address   string    `json:"addr"`
	LastSeen  time.Time `json:"lastSeen"`
	BadScore  int       `json:"badScore"`
}

// SnapshotPeers returns the currently connected peers sorted by id.
func (s *Server) SnapshotPeers() []PeerInfo {
	peers := s.snapshotPeerList()
	out := make([]PeerInfo, 0, len(peers))
	for _, peer := range peers {
		direction := "outbound"
		if peer.inbound {
			direction = "inbound"
		}
		out = append(out, PeerInfo{
			NodeID:    peer.id,
			Direction: direction,
			State:     peer.State().String(),
			Address:   peer.remoteAddr,
			LastSeen:  peer.LastSeen(),
			BadScore:  s.filter.Score(peer.id),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (s *Server) markSeen(contactID, hash string) {
	s.mu.Lock()
	s.seen[contactID+"|"+hash] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) hasSeen(contactID, hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[contactID+"|"+hash]
	return ok
}

func uniqueStrings(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{})
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		s.logger = slog.Default().With(slog.String("component", "sync_server"))
	}
	return s.logger
}
