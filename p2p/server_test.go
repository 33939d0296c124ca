package p2p

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"bassline/store"
	"bassline/topology"
)

// chainTopology builds g-a -> g-b -> g-c with one contact per hop:
// c-a-out -(w-ab)-> c-b-in, c-b-out -(w-bc)-> c-c-in.
func chainTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.New(
		[]topology.Group{
			{ID: "g-a", Outputs: []string{"c-a-out"}},
			{ID: "g-b", Inputs: []string{"c-b-in"}, Outputs: []string{"c-b-out"}},
			{ID: "g-c", Inputs: []string{"c-c-in"}},
		},
		[]topology.Contact{
			{ID: "c-a-out", GroupID: "g-a"},
			{ID: "c-b-in", GroupID: "g-b"},
			{ID: "c-b-out", GroupID: "g-b"},
			{ID: "c-c-in", GroupID: "g-c"},
		},
		[]topology.Wire{
			{ID: "w-ab", From: "c-a-out", To: "c-b-in", Required: true},
			{ID: "w-bc", From: "c-b-out", To: "c-c-in"},
		},
	)
	if err != nil {
		t.Fatalf("build topology: %v", err)
	}
	return topo
}

func testConfig(strategy Strategy) ServerConfig {
	return ServerConfig{
		ListenAddress:     "127.0.0.1:0",
		ClientVersion:     "test/1.0",
		Strategy:          strategy,
		MaxPeers:          8,
		SyncInterval:      50 * time.Millisecond,
		AnnounceInterval:  100 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  time.Second,
		SweepInterval:     time.Hour,
		DialBackoff:       50 * time.Millisecond,
		ReadTimeout:       2 * time.Second,
		WriteTimeout:      time.Second,
		HandshakeTimeout:  time.Second,
	}
}

type testNode struct {
	server  *Server
	content *store.ContentStore
}

func startNode(t *testing.T, topo *topology.Topology, groups []string, cfg ServerConfig) *testNode {
	t.Helper()
	cs := store.New(store.NewMemoryStorage())
	srv := NewServer(cs, cfg)
	if err := srv.JoinNetwork(topo, groups); err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return &testNode{server: srv, content: cs}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func peerCount(n *testNode) int {
	return len(n.server.SnapshotPeers())
}

func TestConnectAndHandshake(t *testing.T) {
	topo := chainTopology(t)
	a := startNode(t, topo, []string{"g-a"}, testConfig(StrategyAntiEntropy))
	b := startNode(t, topo, []string{"g-b"}, testConfig(StrategyAntiEntropy))

	if err := b.server.Connect(a.server.ListenAddress()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return peerCount(a) == 1 && peerCount(b) == 1
	}, "both sides see one peer")

	peers := b.server.SnapshotPeers()
	if peers[0].NodeID != a.server.NodeID() {
		t.Fatalf("peer id = %q", peers[0].NodeID)
	}
	if peers[0].State != "connected" || peers[0].Direction != "outbound" {
		t.Fatalf("peer = %+v", peers[0])
	}

	// A second connect to the same address is a no-op.
	if err := b.server.Connect(a.server.ListenAddress()); err != nil {
		t.Fatalf("repeat connect: %v", err)
	}
	if peerCount(b) != 1 {
		t.Fatalf("duplicate session: %d peers", peerCount(b))
	}

	if err := b.server.Disconnect("node-unknown"); !errors.Is(err, ErrPeerUnknown) {
		t.Fatalf("disconnect unknown = %v", err)
	}
	if err := b.server.Disconnect(a.server.NodeID()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return peerCount(b) == 0 }, "peer dropped")
	if b.server.filter.IsBlacklisted(a.server.NodeID()) {
		t.Fatal("administrative disconnect must not blacklist")
	}
}

func TestJoinValidation(t *testing.T) {
	topo := chainTopology(t)
	cs := store.New(store.NewMemoryStorage())

	srv := NewServer(cs, testConfig(StrategyAntiEntropy))
	if err := srv.JoinNetwork(topo, []string{"g-missing"}); err == nil {
		t.Fatal("joined with unknown group")
	}
	if err := srv.UpdateContact("c-a-out", []byte("x")); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("update before join = %v", err)
	}

	if err := srv.JoinNetwork(topo, []string{"g-a"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	if err := srv.JoinNetwork(topo, []string{"g-a"}); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second join = %v", err)
	}
	if err := srv.UpdateContact("c-missing", []byte("x")); err == nil {
		t.Fatal("update for unknown contact accepted")
	}
}

func TestTopologyMismatchIsFatal(t *testing.T) {
	topoA := chainTopology(t)
	topoB, err := topology.New(
		[]topology.Group{{ID: "g-a", Outputs: []string{"c-a-out"}}, {ID: "g-b", Inputs: []string{"c-b-in"}}},
		[]topology.Contact{
			{ID: "c-a-out", GroupID: "g-a"},
			{ID: "c-b-in", GroupID: "g-b"},
		},
		[]topology.Wire{{ID: "w-ab", From: "c-a-out", To: "c-b-in"}},
	)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	a := startNode(t, topoA, []string{"g-a"}, testConfig(StrategyAntiEntropy))
	b := startNode(t, topoB, []string{"g-b"}, testConfig(StrategyAntiEntropy))

	addr := a.server.ListenAddress()
	if err := b.server.Connect(addr); !errors.Is(err, ErrTopologyMismatch) {
		t.Fatalf("connect = %v, want topology mismatch", err)
	}
	if peerCount(a) != 0 || peerCount(b) != 0 {
		t.Fatal("session established despite digest mismatch")
	}
	// The address is flagged so the dialer leaves it alone.
	if !b.server.isBadDigest(addr) {
		t.Fatal("mismatched address not flagged")
	}
}

func TestOwnershipConflictRejected(t *testing.T) {
	topo := chainTopology(t)
	a := startNode(t, topo, []string{"g-a"}, testConfig(StrategyAntiEntropy))
	b := startNode(t, topo, []string{"g-a", "g-b"}, testConfig(StrategyAntiEntropy))

	if err := b.server.Connect(a.server.ListenAddress()); !errors.Is(err, ErrOwnershipConflict) {
		t.Fatalf("connect = %v, want ownership conflict", err)
	}
	if peerCount(a) != 0 {
		t.Fatal("conflicting peer registered")
	}
}

// rawClient performs a handshake by hand so tests can drive the wire
// directly.
type rawClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialRaw(t *testing.T, addr string, hello helloMessage) (*rawClient, error) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &rawClient{conn: conn, reader: bufio.NewReader(conn)}
	t.Cleanup(func() { conn.Close() })

	payload, err := json.Marshal(&hello)
	if err != nil {
		t.Fatalf("marshal hello: %v", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c.reader.ReadBytes('\n'); err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	return c, nil
}

func (c *rawClient) sendLine(t *testing.T, line string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func testHello(topo *topology.Topology, nodeID string) helloMessage {
	return helloMessage{
		ProtocolVersion: protocolVersion,
		NodeID:          nodeID,
		TopologyDigest:  topo.DigestHex(),
		Groups:          []string{"g-b"},
		Contacts:        []string{"c-b-in", "c-b-out"},
		ClientVersion:   "test/raw",
		Timestamp:       time.Now().Unix(),
	}
}

func TestBadPeerEvictionAfterThreeViolations(t *testing.T) {
	topo := chainTopology(t)
	a := startNode(t, topo, []string{"g-a"}, testConfig(StrategyAntiEntropy))

	client, err := dialRaw(t, a.server.ListenAddress(), testHello(topo, "node-evil"))
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return peerCount(a) == 1 }, "raw peer registered")

	for i := 0; i < 3; i++ {
		client.sendLine(t, "this is not json")
	}

	waitFor(t, 2*time.Second, func() bool {
		return a.server.filter.IsBlacklisted("node-evil") && peerCount(a) == 0
	}, "peer blacklisted and evicted")

	// Reconnection attempts from a blacklisted peer are refused.
	retry, err := dialRaw(t, a.server.ListenAddress(), testHello(topo, "node-evil"))
	if err == nil {
		retry.conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := retry.reader.ReadBytes('\n'); err == nil {
			t.Fatal("blacklisted peer kept its connection")
		}
	}
	if peerCount(a) != 0 {
		t.Fatal("blacklisted peer re-registered")
	}
}

func TestViolationsBelowThresholdKeepConnection(t *testing.T) {
	topo := chainTopology(t)
	a := startNode(t, topo, []string{"g-a"}, testConfig(StrategyAntiEntropy))

	client, err := dialRaw(t, a.server.ListenAddress(), testHello(topo, "node-sloppy"))
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return peerCount(a) == 1 }, "raw peer registered")

	client.sendLine(t, "garbage one")
	client.sendLine(t, "garbage two")

	waitFor(t, 2*time.Second, func() bool {
		return a.server.filter.Score("node-sloppy") == 2
	}, "violations scored")
	if peerCount(a) != 1 {
		t.Fatal("connection dropped below the threshold")
	}
	if a.server.filter.IsBlacklisted("node-sloppy") {
		t.Fatal("peer blacklisted below the threshold")
	}
}

func TestMaxPeersCap(t *testing.T) {
	topo := chainTopology(t)
	cfg := testConfig(StrategyAntiEntropy)
	cfg.MaxPeers = 1
	a := startNode(t, topo, []string{"g-a"}, cfg)

	if _, err := dialRaw(t, a.server.ListenAddress(), testHello(topo, "node-one")); err != nil {
		t.Fatalf("first handshake: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return peerCount(a) == 1 }, "first peer registered")

	second, err := dialRaw(t, a.server.ListenAddress(), testHello(topo, "node-two"))
	if err == nil {
		second.conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := second.reader.ReadBytes('\n'); err == nil {
			t.Fatal("second peer kept its connection past the cap")
		}
	}
	if peerCount(a) != 1 {
		t.Fatalf("peer count = %d, want capped at 1", peerCount(a))
	}
}

func TestHeartbeatTimeoutDisconnects(t *testing.T) {
	topo := chainTopology(t)
	cfg := testConfig(StrategyAntiEntropy)
	cfg.HeartbeatInterval = 25 * time.Millisecond
	cfg.HeartbeatTimeout = 150 * time.Millisecond
	a := startNode(t, topo, []string{"g-a"}, cfg)

	// The raw client never sends anything after the handshake.
	if _, err := dialRaw(t, a.server.ListenAddress(), testHello(topo, "node-silent")); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return peerCount(a) == 1 }, "peer registered")
	waitFor(t, 2*time.Second, func() bool { return peerCount(a) == 0 }, "silent peer disconnected")

	if a.server.filter.IsBlacklisted("node-silent") {
		t.Fatal("timeout must not blacklist")
	}
}

func TestContentSenderReceivesNoEcho(t *testing.T) {
	topo := chainTopology(t)
	cfg := testConfig(StrategyAntiEntropy)
	cfg.SyncInterval = time.Hour
	cfg.AnnounceInterval = time.Hour
	a := startNode(t, topo, []string{"g-a"}, cfg)
	c := startNode(t, topo, []string{"g-c"}, cfg)
	if err := c.server.Connect(a.server.ListenAddress()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	client, err := dialRaw(t, a.server.ListenAddress(), testHello(topo, "node-pusher"))
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return peerCount(a) == 2 }, "both peers registered")

	msg, err := NewContentResponseMessage("c-b-out", []byte("pushed-value"))
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	client.sendLine(t, string(frame))

	wantHash := store.HashOf([]byte("pushed-value"))
	waitFor(t, 2*time.Second, func() bool {
		h, ok := a.server.ContentHash("c-b-out")
		return ok && h == wantHash
	}, "update applied")
	// The re-announcement still reaches the other peer.
	waitFor(t, 2*time.Second, func() bool {
		h, ok := c.server.ContentHash("c-b-out")
		return ok && h == wantHash
	}, "update spread onward")

	// The sender must never hear its own update back; heartbeats and other
	// traffic may still arrive.
	deadline := time.Now().Add(500 * time.Millisecond)
	client.conn.SetReadDeadline(deadline)
	for {
		line, err := client.reader.ReadBytes('\n')
		if err != nil {
			break
		}
		var echoed Message
		if err := json.Unmarshal(bytes.TrimSpace(line), &echoed); err != nil {
			t.Fatalf("unreadable frame: %v", err)
		}
		if echoed.Type != MsgTypeContentCheck {
			continue
		}
		var payload ContentCheckPayload
		if err := json.Unmarshal(echoed.Payload, &payload); err != nil {
			t.Fatalf("content-check payload: %v", err)
		}
		if payload.ContactID == "c-b-out" {
			t.Fatal("update echoed back to its sender")
		}
	}
}

func TestContactClaimWithoutGroupRejected(t *testing.T) {
	topo := chainTopology(t)
	a := startNode(t, topo, []string{"g-a"}, testConfig(StrategyAntiEntropy))

	// Claiming g-b's contacts without claiming g-b itself would inflate
	// reachability without write authority behind it.
	hello := testHello(topo, "node-partial")
	hello.Groups = nil
	if client, err := dialRaw(t, a.server.ListenAddress(), hello); err == nil {
		client.conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := client.reader.ReadBytes('\n'); err == nil {
			t.Fatal("groupless contact claim kept its connection")
		}
	}
	if peerCount(a) != 0 {
		t.Fatal("groupless contact claim registered")
	}
}

func TestShutdownRecordsNoPeerFailures(t *testing.T) {
	topo := chainTopology(t)
	ps, err := NewPeerstore(filepath.Join(t.TempDir(), "peers"), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("open peerstore: %v", err)
	}
	t.Cleanup(func() { ps.Close() })

	cs := store.New(store.NewMemoryStorage())
	srv := NewServer(cs, testConfig(StrategyAntiEntropy))
	srv.SetPeerstore(ps)
	if err := srv.JoinNetwork(topo, []string{"g-a"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	b := startNode(t, topo, []string{"g-b"}, testConfig(StrategyAntiEntropy))
	if err := b.server.Connect(srv.ListenAddress()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(srv.SnapshotPeers()) == 1 }, "connected")

	srv.Shutdown()

	// Tearing down our own peers is not their failure.
	entry, ok := ps.ByNodeID(b.server.NodeID())
	if !ok {
		t.Fatal("peer entry missing from peerstore")
	}
	if entry.Fails != 0 {
		t.Fatalf("clean shutdown recorded %d failures", entry.Fails)
	}
}

func TestTriggerSyncAfterShutdown(t *testing.T) {
	topo := chainTopology(t)
	a := startNode(t, topo, []string{"g-a"}, testConfig(StrategyAntiEntropy))
	a.server.Shutdown()

	done := make(chan struct{})
	go func() {
		a.server.TriggerSync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TriggerSync blocked after shutdown")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	topo := chainTopology(t)
	a := startNode(t, topo, []string{"g-a"}, testConfig(StrategyAntiEntropy))
	b := startNode(t, topo, []string{"g-b"}, testConfig(StrategyAntiEntropy))
	if err := b.server.Connect(a.server.ListenAddress()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return peerCount(a) == 1 }, "connected")

	b.server.Shutdown()
	b.server.Shutdown()

	waitFor(t, 2*time.Second, func() bool { return peerCount(a) == 0 }, "remote noticed shutdown")
	if err := b.server.Connect(a.server.ListenAddress()); err == nil {
		t.Fatal("connect succeeded after shutdown")
	}
}
