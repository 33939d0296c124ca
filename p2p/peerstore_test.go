package p2p

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestPeerstore(t *testing.T, dir string) *Peerstore {
	t.Helper()
	ps, err := NewPeerstore(filepath.Join(dir, "peers.db"), time.Second)
	if err != nil {
		t.Fatalf("open peerstore: %v", err)
	}
	t.Cleanup(func() { ps.Close() })
	return ps
}

func TestPeerstorePutGet(t *testing.T) {
	ps := openTestPeerstore(t, t.TempDir())

	rec := PeerstoreEntry{
		Addr:       "10.0.0.1:7340",
		NodeID:     "node-a",
		ContactIDs: []string{"c-2", "c-1"},
		LastSeen:   time.Now(),
	}
	if err := ps.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok := ps.Get("10.0.0.1:7340")
	if !ok {
		t.Fatal("record missing by address")
	}
	if got.NodeID != "node-a" {
		t.Fatalf("node id = %q", got.NodeID)
	}
	if len(got.ContactIDs) != 2 || got.ContactIDs[0] != "c-1" {
		t.Fatalf("contact ids not sorted: %v", got.ContactIDs)
	}
	if _, ok := ps.ByNodeID("node-a"); !ok {
		t.Fatal("record missing by node id")
	}
	if err := ps.Put(PeerstoreEntry{Addr: "x"}); err == nil {
		t.Fatal("expected error for missing node id")
	}
}

func TestPeerstoreMergePreservesFields(t *testing.T) {
	ps := openTestPeerstore(t, t.TempDir())

	if err := ps.Put(PeerstoreEntry{
		NodeID:     "node-a",
		Addr:       "10.0.0.1:7340",
		ContactIDs: []string{"c-1"},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Sparse update: the known address and contacts survive.
	if err := ps.Put(PeerstoreEntry{NodeID: "node-a"}); err != nil {
		t.Fatalf("merge put: %v", err)
	}
	got, ok := ps.ByNodeID("node-a")
	if !ok || got.Addr != "10.0.0.1:7340" || len(got.ContactIDs) != 1 {
		t.Fatalf("merged = %+v ok=%v", got, ok)
	}

	// Address move drops the stale index entry.
	if err := ps.Put(PeerstoreEntry{NodeID: "node-a", Addr: "10.0.0.2:7340"}); err != nil {
		t.Fatalf("move put: %v", err)
	}
	if _, ok := ps.Get("10.0.0.1:7340"); ok {
		t.Fatal("stale address still resolves")
	}
	if _, ok := ps.Get("10.0.0.2:7340"); !ok {
		t.Fatal("new address missing")
	}
}

func TestPeerstoreFixedBackoff(t *testing.T) {
	ps := openTestPeerstore(t, t.TempDir())
	now := time.Now()

	if err := ps.Put(PeerstoreEntry{NodeID: "node-a", Addr: "addr-a", LastSeen: now}); err != nil {
		t.Fatalf("put: %v", err)
	}
	// No failures: dial immediately.
	if next := ps.NextDialAt("addr-a", now); !next.Equal(now) {
		t.Fatalf("next = %v, want now", next)
	}

	for i := 0; i < 5; i++ {
		if err := ps.RecordFail("node-a", now); err != nil {
			t.Fatalf("record fail: %v", err)
		}
	}
	// The backoff stays one interval past the last attempt regardless of how
	// many failures accumulated.
	next := ps.NextDialAt("addr-a", now)
	if got := next.Sub(now); got != time.Second {
		t.Fatalf("backoff = %v, want fixed 1s", got)
	}

	if err := ps.RecordSuccess("node-a", now.Add(2*time.Second)); err != nil {
		t.Fatalf("record success: %v", err)
	}
	got, _ := ps.ByNodeID("node-a")
	if got.Fails != 0 {
		t.Fatalf("fails after success = %d", got.Fails)
	}
}

func TestPeerstoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.db")

	ps, err := NewPeerstore(path, time.Second)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ps.Put(PeerstoreEntry{
		NodeID:     "node-a",
		Addr:       "10.0.0.1:7340",
		ContactIDs: []string{"c-1", "c-2"},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewPeerstore(path, time.Second)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, ok := reopened.ByNodeID("node-a")
	if !ok || got.Addr != "10.0.0.1:7340" {
		t.Fatalf("record lost across reopen: %+v ok=%v", got, ok)
	}
}

func TestPeerstoreOwnersOf(t *testing.T) {
	ps := openTestPeerstore(t, t.TempDir())

	ps.Put(PeerstoreEntry{NodeID: "node-b", Addr: "b", ContactIDs: []string{"c-1", "c-2"}})
	ps.Put(PeerstoreEntry{NodeID: "node-a", Addr: "a", ContactIDs: []string{"c-1"}})
	ps.Put(PeerstoreEntry{NodeID: "node-c", Addr: "c", ContactIDs: []string{"c-3"}})

	owners := ps.OwnersOf("c-1")
	if len(owners) != 2 || owners[0] != "node-a" || owners[1] != "node-b" {
		t.Fatalf("owners = %v", owners)
	}
	if owners := ps.OwnersOf("c-9"); owners != nil {
		t.Fatalf("owners of unknown contact = %v", owners)
	}

	if snap := ps.Snapshot(); len(snap) != 3 || snap[0].NodeID != "node-a" {
		t.Fatalf("snapshot = %+v", snap)
	}
}
