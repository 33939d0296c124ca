package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

const defaultRedialBackoff = 2 * time.Second

// PeerstoreEntry captures the metadata we persist for each known peer. The
// contact ids record contact-awareness for peers beyond the connection cap:
// we know who holds what without keeping a live connection to them.
type PeerstoreEntry struct {
	Addr       string    `json:"addr"`
	NodeID     string    `json:"nodeID"`
	ContactIDs []string  `json:"contactIds,omitempty"`
	LastSeen   time.Time `json:"lastSeen"`
	Fails      int       `json:"fails"`
}

// Peerstore offers a concurrency-safe persistent registry of known peers.
type Peerstore struct {
	mu sync.RWMutex

	db *leveldb.DB

	byAddr map[string]*PeerstoreEntry
	byNode map[string]*PeerstoreEntry

	redialBackoff time.Duration
}

// NewPeerstore opens (or creates) a peerstore backed by LevelDB at the given
// path. The backoff is the fixed delay applied between dial attempts to an
// address that last failed.
func NewPeerstore(path string, redialBackoff time.Duration) (*Peerstore, error) {
	if path == "" {
		return nil, errors.New("peerstore path required")
	}
	if redialBackoff <= 0 {
		redialBackoff = defaultRedialBackoff
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}

	store := &Peerstore{
		db:            db,
		byAddr:        make(map[string]*PeerstoreEntry),
		byNode:        make(map[string]*PeerstoreEntry),
		redialBackoff: redialBackoff,
	}
	if err := store.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close flushes and closes the underlying database.
func (ps *Peerstore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil
	}
	err := ps.db.Close()
	ps.db = nil
	ps.byAddr = nil
	ps.byNode = nil
	return err
}

// Put inserts or updates a record keyed by node ID, deduplicating addresses.
func (ps *Peerstore) Put(rec PeerstoreEntry) error {
	if rec.NodeID == "" {
		return errors.New("nodeID required")
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.putLocked(&rec)
}

// Get returns a record by address.
func (ps *Peerstore) Get(addr string) (PeerstoreEntry, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byAddr[addr]
	if rec == nil {
		return PeerstoreEntry{}, false
	}
	return *rec, true
}

// ByNodeID returns a record by node identifier.
func (ps *Peerstore) ByNodeID(nodeID string) (PeerstoreEntry, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byNode[nodeID]
	if rec == nil {
		return PeerstoreEntry{}, false
	}
	return *rec, true
}

// RecordSuccess resets failure bookkeeping after a successful connection.
func (ps *Peerstore) RecordSuccess(nodeID string, now time.Time) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byNode[nodeID]
	if rec == nil {
		return fmt.Errorf("record success: %w", leveldb.ErrNotFound)
	}
	rec.LastSeen = now
	rec.Fails = 0
	return ps.persistLocked(rec)
}

// RecordFail increments the failure counter after a failed dial or dropped
// connection.
func (ps *Peerstore) RecordFail(nodeID string, now time.Time) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byNode[nodeID]
	if rec == nil {
		return fmt.Errorf("record fail: %w", leveldb.ErrNotFound)
	}
	rec.Fails++
	rec.LastSeen = now
	return ps.persistLocked(rec)
}

// NextDialAt returns when we should attempt to dial the address next. The
// backoff is fixed, not exponential: a failing address is retried one backoff
// after its last attempt regardless of how often it has failed.
func (ps *Peerstore) NextDialAt(addr string, now time.Time) time.Time {
	ps.mu.RLock()
	rec := ps.byAddr[addr]
	if rec == nil {
		ps.mu.RUnlock()
		return now
	}
	snapshot := *rec
	backoff := ps.redialBackoff
	ps.mu.RUnlock()
	if snapshot.Fails <= 0 {
		return now
	}
	next := snapshot.LastSeen.Add(backoff)
	if next.Before(now) {
		return now
	}
	return next
}

// OwnersOf returns the node ids of every known peer that announced owning the
// contact, connected or not.
func (ps *Peerstore) OwnersOf(contactID string) []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	var out []string
	for id, rec := range ps.byNode {
		for _, cid := range rec.ContactIDs {
			if cid == contactID {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every known peer sorted by node id.
func (ps *Peerstore) Snapshot() []PeerstoreEntry {
	ps.mu.RLock()
	out := make([]PeerstoreEntry, 0, len(ps.byNode))
	for _, rec := range ps.byNode {
		out = append(out, *rec)
	}
	ps.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (ps *Peerstore) putLocked(rec *PeerstoreEntry) error {
	existing := ps.byNode[rec.NodeID]
	if existing != nil {
		if rec.Addr == "" {
			rec.Addr = existing.Addr
		}
		if rec.LastSeen.IsZero() {
			rec.LastSeen = existing.LastSeen
		}
		if rec.Fails == 0 {
			rec.Fails = existing.Fails
		}
		if len(rec.ContactIDs) == 0 {
			rec.ContactIDs = existing.ContactIDs
		}
		if existing.Addr != "" && existing.Addr != rec.Addr {
			delete(ps.byAddr, existing.Addr)
		}
	} else if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}
	sort.Strings(rec.ContactIDs)
	copy := *rec
	ps.byNode[rec.NodeID] = &copy
	if copy.Addr != "" {
		ps.byAddr[copy.Addr] = &copy
	}
	return ps.persistLocked(&copy)
}

func (ps *Peerstore) persistLocked(rec *PeerstoreEntry) error {
	if ps.db == nil {
		return errors.New("peerstore closed")
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := []byte("peer:" + rec.NodeID)
	return ps.db.Put(key, blob, nil)
}

func (ps *Peerstore) load() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	iter := ps.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if len(key) < 5 || key[:5] != "peer:" {
			continue
		}
		var rec PeerstoreEntry
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode peer %s: %w", key, err)
		}
		copy := rec
		ps.byNode[rec.NodeID] = &copy
		if rec.Addr != "" {
			ps.byAddr[rec.Addr] = &copy
		}
	}
	return iter.Error()
}
