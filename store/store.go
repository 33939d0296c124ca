// Package store implements the per-node content cache: contact id -> (value,
// content hash). Durability is delegated to a Storage collaborator; the store
// keeps the hash index and guarantees that hash and value are never observably
// stale relative to each other.
package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"lukechampine.com/blake3"
)

// Storage is the external durability collaborator. Implementations must be
// safe to call repeatedly with identical values.
type Storage interface {
	Get(contactID string) (value []byte, ok bool, err error)
	Set(contactID string, value []byte) error
}

// ErrStorage wraps failures surfaced by the Storage collaborator. A failed Set
// never updates the hash index.
var ErrStorage = errors.New("store: storage failure")

// HashOf returns the lowercase hex BLAKE3-256 digest of a value. Identical
// values always hash identically; hash equality is the unit of comparison for
// anti-entropy.
func HashOf(value []byte) string {
	sum := blake3.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// ContactHash pairs a contact with its current content hash.
type ContactHash struct {
	ContactID string
	Hash      string
}

// ChangeFunc observes applied writes. It is invoked synchronously after the
// hash index update, without the store lock held, and only when the hash
// actually changed. Callbacks must not call back into the store's write path.
type ChangeFunc func(contactID, hash string, value []byte)

// ContentStore is the mutable content cache for one node.
type ContentStore struct {
	storage Storage

	mu       sync.RWMutex
	hashes   map[string]string
	onChange ChangeFunc
}

// New builds a content store over the given storage collaborator.
func New(storage Storage) *ContentStore {
	return &ContentStore{
		storage: storage,
		hashes:  make(map[string]string),
	}
}

// OnChange registers the single change observer. Pass nil to remove it.
func (s *ContentStore) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Get returns the current value for a contact.
func (s *ContentStore) Get(contactID string) ([]byte, bool, error) {
	value, ok, err := s.storage.Get(contactID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", ErrStorage, contactID, err)
	}
	return value, ok, nil
}

// Put applies a write, accept-last: the new value unconditionally replaces any
// previous content. It is the single application point for locally-originated
// and remotely-received updates alike, and returns the new content hash.
func (s *ContentStore) Put(contactID string, value []byte) (string, error) {
	hash := HashOf(value)

	s.mu.Lock()
	prev := s.hashes[contactID]
	if prev == hash {
		s.mu.Unlock()
		return hash, nil
	}
	if err := s.storage.Set(contactID, value); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: set %s: %v", ErrStorage, contactID, err)
	}
	s.hashes[contactID] = hash
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(contactID, hash, value)
	}
	return hash, nil
}

// Rehydrate rebuilds the hash index from storage for the given contact ids.
// Nodes with persistent storage call this once at startup so synchronization
// resumes from the last applied state instead of an empty view. Change
// observers do not fire.
func (s *ContentStore) Rehydrate(contactIDs []string) error {
	for _, id := range contactIDs {
		value, ok, err := s.storage.Get(id)
		if err != nil {
			return fmt.Errorf("%w: rehydrate %s: %v", ErrStorage, id, err)
		}
		if !ok {
			continue
		}
		s.mu.Lock()
		s.hashes[id] = HashOf(value)
		s.mu.Unlock()
	}
	return nil
}

// Hash returns the current content hash for a contact, if any.
func (s *ContentStore) Hash(contactID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[contactID]
	return h, ok
}

// HasLocal reports whether any content has been applied for the contact.
func (s *ContentStore) HasLocal(contactID string) bool {
	_, ok := s.Hash(contactID)
	return ok
}

// AllHashes returns a snapshot of every known (contact, hash) pair sorted by
// contact id.
func (s *ContentStore) AllHashes() []ContactHash {
	s.mu.RLock()
	out := make([]ContactHash, 0, len(s.hashes))
	for id, h := range s.hashes {
		out = append(out, ContactHash{ContactID: id, Hash: h})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ContactID < out[j].ContactID })
	return out
}
