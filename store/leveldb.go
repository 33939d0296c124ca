package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
)

const contentKeyPrefix = "content:"

// LevelDBStorage is a persistent Storage collaborator backed by LevelDB.
// Content survives process restarts, so a rejoining node resumes anti-entropy
// from its last applied state instead of an empty store.
type LevelDBStorage struct {
	db *leveldb.DB
}

// OpenLevelDBStorage creates or opens content storage at the given path.
func OpenLevelDBStorage(path string) (*LevelDBStorage, error) {
	if path == "" {
		return nil, errors.New("store: storage path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("store: open content storage: %w", err)
	}
	return &LevelDBStorage{db: db}, nil
}

func (l *LevelDBStorage) Get(contactID string) ([]byte, bool, error) {
	value, err := l.db.Get(contentKey(contactID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (l *LevelDBStorage) Set(contactID string, value []byte) error {
	return l.db.Put(contentKey(contactID), value, nil)
}

// Close flushes and closes the underlying database.
func (l *LevelDBStorage) Close() error {
	return l.db.Close()
}

func contentKey(contactID string) []byte {
	return []byte(contentKeyPrefix + contactID)
}
