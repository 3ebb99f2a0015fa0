package core

import (
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store is the KV façade: ordered key/value access over an embedded
// store (goleveldb, grounded on EXCCoin-exccd/database and
// tos-network-gtos/tosdb/leveldb) with a buffered simulate/commit/rollback
// transaction mode. Only one live transaction is allowed at a time — Begin
// blocks until any prior one is committed or rolled back.
type Store struct {
	db *leveldb.DB
	mu sync.Mutex // held for the lifetime of a live Txn
}

// OpenStore opens (creating if absent) a goleveldb database at dir.
func OpenStore(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Get reads a key directly, bypassing any simulation.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Put writes a key directly, bypassing any simulation.
func (s *Store) Put(key, value []byte) error { return s.db.Put(key, value, nil) }

// Delete removes a key directly, bypassing any simulation.
func (s *Store) Delete(key []byte) error { return s.db.Delete(key, nil) }

// Exists reports whether key is present, bypassing any simulation.
func (s *Store) Exists(key []byte) (bool, error) { return s.db.Has(key, nil) }

// Iterate calls fn for every key with the given prefix, in key order.
func (s *Store) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Error()
}

// Txn is an explicit transaction object in place of the original's
// ad-hoc simulate/rollback: writes accumulate in memory and reads observe
// the buffered state until Commit flushes them atomically via a single
// leveldb.Batch, or Rollback discards them.
type Txn struct {
	store     *Store
	writes    map[string][]byte
	deletes   map[string]bool
	done      bool
}

// Begin starts a buffered transaction, taking the store's single-writer
// lock for its duration.
func (s *Store) Begin() *Txn {
	s.mu.Lock()
	return &Txn{store: s, writes: make(map[string][]byte), deletes: make(map[string]bool)}
}

// Get reads key, observing this transaction's own buffered writes first.
func (t *Txn) Get(key []byte) ([]byte, bool, error) {
	k := string(key)
	if t.deletes[k] {
		return nil, false, nil
	}
	if v, ok := t.writes[k]; ok {
		return v, true, nil
	}
	return t.store.Get(key)
}

// Exists reports whether key is present in the buffered view.
func (t *Txn) Exists(key []byte) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

// Put buffers a write; it is not visible to other readers until Commit.
func (t *Txn) Put(key, value []byte) {
	k := string(key)
	delete(t.deletes, k)
	t.writes[k] = value
}

// Delete buffers a delete; it is not visible to other readers until Commit.
func (t *Txn) Delete(key []byte) {
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = true
}

// Commit flushes all buffered writes atomically and releases the store's
// writer lock.
func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	defer t.finish()
	batch := new(leveldb.Batch)
	for k, v := range t.writes {
		batch.Put([]byte(k), v)
	}
	for k := range t.deletes {
		batch.Delete([]byte(k))
	}
	return t.store.db.Write(batch, nil)
}

// Rollback discards all buffered writes and releases the store's writer
// lock without touching the underlying database.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.finish()
}

func (t *Txn) finish() {
	t.done = true
	t.store.mu.Unlock()
}
