// Package memory implements the storage backend in process memory;
// intended for tests and multi-client simulations. Databases are
// shared process-wide by name, so sibling clients opening the same
// name coordinate through one set of object stores the way browser
// tabs share an on-disk database.
package memory

import (
	"context"
	"sort"
	"sync"

	"pkt.systems/tablease/internal/storage"
)

var (
	regMu    sync.Mutex
	registry = map[string]*shared{}
)

type shared struct {
	mu     sync.RWMutex
	stores map[string]map[string][]byte
}

func newShared() *shared {
	return &shared{stores: make(map[string]map[string][]byte)}
}

func (s *shared) store(name string) map[string][]byte {
	st, ok := s.stores[name]
	if !ok {
		st = make(map[string][]byte)
		s.stores[name] = st
	}
	return st
}

// DB is one client's handle onto a shared in-memory database.
type DB struct {
	name string
	sh   *shared

	mu     sync.Mutex
	closed bool
}

// Open returns a handle onto the process-wide database called name,
// creating it when missing.
func Open(name string) *DB {
	regMu.Lock()
	defer regMu.Unlock()
	sh, ok := registry[name]
	if !ok {
		sh = newShared()
		registry[name] = sh
	}
	return &DB{name: name, sh: sh}
}

// Begin opens a transaction. Read-write transactions hold the
// database's writer lock until commit or rollback, which is what
// serializes lease evaluation across clients.
func (db *DB) Begin(ctx context.Context, mode storage.Mode, stores []string) (storage.Txn, error) {
	db.mu.Lock()
	closed := db.closed
	db.mu.Unlock()
	if closed {
		return nil, storage.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if mode == storage.ReadWrite {
		db.sh.mu.Lock()
	} else {
		db.sh.mu.RLock()
	}
	return &txn{
		sh:      db.sh,
		mode:    mode,
		scope:   stores,
		writes:  make(map[string]map[string][]byte),
		deletes: make(map[string]map[string]struct{}),
	}, nil
}

// Close releases this handle. The shared database and its data remain
// for sibling handles and later re-opens.
func (db *DB) Close() error {
	db.mu.Lock()
	db.closed = true
	db.mu.Unlock()
	return nil
}

// Destroy removes the shared database and all its data.
func (db *DB) Destroy() error {
	db.sh.mu.Lock()
	db.sh.stores = make(map[string]map[string][]byte)
	db.sh.mu.Unlock()
	regMu.Lock()
	if registry[db.name] == db.sh {
		delete(registry, db.name)
	}
	regMu.Unlock()
	return db.Close()
}

type txn struct {
	sh      *shared
	mode    storage.Mode
	scope   []string
	writes  map[string]map[string][]byte
	deletes map[string]map[string]struct{}
	done    bool
}

func (t *txn) check(store string, write bool) error {
	if t.done {
		return storage.ErrClosed
	}
	if write && t.mode != storage.ReadWrite {
		return storage.ErrReadOnly
	}
	if !storage.InScope(t.scope, store) {
		return storage.ErrOutOfScope
	}
	return nil
}

func (t *txn) Get(store, key string) ([]byte, error) {
	if err := t.check(store, false); err != nil {
		return nil, err
	}
	if _, gone := t.deletes[store][key]; gone {
		return nil, storage.ErrNotFound
	}
	if pending, ok := t.writes[store][key]; ok {
		return append([]byte(nil), pending...), nil
	}
	value, ok := t.sh.stores[store][key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (t *txn) Put(store, key string, value []byte) error {
	if err := t.check(store, true); err != nil {
		return err
	}
	delete(t.deletes[store], key)
	if t.writes[store] == nil {
		t.writes[store] = make(map[string][]byte)
	}
	t.writes[store][key] = append([]byte(nil), value...)
	return nil
}

func (t *txn) Delete(store, key string) error {
	if err := t.check(store, true); err != nil {
		return err
	}
	delete(t.writes[store], key)
	if t.deletes[store] == nil {
		t.deletes[store] = make(map[string]struct{})
	}
	t.deletes[store][key] = struct{}{}
	return nil
}

func (t *txn) Scan(store string, fn func(key string, value []byte) error) error {
	if err := t.check(store, false); err != nil {
		return err
	}
	keys := make(map[string]struct{})
	for key := range t.sh.stores[store] {
		keys[key] = struct{}{}
	}
	for key := range t.writes[store] {
		keys[key] = struct{}{}
	}
	for key := range t.deletes[store] {
		delete(keys, key)
	}
	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)
	for _, key := range sorted {
		value, ok := t.writes[store][key]
		if !ok {
			value = t.sh.stores[store][key]
		}
		if err := fn(key, append([]byte(nil), value...)); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) Commit() error {
	if t.done {
		return storage.ErrClosed
	}
	t.done = true
	if t.mode != storage.ReadWrite {
		t.sh.mu.RUnlock()
		return nil
	}
	for store, deletes := range t.deletes {
		base := t.sh.stores[store]
		for key := range deletes {
			delete(base, key)
		}
	}
	for store, writes := range t.writes {
		base := t.sh.store(store)
		for key, value := range writes {
			base[key] = value
		}
	}
	t.sh.mu.Unlock()
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.mode == storage.ReadWrite {
		t.sh.mu.Unlock()
	} else {
		t.sh.mu.RUnlock()
	}
	return nil
}
