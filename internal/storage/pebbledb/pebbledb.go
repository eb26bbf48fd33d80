// Package pebbledb implements the storage backend on a pebble
// database. One pebble instance serves every client in the process;
// handles are shared per path. Read-write transactions run on an
// indexed batch behind a writer mutex and commit with a synced WAL
// write, read-only transactions read from a snapshot.
package pebbledb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"pkt.systems/tablease/internal/storage"
)

var (
	regMu    sync.Mutex
	registry = map[string]*shared{}
)

type shared struct {
	path    string
	db      *pebble.DB
	writeMu sync.Mutex
	refs    int
}

// DB is one client's handle onto the pebble database at a path.
type DB struct {
	sh *shared

	mu     sync.Mutex
	closed bool
}

// Open returns a handle onto the pebble database rooted at path,
// opening it on first use.
func Open(path string) (*DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("pebbledb: resolve %s: %w", path, err)
	}
	regMu.Lock()
	defer regMu.Unlock()
	sh, ok := registry[abs]
	if !ok {
		db, err := pebble.Open(abs, &pebble.Options{})
		if err != nil {
			return nil, fmt.Errorf("pebbledb: open %s: %w", abs, err)
		}
		sh = &shared{path: abs, db: db}
		registry[abs] = sh
	}
	sh.refs++
	return &DB{sh: sh}, nil
}

// storeKey namespaces key under its object store. 0x00 cannot occur in
// store names, so prefixes never collide.
func storeKey(store, key string) []byte {
	return []byte(store + "\x00" + key)
}

func storeBounds(store string) (lower, upper []byte) {
	return []byte(store + "\x00"), []byte(store + "\x01")
}

// Begin opens a transaction over the shared pebble instance.
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
		db.sh.writeMu.Lock()
		return &txn{
			sh:    db.sh,
			mode:  mode,
			scope: stores,
			batch: db.sh.db.NewIndexedBatch(),
		}, nil
	}
	return &txn{
		sh:    db.sh,
		mode:  mode,
		scope: stores,
		snap:  db.sh.db.NewSnapshot(),
	}, nil
}

// Close releases this handle, closing pebble when the last handle goes.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()
	regMu.Lock()
	defer regMu.Unlock()
	db.sh.refs--
	if db.sh.refs > 0 {
		return nil
	}
	delete(registry, db.sh.path)
	return db.sh.db.Close()
}

// Destroy closes the database and removes its directory.
func (db *DB) Destroy() error {
	if err := db.Close(); err != nil {
		return err
	}
	regMu.Lock()
	gone := registry[db.sh.path] == nil
	regMu.Unlock()
	if !gone {
		// Sibling handles still open; leave the files alone.
		return nil
	}
	return os.RemoveAll(db.sh.path)
}

type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

type txn struct {
	sh    *shared
	mode  storage.Mode
	scope []string
	batch *pebble.Batch
	snap  *pebble.Snapshot
	done  bool
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
	var src reader = t.snap
	if t.mode == storage.ReadWrite {
		src = t.batch
	}
	value, closer, err := src.Get(storeKey(store, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebbledb: get %s/%s: %w", store, key, err)
	}
	out := append([]byte(nil), value...)
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("pebbledb: get %s/%s: %w", store, key, err)
	}
	return out, nil
}

func (t *txn) Put(store, key string, value []byte) error {
	if err := t.check(store, true); err != nil {
		return err
	}
	if err := t.batch.Set(storeKey(store, key), value, nil); err != nil {
		return fmt.Errorf("pebbledb: put %s/%s: %w", store, key, err)
	}
	return nil
}

func (t *txn) Delete(store, key string) error {
	if err := t.check(store, true); err != nil {
		return err
	}
	if err := t.batch.Delete(storeKey(store, key), nil); err != nil {
		return fmt.Errorf("pebbledb: delete %s/%s: %w", store, key, err)
	}
	return nil
}

func (t *txn) Scan(store string, fn func(key string, value []byte) error) error {
	if err := t.check(store, false); err != nil {
		return err
	}
	lower, upper := storeBounds(store)
	opts := &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
	var (
		iter *pebble.Iterator
		err  error
	)
	if t.mode == storage.ReadWrite {
		iter, err = t.batch.NewIter(opts)
	} else {
		iter, err = t.snap.NewIter(opts)
	}
	if err != nil {
		return fmt.Errorf("pebbledb: scan %s: %w", store, err)
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		key := strings.TrimPrefix(string(iter.Key()), store+"\x00")
		value, verr := iter.ValueAndErr()
		if verr != nil {
			return fmt.Errorf("pebbledb: scan %s: %w", store, verr)
		}
		if err := fn(key, append([]byte(nil), value...)); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("pebbledb: scan %s: %w", store, err)
	}
	return nil
}

func (t *txn) Commit() error {
	if t.done {
		return storage.ErrClosed
	}
	t.done = true
	if t.mode != storage.ReadWrite {
		return t.snap.Close()
	}
	err := t.batch.Commit(pebble.Sync)
	t.sh.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("pebbledb: commit: %w", err)
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.mode != storage.ReadWrite {
		return t.snap.Close()
	}
	err := t.batch.Close()
	t.sh.writeMu.Unlock()
	return err
}
