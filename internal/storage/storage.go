// Package storage is the transactional store adapter backing the
// coordinator. It models a small set of named object stores with
// atomic read-only and read-write transactions, mirroring the
// semantics the coordinator needs from its host database: serialized
// writers, snapshot reads, and all-or-nothing commits.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Object store names. The first three are fixed by the coordinator's
// schema contract; the next three belong to the document
// collaborators, and schemaMetadata holds the schema version and the
// document change counter.
const (
	StorePrimaryClient           = "primaryClient"
	StoreClientMetadata          = "clientMetadata"
	StoreRemoteDocumentChangeLog = "remoteDocumentChangeLog"
	StoreMutationQueue           = "mutationQueue"
	StoreRemoteDocuments         = "remoteDocuments"
	StoreTargets                 = "targets"
	StoreSchemaMetadata          = "schemaMetadata"
)

// AllStores lists every object store, in schema order.
var AllStores = []string{
	StorePrimaryClient,
	StoreClientMetadata,
	StoreRemoteDocumentChangeLog,
	StoreMutationQueue,
	StoreRemoteDocuments,
	StoreTargets,
	StoreSchemaMetadata,
}

var (
	// ErrNotFound reports a missing key.
	ErrNotFound = errors.New("storage: not found")
	// ErrReadOnly reports a write inside a read-only transaction.
	ErrReadOnly = errors.New("storage: transaction is read-only")
	// ErrOutOfScope reports access to a store the transaction did not declare.
	ErrOutOfScope = errors.New("storage: store not in transaction scope")
	// ErrClosed reports use of a closed backend.
	ErrClosed = errors.New("storage: backend closed")
)

// Mode selects the transaction kind.
type Mode int

const (
	// ReadOnly transactions see a consistent snapshot and reject writes.
	ReadOnly Mode = iota
	// ReadWrite transactions are serialized against each other; their
	// writes become visible atomically on commit.
	ReadWrite
)

// Txn is an open transaction over the declared stores. Exactly one of
// Commit or Rollback must be called.
type Txn interface {
	Get(store, key string) ([]byte, error)
	Put(store, key string, value []byte) error
	Delete(store, key string) error
	// Scan visits every key of store in ascending lexical order. A
	// non-nil error from fn stops the scan and is returned.
	Scan(store string, fn func(key string, value []byte) error) error
	Commit() error
	Rollback() error
}

// Backend opens transactions over the shared object stores.
type Backend interface {
	Begin(ctx context.Context, mode Mode, stores []string) (Txn, error)
	Close() error
	// Destroy removes all persisted data for this database.
	Destroy() error
}

// InScope reports whether store was declared by the transaction.
func InScope(stores []string, store string) bool {
	for _, s := range stores {
		if s == store {
			return true
		}
	}
	return false
}

// Database couples a backend with its schema identity.
type Database struct {
	name    string
	backend Backend
}

// Name returns the database name the coordinator derived from its
// storage prefix.
func (db *Database) Name() string {
	return db.name
}

// Backend exposes the underlying backend, used on shutdown.
func (db *Database) Backend() Backend {
	return db.backend
}

const schemaVersionKey = "version"

// UpgradeFunc migrates the schema from fromVersion to toVersion within
// the supplied transaction.
type UpgradeFunc func(tx Txn, fromVersion, toVersion int) error

// Open prepares backend as the named database at schemaVersion,
// running upgrade inside one read-write transaction when the stored
// version lags. Opening at a lower version than the stored one fails.
func Open(ctx context.Context, name string, schemaVersion int, upgrade UpgradeFunc, backend Backend) (*Database, error) {
	db := &Database{name: name, backend: backend}
	err := db.RunReadWrite(ctx, AllStores, func(tx Txn) error {
		current := 0
		raw, err := tx.Get(StoreSchemaMetadata, schemaVersionKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil {
			current, err = strconv.Atoi(string(raw))
			if err != nil {
				return fmt.Errorf("storage: corrupt schema version %q: %w", raw, err)
			}
		}
		if current > schemaVersion {
			return fmt.Errorf("storage: database %s is at schema %d, newer than requested %d", name, current, schemaVersion)
		}
		if current < schemaVersion {
			if upgrade != nil {
				if err := upgrade(tx, current, schemaVersion); err != nil {
					return fmt.Errorf("storage: schema upgrade %d -> %d: %w", current, schemaVersion, err)
				}
			}
			if err := tx.Put(StoreSchemaMetadata, schemaVersionKey, []byte(strconv.Itoa(schemaVersion))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// RunReadOnly executes body within a read-only transaction.
func (db *Database) RunReadOnly(ctx context.Context, stores []string, body func(tx Txn) error) error {
	return db.run(ctx, ReadOnly, stores, body)
}

// RunReadWrite executes body within a read-write transaction,
// committing on success and rolling back when body fails. Body errors
// propagate unchanged.
func (db *Database) RunReadWrite(ctx context.Context, stores []string, body func(tx Txn) error) error {
	return db.run(ctx, ReadWrite, stores, body)
}

func (db *Database) run(ctx context.Context, mode Mode, stores []string, body func(tx Txn) error) error {
	tx, err := db.backend.Begin(ctx, mode, stores)
	if err != nil {
		return err
	}
	if err := body(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}
