package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"pkt.systems/tablease/internal/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db := Open("test/" + uuid.NewString())
	t.Cleanup(func() { _ = db.Destroy() })
	return db
}

func TestCommitMakesWritesVisible(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tx, err := db.Begin(ctx, storage.ReadWrite, storage.AllStores)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Put(storage.StoreRemoteDocuments, "a", []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Reads within the transaction see the pending write.
	if got, err := tx.Get(storage.StoreRemoteDocuments, "a"); err != nil || string(got) != "1" {
		t.Fatalf("expected own write visible, got %q err %v", got, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	ro, err := db.Begin(ctx, storage.ReadOnly, storage.AllStores)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = ro.Rollback() }()
	if got, err := ro.Get(storage.StoreRemoteDocuments, "a"); err != nil || string(got) != "1" {
		t.Fatalf("expected committed write visible, got %q err %v", got, err)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tx, err := db.Begin(ctx, storage.ReadWrite, storage.AllStores)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Put(storage.StoreRemoteDocuments, "a", []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	ro, err := db.Begin(ctx, storage.ReadOnly, storage.AllStores)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = ro.Rollback() }()
	if _, err := ro.Get(storage.StoreRemoteDocuments, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected rolled-back write invisible, got %v", err)
	}
}

func TestScanMergesPendingWritesInOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	seed, err := db.Begin(ctx, storage.ReadWrite, storage.AllStores)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, key := range []string{"b", "d"} {
		if err := seed.Put(storage.StoreRemoteDocuments, key, []byte(key)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	tx, err := db.Begin(ctx, storage.ReadWrite, storage.AllStores)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := tx.Put(storage.StoreRemoteDocuments, "a", []byte("a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Put(storage.StoreRemoteDocuments, "c", []byte("c")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Delete(storage.StoreRemoteDocuments, "d"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var keys []string
	err = tx.Scan(storage.StoreRemoteDocuments, func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tx, err := db.Begin(ctx, storage.ReadOnly, storage.AllStores)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := tx.Put(storage.StoreRemoteDocuments, "a", []byte("1")); !errors.Is(err, storage.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestOutOfScopeStoreRejected(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tx, err := db.Begin(ctx, storage.ReadWrite, []string{storage.StoreClientMetadata})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Get(storage.StoreRemoteDocuments, "a"); !errors.Is(err, storage.ErrOutOfScope) {
		t.Fatalf("expected ErrOutOfScope, got %v", err)
	}
}

func TestSharedInstanceByName(t *testing.T) {
	ctx := context.Background()
	name := "shared/" + uuid.NewString()
	one := Open(name)
	two := Open(name)
	t.Cleanup(func() { _ = one.Destroy() })
	tx, err := one.Begin(ctx, storage.ReadWrite, storage.AllStores)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Put(storage.StoreClientMetadata, "c1", []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	ro, err := two.Begin(ctx, storage.ReadOnly, storage.AllStores)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = ro.Rollback() }()
	if got, err := ro.Get(storage.StoreClientMetadata, "c1"); err != nil || string(got) != "x" {
		t.Fatalf("expected shared visibility, got %q err %v", got, err)
	}
}

func TestClosedHandleRejectsTransactions(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := db.Begin(ctx, storage.ReadOnly, storage.AllStores); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
