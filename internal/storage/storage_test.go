package storage_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"pkt.systems/tablease/internal/storage"
	"pkt.systems/tablease/internal/storage/memory"
)

func TestOpenRunsUpgradeOnce(t *testing.T) {
	ctx := context.Background()
	name := "db/" + uuid.NewString()
	backend := memory.Open(name)
	t.Cleanup(func() { _ = backend.Destroy() })
	upgrades := 0
	upgrade := func(tx storage.Txn, from, to int) error {
		upgrades++
		if from != 0 || to != 2 {
			t.Fatalf("expected upgrade 0 -> 2, got %d -> %d", from, to)
		}
		return nil
	}
	if _, err := storage.Open(ctx, name, 2, upgrade, backend); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := storage.Open(ctx, name, 2, upgrade, memory.Open(name)); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if upgrades != 1 {
		t.Fatalf("expected one upgrade, got %d", upgrades)
	}
}

func TestOpenRejectsDowngrade(t *testing.T) {
	ctx := context.Background()
	name := "db/" + uuid.NewString()
	backend := memory.Open(name)
	t.Cleanup(func() { _ = backend.Destroy() })
	if _, err := storage.Open(ctx, name, 3, nil, backend); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err := storage.Open(ctx, name, 2, nil, memory.Open(name))
	if err == nil || !strings.Contains(err.Error(), "newer") {
		t.Fatalf("expected downgrade rejection, got %v", err)
	}
}

func TestChangeLogAppendAndTruncate(t *testing.T) {
	ctx := context.Background()
	name := "db/" + uuid.NewString()
	backend := memory.Open(name)
	t.Cleanup(func() { _ = backend.Destroy() })
	db, err := storage.Open(ctx, name, 1, nil, backend)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stores := []string{storage.StoreRemoteDocumentChangeLog, storage.StoreSchemaMetadata}
	var ids []int64
	err = db.RunReadWrite(ctx, stores, func(tx storage.Txn) error {
		for _, keys := range [][]string{{"a"}, {"b", "c"}, {"d"}} {
			id, err := storage.AppendDocumentChange(tx, keys)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("expected monotonically increasing ids from 1, got %v", ids)
		}
	}
	err = db.RunReadWrite(ctx, stores, func(tx storage.Txn) error {
		removed, err := storage.TruncateChangesThrough(tx, 2)
		if err != nil {
			return err
		}
		if removed != 2 {
			t.Fatalf("expected 2 entries truncated, got %d", removed)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	err = db.RunReadOnly(ctx, stores, func(tx storage.Txn) error {
		var seen []int64
		err := storage.ScanDocumentChangesAfter(tx, 0, func(change storage.DocumentChange) error {
			seen = append(seen, change.ChangeID)
			return nil
		})
		if err != nil {
			return err
		}
		if len(seen) != 1 || seen[0] != 3 {
			t.Fatalf("expected only change 3 to survive, got %v", seen)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
}

func TestPrimaryLeaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	name := "db/" + uuid.NewString()
	backend := memory.Open(name)
	t.Cleanup(func() { _ = backend.Destroy() })
	db, err := storage.Open(ctx, name, 1, nil, backend)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stores := []string{storage.StorePrimaryClient}
	err = db.RunReadWrite(ctx, stores, func(tx storage.Txn) error {
		lease, err := storage.GetPrimaryLease(tx)
		if err != nil {
			return err
		}
		if lease != nil {
			t.Fatalf("expected no lease initially, got %+v", lease)
		}
		if err := storage.PutPrimaryLease(tx, &storage.PrimaryLease{OwnerID: "c1", LeaseTimestampMs: 42, AllowTabSynchronization: true}); err != nil {
			return err
		}
		lease, err = storage.GetPrimaryLease(tx)
		if err != nil {
			return err
		}
		if lease == nil || lease.OwnerID != "c1" || lease.LeaseTimestampMs != 42 {
			t.Fatalf("unexpected lease %+v", lease)
		}
		if err := storage.DeletePrimaryLease(tx); err != nil {
			return err
		}
		lease, err = storage.GetPrimaryLease(tx)
		if err != nil {
			return err
		}
		if lease != nil {
			t.Fatalf("expected lease deleted, got %+v", lease)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
}
