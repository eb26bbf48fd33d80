package tablease

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/tablease/internal/clock"
	"pkt.systems/tablease/internal/storage"
)

// seedLease writes a foreign lease record directly into the harness's
// shared database, simulating a sibling process claiming the lease.
func seedLease(t *testing.T, h *Harness, lease *storage.PrimaryLease) {
	t.Helper()
	backend := memoryBackend(h.base.storagePrefix())
	tx, err := backend.Begin(testContext(t), storage.ReadWrite, storage.AllStores)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := storage.PutPrimaryLease(tx, lease); err != nil {
		t.Fatalf("put lease: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = backend.Close()
}

func TestRunTransactionPrimaryLeaseLost(t *testing.T) {
	ctx := testContext(t)
	h := newTestHarness(t)
	a := startClient(t, h, HarnessClientOptions{NetworkEnabled: true, Foreground: true, AllowTabSynchronization: true})
	rec := &stateRecorder{}
	if err := a.Coordinator.SetPrimaryStateListener(ctx, rec.listen); err != nil {
		t.Fatalf("listener: %v", err)
	}

	seedLease(t, h, &storage.PrimaryLease{
		OwnerID:                 "intruder",
		LeaseTimestampMs:        clock.UnixMilli(h.Clock.Now()),
		AllowTabSynchronization: true,
	})
	bodyRan := false
	err := a.Coordinator.RunTransaction(ctx, "ack_batch", true, func(tx storage.Txn) error {
		bodyRan = true
		return nil
	})
	if !IsPrimaryLeaseLost(err) {
		t.Fatalf("expected primary_lease_lost, got %v", err)
	}
	if bodyRan {
		t.Fatal("body must not run without the lease")
	}
	if a.Coordinator.IsPrimary() {
		t.Fatal("expected local primary bit cleared")
	}
	if err := h.Settle(ctx); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if states := rec.snapshot(); len(states) == 0 || states[len(states)-1] {
		t.Fatalf("expected listener notified of demotion, got %v", states)
	}
}

func TestRunTransactionExclusiveHolder(t *testing.T) {
	ctx := testContext(t)
	h := newTestHarness(t)
	a := startClient(t, h, HarnessClientOptions{NetworkEnabled: true, Foreground: true, AllowTabSynchronization: true})

	seedLease(t, h, &storage.PrimaryLease{
		OwnerID:                 "intruder",
		LeaseTimestampMs:        clock.UnixMilli(h.Clock.Now()),
		AllowTabSynchronization: false,
	})
	err := a.Coordinator.RunTransaction(ctx, "read_docs", false, func(tx storage.Txn) error {
		return nil
	})
	if !IsPrimaryLeaseExclusive(err) {
		t.Fatalf("expected primary_lease_exclusive for shared access, got %v", err)
	}
	err = a.Coordinator.RunTransaction(ctx, "ack_batch", true, func(tx storage.Txn) error {
		return nil
	})
	if !IsPrimaryLeaseExclusive(err) {
		t.Fatalf("expected primary_lease_exclusive for primary access, got %v", err)
	}
}

func TestRunTransactionBodyErrorAborts(t *testing.T) {
	ctx := testContext(t)
	h := newTestHarness(t)
	a := startClient(t, h, HarnessClientOptions{NetworkEnabled: true, Foreground: true, AllowTabSynchronization: true})

	boom := errors.New("boom")
	err := a.Coordinator.RunTransaction(ctx, "write_doc", true, func(tx storage.Txn) error {
		if err := storage.PutRemoteDocument(tx, &storage.RemoteDocument{Key: "x", Payload: []byte(`{}`)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected body error to propagate unchanged, got %v", err)
	}
	doc, err := RunTransaction(ctx, a.Coordinator, "read_doc", false, func(tx storage.Txn) (*storage.RemoteDocument, error) {
		return storage.GetRemoteDocument(tx, "x")
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected aborted write to be invisible, got %+v", doc)
	}
}

type failingBackend struct {
	err error
}

func (f *failingBackend) Begin(ctx context.Context, mode storage.Mode, stores []string) (storage.Txn, error) {
	return nil, f.err
}

func (f *failingBackend) Close() error   { return nil }
func (f *failingBackend) Destroy() error { return nil }

func TestStartUnavailableIsLatched(t *testing.T) {
	ctx := testContext(t)
	coord, err := New(Config{
		PersistenceKey: "main",
		ProjectID:      "example",
		NetworkEnabled: true,
	},
		WithLogger(pslog.NoopLogger()),
		WithBackend(&failingBackend{err: errors.New("disk failure")}),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = coord.Shutdown(context.Background(), false) })
	if err := coord.Start(ctx); !IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if err := coord.Start(ctx); !IsUnavailable(err) {
		t.Fatalf("expected latched unavailable on restart, got %v", err)
	}
	err = coord.RunTransaction(ctx, "any", false, func(tx storage.Txn) error { return nil })
	if !IsUnavailable(err) {
		t.Fatalf("expected latched unavailable from transaction gate, got %v", err)
	}
	if _, err := coord.GetActiveClients(ctx); !IsUnavailable(err) {
		t.Fatalf("expected latched unavailable from GetActiveClients, got %v", err)
	}
}
