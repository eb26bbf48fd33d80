// Package tablease coordinates multiple clients of one shared
// embedded database so that exactly one of them — the primary — may
// mutate authoritative shared state at a time. Clients agree through
// the store itself: each maintains a heartbeat record, the primary
// holds a time-bounded lease, and a synchronous best-effort side
// channel carries zombie markers so a dying client hands off within
// bounds even when it cannot finish a graceful shutdown.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Joining a database
//
// A coordinator is one client's membership in the shared database.
// Multiple coordinators in one process (or, with the pebble backend,
// one per process sharing a handle) negotiate among themselves:
//
//	coord, err := tablease.New(tablease.Config{
//	    PersistenceKey: "main",
//	    ProjectID:      "example",
//	    NetworkEnabled: true,
//	    DataDir:        "/var/lib/tablease",
//	})
//	if err != nil { log.Fatal(err) }
//	if err := coord.Start(ctx); err != nil { log.Fatal(err) }
//	defer coord.Shutdown(ctx, false)
//
//	err = coord.SetPrimaryStateListener(ctx, func(ctx context.Context, primary bool) error {
//	    if primary {
//	        // begin acknowledging mutations, writing remote documents
//	    }
//	    return nil
//	})
//
// Callers run persistent work through the transaction gate. Primary-
// required transactions re-verify the lease inside the transaction and
// extend it on commit; they fail with ErrorCodePrimaryLeaseLost when
// another client has taken over:
//
//	err := coord.RunTransaction(ctx, "ack_batch", true, func(tx storage.Txn) error {
//	    // mutate shared state
//	    return nil
//	})
//
// # Hand-off behaviour
//
// Eligibility prefers networked, foreground clients. A primary that
// goes to the background yields within one refresh interval; a crashed
// primary is superseded once its lease outlives ClientMetadataMaxAge;
// an unloading primary writes its zombie marker synchronously so
// siblings take over without waiting for the lease to age out.
package tablease
