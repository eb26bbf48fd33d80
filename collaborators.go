package tablease

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"

	"pkt.systems/tablease/internal/clock"
	"pkt.systems/tablease/internal/storage"
)

// schemaUpgrade materializes the object-store schema. Version 1 seeds
// the document change counter so the first appended change gets id 1.
func schemaUpgrade(tx storage.Txn, fromVersion, toVersion int) error {
	if fromVersion == 0 {
		return tx.Put(storage.StoreSchemaMetadata, "lastDocumentChangeId", []byte(strconv.Itoa(0)))
	}
	return nil
}

// RemoteDocumentCache reads and writes cached remote document
// snapshots. Writes are authoritative shared state and therefore run
// through the primary-required gate; reads are open to secondaries.
type RemoteDocumentCache struct {
	c *Coordinator
}

// RemoteDocuments returns the document cache collaborator.
func (c *Coordinator) RemoteDocuments() (*RemoteDocumentCache, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}
	return &RemoteDocumentCache{c: c}, nil
}

// ApplyChanges upserts document snapshots and appends one change-log
// entry covering them. Only the primary may call this.
func (r *RemoteDocumentCache) ApplyChanges(ctx context.Context, docs []storage.RemoteDocument) error {
	return r.c.RunTransaction(ctx, "apply_remote_changes", true, func(tx storage.Txn) error {
		keys := make([]string, 0, len(docs))
		for i := range docs {
			if docs[i].UpdateTimeMs == 0 {
				docs[i].UpdateTimeMs = clock.UnixMilli(r.c.clk.Now())
			}
			if err := storage.PutRemoteDocument(tx, &docs[i]); err != nil {
				return err
			}
			keys = append(keys, docs[i].Key)
		}
		if len(keys) == 0 {
			return nil
		}
		_, err := storage.AppendDocumentChange(tx, keys)
		return err
	})
}

// Read returns the cached snapshot for key, or nil when absent.
func (r *RemoteDocumentCache) Read(ctx context.Context, key string) (*storage.RemoteDocument, error) {
	return RunTransaction(ctx, r.c, "read_document", false, func(tx storage.Txn) (*storage.RemoteDocument, error) {
		return storage.GetRemoteDocument(tx, key)
	})
}

// ProcessNewChanges returns change-log entries this client has not
// consumed yet and advances its lastProcessedDocumentChangeId cursor,
// which in turn bounds how far the primary may truncate the log.
func (r *RemoteDocumentCache) ProcessNewChanges(ctx context.Context) ([]storage.DocumentChange, error) {
	after := r.c.lastProcessedChangeID()
	changes, err := RunTransaction(ctx, r.c, "process_document_changes", false, func(tx storage.Txn) ([]storage.DocumentChange, error) {
		var out []storage.DocumentChange
		err := storage.ScanDocumentChangesAfter(tx, after, func(change storage.DocumentChange) error {
			out = append(out, change)
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}
	if n := len(changes); n > 0 {
		r.c.advanceProcessedChangeID(changes[n-1].ChangeID)
	}
	return changes, nil
}

// MutationQueue stages local writes until the primary acknowledges
// them against the backend.
type MutationQueue struct {
	c *Coordinator
}

// MutationQueue returns the mutation-queue collaborator.
func (c *Coordinator) MutationQueue() (*MutationQueue, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}
	return &MutationQueue{c: c}, nil
}

// Stage records a mutation batch on behalf of this client. Secondaries
// stage too; the batch waits for the primary.
func (m *MutationQueue) Stage(ctx context.Context, payload json.RawMessage) (string, error) {
	batch := &storage.MutationBatch{
		BatchID:      uuid.NewString(),
		ClientID:     m.c.cfg.ClientID,
		CreateTimeMs: clock.UnixMilli(m.c.clk.Now()),
		Payload:      payload,
	}
	err := m.c.RunTransaction(ctx, "stage_mutation", false, func(tx storage.Txn) error {
		return storage.PutMutationBatch(tx, batch)
	})
	if err != nil {
		return "", err
	}
	return batch.BatchID, nil
}

// Acknowledge marks a staged batch as applied. Only the primary may
// acknowledge.
func (m *MutationQueue) Acknowledge(ctx context.Context, batchID string) error {
	return m.c.RunTransaction(ctx, "acknowledge_mutation", true, func(tx storage.Txn) error {
		batch, err := storage.GetMutationBatch(tx, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return storage.ErrNotFound
		}
		batch.Acknowledged = true
		return storage.PutMutationBatch(tx, batch)
	})
}

// Pending lists unacknowledged batches across all clients.
func (m *MutationQueue) Pending(ctx context.Context) ([]storage.MutationBatch, error) {
	return RunTransaction(ctx, m.c, "pending_mutations", false, func(tx storage.Txn) ([]storage.MutationBatch, error) {
		return storage.ListMutationBatches(tx, true)
	})
}

// QueryCache stores listen-target records.
type QueryCache struct {
	c *Coordinator
}

// QueryCache returns the query-cache collaborator.
func (c *Coordinator) QueryCache() (*QueryCache, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}
	return &QueryCache{c: c}, nil
}

// PutTarget upserts a target record. Target state is authoritative, so
// only the primary writes it.
func (q *QueryCache) PutTarget(ctx context.Context, target *storage.Target) error {
	return q.c.RunTransaction(ctx, "put_target", true, func(tx storage.Txn) error {
		return storage.PutTarget(tx, target)
	})
}

// GetTarget reads a target record, or nil when absent.
func (q *QueryCache) GetTarget(ctx context.Context, id int64) (*storage.Target, error) {
	return RunTransaction(ctx, q.c, "get_target", false, func(tx storage.Txn) (*storage.Target, error) {
		return storage.GetTarget(tx, id)
	})
}
