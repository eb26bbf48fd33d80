package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ClientMetadata is the per-client heartbeat record, keyed by client
// id in the clientMetadata store. Only the owning client writes its
// own record; garbage collection deletes others' after confirming
// inactivity.
type ClientMetadata struct {
	ClientID                      string `json:"clientId"`
	UpdateTimeMs                  int64  `json:"updateTimeMs"`
	NetworkEnabled                bool   `json:"networkEnabled"`
	InForeground                  bool   `json:"inForeground"`
	LastProcessedDocumentChangeID int64  `json:"lastProcessedDocumentChangeId"`
}

// PrimaryLease is the singleton record claiming the primary role.
type PrimaryLease struct {
	OwnerID                 string `json:"ownerId"`
	LeaseTimestampMs        int64  `json:"leaseTimestampMs"`
	AllowTabSynchronization bool   `json:"allowTabSynchronization"`
}

// primaryLeaseKey is the fixed singleton key of the primaryClient store.
const primaryLeaseKey = "owner"

// GetPrimaryLease reads the lease record, or nil when absent.
func GetPrimaryLease(tx Txn) (*PrimaryLease, error) {
	raw, err := tx.Get(StorePrimaryClient, primaryLeaseKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec PrimaryLease
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("storage: decode primary lease: %w", err)
	}
	return &rec, nil
}

// PutPrimaryLease overwrites the lease record.
func PutPrimaryLease(tx Txn, rec *PrimaryLease) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode primary lease: %w", err)
	}
	return tx.Put(StorePrimaryClient, primaryLeaseKey, raw)
}

// DeletePrimaryLease removes the lease record.
func DeletePrimaryLease(tx Txn) error {
	return tx.Delete(StorePrimaryClient, primaryLeaseKey)
}

// GetClientMetadata reads one client's heartbeat record, or nil when
// absent.
func GetClientMetadata(tx Txn, clientID string) (*ClientMetadata, error) {
	raw, err := tx.Get(StoreClientMetadata, clientID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec ClientMetadata
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("storage: decode client metadata %s: %w", clientID, err)
	}
	return &rec, nil
}

// PutClientMetadata upserts a heartbeat record under its client id.
func PutClientMetadata(tx Txn, rec *ClientMetadata) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode client metadata: %w", err)
	}
	return tx.Put(StoreClientMetadata, rec.ClientID, raw)
}

// DeleteClientMetadata removes a heartbeat record.
func DeleteClientMetadata(tx Txn, clientID string) error {
	return tx.Delete(StoreClientMetadata, clientID)
}

// ListClientMetadata returns every heartbeat record in client-id order.
func ListClientMetadata(tx Txn) ([]ClientMetadata, error) {
	var out []ClientMetadata
	err := tx.Scan(StoreClientMetadata, func(key string, value []byte) error {
		var rec ClientMetadata
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("storage: decode client metadata %s: %w", key, err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DocumentChange is one entry of the remote document change log.
type DocumentChange struct {
	ChangeID     int64    `json:"changeId"`
	DocumentKeys []string `json:"documentKeys"`
}

// lastDocumentChangeIDKey tracks the highest assigned change id.
const lastDocumentChangeIDKey = "lastDocumentChangeId"

func changeLogKey(id int64) string {
	// Zero-padded so lexical store order matches numeric order.
	return fmt.Sprintf("%020d", id)
}

// AppendDocumentChange assigns the next change id and writes the entry.
func AppendDocumentChange(tx Txn, documentKeys []string) (int64, error) {
	next := int64(1)
	raw, err := tx.Get(StoreSchemaMetadata, lastDocumentChangeIDKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	if err == nil {
		last, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("storage: corrupt change id %q: %w", raw, err)
		}
		next = last + 1
	}
	entry := DocumentChange{ChangeID: next, DocumentKeys: documentKeys}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("storage: encode document change: %w", err)
	}
	if err := tx.Put(StoreRemoteDocumentChangeLog, changeLogKey(next), encoded); err != nil {
		return 0, err
	}
	if err := tx.Put(StoreSchemaMetadata, lastDocumentChangeIDKey, []byte(strconv.FormatInt(next, 10))); err != nil {
		return 0, err
	}
	return next, nil
}

// ScanDocumentChangesAfter visits log entries with ChangeID > afterID
// in ascending order.
func ScanDocumentChangesAfter(tx Txn, afterID int64, fn func(change DocumentChange) error) error {
	return tx.Scan(StoreRemoteDocumentChangeLog, func(key string, value []byte) error {
		var change DocumentChange
		if err := json.Unmarshal(value, &change); err != nil {
			return fmt.Errorf("storage: decode document change %s: %w", key, err)
		}
		if change.ChangeID <= afterID {
			return nil
		}
		return fn(change)
	})
}

// TruncateChangesThrough deletes log entries with ChangeID <= throughID
// and returns how many were removed.
func TruncateChangesThrough(tx Txn, throughID int64) (int, error) {
	var keys []string
	err := tx.Scan(StoreRemoteDocumentChangeLog, func(key string, value []byte) error {
		var change DocumentChange
		if err := json.Unmarshal(value, &change); err != nil {
			return fmt.Errorf("storage: decode document change %s: %w", key, err)
		}
		if change.ChangeID <= throughID {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := tx.Delete(StoreRemoteDocumentChangeLog, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// RemoteDocument is a cached remote document snapshot.
type RemoteDocument struct {
	Key          string          `json:"key"`
	Payload      json.RawMessage `json:"payload"`
	UpdateTimeMs int64           `json:"updateTimeMs"`
}

// GetRemoteDocument reads a cached snapshot, or nil when absent.
func GetRemoteDocument(tx Txn, key string) (*RemoteDocument, error) {
	raw, err := tx.Get(StoreRemoteDocuments, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc RemoteDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("storage: decode remote document %s: %w", key, err)
	}
	return &doc, nil
}

// PutRemoteDocument upserts a cached snapshot.
func PutRemoteDocument(tx Txn, doc *RemoteDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage: encode remote document: %w", err)
	}
	return tx.Put(StoreRemoteDocuments, doc.Key, raw)
}

// MutationBatch is a staged local write awaiting acknowledgement by
// the primary.
type MutationBatch struct {
	BatchID      string          `json:"batchId"`
	ClientID     string          `json:"clientId"`
	CreateTimeMs int64           `json:"createTimeMs"`
	Payload      json.RawMessage `json:"payload"`
	Acknowledged bool            `json:"acknowledged"`
}

// PutMutationBatch upserts a staged batch under its batch id.
func PutMutationBatch(tx Txn, batch *MutationBatch) error {
	raw, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("storage: encode mutation batch: %w", err)
	}
	return tx.Put(StoreMutationQueue, batch.BatchID, raw)
}

// GetMutationBatch reads a staged batch, or nil when absent.
func GetMutationBatch(tx Txn, batchID string) (*MutationBatch, error) {
	raw, err := tx.Get(StoreMutationQueue, batchID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var batch MutationBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("storage: decode mutation batch %s: %w", batchID, err)
	}
	return &batch, nil
}

// DeleteMutationBatch removes a staged batch.
func DeleteMutationBatch(tx Txn, batchID string) error {
	return tx.Delete(StoreMutationQueue, batchID)
}

// ListMutationBatches returns staged batches in batch-id order,
// optionally filtered to unacknowledged ones.
func ListMutationBatches(tx Txn, pendingOnly bool) ([]MutationBatch, error) {
	var out []MutationBatch
	err := tx.Scan(StoreMutationQueue, func(key string, value []byte) error {
		var batch MutationBatch
		if err := json.Unmarshal(value, &batch); err != nil {
			return fmt.Errorf("storage: decode mutation batch %s: %w", key, err)
		}
		if pendingOnly && batch.Acknowledged {
			return nil
		}
		out = append(out, batch)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Target is a cached query listen target.
type Target struct {
	TargetID          int64  `json:"targetId"`
	Query             string `json:"query"`
	SnapshotVersionMs int64  `json:"snapshotVersionMs"`
}

func targetKey(id int64) string {
	return fmt.Sprintf("%020d", id)
}

// PutTarget upserts a target record.
func PutTarget(tx Txn, target *Target) error {
	raw, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("storage: encode target: %w", err)
	}
	return tx.Put(StoreTargets, targetKey(target.TargetID), raw)
}

// GetTarget reads a target record, or nil when absent.
func GetTarget(tx Txn, id int64) (*Target, error) {
	raw, err := tx.Get(StoreTargets, targetKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var target Target
	if err := json.Unmarshal(raw, &target); err != nil {
		return nil, fmt.Errorf("storage: decode target %d: %w", id, err)
	}
	return &target, nil
}
