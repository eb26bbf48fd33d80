package tablease

import (
	"context"
	"fmt"

	"pkt.systems/tablease/internal/storage"
)

// RunTransaction is the entry point for caller-initiated persistent
// work. With requirePrimary the lease is re-verified inside the
// transaction and extended after body returns, so the stored lease
// timestamp reflects actual completion; without it the body runs as
// long as no exclusive holder forbids shared access. Transactions
// open read-write over the full store set: the backend is the sole
// serializer, so the broad scope does not cost concurrency.
func (c *Coordinator) RunTransaction(ctx context.Context, action string, requirePrimary bool, body func(tx storage.Txn) error) error {
	if err := c.latchedError(); err != nil {
		return err
	}
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()
	if db == nil {
		return fmt.Errorf("tablease: coordinator not started")
	}
	c.logger.Debug("coordinator.txn", "action", action, "require_primary", requirePrimary)
	return db.RunReadWrite(ctx, storage.AllStores, func(tx storage.Txn) error {
		if requirePrimary {
			canAct, err := c.canActAsPrimary(tx)
			if err != nil {
				return err
			}
			if !canAct {
				c.metrics.leaseLost.Inc()
				c.applyPrimaryState(false)
				return newPrimaryLeaseLost(action)
			}
			if err := body(tx); err != nil {
				return err
			}
			return c.acquireOrExtendLease(tx)
		}
		if err := c.verifyAllowTabSynchronization(tx); err != nil {
			return err
		}
		return body(tx)
	})
}

// RunTransaction runs body through the coordinator's transaction gate
// and returns its value.
func RunTransaction[T any](ctx context.Context, c *Coordinator, action string, requirePrimary bool, body func(tx storage.Txn) (T, error)) (T, error) {
	var result T
	err := c.RunTransaction(ctx, action, requirePrimary, func(tx storage.Txn) error {
		var err error
		result, err = body(tx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// verifyAllowTabSynchronization rejects non-primary transactions when
// a valid remote leaseholder forbids shared access.
func (c *Coordinator) verifyAllowTabSynchronization(tx storage.Txn) error {
	lease, err := storage.GetPrimaryLease(tx)
	if err != nil {
		return err
	}
	if lease == nil || lease.OwnerID == c.cfg.ClientID {
		return nil
	}
	leaseValid := c.isWithinAge(lease.LeaseTimestampMs, ClientMetadataMaxAge) &&
		!c.isClientZombied(lease.OwnerID)
	if leaseValid && !lease.AllowTabSynchronization {
		c.metrics.exclusiveRejections.Inc()
		return newPrimaryLeaseExclusive(lease.OwnerID)
	}
	return nil
}
