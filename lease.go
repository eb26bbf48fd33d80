package tablease

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/tablease/internal/clock"
	"pkt.systems/tablease/internal/storage"
)

// isClientZombied consults the side channel. An unreadable channel
// degrades to "not zombied" so a healthy fleet keeps electing; each
// degraded read is the channel's responsibility to log.
func (c *Coordinator) isClientZombied(clientID string) bool {
	return c.side.Get(c.cfg.zombieKey(clientID)) != ""
}

// isWithinAge reports whether a millisecond wall-clock stamp is at
// most maxAge old. Future-dated stamps are treated as stale so clock
// skew cannot make a dead lease appear eternally valid.
func (c *Coordinator) isWithinAge(updateTimeMs int64, maxAge time.Duration) bool {
	nowMs := clock.UnixMilli(c.clk.Now())
	if updateTimeMs > nowMs {
		c.logger.Warn("coordinator.clock.skew", "update_time_ms", updateTimeMs, "now_ms", nowMs)
		return false
	}
	return nowMs-updateTimeMs <= maxAge.Milliseconds()
}

func (c *Coordinator) localState() (networkEnabled, inForeground bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.networkEnabled, c.inForeground
}

// canActAsPrimary evaluates lease eligibility within tx. A valid
// remote holder without tab synchronization aborts the transaction
// with ErrorCodePrimaryLeaseExclusive.
func (c *Coordinator) canActAsPrimary(tx storage.Txn) (bool, error) {
	networkEnabled, inForeground := c.localState()
	lease, err := storage.GetPrimaryLease(tx)
	if err != nil {
		return false, err
	}
	leaseValid := lease != nil &&
		c.isWithinAge(lease.LeaseTimestampMs, ClientMetadataMaxAge) &&
		!c.isClientZombied(lease.OwnerID)
	if leaseValid {
		if lease.OwnerID != c.cfg.ClientID {
			if !lease.AllowTabSynchronization {
				c.metrics.exclusiveRejections.Inc()
				return false, newPrimaryLeaseExclusive(lease.OwnerID)
			}
			return false, nil
		}
		if !networkEnabled {
			return false, nil
		}
		// Holding the lease is not enough to keep it: fall through so
		// a strictly better-suited sibling takes over.
	}
	if networkEnabled && inForeground {
		return true, nil
	}
	metas, err := storage.ListClientMetadata(tx)
	if err != nil {
		return false, err
	}
	for _, meta := range metas {
		if meta.ClientID == c.cfg.ClientID {
			continue
		}
		if !c.isWithinAge(meta.UpdateTimeMs, ClientMetadataMaxAge) || c.isClientZombied(meta.ClientID) {
			continue
		}
		// A peer is preferred only when strictly better: online while
		// we are offline, or foreground while we are backgrounded at
		// equal network state. Ties go to the caller.
		betterNetwork := meta.NetworkEnabled && !networkEnabled
		betterVisibility := meta.InForeground && !inForeground && meta.NetworkEnabled == networkEnabled
		if betterNetwork || betterVisibility {
			return false, nil
		}
	}
	return true, nil
}

// acquireOrExtendLease writes a fresh lease record for this client.
// Callers must have verified eligibility within the same transaction.
func (c *Coordinator) acquireOrExtendLease(tx storage.Txn) error {
	return storage.PutPrimaryLease(tx, &storage.PrimaryLease{
		OwnerID:                 c.cfg.ClientID,
		LeaseTimestampMs:        clock.UnixMilli(c.clk.Now()),
		AllowTabSynchronization: c.cfg.AllowTabSynchronization,
	})
}

// releaseLeaseIfHeld deletes the lease when this client owns it and
// clears the local primary bit unconditionally.
func (c *Coordinator) releaseLeaseIfHeld(tx storage.Txn) error {
	c.mu.Lock()
	c.isPrimary = false
	c.mu.Unlock()
	lease, err := storage.GetPrimaryLease(tx)
	if err != nil {
		return err
	}
	if lease == nil || lease.OwnerID != c.cfg.ClientID {
		return nil
	}
	return storage.DeletePrimaryLease(tx)
}

func (c *Coordinator) lastProcessedChangeID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastChangeID
}

func (c *Coordinator) advanceProcessedChangeID(id int64) {
	c.mu.Lock()
	if id > c.lastChangeID {
		c.lastChangeID = id
	}
	c.mu.Unlock()
}

// updateMetadataAndTryBecomePrimary writes this client's heartbeat,
// re-evaluates eligibility and acquires or releases the lease, all in
// one read-write transaction. Primary-state notifications are
// delivered on the queue after the transaction commits.
func (c *Coordinator) updateMetadataAndTryBecomePrimary(ctx context.Context) error {
	c.mu.Lock()
	db := c.db
	wasPrimary := c.isPrimary
	c.mu.Unlock()
	if db == nil {
		return fmt.Errorf("tablease: store not open")
	}
	networkEnabled, inForeground := c.localState()
	var canAct bool
	stores := []string{storage.StorePrimaryClient, storage.StoreClientMetadata}
	err := db.RunReadWrite(ctx, stores, func(tx storage.Txn) error {
		meta := &storage.ClientMetadata{
			ClientID:                      c.cfg.ClientID,
			UpdateTimeMs:                  clock.UnixMilli(c.clk.Now()),
			NetworkEnabled:                networkEnabled,
			InForeground:                  inForeground,
			LastProcessedDocumentChangeID: c.lastProcessedChangeID(),
		}
		if err := storage.PutClientMetadata(tx, meta); err != nil {
			return err
		}
		var err error
		canAct, err = c.canActAsPrimary(tx)
		if err != nil {
			return err
		}
		if canAct {
			return c.acquireOrExtendLease(tx)
		}
		return c.releaseLeaseIfHeld(tx)
	})
	if err != nil {
		return err
	}
	c.metrics.heartbeats.Inc()
	if !canAct {
		// releaseLeaseIfHeld already cleared the bit inside the
		// transaction; restore the prior value so a demotion registers
		// as a transition below.
		c.mu.Lock()
		c.isPrimary = wasPrimary
		c.mu.Unlock()
	}
	c.applyPrimaryState(canAct)
	return nil
}

// applyPrimaryState records the evaluated primary bit and, when it
// transitioned while started, schedules the listener notification.
func (c *Coordinator) applyPrimaryState(isPrimary bool) {
	c.mu.Lock()
	changed := c.isPrimary != isPrimary
	c.isPrimary = isPrimary
	started := c.started
	listener := c.listener
	c.mu.Unlock()
	if !changed {
		return
	}
	state := "secondary"
	if isPrimary {
		state = "primary"
	}
	c.metrics.transitions.WithLabelValues(state).Inc()
	c.logger.Info("coordinator.lease.transition", "primary", isPrimary)
	if !started || listener == nil {
		return
	}
	c.queue.EnqueueAndForget("coordinator.primary-state", func(taskCtx context.Context) {
		if err := listener(taskCtx, isPrimary); err != nil {
			c.logger.Warn("coordinator.listener.failed", "error", err)
		}
	})
}
