package tablease

import (
	"context"

	"pkt.systems/tablease/internal/storage"
)

const refreshTimerID = "client_metadata_refresh"

func (c *Coordinator) scheduleRefresh() {
	delayed := c.queue.EnqueueAfterDelay(refreshTimerID, ClientMetadataRefreshInterval, c.refreshTick)
	c.mu.Lock()
	c.refresher = delayed
	c.mu.Unlock()
}

// refreshTick is the periodic heartbeat: update own metadata,
// re-evaluate the lease, garbage-collect peers when due, reschedule.
// Failures are logged and dropped; the refresher always reschedules.
func (c *Coordinator) refreshTick(ctx context.Context) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}
	if err := c.updateMetadataAndTryBecomePrimary(ctx); err != nil {
		c.metrics.heartbeatFailures.Inc()
		c.logger.Warn("coordinator.heartbeat.failed", "error", err)
	}
	if err := c.maybeGarbageCollectMultiClientState(ctx); err != nil {
		c.logger.Warn("coordinator.gc.failed", "error", err)
	}
	c.scheduleRefresh()
}

// maybeGarbageCollectMultiClientState reclaims state left behind by
// dead clients. It runs only while primary and at most once per
// ClientStateGarbageCollectionThreshold. On-disk removal happens
// before side-channel removal so a zombied client cannot be revived.
func (c *Coordinator) maybeGarbageCollectMultiClientState(ctx context.Context) error {
	c.mu.Lock()
	if !c.isPrimary {
		c.mu.Unlock()
		return nil
	}
	now := c.clk.Now()
	if !c.lastGcAt.IsZero() && now.Sub(c.lastGcAt) < ClientStateGarbageCollectionThreshold {
		c.mu.Unlock()
		return nil
	}
	c.lastGcAt = now
	db := c.db
	c.mu.Unlock()

	var inactive []string
	stores := []string{storage.StoreClientMetadata, storage.StoreRemoteDocumentChangeLog, storage.StoreSchemaMetadata}
	err := db.RunReadWrite(ctx, stores, func(tx storage.Txn) error {
		inactive = inactive[:0]
		metas, err := storage.ListClientMetadata(tx)
		if err != nil {
			return err
		}
		var (
			oldest   int64
			hasPeers bool
		)
		for _, meta := range metas {
			active := c.isWithinAge(meta.UpdateTimeMs, ClientStateGarbageCollectionThreshold) &&
				!c.isClientZombied(meta.ClientID)
			if !active {
				inactive = append(inactive, meta.ClientID)
				continue
			}
			if meta.ClientID == c.cfg.ClientID {
				continue
			}
			if !hasPeers || meta.LastProcessedDocumentChangeID < oldest {
				oldest = meta.LastProcessedDocumentChangeID
				hasPeers = true
			}
		}
		for _, clientID := range inactive {
			if err := storage.DeleteClientMetadata(tx, clientID); err != nil {
				return err
			}
		}
		if hasPeers {
			removed, err := storage.TruncateChangesThrough(tx, oldest)
			if err != nil {
				return err
			}
			if removed > 0 {
				c.logger.Debug("coordinator.gc.changelog.truncated", "through", oldest, "removed", removed)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, clientID := range inactive {
		c.side.Remove(c.cfg.zombieKey(clientID))
	}
	c.metrics.gcRuns.Inc()
	c.metrics.gcClientsDeleted.Add(float64(len(inactive)))
	if len(inactive) > 0 {
		c.logger.Info("coordinator.gc.completed", "reclaimed_clients", len(inactive))
	}
	return nil
}
