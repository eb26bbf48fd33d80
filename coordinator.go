package tablease

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/tablease/internal/clock"
	"pkt.systems/tablease/internal/dispatch"
	"pkt.systems/tablease/internal/lifecycle"
	"pkt.systems/tablease/internal/sidechannel"
	"pkt.systems/tablease/internal/storage"
	"pkt.systems/tablease/internal/svcfields"
)

// PrimaryStateListener observes transitions of the local client's
// primary bit. It is invoked on the coordinator's queue; errors are
// logged, never propagated back into the coordinator.
type PrimaryStateListener func(ctx context.Context, isPrimary bool) error

// Coordinator is one client's participation in the shared database:
// it maintains the client's heartbeat, negotiates the primary lease
// with sibling clients, and gates caller transactions on lease state.
type Coordinator struct {
	cfg     Config
	logger  pslog.Logger
	clk     clock.Clock
	queue   *dispatch.Queue
	side    sidechannel.Channel
	obs     lifecycle.Observer
	metrics *telemetryBundle

	backendOverride storage.Backend

	mu             sync.Mutex
	db             *storage.Database
	started        bool
	shut           bool
	isPrimary      bool
	networkEnabled bool
	inForeground   bool
	persistenceErr error
	lastGcAt       time.Time
	lastChangeID   int64
	listener       PrimaryStateListener
	refresher      *dispatch.DelayedTask
	releases       []func()
}

// Option configures coordinator instances.
type Option func(*coptions)

type coptions struct {
	Logger            pslog.Logger
	Clock             clock.Clock
	Backend           storage.Backend
	SideChannel       sidechannel.Channel
	Lifecycle         lifecycle.Observer
	MetricsRegisterer prometheus.Registerer
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *coptions) { o.Logger = l }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *coptions) { o.Clock = c }
}

// WithBackend injects a pre-built storage backend (useful for tests
// sharing one database across clients).
func WithBackend(b storage.Backend) Option {
	return func(o *coptions) { o.Backend = b }
}

// WithSideChannel injects a pre-built side channel.
func WithSideChannel(ch sidechannel.Channel) Option {
	return func(o *coptions) { o.SideChannel = ch }
}

// WithLifecycleObserver injects the visibility and unload source.
func WithLifecycleObserver(obs lifecycle.Observer) Option {
	return func(o *coptions) { o.Lifecycle = obs }
}

// WithMetricsRegisterer registers the coordinator's collectors with
// reg. Without it the collectors stay unregistered, which keeps
// multi-instance tests from colliding.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *coptions) { o.MetricsRegisterer = reg }
}

type foregrounder interface {
	Foreground() bool
}

// New constructs a coordinator for cfg. Call Start to join the
// database.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = xid.New().String()
	}
	var o coptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := svcfields.WithSubsystem(svcfields.Ensure(o.Logger), "coordinator").
		With("client_id", cfg.ClientID)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	obs := o.Lifecycle
	if obs == nil {
		obs = lifecycle.NewController()
	}
	side := o.SideChannel
	if side == nil {
		if cfg.DataDir != "" {
			side = sidechannel.NewDir(filepath.Join(cfg.DataDir, "sidechannel"), o.Logger)
		} else {
			side = sidechannel.OpenMemory(cfg.storagePrefix())
		}
	}
	inForeground := true
	if fg, ok := obs.(foregrounder); ok {
		inForeground = fg.Foreground()
	}
	return &Coordinator{
		cfg:             cfg,
		logger:          logger,
		clk:             clk,
		queue:           dispatch.New(o.Logger, clk),
		side:            side,
		obs:             obs,
		metrics:         newTelemetryBundle(o.MetricsRegisterer),
		backendOverride: o.Backend,
		networkEnabled:  cfg.NetworkEnabled,
		inForeground:    inForeground,
	}, nil
}

// ClientID returns this client's identifier.
func (c *Coordinator) ClientID() string {
	return c.cfg.ClientID
}

// IsPrimary reports whether this client currently believes it holds
// the primary lease.
func (c *Coordinator) IsPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isPrimary
}

func (c *Coordinator) latchedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistenceErr
}

func (c *Coordinator) requireStarted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persistenceErr != nil {
		return c.persistenceErr
	}
	if !c.started {
		return fmt.Errorf("tablease: coordinator not started")
	}
	return nil
}

// Start opens (or creates) the shared database, attaches the
// visibility and unload observers, runs the first heartbeat and
// starts the metadata refresher. A sibling client holding the lease
// without tab synchronization fails startup with
// ErrorCodePrimaryLeaseExclusive; a store that cannot be opened
// latches ErrorCodeUnavailable.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return fmt.Errorf("tablease: coordinator is shut down")
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("tablease: coordinator already started")
	}
	if c.persistenceErr != nil {
		err := c.persistenceErr
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	backend := c.backendOverride
	if backend == nil {
		var err error
		backend, err = c.openDefaultBackend()
		if err != nil {
			return c.latchUnavailable(err)
		}
	}
	db, err := storage.Open(ctx, c.cfg.storagePrefix(), DefaultSchemaVersion, schemaUpgrade, backend)
	if err != nil {
		_ = backend.Close()
		return c.latchUnavailable(err)
	}
	c.mu.Lock()
	c.db = db
	c.mu.Unlock()

	c.attachObservers()

	if err := c.queue.Enqueue(ctx, "coordinator.start.heartbeat", c.updateMetadataAndTryBecomePrimary); err != nil {
		c.releaseResources()
		c.queue.Close()
		_ = db.Backend().Close()
		c.mu.Lock()
		c.db = nil
		c.mu.Unlock()
		if IsPrimaryLeaseExclusive(err) {
			c.metrics.exclusiveRejections.Inc()
			c.logger.Warn("coordinator.start.exclusive", "error", err)
			return err
		}
		return c.latchUnavailable(err)
	}

	c.mu.Lock()
	c.started = true
	isPrimary := c.isPrimary
	c.mu.Unlock()
	c.scheduleRefresh()
	c.logger.Info("coordinator.started",
		"prefix", c.cfg.storagePrefix(),
		"primary", isPrimary,
		"allow_tab_synchronization", c.cfg.AllowTabSynchronization)
	return nil
}

func (c *Coordinator) openDefaultBackend() (storage.Backend, error) {
	if c.cfg.DataDir == "" {
		return memoryBackend(c.cfg.storagePrefix()), nil
	}
	return pebbleBackend(filepath.Join(c.cfg.DataDir, "db"))
}

func (c *Coordinator) latchUnavailable(err error) error {
	latched := newUnavailable(err)
	c.mu.Lock()
	c.persistenceErr = latched
	c.mu.Unlock()
	c.logger.Error("coordinator.unavailable", "error", err)
	return latched
}

func (c *Coordinator) attachObservers() {
	var releases []func()
	releases = append(releases, c.obs.OnVisibilityChanged(c.handleVisibilityChanged))
	releases = append(releases, c.obs.OnUnload(c.handleUnload))
	if watcher, ok := c.side.(sidechannel.Watcher); ok {
		stop, err := watcher.Watch(c.handleSideChannelEvent)
		if err != nil {
			c.logger.Debug("coordinator.sidechannel.watch.unavailable", "error", err)
		} else {
			releases = append(releases, stop)
		}
	}
	c.mu.Lock()
	c.releases = releases
	c.mu.Unlock()
}

func (c *Coordinator) releaseResources() {
	c.mu.Lock()
	releases := c.releases
	c.releases = nil
	c.mu.Unlock()
	for _, release := range releases {
		release()
	}
}

func (c *Coordinator) handleVisibilityChanged(inForeground bool) {
	c.mu.Lock()
	if c.inForeground == inForeground {
		c.mu.Unlock()
		return
	}
	c.inForeground = inForeground
	started := c.started
	c.mu.Unlock()
	c.logger.Debug("coordinator.visibility", "in_foreground", inForeground)
	if !started {
		return
	}
	c.queue.EnqueueAndForget("coordinator.visibility", func(ctx context.Context) {
		if err := c.updateMetadataAndTryBecomePrimary(ctx); err != nil {
			c.logger.Warn("coordinator.visibility.refresh.failed", "error", err)
		}
	})
}

// SetNetworkEnabled updates the network input and schedules an
// immediate lease re-evaluation when the value changed.
func (c *Coordinator) SetNetworkEnabled(enabled bool) {
	c.mu.Lock()
	if c.networkEnabled == enabled {
		c.mu.Unlock()
		return
	}
	c.networkEnabled = enabled
	started := c.started
	c.mu.Unlock()
	c.logger.Debug("coordinator.network", "enabled", enabled)
	if !started {
		return
	}
	c.queue.EnqueueAndForget("coordinator.network", func(ctx context.Context) {
		if err := c.updateMetadataAndTryBecomePrimary(ctx); err != nil {
			c.logger.Warn("coordinator.network.refresh.failed", "error", err)
		}
	})
}

// handleUnload is the imminent-termination path: the zombie marker
// write is synchronous and mandatory, the graceful shutdown behind it
// is best-effort and may not finish before the process dies.
func (c *Coordinator) handleUnload() {
	c.writeZombieMarker()
	go func() {
		if err := c.Shutdown(context.Background(), false); err != nil {
			c.logger.Warn("coordinator.unload.shutdown.failed", "error", err)
		}
	}()
}

func (c *Coordinator) handleSideChannelEvent(key string) {
	scope := zombieKeyPrefix + "_" + c.cfg.storagePrefix()
	if !strings.HasPrefix(key, scope) || key == c.cfg.zombieKey(c.cfg.ClientID) {
		return
	}
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}
	c.queue.EnqueueAndForget("coordinator.zombie-marker", func(ctx context.Context) {
		if err := c.updateMetadataAndTryBecomePrimary(ctx); err != nil {
			c.logger.Warn("coordinator.zombie.refresh.failed", "error", err)
		}
	})
}

func (c *Coordinator) writeZombieMarker() {
	now := clock.UnixMilli(c.clk.Now())
	c.side.Set(c.cfg.zombieKey(c.cfg.ClientID), strconv.FormatInt(now, 10))
}

// SetPrimaryStateListener registers cb and delivers the current value
// through the queue before returning.
func (c *Coordinator) SetPrimaryStateListener(ctx context.Context, cb PrimaryStateListener) error {
	if err := c.latchedError(); err != nil {
		return err
	}
	c.mu.Lock()
	c.listener = cb
	isPrimary := c.isPrimary
	c.mu.Unlock()
	err := c.queue.Enqueue(ctx, "coordinator.listener.init", func(taskCtx context.Context) error {
		if err := cb(taskCtx, isPrimary); err != nil {
			c.logger.Warn("coordinator.listener.failed", "error", err)
		}
		return nil
	})
	if errors.Is(err, dispatch.ErrClosed) {
		return fmt.Errorf("tablease: coordinator is shut down")
	}
	return err
}

// GetActiveClients returns the ids of clients whose heartbeat is
// within ClientMetadataMaxAge and which are not zombied.
func (c *Coordinator) GetActiveClients(ctx context.Context) ([]string, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()
	var active []string
	err := db.RunReadOnly(ctx, []string{storage.StoreClientMetadata}, func(tx storage.Txn) error {
		metas, err := storage.ListClientMetadata(tx)
		if err != nil {
			return err
		}
		for _, meta := range metas {
			if c.isWithinAge(meta.UpdateTimeMs, ClientMetadataMaxAge) && !c.isClientZombied(meta.ClientID) {
				active = append(active, meta.ClientID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

// Shutdown releases the lease, deletes this client's metadata and
// closes the store. Idempotent. With deleteData the underlying
// database is destroyed after closing.
func (c *Coordinator) Shutdown(ctx context.Context, deleteData bool) error {
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return nil
	}
	c.shut = true
	c.started = false
	refresher := c.refresher
	c.refresher = nil
	db := c.db
	c.mu.Unlock()

	c.writeZombieMarker()
	if refresher != nil {
		refresher.Cancel()
	}
	c.releaseResources()

	var firstErr error
	if db != nil {
		err := c.queue.Enqueue(ctx, "coordinator.shutdown", func(taskCtx context.Context) error {
			return db.RunReadWrite(taskCtx, []string{storage.StorePrimaryClient, storage.StoreClientMetadata}, func(tx storage.Txn) error {
				if err := c.releaseLeaseIfHeld(tx); err != nil {
					return err
				}
				return storage.DeleteClientMetadata(tx, c.cfg.ClientID)
			})
		})
		if err != nil && !errors.Is(err, dispatch.ErrClosed) {
			c.logger.Warn("coordinator.shutdown.release.failed", "error", err)
			firstErr = err
		}
	}
	c.queue.Close()
	if db != nil {
		if err := db.Backend().Close(); err != nil {
			c.logger.Warn("coordinator.shutdown.close.failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	c.side.Remove(c.cfg.zombieKey(c.cfg.ClientID))
	if deleteData && db != nil {
		if err := db.Backend().Destroy(); err != nil {
			c.logger.Warn("coordinator.shutdown.destroy.failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	c.logger.Info("coordinator.stopped", "delete_data", deleteData)
	return firstErr
}
