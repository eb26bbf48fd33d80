package tablease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/tablease/internal/clock"
	"pkt.systems/tablease/internal/lifecycle"
	"pkt.systems/tablease/internal/sidechannel"
)

// Harness runs sibling coordinators against one shared in-memory
// database and side channel under a manual clock; intended for tests
// and multi-client simulations. Each harness gets its own database
// universe, so parallel harnesses never observe each other.
type Harness struct {
	Clock *clock.Manual

	base   Config
	side   *sidechannel.Memory
	logger pslog.Logger

	mu      sync.Mutex
	clients []*HarnessClient
}

// HarnessClient couples a coordinator with its lifecycle controls.
type HarnessClient struct {
	Coordinator *Coordinator
	Lifecycle   *lifecycle.Controller

	crashed bool
}

// HarnessClientOptions describe one simulated client.
type HarnessClientOptions struct {
	ClientID                string
	NetworkEnabled          bool
	Foreground              bool
	AllowTabSynchronization bool
}

// NewHarness creates an empty simulation universe.
func NewHarness(logger pslog.Logger) *Harness {
	base := Config{
		PersistenceKey: "harness",
		ProjectID:      "sim-" + uuid.NewString()[:8],
	}
	return &Harness{
		Clock:  clock.NewManual(time.Unix(1_600_000_000, 0)),
		base:   base,
		side:   sidechannel.OpenMemory(base.storagePrefix()),
		logger: logger,
	}
}

// SideChannel exposes the shared side channel for direct inspection.
func (h *Harness) SideChannel() *sidechannel.Memory {
	return h.side
}

// ZombieKey derives the side-channel marker key for clientID within
// this harness's universe.
func (h *Harness) ZombieKey(clientID string) string {
	return h.base.zombieKey(clientID)
}

// StartClient constructs and starts one coordinator.
func (h *Harness) StartClient(ctx context.Context, opts HarnessClientOptions) (*HarnessClient, error) {
	ctl := lifecycle.NewController()
	if !opts.Foreground {
		ctl.SetForeground(false)
	}
	cfg := h.base
	cfg.ClientID = opts.ClientID
	cfg.NetworkEnabled = opts.NetworkEnabled
	cfg.AllowTabSynchronization = opts.AllowTabSynchronization
	coord, err := New(cfg,
		WithLogger(h.logger),
		WithClock(h.Clock),
		WithSideChannel(h.side),
		WithLifecycleObserver(ctl),
		WithBackend(memoryBackend(h.base.storagePrefix())),
	)
	if err != nil {
		return nil, err
	}
	if err := coord.Start(ctx); err != nil {
		return nil, err
	}
	hc := &HarnessClient{Coordinator: coord, Lifecycle: ctl}
	h.mu.Lock()
	h.clients = append(h.clients, hc)
	h.mu.Unlock()
	return hc, nil
}

// Settle waits until every client's queue is quiescent. Clients can
// wake each other through side-channel watches, so settling loops
// until one full pass observes the whole universe idle.
func (h *Harness) Settle(ctx context.Context) error {
	for {
		h.mu.Lock()
		clients := append([]*HarnessClient(nil), h.clients...)
		h.mu.Unlock()
		allIdle := true
		for _, hc := range clients {
			if hc.crashed {
				continue
			}
			if !hc.Coordinator.queue.Quiescent() {
				allIdle = false
				if err := hc.Coordinator.queue.Settle(ctx); err != nil {
					return err
				}
			}
		}
		if allIdle {
			return nil
		}
	}
}

// Advance moves the shared clock forward and settles the universe.
func (h *Harness) Advance(ctx context.Context, d time.Duration) error {
	h.Clock.Advance(d)
	return h.Settle(ctx)
}

// Crash simulates abrupt process death: the client stops all activity
// without releasing its lease, deleting its metadata, or writing a
// zombie marker.
func (h *Harness) Crash(hc *HarnessClient) {
	h.mu.Lock()
	hc.crashed = true
	h.mu.Unlock()
	hc.Coordinator.crash()
}

// Close shuts down every client still alive.
func (h *Harness) Close(ctx context.Context) error {
	h.mu.Lock()
	clients := append([]*HarnessClient(nil), h.clients...)
	h.mu.Unlock()
	var firstErr error
	for _, hc := range clients {
		if hc.crashed {
			continue
		}
		if err := hc.Coordinator.Shutdown(ctx, false); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("harness: shutdown %s: %w", hc.Coordinator.ClientID(), err)
		}
	}
	return firstErr
}

// crash tears the coordinator down without any of the graceful
// shutdown steps.
func (c *Coordinator) crash() {
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return
	}
	c.shut = true
	c.started = false
	refresher := c.refresher
	c.refresher = nil
	db := c.db
	c.mu.Unlock()
	if refresher != nil {
		refresher.Cancel()
	}
	c.releaseResources()
	c.queue.Close()
	if db != nil {
		_ = db.Backend().Close()
	}
}
