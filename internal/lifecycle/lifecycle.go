// Package lifecycle reports foreground/background transitions and
// imminent process termination to the coordinator.
package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Observer emits visibility and unload events. Handlers must be
// detached via the returned function on every shutdown path.
type Observer interface {
	OnVisibilityChanged(fn func(inForeground bool)) (detach func())
	OnUnload(fn func()) (detach func())
}

// Controller is the programmatic Observer used by embedders and
// tests. It starts in the foreground.
type Controller struct {
	mu         sync.Mutex
	foreground bool
	visibility map[int]func(bool)
	unload     map[int]func()
	nextID     int
}

// NewController returns a Controller with inForeground = true.
func NewController() *Controller {
	return &Controller{
		foreground: true,
		visibility: make(map[int]func(bool)),
		unload:     make(map[int]func()),
	}
}

// Foreground reports the current visibility state.
func (c *Controller) Foreground() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.foreground
}

// SetForeground transitions visibility and fires handlers when the
// value changes.
func (c *Controller) SetForeground(inForeground bool) {
	c.mu.Lock()
	if c.foreground == inForeground {
		c.mu.Unlock()
		return
	}
	c.foreground = inForeground
	fns := make([]func(bool), 0, len(c.visibility))
	for _, fn := range c.visibility {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(inForeground)
	}
}

// Unload fires all unload handlers. Handlers run synchronously on the
// caller's goroutine so best-effort work can complete before the
// process dies.
func (c *Controller) Unload() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.unload))
	for _, fn := range c.unload {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// OnVisibilityChanged registers fn for visibility transitions.
func (c *Controller) OnVisibilityChanged(fn func(bool)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.visibility[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.visibility, id)
		c.mu.Unlock()
	}
}

// OnUnload registers fn for termination notice.
func (c *Controller) OnUnload(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.unload[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.unload, id)
		c.mu.Unlock()
	}
}

// Signals wraps a Controller and maps SIGTERM/SIGINT to Unload,
// giving daemon deployments the browser's beforeunload semantics.
type Signals struct {
	*Controller
	stop chan struct{}
	once sync.Once
}

// NewSignals returns a signal-driven Observer.
func NewSignals() *Signals {
	s := &Signals{
		Controller: NewController(),
		stop:       make(chan struct{}),
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ch:
			s.Unload()
		case <-s.stop:
		}
	}()
	return s
}

// Close stops signal delivery.
func (s *Signals) Close() {
	s.once.Do(func() { close(s.stop) })
}
