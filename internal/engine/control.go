package engine

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotActive     = errors.New("execution is not active")
	errStopRequested = errors.New("stop requested")
)

// gate implements cooperative pause. The channel is closed while the gate is
// open; pausing swaps in a fresh channel workers block on.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate {
	g := &gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
		// already paused
	}
}

func (g *gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// already open
	default:
		close(g.ch)
	}
}

// wait blocks while the gate is paused. It returns early when the stop
// channel closes or the context is cancelled.
func (g *gate) wait(ctx context.Context, stop <-chan struct{}) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-stop:
		return errStopRequested
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Controller exposes cooperative pause/resume/stop over one running
// execution. All methods are safe for concurrent use.
type Controller struct {
	executionID string

	gate     *gate
	stopOnce sync.Once
	stopCh   chan struct{}
	abortCh  chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	stopped bool
	paused  bool
}

func newController(executionID string) *Controller {
	return &Controller{
		executionID: executionID,
		gate:        newGate(),
		stopCh:      make(chan struct{}),
		abortCh:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (c *Controller) ExecutionID() string { return c.executionID }

// Pause stops new dispatch; in-flight requests drain. No-op when already
// paused or stopping.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.paused = true
	c.gate.pause()
}

// Resume reopens dispatch after a pause.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.paused = false
	c.gate.resume()
}

// Stop requests cancellation. With force, in-flight requests are abandoned
// and any responses that later arrive are discarded; otherwise workers drain
// their current call first. Already-written pieces are retained either way.
func (c *Controller) Stop(force bool) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		close(c.stopCh)
		// A paused execution must be released so workers can observe the stop.
		c.gate.resume()
		if force {
			close(c.abortCh)
		}
	})
}

// Stopping reports whether a stop has been requested.
func (c *Controller) Stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// Paused reports whether the execution is currently paused.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused && !c.stopped
}

// Wait blocks until the execution reaches a terminal status.
func (c *Controller) Wait() {
	<-c.done
}

func (c *Controller) finish() {
	close(c.done)
}
