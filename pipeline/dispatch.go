package pipeline

import (
	"errors"
	"fmt"
)

// perform schedules task on the connection queue in the mode h declares for cb.
// The installed handler's policy is resolved once, when it is installed.
func (p *Pipeline) perform(h *Handler, cb Callback, task func()) {
	p.mu.Lock()
	pol := p.policy
	if h != p.handler {
		pol = resolvePolicy(h)
	}
	p.mu.Unlock()
	p.queue.Perform(pol[cb], task, p.exec)
}

// call invokes fn, converting a panic into an error.
func (p *Pipeline) call(cb Callback, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s handler panicked: %v", cb, r)
		}
	}()
	return fn()
}

// fail closes the pipeline after a handler error.
func (p *Pipeline) fail(cb Callback, err error) {
	p.logger.Warn("handler failed, closing pipeline", "callback", cb.String(), "error", err)
	if closeErr := p.Close(); closeErr != nil {
		p.logger.Debug("close after handler failure", "error", closeErr)
	}
}

// Connected schedules OnConnect followed by an OnData pass for anything
// delivered earlier. The owning connection calls it once, after registering
// the pipeline. If the pipeline closed in between, OnDisconnect follows.
func (p *Pipeline) Connected() {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return
	}
	p.connected = true
	h := p.handler
	closed := p.disconnectPending
	p.disconnectPending = false
	p.mu.Unlock()

	if h != nil && h.OnConnect != nil {
		p.perform(h, CallbackConnect, func() { p.runConnect(h) })
	}
	p.dispatchData()
	if closed {
		p.dispatchDisconnect()
	}
}

// runConnect delivers OnConnect unless h was replaced, already connected by
// SetHandler or already disconnected.
func (p *Pipeline) runConnect(h *Handler) {
	p.mu.Lock()
	skip := p.handler != h || p.connectedHandler == h || p.disconnectedHandler == h
	if !skip {
		p.connectedHandler = h
	}
	p.mu.Unlock()
	if skip {
		return
	}
	if err := p.call(CallbackConnect, func() error { return h.OnConnect(p) }); err != nil {
		p.fail(CallbackConnect, err)
	}
}

// dispatchData schedules one pass of the OnData loop.
func (p *Pipeline) dispatchData() {
	h := p.Handler()
	if h == nil || h.OnData == nil {
		return
	}
	p.perform(h, CallbackData, func() { p.runDataLoop(h) })
}

// runDataLoop calls h.OnData while bytes are available. It stops when the
// handler is swapped, receiving is suspended, the pipeline was closed locally,
// or a call consumed nothing.
func (p *Pipeline) runDataLoop(h *Handler) {
	for {
		p.mu.Lock()
		ok := p.handler == h &&
			p.disconnectedHandler != h &&
			!p.released &&
			!p.suspended &&
			p.availableLocked() > 0
		before := p.version
		p.mu.Unlock()
		if !ok {
			return
		}

		err := p.call(CallbackData, func() error { return h.OnData(p) })
		if err != nil {
			if errors.Is(err, ErrBufferUnderflow) || errors.Is(err, ErrNoDataYet) {
				return
			}
			p.fail(CallbackData, err)
			return
		}

		if p.Version() == before {
			return
		}
	}
}

// dispatchTimeout schedules the timeout callback cb. If the callback is
// missing or does not handle the timeout, the pipeline is closed.
func (p *Pipeline) dispatchTimeout(h *Handler, cb Callback) {
	p.perform(h, cb, func() {
		current := p.Handler()

		var fn func(*Pipeline) bool
		if current != nil {
			switch cb {
			case CallbackIdleTimeout:
				fn = current.OnIdleTimeout
			case CallbackConnectionTimeout:
				fn = current.OnConnectionTimeout
			}
		}

		handled := false
		if fn != nil {
			err := p.call(cb, func() error {
				handled = fn(p)
				return nil
			})
			if err != nil {
				p.logger.Warn("timeout handler failed", "callback", cb.String(), "error", err)
			}
		}
		if handled {
			return
		}

		p.logger.Debug("closing pipeline on timeout", "callback", cb.String())
		if err := p.Close(); err != nil {
			p.logger.Debug("close on timeout", "error", err)
		}
	})
}

// dispatchDisconnect schedules OnDisconnect for the installed handler. Before
// Connected it is deferred until Connected has scheduled OnConnect.
func (p *Pipeline) dispatchDisconnect() {
	p.mu.Lock()
	if !p.connected {
		p.disconnectPending = true
		p.mu.Unlock()
		return
	}
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return
	}
	p.perform(h, CallbackDisconnect, p.runDisconnect)
}

// runDisconnect delivers OnDisconnect at most once per installed handler.
func (p *Pipeline) runDisconnect() {
	p.mu.Lock()
	h := p.handler
	if h == nil || p.disconnectedHandler == h {
		p.mu.Unlock()
		return
	}
	p.disconnectedHandler = h
	p.mu.Unlock()

	if h.OnDisconnect == nil {
		return
	}
	if err := p.call(CallbackDisconnect, func() error { return h.OnDisconnect(p) }); err != nil {
		p.logger.Warn("disconnect handler failed", "error", err)
	}
}

// SetHandler installs h. The swap runs through the connection queue: h's
// OnConnect fires, then OnData if bytes are already buffered, then
// OnDisconnect if the pipeline is already closed.
func (p *Pipeline) SetHandler(h *Handler) {
	p.queue.PerformNonThreaded(func() { p.swapHandler(h) }, p.exec)
}

func (p *Pipeline) swapHandler(h *Handler) {
	p.mu.Lock()
	if p.handler == h {
		p.mu.Unlock()
		return
	}
	p.handler = h
	p.policy = resolvePolicy(h)
	p.connectedHandler = h
	closed := p.state == StateClosed
	p.mu.Unlock()

	if h == nil {
		return
	}
	p.logger.Debug("handler replaced", "closed", closed)

	if h.OnConnect != nil {
		if err := p.call(CallbackConnect, func() error { return h.OnConnect(p) }); err != nil {
			p.fail(CallbackConnect, err)
		}
	}
	if h.OnData != nil {
		p.runDataLoop(h)
	}
	if closed {
		p.runDisconnect()
	}
}
