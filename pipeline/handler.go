package pipeline

import (
	"fmt"

	"github.com/smnsjas/go-pipemux/taskqueue"
)

// Callback identifies one handler callback.
type Callback int

const (
	CallbackConnect Callback = iota
	CallbackData
	CallbackDisconnect
	CallbackIdleTimeout
	CallbackConnectionTimeout

	numCallbacks
)

// String returns a string representation of the callback.
func (c Callback) String() string {
	switch c {
	case CallbackConnect:
		return "Connect"
	case CallbackData:
		return "Data"
	case CallbackDisconnect:
		return "Disconnect"
	case CallbackIdleTimeout:
		return "IdleTimeout"
	case CallbackConnectionTimeout:
		return "ConnectionTimeout"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// Handler receives the events of a pipeline. Every callback is optional.
//
// Callbacks of one connection never run concurrently. Mode declares how the
// callbacks are scheduled; Modes overrides it per callback. Both default to
// taskqueue.ModeMultiThreaded. A Handler must not be modified after it has
// been installed.
type Handler struct {
	OnConnect    func(p *Pipeline) error
	OnData       func(p *Pipeline) error
	OnDisconnect func(p *Pipeline) error

	// OnIdleTimeout and OnConnectionTimeout return true if they handled the
	// timeout. Otherwise the pipeline is closed.
	OnIdleTimeout       func(p *Pipeline) bool
	OnConnectionTimeout func(p *Pipeline) bool

	Mode  taskqueue.Mode
	Modes map[Callback]taskqueue.Mode
}

type policy [numCallbacks]taskqueue.Mode

var defaultPolicy = func() policy {
	var pol policy
	for i := range pol {
		pol[i] = taskqueue.ModeMultiThreaded
	}
	return pol
}()

// resolvePolicy returns the scheduling mode of every callback of h.
func resolvePolicy(h *Handler) policy {
	if h == nil {
		return defaultPolicy
	}

	var pol policy
	base := h.Mode.Resolve(taskqueue.ModeMultiThreaded)
	for i := range pol {
		pol[i] = base
		if m, ok := h.Modes[Callback(i)]; ok && m != taskqueue.ModeUnset {
			pol[i] = m
		}
	}
	return pol
}

// ModeOf returns the scheduling mode of cb for h.
func (h *Handler) ModeOf(cb Callback) taskqueue.Mode {
	if cb < 0 || cb >= numCallbacks {
		return taskqueue.ModeMultiThreaded
	}
	return resolvePolicy(h)[cb]
}
