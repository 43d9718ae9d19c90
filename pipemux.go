package pipemux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"

	"go.uber.org/multierr"

	"github.com/smnsjas/go-pipemux/muxconn"
	"github.com/smnsjas/go-pipemux/pipeline"
	"github.com/smnsjas/go-pipemux/transport"
)

type options struct {
	stream []transport.StreamOption
	conn   []muxconn.Option
}

// Option configures Dial and Serve.
type Option func(*options)

// WithStreamOptions configures the net.Conn adapter of every connection.
func WithStreamOptions(opts ...transport.StreamOption) Option {
	return func(o *options) {
		o.stream = append(o.stream, opts...)
	}
}

// WithConnOptions configures every multiplexed connection.
func WithConnOptions(opts ...muxconn.Option) Option {
	return func(o *options) {
		o.conn = append(o.conn, opts...)
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewConn wraps an established net.Conn in a multiplexed connection.
func NewConn(nc net.Conn, opts ...Option) (*muxconn.Connection, error) {
	o := buildOptions(opts)
	c, err := muxconn.New(transport.NewStreamConn(nc, o.stream...), o.conn...)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// Dial connects to addr over TCP and returns the multiplexed connection.
func Dial(ctx context.Context, addr string, opts ...Option) (*muxconn.Connection, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(nc, opts...)
}

// Serve accepts connections on ln until ctx is done or ln fails, wrapping
// each in a multiplexed connection passed to accept. accept may be nil. On
// return every accepted connection is closed.
func Serve(ctx context.Context, ln net.Listener, accept func(*muxconn.Connection), opts ...Option) error {
	var conns []*muxconn.Connection

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	var serveErr error
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				serveErr = fmt.Errorf("accept: %w", err)
			}
			break
		}
		c, err := NewConn(nc, opts...)
		if err != nil {
			serveErr = err
			break
		}
		conns = slices.DeleteFunc(conns, func(c *muxconn.Connection) bool { return !c.IsOpen() })
		conns = append(conns, c)
		if accept != nil {
			accept(c)
		}
	}

	for _, c := range conns {
		serveErr = multierr.Append(serveErr, c.Close())
	}
	return serveErr
}

// EchoHandler returns a handler that writes every received byte back to the
// pipeline it arrived on.
func EchoHandler() *pipeline.Handler {
	return &pipeline.Handler{
		OnData: func(p *pipeline.Pipeline) error {
			_, err := p.Write(p.ReadAvailable())
			return err
		},
	}
}
