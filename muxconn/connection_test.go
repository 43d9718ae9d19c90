package muxconn

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/smnsjas/go-pipemux/frame"
	"github.com/smnsjas/go-pipemux/mux"
	"github.com/smnsjas/go-pipemux/pipeline"
	"github.com/smnsjas/go-pipemux/taskqueue"
	"github.com/smnsjas/go-pipemux/transport"
)

const waitFor = 2 * time.Second

// sink records the callbacks of every pipeline it is installed on.
type sink struct {
	mu     sync.Mutex
	events map[uuid.UUID][]string
	data   map[uuid.UUID]*bytes.Buffer
}

func newSink() *sink {
	return &sink{
		events: make(map[uuid.UUID][]string),
		data:   make(map[uuid.UUID]*bytes.Buffer),
	}
}

func (s *sink) add(id uuid.UUID, ev string) {
	s.mu.Lock()
	s.events[id] = append(s.events[id], ev)
	s.mu.Unlock()
}

func (s *sink) handler() *pipeline.Handler {
	return &pipeline.Handler{
		OnConnect: func(p *pipeline.Pipeline) error {
			s.add(p.ID(), "connect")
			return nil
		},
		OnData: func(p *pipeline.Pipeline) error {
			b := p.ReadAvailable()
			s.mu.Lock()
			defer s.mu.Unlock()
			s.events[p.ID()] = append(s.events[p.ID()], "data")
			if s.data[p.ID()] == nil {
				s.data[p.ID()] = &bytes.Buffer{}
			}
			s.data[p.ID()].Write(b)
			return nil
		},
		OnDisconnect: func(p *pipeline.Pipeline) error {
			s.add(p.ID(), "disconnect")
			return nil
		},
	}
}

func (s *sink) eventsOf(id uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events[id]...)
}

func (s *sink) dataOf(id uuid.UUID) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[id] == nil {
		return nil
	}
	return append([]byte(nil), s.data[id].Bytes()...)
}

func (s *sink) has(id uuid.UUID, ev string) bool {
	return slices.Contains(s.eventsOf(id), ev)
}

func echoHandler() *pipeline.Handler {
	return &pipeline.Handler{
		OnData: func(p *pipeline.Pipeline) error {
			_, err := p.Write(p.ReadAvailable())
			return err
		},
	}
}

func newPair(t testing.TB, serverOpts, clientOpts []Option) (server, client *Connection) {
	t.Helper()
	a, b := net.Pipe()

	server, err := New(transport.NewStreamConn(a),
		append([]Option{WithFlushMode(transport.FlushAsync)}, serverOpts...)...)
	require.NoError(t, err)
	client, err = New(transport.NewStreamConn(b),
		append([]Option{WithFlushMode(transport.FlushAsync)}, clientOpts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

// newRawPeer returns a Connection whose peer is a bare net.Conn driven by the
// test. Everything the Connection writes is discarded.
func newRawPeer(t *testing.T, opts ...Option) (*Connection, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, b) }()

	c, err := New(transport.NewStreamConn(a), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
	})
	return c, b
}

func writeFrame(t *testing.T, w io.Writer, f *frame.Frame) {
	t.Helper()
	_, err := w.Write(f.Encode())
	require.NoError(t, err)
}

func TestCreatePipelineAnnouncesToPeer(t *testing.T) {
	events := newSink()
	server, client := newPair(t, []Option{WithDefaultHandler(events.handler())}, nil)

	id, err := client.CreatePipeline()
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, client.ListOpenPipelines())

	require.Eventually(t, func() bool { return events.has(id, "connect") }, waitFor, time.Millisecond)
	_, err = server.GetPipeline(id)
	require.NoError(t, err)
	assert.Equal(t, 1, server.NumPipelines())
}

func TestEchoRoundTrip(t *testing.T) {
	for _, size := range []int{1, 1500, 1 << 20} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			_, client := newPair(t, []Option{WithDefaultHandler(echoHandler())}, nil)
			echoed := newSink()

			id, err := client.CreatePipelineWithHandler(echoed.handler())
			require.NoError(t, err)
			p, err := client.GetPipeline(id)
			require.NoError(t, err)

			payload := bytes.Repeat([]byte{0xA5, 0x5A, 0x00}, size/3+1)[:size]
			_, err = p.Write(payload)
			require.NoError(t, err)

			require.Eventually(t, func() bool { return len(echoed.dataOf(id)) == size }, waitFor, time.Millisecond)
			assert.Equal(t, payload, echoed.dataOf(id))
		})
	}
}

func TestInterleavedPipelinesKeepOrder(t *testing.T) {
	_, client := newPair(t, []Option{WithDefaultHandler(echoHandler())}, nil)
	echoed := newSink()

	idA, err := client.CreatePipelineWithHandler(echoed.handler())
	require.NoError(t, err)
	idB, err := client.CreatePipelineWithHandler(echoed.handler())
	require.NoError(t, err)
	pa, err := client.GetPipeline(idA)
	require.NoError(t, err)
	pb, err := client.GetPipeline(idB)
	require.NoError(t, err)

	var wantA, wantB bytes.Buffer
	for i := 0; i < 200; i++ {
		chunkA := fmt.Sprintf("AAAA%03d", i)
		chunkB := fmt.Sprintf("BBBB%03d", i)
		wantA.WriteString(chunkA)
		wantB.WriteString(chunkB)
		_, err = pa.WriteString(chunkA)
		require.NoError(t, err)
		_, err = pb.WriteString(chunkB)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(echoed.dataOf(idA)) == wantA.Len() && len(echoed.dataOf(idB)) == wantB.Len()
	}, waitFor, time.Millisecond)
	assert.Equal(t, wantA.String(), string(echoed.dataOf(idA)))
	assert.Equal(t, wantB.String(), string(echoed.dataOf(idB)))
}

func TestConcurrentWritersOnManyPipelines(t *testing.T) {
	_, client := newPair(t, []Option{WithDefaultHandler(echoHandler())}, nil)
	echoed := newSink()

	const pipelines = 8
	ids := make([]uuid.UUID, pipelines)
	for i := range ids {
		id, err := client.CreatePipelineWithHandler(echoed.handler())
		require.NoError(t, err)
		ids[i] = id
	}

	want := make([]string, pipelines)
	var g errgroup.Group
	for i, id := range ids {
		var sb bytes.Buffer
		for j := 0; j < 50; j++ {
			fmt.Fprintf(&sb, "[%d:%d]", i, j)
		}
		want[i] = sb.String()

		g.Go(func() error {
			p, err := client.GetPipeline(id)
			if err != nil {
				return err
			}
			for j := 0; j < 50; j++ {
				if _, err := fmt.Fprintf(p, "[%d:%d]", i, j); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i, id := range ids {
		require.Eventually(t, func() bool { return len(echoed.dataOf(id)) == len(want[i]) }, waitFor, time.Millisecond)
		assert.Equal(t, want[i], string(echoed.dataOf(id)))
	}
}

func TestCallbackOrderUnderConcurrentClose(t *testing.T) {
	events := newSink()
	server, client := newPair(t, []Option{WithDefaultHandler(events.handler())}, nil)

	id, err := client.CreatePipeline()
	require.NoError(t, err)
	p, err := client.GetPipeline(id)
	require.NoError(t, err)
	_, err = p.WriteString("payload")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(events.dataOf(id)) == "payload" }, waitFor, time.Millisecond)

	sp, err := server.GetPipeline(id)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_ = sp.Close()
			case 1:
				_ = server.Close()
			default:
				_ = p.Close()
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return events.has(id, "disconnect") }, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got := events.eventsOf(id)
	require.NotEmpty(t, got)
	assert.Equal(t, "connect", got[0])
	assert.Equal(t, "disconnect", got[len(got)-1])
	assert.Equal(t, 1, slices.Index(got, "data"), "data follows connect")
	n := 0
	for _, ev := range got {
		if ev == "disconnect" {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestLocalCloseNotifiesPeer(t *testing.T) {
	events := newSink()
	server, client := newPair(t, nil, []Option{WithDefaultHandler(events.handler())})

	id, err := client.CreatePipeline()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return server.NumPipelines() == 1 }, waitFor, time.Millisecond)

	sp, err := server.GetPipeline(id)
	require.NoError(t, err)
	require.NoError(t, sp.Close())
	assert.Equal(t, 0, server.NumPipelines())

	require.Eventually(t, func() bool { return events.has(id, "disconnect") }, waitFor, time.Millisecond)
	assert.Equal(t, 0, client.NumPipelines())
	_, err = client.GetPipeline(id)
	assert.ErrorIs(t, err, ErrUnknownPipeline)
	assert.True(t, client.IsOpen())
}

func TestUnknownPipelineDataIsDropped(t *testing.T) {
	c, peer := newRawPeer(t)

	writeFrame(t, peer, &frame.Frame{Command: frame.CommandData, PipelineID: uuid.New(), Payload: []byte("lost")})
	writeFrame(t, peer, &frame.Frame{Command: frame.CommandClosed, PipelineID: uuid.New()})

	known := uuid.New()
	writeFrame(t, peer, &frame.Frame{Command: frame.CommandOpened, PipelineID: known})

	require.Eventually(t, func() bool { return c.NumPipelines() == 1 }, waitFor, time.Millisecond)
	assert.True(t, c.IsOpen())
	assert.Equal(t, []uuid.UUID{known}, c.ListOpenPipelines())
}

func TestUnknownCommandIsIgnored(t *testing.T) {
	c, peer := newRawPeer(t)

	writeFrame(t, peer, &frame.Frame{Command: frame.Command(7), PipelineID: uuid.New(), Payload: []byte("future")})
	id := uuid.New()
	writeFrame(t, peer, &frame.Frame{Command: frame.CommandOpened, PipelineID: id})

	require.Eventually(t, func() bool { return c.NumPipelines() == 1 }, waitFor, time.Millisecond)
	assert.True(t, c.IsOpen())
}

func TestDuplicateAndRecentlyClosedOpensAreIgnored(t *testing.T) {
	c, peer := newRawPeer(t)
	id := uuid.New()
	other := uuid.New()

	writeFrame(t, peer, &frame.Frame{Command: frame.CommandOpened, PipelineID: id})
	writeFrame(t, peer, &frame.Frame{Command: frame.CommandOpened, PipelineID: id})
	writeFrame(t, peer, &frame.Frame{Command: frame.CommandClosed, PipelineID: id})
	writeFrame(t, peer, &frame.Frame{Command: frame.CommandOpened, PipelineID: id})
	writeFrame(t, peer, &frame.Frame{Command: frame.CommandOpened, PipelineID: other})

	require.Eventually(t, func() bool {
		_, err := c.GetPipeline(other)
		return err == nil
	}, waitFor, time.Millisecond)
	assert.Equal(t, []uuid.UUID{other}, c.ListOpenPipelines())
}

func TestProtocolViolationClosesConnection(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{
			name: "version mismatch",
			raw:  (&frame.Frame{Version: 2, Command: frame.CommandData, PipelineID: uuid.New()}).Encode(),
		},
		{
			name: "short body",
			raw:  []byte{0, 0, 0, 3, frame.Version, 99, 0},
		},
		{
			name: "frame too large",
			raw:  []byte{0x7f, 0xff, 0xff, 0xff},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := newSink()
			c, peer := newRawPeer(t, WithDefaultHandler(events.handler()))
			id := uuid.New()
			writeFrame(t, peer, &frame.Frame{Command: frame.CommandOpened, PipelineID: id})
			require.Eventually(t, func() bool { return events.has(id, "connect") }, waitFor, time.Millisecond)

			_, err := peer.Write(tt.raw)
			require.NoError(t, err)

			require.Eventually(t, func() bool { return !c.IsOpen() }, waitFor, time.Millisecond)
			require.Eventually(t, func() bool { return events.has(id, "disconnect") }, waitFor, time.Millisecond)
			assert.Equal(t, 0, c.NumPipelines())
		})
	}
}

func TestPeerDisconnectTerminatesPipelines(t *testing.T) {
	events := newSink()
	c, peer := newRawPeer(t, WithDefaultHandler(events.handler()))
	id := uuid.New()
	writeFrame(t, peer, &frame.Frame{Command: frame.CommandOpened, PipelineID: id})
	writeFrame(t, peer, &frame.Frame{Command: frame.CommandData, PipelineID: id, Payload: []byte("bye")})
	require.Eventually(t, func() bool { return string(events.dataOf(id)) == "bye" }, waitFor, time.Millisecond)

	require.NoError(t, peer.Close())

	require.Eventually(t, func() bool { return !c.IsOpen() }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return events.has(id, "disconnect") }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"connect", "data", "disconnect"}, events.eventsOf(id))
}

func TestCloseIsIdempotentAndRejectsNewPipelines(t *testing.T) {
	_, client := newPair(t, nil, nil)
	id, err := client.CreatePipeline()
	require.NoError(t, err)
	p, err := client.GetPipeline(id)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	assert.False(t, client.IsOpen())
	assert.Empty(t, client.ListOpenPipelines())
	assert.False(t, p.IsOpen())

	_, err = client.CreatePipeline()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.WriteString("late")
	assert.ErrorIs(t, err, pipeline.ErrClosed)
}

func TestListOpenPipelinesIsSorted(t *testing.T) {
	_, client := newPair(t, nil, nil)
	for i := 0; i < 10; i++ {
		_, err := client.CreatePipeline()
		require.NoError(t, err)
	}

	ids := client.ListOpenPipelines()
	require.Len(t, ids, 10)
	assert.True(t, slices.IsSortedFunc(ids, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	}))
}

func TestHandlerMayCreatePipelines(t *testing.T) {
	for _, mode := range []taskqueue.Mode{taskqueue.ModeMultiThreaded, taskqueue.ModeNonThreaded} {
		t.Run(mode.String(), func(t *testing.T) {
			var server atomic.Pointer[Connection]
			spawn := &pipeline.Handler{
				Mode: mode,
				OnConnect: func(*pipeline.Pipeline) error {
					_, err := server.Load().CreatePipelineWithHandler(nil)
					return err
				},
			}

			srv, client := newPair(t, []Option{WithDefaultHandler(spawn)}, nil)
			server.Store(srv)

			_, err := client.CreatePipeline()
			require.NoError(t, err)

			require.Eventually(t, func() bool { return client.NumPipelines() == 2 }, waitFor, time.Millisecond)
			assert.Equal(t, 2, srv.NumPipelines())
		})
	}
}

func TestWriteCompletion(t *testing.T) {
	_, client := newPair(t, nil, nil)
	id, err := client.CreatePipeline()
	require.NoError(t, err)
	p, err := client.GetPipeline(id)
	require.NoError(t, err)

	written := make(chan int, 1)
	err = p.WriteWithCompletion(bytes.Repeat([]byte("x"), 4096), &mux.Completion{
		OnWritten: func(n int) { written <- n },
	})
	require.NoError(t, err)

	select {
	case n := <-written:
		assert.Equal(t, 4096, n)
	case <-time.After(waitFor):
		t.Fatal("OnWritten not called")
	}
	require.Eventually(t, func() bool { return p.PendingWriteCompletions() == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, 0, client.PendingCompletions())
}

func TestIdleTimeoutClosesPipelineOnBothSides(t *testing.T) {
	mock := clock.NewMock()
	events := newSink()
	server, client := newPair(t, nil, []Option{
		WithClock(mock),
		WithIdleTimeout(time.Second),
		WithDefaultHandler(events.handler()),
	})

	id, err := client.CreatePipeline()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return server.NumPipelines() == 1 }, waitFor, time.Millisecond)

	mock.Add(800 * time.Millisecond)
	assert.Equal(t, 1, client.NumPipelines(), "closed before the idle timeout")

	for i := 0; i < 3; i++ {
		mock.Add(200 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return client.NumPipelines() == 0 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return server.NumPipelines() == 0 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return events.has(id, "disconnect") }, waitFor, time.Millisecond)
	assert.True(t, client.IsOpen())
}

func TestNewRejectsTinyFrameSize(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := New(transport.NewStreamConn(a), WithMaxFrameSize(frame.BodyHeaderSize))
	assert.Error(t, err)
}

// requireBracketed waits for id's disconnect and checks that its callbacks
// start with connect and end with the only disconnect.
func requireBracketed(t *testing.T, s *sink, id uuid.UUID) {
	t.Helper()
	require.Eventually(t, func() bool { return s.has(id, "disconnect") }, waitFor, time.Millisecond,
		"pipeline %s never disconnected", id)
	got := s.eventsOf(id)
	assert.Equal(t, "connect", got[0], "pipeline %s: %v", id, got)
	assert.Equal(t, "disconnect", got[len(got)-1], "pipeline %s: %v", id, got)
	n := 0
	for _, ev := range got {
		if ev == "disconnect" {
			n++
		}
	}
	assert.Equal(t, 1, n, "pipeline %s: %v", id, got)
}

func TestCloseFromOnConnectWithOpensInFlight(t *testing.T) {
	events := newSink()
	var conn atomic.Pointer[Connection]
	var once sync.Once

	h := events.handler()
	h.Mode = taskqueue.ModeNonThreaded
	connect := h.OnConnect
	h.OnConnect = func(p *pipeline.Pipeline) error {
		err := connect(p)
		once.Do(func() { _ = conn.Load().Close() })
		return err
	}

	c, peer := newRawPeer(t, WithDefaultHandler(h))
	conn.Store(c)

	first, second := uuid.New(), uuid.New()
	batch := append((&frame.Frame{Command: frame.CommandOpened, PipelineID: first}).Encode(),
		(&frame.Frame{Command: frame.CommandOpened, PipelineID: second}).Encode()...)
	_, err := peer.Write(batch)
	require.NoError(t, err)

	requireBracketed(t, events, first)
	requireBracketed(t, events, second)
	assert.False(t, c.IsOpen())
}

func TestConcurrentCreateAndClose(t *testing.T) {
	serverEvents, clientEvents := newSink(), newSink()
	server, client := newPair(t,
		[]Option{WithDefaultHandler(serverEvents.handler())},
		[]Option{WithDefaultHandler(clientEvents.handler())})

	var (
		mu      sync.Mutex
		created []uuid.UUID
	)
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 50 {
				id, err := client.CreatePipeline()
				if err != nil {
					return nil
				}
				mu.Lock()
				created = append(created, id)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Go(func() error {
		time.Sleep(time.Millisecond)
		_ = server.Close()
		return nil
	})
	require.NoError(t, g.Wait())
	_ = client.Close()

	require.NotEmpty(t, created)
	for _, id := range created {
		requireBracketed(t, clientEvents, id)
		if len(serverEvents.eventsOf(id)) > 0 {
			requireBracketed(t, serverEvents, id)
		}
	}
}

func TestTimeoutSetterAfterCloseDoesNotArmWatchdog(t *testing.T) {
	_, client := newPair(t, nil, []Option{WithIdleTimeout(time.Minute)})

	var ps []*pipeline.Pipeline
	for range 16 {
		id, err := client.CreatePipeline()
		require.NoError(t, err)
		p, err := client.GetPipeline(id)
		require.NoError(t, err)
		ps = append(ps, p)
	}
	assert.Equal(t, 16, client.watchdog.Len())

	var wg sync.WaitGroup
	for _, p := range ps {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range 20 {
				p.SetIdleTimeoutMillis(int64(1000 + i))
				p.SetConnectionTimeoutMillis(int64(5000 + i))
			}
		}()
		go func() {
			defer wg.Done()
			_ = p.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, client.NumPipelines())
	assert.Equal(t, 0, client.watchdog.Len())

	ps[0].SetIdleTimeoutMillis(10)
	assert.Equal(t, 0, client.watchdog.Len())
}
