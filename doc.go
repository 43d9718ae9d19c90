// Package pipemux multiplexes many independent byte-stream pipelines over one
// physical connection.
//
// Each pipeline is addressed by a random 128-bit ID. Peers announce pipelines
// with an Opened frame, exchange Data frames and end them with a Closed frame.
// Every frame has the same header:
//
//	+----------------+---------+---------+------------------+-----------+
//	| length (4, BE) | version | command | pipeline ID (16) | payload   |
//	+----------------+---------+---------+------------------+-----------+
//
// length counts everything after itself.
//
// # Architecture
//
// The library is organized into layers:
//
//   - frame: wire codec for the header above
//   - mux: writes and reads frames over a transport.Conn
//   - taskqueue: serialized execution of handler callbacks
//   - pipeline: per-pipeline state machine, buffers, marks and timeouts
//   - watchdog: idle and connection deadline polling
//   - muxconn: the multiplexed connection that ties the layers together
//   - transport: raw connection contract, a net.Conn adapter and a gnet engine
//
// # Basic Usage
//
//	conn, err := pipemux.Dial(ctx, "127.0.0.1:7000")
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	id, err := conn.CreatePipelineWithHandler(nil)
//	if err != nil {
//	    return err
//	}
//	p, _ := conn.GetBlockingPipeline(id)
//	p.WriteString("ping\n")
//	reply, err := p.ReadStringByDelimiter(ctx, "\n", 1024)
//
// Callbacks of one connection never run concurrently. Only the blocking
// pipeline wrapper waits on its caller's goroutine.
package pipemux

// Version is the library version.
const Version = "0.1.0-dev"
