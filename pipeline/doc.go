// Package pipeline implements the logical byte streams multiplexed over one
// connection.
//
// A Pipeline buffers the Data frames addressed to it and exposes them through a
// stream API: reads by length, by delimiter, and of big-endian scalars, plus
// matching writes. Handler callbacks are scheduled on the owning connection's
// taskqueue.Queue, so callbacks of one connection never overlap.
//
// # State Machine
//
//	Open → Closed
//
// A pipeline closes on a local Close, a Closed frame from the peer, an
// unhandled idle or connection timeout, or teardown of its connection.
// Closed is terminal.
//
// # Callback Ordering
//
// OnConnect precedes OnData. OnDisconnect is delivered exactly once to each
// installed handler and nothing follows it. Replacing the handler with
// SetHandler runs the new handler's OnConnect, then OnData if bytes are
// already buffered, then OnDisconnect if the pipeline is already closed.
//
// # Partial Reads
//
// A read that needs more bytes than are buffered returns ErrBufferUnderflow
// (ErrNoDataYet while receiving is suspended). Returning either error from
// OnData ends the pass until more data arrives. Bytes consumed by earlier
// reads in the same pass stay consumed unless a read mark is active:
//
//	OnData: func(p *pipeline.Pipeline) error {
//	    p.MarkReadPosition()
//	    n, err := p.ReadUint32()
//	    if err != nil {
//	        return err
//	    }
//	    body, err := p.ReadBytes(int(n))
//	    if err != nil {
//	        p.ResetToReadMark()
//	        return err
//	    }
//	    p.RemoveReadMark()
//	    return handle(body)
//	}
//
// # Write Marks
//
// A write mark defers autoflush and lets a length prefix be patched once the
// length is known:
//
//	p.MarkWritePosition()
//	p.WriteUint32(0)
//	n, _ := p.Write(body)
//	p.ResetToWriteMark()
//	p.WriteUint32(uint32(n))
//	p.RemoveWriteMark() // flushes with autoflush on
package pipeline
