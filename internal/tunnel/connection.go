package tunnel

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jiongle1/portmux/internal/protocol"
)

const (
	readBufSize     = 32 * 1024
	writeQueueDepth = 64
)

// closeWriter is satisfied by *net.TCPConn; used for half-close.
type closeWriter interface {
	CloseWrite() error
}

// connection bridges one TCP socket to the control link. Inbound data flows
// through an ordered queue drained by a dedicated writer goroutine, so a
// stalled socket does not block the manager's dispatch loop until its queue
// (writeQueueDepth chunks) is full; then dispatch waits for room.
//
// A connection may exist before its socket does (a connector registers it
// while the target dial is in flight); queued data is written once attached.
type connection struct {
	id       string
	tunnelID string

	send   func(protocol.Message)
	onDone func(id string)

	writes chan []byte
	endIn  chan struct{} // closed on inbound `end`
	dead   chan struct{} // closed on destroy

	sockMu    sync.Mutex
	sock      net.Conn
	destroyed bool

	endOnce     sync.Once
	destroyOnce sync.Once
	closeSent   atomic.Bool
	pumpsDone   atomic.Int32
}

func newConnection(tunnelID, id string, send func(protocol.Message), onDone func(string)) *connection {
	return &connection{
		id:       id,
		tunnelID: tunnelID,
		send:     send,
		onDone:   onDone,
		writes:   make(chan []byte, writeQueueDepth),
		endIn:    make(chan struct{}),
		dead:     make(chan struct{}),
	}
}

// attach hands the connection its socket and starts both pumps. If the
// connection was destroyed while the dial was in flight, the socket is
// discarded.
func (c *connection) attach(sock net.Conn) {
	c.sockMu.Lock()
	if c.destroyed {
		c.sockMu.Unlock()
		sock.Close()
		return
	}
	c.sock = sock
	c.sockMu.Unlock()

	go c.readLoop()
	go c.writeLoop()
}

// handleData queues one inbound chunk for the socket, in arrival order.
// Data after an inbound end violates per-stream ordering and is dropped.
func (c *connection) handleData(b []byte) {
	select {
	case <-c.dead:
		return
	case <-c.endIn:
		return
	default:
	}
	select {
	case c.writes <- b:
	case <-c.dead:
	}
}

// handleEnd half-closes the socket once all queued data has drained.
func (c *connection) handleEnd() {
	c.endOnce.Do(func() { close(c.endIn) })
}

// handleClose tears the connection down without echoing a close back. If the
// peer sent end first, data it sent ahead of the end is still written out
// before the socket closes; otherwise the socket is destroyed immediately.
func (c *connection) handleClose() {
	c.closeSent.Store(true)
	select {
	case <-c.endIn:
		c.drainAndDestroy()
	default:
		c.destroy(false)
	}
}

// readLoop pumps socket reads into data messages. EOF from the local side is
// a half-close and becomes an end message; any other error aborts the
// connection.
func (c *connection) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			c.send(protocol.Data(c.tunnelID, c.id, buf[:n]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.send(protocol.End(c.tunnelID, c.id))
				c.pumpDone()
				return
			}
			c.destroy(true)
			return
		}
	}
}

// writeLoop drains the inbound queue into the socket, preserving order, and
// performs the half-close when the peer signals end.
func (c *connection) writeLoop() {
	for {
		select {
		case b := <-c.writes:
			if !c.writeChunk(b) {
				return
			}
		case <-c.endIn:
			if !c.flushQueued() {
				return
			}
			if cw, ok := c.sock.(closeWriter); ok {
				cw.CloseWrite()
			}
			c.pumpDone()
			return
		case <-c.dead:
			return
		}
	}
}

// flushQueued writes every chunk that was queued ahead of the end signal.
func (c *connection) flushQueued() bool {
	for {
		select {
		case b := <-c.writes:
			if !c.writeChunk(b) {
				return false
			}
		default:
			return true
		}
	}
}

func (c *connection) writeChunk(b []byte) bool {
	if _, err := c.sock.Write(b); err != nil {
		c.destroy(true)
		return false
	}
	return true
}

// pumpDone marks one direction finished; when both directions have drained
// the socket is fully closed and the peer is told.
func (c *connection) pumpDone() {
	if c.pumpsDone.Add(1) == 2 {
		c.destroy(true)
	}
}

// closeReader is satisfied by *net.TCPConn; used to abandon reads on drain.
type closeReader interface {
	CloseRead() error
}

// drainAndDestroy tears the connection down gracefully: chunks already queued
// for the socket are still written (the writer flushes through its normal end
// path, half-closing afterwards), while new reads are abandoned. Teardown
// completes once both pumps have wound down. Contrast destroy, which drops
// the queue on the floor.
func (c *connection) drainAndDestroy() {
	c.handleEnd()

	c.sockMu.Lock()
	sock := c.sock
	c.sockMu.Unlock()
	if cr, ok := sock.(closeReader); ok {
		cr.CloseRead()
	}
}

// destroy tears the connection down exactly once: optionally notifies the
// peer, closes the socket and unregisters from the owning endpoint.
func (c *connection) destroy(sendClose bool) {
	c.destroyOnce.Do(func() {
		if sendClose && !c.closeSent.Swap(true) {
			c.send(protocol.Close(c.tunnelID, c.id))
		}
		close(c.dead)

		c.sockMu.Lock()
		c.destroyed = true
		sock := c.sock
		c.sockMu.Unlock()
		if sock != nil {
			sock.Close()
		}

		c.onDone(c.id)
	})
}

// connTable tracks the live connections of one endpoint.
type connTable struct {
	mu     sync.Mutex
	conns  map[string]*connection
	closed bool
}

func newConnTable() *connTable {
	return &connTable{conns: make(map[string]*connection)}
}

// add registers a connection; returns false once the endpoint is closed.
func (ct *connTable) add(c *connection) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.closed {
		return false
	}
	ct.conns[c.id] = c
	return true
}

func (ct *connTable) get(id string) *connection {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.conns[id]
}

func (ct *connTable) remove(id string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.conns, id)
}

func (ct *connTable) isClosed() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.closed
}

// drain closes the table and hands back every live connection.
func (ct *connTable) drain() []*connection {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.closed = true
	conns := make([]*connection, 0, len(ct.conns))
	for _, c := range ct.conns {
		conns = append(conns, c)
	}
	ct.conns = make(map[string]*connection)
	return conns
}
