package tunnel

import (
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/jiongle1/portmux/internal/protocol"
)

// proxy is the listener-owning side of a tunnel: the requester's side of a
// forward tunnel, or the peer's side of a reverse tunnel. Each accepted
// socket is announced to the peer and bridged through the control link.
type proxy struct {
	tunnelID string
	ln       net.Listener
	send     func(protocol.Message)
	table    *connTable

	closeOnce sync.Once
}

func newProxy(tunnelID string, ln net.Listener, send func(protocol.Message)) *proxy {
	return &proxy{
		tunnelID: tunnelID,
		ln:       ln,
		send:     send,
		table:    newConnTable(),
	}
}

// start begins accepting connections.
func (p *proxy) start() {
	go p.acceptLoop()
}

func (p *proxy) acceptLoop() {
	for {
		sock, err := p.ln.Accept()
		if err != nil {
			if !p.table.isClosed() {
				slog.Warn("accept error on tunnel listener",
					slog.String("tunnel_id", p.tunnelID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		id := uuid.NewString()
		c := newConnection(p.tunnelID, id, p.send, p.table.remove)
		if !p.table.add(c) {
			sock.Close()
			return
		}

		// Announce before the pumps start so newConnection precedes any data.
		p.send(protocol.NewConnection(p.tunnelID, id))
		c.attach(sock)

		slog.Debug("accepted tunnel connection",
			slog.String("tunnel_id", p.tunnelID),
			slog.String("connection_id", id),
			slog.String("remote_addr", sock.RemoteAddr().String()),
		)
	}
}

// route dispatches one inbound message for this tunnel.
func (p *proxy) route(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeData:
		c := p.table.get(msg.ConnectionID)
		if c == nil {
			// Already closed locally; data racing a teardown is expected.
			return
		}
		b, err := msg.DecodePayload()
		if err != nil {
			slog.Warn("discarding data message with bad payload",
				slog.String("tunnel_id", p.tunnelID),
				slog.String("error", err.Error()),
			)
			return
		}
		c.handleData(b)
	case protocol.TypeEnd:
		if c := p.table.get(msg.ConnectionID); c != nil {
			c.handleEnd()
		}
	case protocol.TypeClose:
		if c := p.table.get(msg.ConnectionID); c != nil {
			c.handleClose()
		}
	case protocol.TypeNewConnection:
		slog.Warn("unexpected newConnection for listening endpoint",
			slog.String("tunnel_id", p.tunnelID),
		)
	}
}

// shutdown stops the listener and tears down all live connections. With
// drain, chunks already queued for each socket are still delivered before it
// closes; without, sockets are destroyed immediately.
func (p *proxy) shutdown(drain bool) {
	p.closeOnce.Do(func() {
		p.ln.Close()
		for _, c := range p.table.drain() {
			if drain {
				c.drainAndDestroy()
			} else {
				c.destroy(false)
			}
		}
	})
}
