package tunnel

import (
	"log/slog"
	"sync"

	"github.com/jiongle1/portmux/internal/ports"
	"github.com/jiongle1/portmux/internal/protocol"
)

// connector is the dial-on-demand side of a tunnel: the peer's side of a
// forward tunnel, or the requester's side of a reverse tunnel. For each
// newConnection announcement it opens a loopback socket to the target port.
type connector struct {
	tunnelID string
	port     int
	family   Family
	dialer   ports.NetworkDialer
	send     func(protocol.Message)
	table    *connTable

	closeOnce sync.Once
}

func newConnector(tunnelID string, port int, family Family, dialer ports.NetworkDialer, send func(protocol.Message)) *connector {
	return &connector{
		tunnelID: tunnelID,
		port:     port,
		family:   family,
		dialer:   dialer,
		send:     send,
		table:    newConnTable(),
	}
}

// route dispatches one inbound message for this tunnel.
func (cn *connector) route(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeNewConnection:
		cn.open(msg.ConnectionID)
	case protocol.TypeData:
		c := cn.table.get(msg.ConnectionID)
		if c == nil {
			return
		}
		b, err := msg.DecodePayload()
		if err != nil {
			slog.Warn("discarding data message with bad payload",
				slog.String("tunnel_id", cn.tunnelID),
				slog.String("error", err.Error()),
			)
			return
		}
		c.handleData(b)
	case protocol.TypeEnd:
		if c := cn.table.get(msg.ConnectionID); c != nil {
			c.handleEnd()
		}
	case protocol.TypeClose:
		if c := cn.table.get(msg.ConnectionID); c != nil {
			c.handleClose()
		}
	}
}

// open registers the connection immediately — data may arrive while the dial
// is still in flight and must queue, not drop — then dials the target.
func (cn *connector) open(id string) {
	c := newConnection(cn.tunnelID, id, cn.send, cn.table.remove)
	if !cn.table.add(c) {
		return
	}

	go func() {
		sock, err := cn.dialer.Dial(cn.family.network(), cn.family.loopbackAddr(cn.port))
		if err != nil {
			slog.Warn("failed to dial tunnel target",
				slog.String("tunnel_id", cn.tunnelID),
				slog.String("connection_id", id),
				slog.Int("port", cn.port),
				slog.String("error", err.Error()),
			)
			c.destroy(true)
			return
		}
		c.attach(sock)

		slog.Debug("opened tunnel target connection",
			slog.String("tunnel_id", cn.tunnelID),
			slog.String("connection_id", id),
			slog.Int("port", cn.port),
		)
	}()
}

// shutdown tears down all live connections. With drain, chunks already queued
// for each socket are still delivered before it closes; without, sockets are
// destroyed immediately.
func (cn *connector) shutdown(drain bool) {
	cn.closeOnce.Do(func() {
		for _, c := range cn.table.drain() {
			if drain {
				c.drainAndDestroy()
			} else {
				c.destroy(false)
			}
		}
	})
}
