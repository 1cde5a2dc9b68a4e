package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jiongle1/portmux/internal/adapters/realnet"
	"github.com/jiongle1/portmux/internal/ports"
	"github.com/jiongle1/portmux/internal/protocol"
)

// endpoint is the local half of one tunnel: a proxy (listener side) or a
// connector (dialer side).
type endpoint interface {
	route(msg protocol.Message)
	// shutdown tears the endpoint down; drain delivers already-queued chunks
	// to each socket first, false destroys sockets immediately.
	shutdown(drain bool)
}

// TunnelManager multiplexes TCP tunnels over one injected message transport.
// Two symmetric managers, one per peer, cooperate: each owns its local
// listeners, sockets and tables; the only shared state is the wire.
type TunnelManager struct {
	transport ports.MessageTransport
	listener  ports.NetworkListener
	dialer    ports.NetworkDialer

	mu        sync.Mutex
	tunnels   map[Descriptor]*Tunnel
	endpoints map[string]endpoint
	pending   map[string]chan *protocol.ErrorDetail
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a TunnelManager.
type Option func(*TunnelManager)

// WithListener overrides the network listener port (for testing).
func WithListener(l ports.NetworkListener) Option {
	return func(m *TunnelManager) {
		m.listener = l
	}
}

// WithDialer overrides the network dialer port (for testing).
func WithDialer(d ports.NetworkDialer) Option {
	return func(m *TunnelManager) {
		m.dialer = d
	}
}

// NewTunnelManager creates a manager on the given control transport and
// starts consuming its inbound stream.
func NewTunnelManager(t ports.MessageTransport, opts ...Option) *TunnelManager {
	m := &TunnelManager{
		transport: t,
		listener:  realnet.NewListener(),
		dialer:    realnet.NewDialer(),
		tunnels:   make(map[Descriptor]*Tunnel),
		endpoints: make(map[string]endpoint),
		pending:   make(map[string]chan *protocol.ErrorDetail),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.readLoop()
	return m
}

// CreateTunnel opens a forward tunnel: a local listener on localPort whose
// accepted connections the peer relays to its own remotePort. An equal
// in-flight or live descriptor returns the same handle with its reference
// count incremented.
func (m *TunnelManager) CreateTunnel(ctx context.Context, localPort, remotePort int, family Family) (*Tunnel, error) {
	if err := validatePort(localPort); err != nil {
		return nil, err
	}
	if err := validatePort(remotePort); err != nil {
		return nil, err
	}
	if family != FamilyIPv4 && family != FamilyIPv6 {
		return nil, fmt.Errorf("invalid address family %q", family)
	}
	desc := Descriptor{Direction: DirectionForward, LocalPort: localPort, RemotePort: remotePort, Family: family}
	return m.create(ctx, desc)
}

// CreateReverseTunnel opens a reverse tunnel: the peer listens on remotePort
// and relays its accepted connections back to localPort on this side.
func (m *TunnelManager) CreateReverseTunnel(ctx context.Context, localPort, remotePort int) (*Tunnel, error) {
	if err := validatePort(localPort); err != nil {
		return nil, err
	}
	if err := validatePort(remotePort); err != nil {
		return nil, err
	}
	desc := Descriptor{Direction: DirectionReverse, LocalPort: localPort, RemotePort: remotePort, Family: FamilyIPv6}
	return m.create(ctx, desc)
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	return nil
}

func (m *TunnelManager) create(ctx context.Context, desc Descriptor) (*Tunnel, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if t, ok := m.tunnels[desc]; ok {
		t.refs++
		m.mu.Unlock()
		return m.await(ctx, t)
	}
	t := &Tunnel{
		desc:  desc,
		id:    uuid.NewString(),
		m:     m,
		refs:  1,
		ready: make(chan struct{}),
	}
	m.tunnels[desc] = t
	m.mu.Unlock()

	var err error
	if desc.Direction == DirectionForward {
		err = m.establishForward(ctx, t)
	} else {
		err = m.establishReverse(ctx, t)
	}
	if err != nil {
		m.mu.Lock()
		delete(m.tunnels, desc)
		m.mu.Unlock()
		t.createErr = err
		close(t.ready)
		return nil, err
	}

	close(t.ready)
	slog.Info("tunnel established",
		slog.String("tunnel_id", t.id),
		slog.String("descriptor", desc.String()),
	)
	return t, nil
}

// await blocks a coalesced create until the first one resolves.
func (m *TunnelManager) await(ctx context.Context, t *Tunnel) (*Tunnel, error) {
	select {
	case <-t.ready:
		if t.createErr != nil {
			return nil, t.createErr
		}
		return t, nil
	case <-m.done:
		return nil, ErrManagerClosed
	case <-ctx.Done():
		m.mu.Lock()
		if !t.closed && t.refs > 0 {
			t.refs--
		}
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// establishForward binds the local listener, then asks the peer to install
// its connector. Bind failures surface the OS error verbatim before anything
// is sent.
func (m *TunnelManager) establishForward(ctx context.Context, t *Tunnel) error {
	desc := t.desc
	ln, err := m.listener.Listen(desc.Family.network(), desc.Family.wildcardAddr(desc.LocalPort))
	if err != nil {
		return err
	}

	reply, err := m.registerPending(t.id)
	if err != nil {
		ln.Close()
		return err
	}
	if err := m.sendMessage(protocol.CreateProxy(t.id, desc.RemotePort, desc.Family == FamilyIPv4)); err != nil {
		m.unregisterPending(t.id)
		ln.Close()
		return err
	}

	select {
	case detail := <-reply:
		if detail != nil {
			ln.Close()
			return &RemoteBindError{Code: detail.Code, Message: detail.Message}
		}
	case <-m.done:
		ln.Close()
		return ErrManagerClosed
	case <-ctx.Done():
		m.unregisterPending(t.id)
		ln.Close()
		// The request is already on the wire; tell the peer to drop
		// whatever connector it installed for this id.
		m.sendAsync(protocol.CloseProxy(t.id))
		return ctx.Err()
	}

	p := newProxy(t.id, ln, m.sendAsync)
	if !m.installEndpoint(t.id, p) {
		ln.Close()
		return ErrManagerClosed
	}
	p.start()
	return nil
}

// establishReverse installs the local connector, then asks the peer to bind
// the remote listener. The connector must be routable before the peer can
// announce connections, so it is installed ahead of the request.
func (m *TunnelManager) establishReverse(ctx context.Context, t *Tunnel) error {
	cn := newConnector(t.id, t.desc.LocalPort, FamilyIPv4, m.dialer, m.sendAsync)
	if !m.installEndpoint(t.id, cn) {
		return ErrManagerClosed
	}

	reply, err := m.registerPending(t.id)
	if err != nil {
		m.removeEndpoint(t.id)
		return err
	}
	if err := m.sendMessage(protocol.CreateReverseProxy(t.id, t.desc.RemotePort)); err != nil {
		m.unregisterPending(t.id)
		m.removeEndpoint(t.id)
		return err
	}

	select {
	case detail := <-reply:
		if detail != nil {
			m.removeEndpoint(t.id)
			return &RemoteBindError{Code: detail.Code, Message: detail.Message}
		}
		return nil
	case <-m.done:
		m.removeEndpoint(t.id)
		return ErrManagerClosed
	case <-ctx.Done():
		m.unregisterPending(t.id)
		m.removeEndpoint(t.id)
		// The peer may already hold (or be about to bind) the remote
		// listener for this id; tell it to let go.
		m.sendAsync(protocol.CloseProxy(t.id))
		return ctx.Err()
	}
}

// release implements Tunnel.Close.
func (m *TunnelManager) release(t *Tunnel) error {
	m.mu.Lock()
	if m.closed || t.closed {
		m.mu.Unlock()
		return nil
	}
	if t.refs > 0 {
		t.refs--
	}
	if t.refs > 0 {
		m.mu.Unlock()
		return nil
	}
	t.closed = true
	delete(m.tunnels, t.desc)
	ep := m.endpoints[t.id]
	delete(m.endpoints, t.id)
	m.mu.Unlock()

	m.sendAsync(protocol.CloseProxy(t.id))
	if ep != nil {
		// Refcount-zero close drains: data the peer already sent is still
		// written out; only manager-wide Close is abrupt.
		ep.shutdown(true)
	}

	slog.Info("tunnel closed",
		slog.String("tunnel_id", t.id),
		slog.String("descriptor", t.desc.String()),
	)
	return nil
}

// Done returns a channel closed when the manager shuts down, whether by
// Close or by the control link ending.
func (m *TunnelManager) Done() <-chan struct{} {
	return m.done
}

// Close tears down every endpoint and socket, rejects in-flight creates and
// stops consuming the inbound stream. Idempotent.
func (m *TunnelManager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		eps := make([]endpoint, 0, len(m.endpoints))
		for _, ep := range m.endpoints {
			eps = append(eps, ep)
		}
		m.endpoints = make(map[string]endpoint)
		m.tunnels = make(map[Descriptor]*Tunnel)
		m.pending = make(map[string]chan *protocol.ErrorDetail)
		m.mu.Unlock()

		close(m.done)
		for _, ep := range eps {
			ep.shutdown(false)
		}
		m.transport.Close()

		slog.Info("tunnel manager closed")
	})
	return nil
}

// readLoop is the manager's single dispatch goroutine: every inbound message
// is parsed and applied here, serializing all effects on the shared tables.
func (m *TunnelManager) readLoop() {
	for {
		select {
		case <-m.done:
			return
		case raw, ok := <-m.transport.Messages():
			if !ok {
				// Transport end-of-stream is manager closure.
				slog.Info("control link closed, shutting down tunnel manager")
				m.Close()
				return
			}
			msg, err := protocol.Unmarshal(raw)
			if err != nil {
				slog.Warn("discarding malformed control message", slog.String("error", err.Error()))
				continue
			}
			m.dispatch(msg)
		}
	}
}

func (m *TunnelManager) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeCreateProxy:
		m.handleCreateProxy(msg)
	case protocol.TypeCreateReverseProxy:
		m.handleCreateReverseProxy(msg)
	case protocol.TypeProxyCreated, protocol.TypeProxyError:
		m.handleProxyReply(msg)
	case protocol.TypeCloseProxy:
		m.handleCloseProxy(msg)
	case protocol.TypeNewConnection, protocol.TypeData, protocol.TypeEnd, protocol.TypeClose:
		m.mu.Lock()
		ep := m.endpoints[msg.TunnelID]
		m.mu.Unlock()
		if ep == nil {
			// Connection traffic may trail a closeProxy; drop it.
			return
		}
		ep.route(msg)
	default:
		slog.Warn("ignoring unknown message type", slog.String("type", string(msg.Type)))
	}
}

// handleCreateProxy installs a connector that will dial the requested port
// for each connection of the peer's forward tunnel.
func (m *TunnelManager) handleCreateProxy(msg protocol.Message) {
	family := FamilyIPv6
	if msg.UseIPv4 {
		family = FamilyIPv4
	}
	cn := newConnector(msg.TunnelID, msg.RemotePort, family, m.dialer, m.sendAsync)
	if !m.installEndpoint(msg.TunnelID, cn) {
		return
	}
	m.sendAsync(protocol.ProxyCreated(msg.TunnelID))
}

// handleCreateReverseProxy binds the listener for the peer's reverse tunnel.
// The listener is dual-stack, matching the default server bind of the
// original service.
func (m *TunnelManager) handleCreateReverseProxy(msg protocol.Message) {
	ln, err := m.listener.Listen("tcp", fmt.Sprintf(":%d", msg.RemotePort))
	if err != nil {
		slog.Warn("reverse proxy bind failed",
			slog.String("tunnel_id", msg.TunnelID),
			slog.Int("port", msg.RemotePort),
			slog.String("error", err.Error()),
		)
		m.sendAsync(protocol.ProxyError(msg.TunnelID, &protocol.ErrorDetail{
			Code:    osErrorCode(err),
			Message: err.Error(),
		}))
		return
	}

	p := newProxy(msg.TunnelID, ln, m.sendAsync)
	if !m.installEndpoint(msg.TunnelID, p) {
		ln.Close()
		return
	}
	// Accept before acknowledging, so the port is live once the peer resolves.
	p.start()
	m.sendAsync(protocol.ProxyCreated(msg.TunnelID))
}

func (m *TunnelManager) handleProxyReply(msg protocol.Message) {
	m.mu.Lock()
	ch := m.pending[msg.TunnelID]
	delete(m.pending, msg.TunnelID)
	m.mu.Unlock()
	if ch == nil {
		slog.Debug("proxy reply without pending create", slog.String("tunnel_id", msg.TunnelID))
		return
	}
	if msg.Type == protocol.TypeProxyError {
		detail := msg.Error
		if detail == nil {
			detail = &protocol.ErrorDetail{Message: "peer reported proxy error"}
		}
		ch <- detail
		return
	}
	ch <- nil
}

func (m *TunnelManager) handleCloseProxy(msg protocol.Message) {
	m.mu.Lock()
	ep := m.endpoints[msg.TunnelID]
	delete(m.endpoints, msg.TunnelID)
	m.mu.Unlock()
	if ep != nil {
		ep.shutdown(true)
	}
}

func (m *TunnelManager) registerPending(tunnelID string) (chan *protocol.ErrorDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	ch := make(chan *protocol.ErrorDetail, 1)
	m.pending[tunnelID] = ch
	return ch, nil
}

func (m *TunnelManager) unregisterPending(tunnelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, tunnelID)
}

func (m *TunnelManager) installEndpoint(tunnelID string, ep endpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.endpoints[tunnelID] = ep
	return true
}

func (m *TunnelManager) removeEndpoint(tunnelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, tunnelID)
}

// sendMessage marshals and transmits one message, returning any failure.
func (m *TunnelManager) sendMessage(msg protocol.Message) error {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	if err := m.transport.Send(raw); err != nil {
		return fmt.Errorf("send %s message: %w", msg.Type, err)
	}
	return nil
}

// sendAsync is sendMessage for paths with nobody to report to; failures are
// logged unless the manager is already going down.
func (m *TunnelManager) sendAsync(msg protocol.Message) {
	if err := m.sendMessage(msg); err != nil {
		select {
		case <-m.done:
		default:
			slog.Warn("failed to send control message",
				slog.String("type", string(msg.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}
