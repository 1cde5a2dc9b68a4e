package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// WS carries tunnel protocol messages as WebSocket text frames.
type WS struct {
	conn *websocket.Conn
	msgs chan string

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// newWS wraps an established WebSocket connection and starts its read loop.
func newWS(conn *websocket.Conn) *WS {
	ctx, cancel := context.WithCancel(context.Background())
	w := &WS{
		conn:   conn,
		msgs:   make(chan string, pipeQueueDepth),
		ctx:    ctx,
		cancel: cancel,
	}
	go w.readLoop()
	return w
}

// DialWS dials a WebSocket control endpoint (e.g. ws://host:port/tunnel).
func DialWS(ctx context.Context, url string) (*WS, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWS(conn), nil
}

// AcceptWS upgrades an inbound HTTP request to a WebSocket control link.
func AcceptWS(w http.ResponseWriter, r *http.Request) (*WS, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, err
	}
	return newWS(conn), nil
}

func (w *WS) readLoop() {
	defer close(w.msgs)
	for {
		typ, data, err := w.conn.Read(w.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			slog.Warn("ignoring non-text frame on control link")
			continue
		}
		select {
		case w.msgs <- string(data):
		case <-w.ctx.Done():
			return
		}
	}
}

// Send transmits one message as a text frame.
func (w *WS) Send(msg string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.Write(w.ctx, websocket.MessageText, []byte(msg))
}

// Messages returns the inbound stream. Closed when the socket ends.
func (w *WS) Messages() <-chan string {
	return w.msgs
}

// Close closes the WebSocket with a normal-closure status.
func (w *WS) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		w.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}
