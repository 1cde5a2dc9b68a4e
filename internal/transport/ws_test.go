package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// startWSServer brings up an httptest server whose /tunnel endpoint hands the
// accepted transport to the given callback.
func startWSServer(t *testing.T, onLink func(*WS)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		link, err := AcceptWS(w, r)
		if err != nil {
			t.Errorf("AcceptWS failed: %v", err)
			return
		}
		onLink(link)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/tunnel"
}

func TestWS_RoundTrip(t *testing.T) {
	serverLink := make(chan *WS, 1)
	srv := startWSServer(t, func(link *WS) { serverLink <- link })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialWS(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("DialWS failed: %v", err)
	}
	defer client.Close()

	var server *WS
	select {
	case server = <-serverLink:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the link")
	}
	defer server.Close()

	if err := client.Send(`{"type":"createProxy","tunnelId":"t1"}`); err != nil {
		t.Fatalf("client Send failed: %v", err)
	}
	select {
	case msg := <-server.Messages():
		if !strings.Contains(msg, "createProxy") {
			t.Errorf("unexpected message: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the message")
	}

	if err := server.Send(`{"type":"proxyCreated","tunnelId":"t1"}`); err != nil {
		t.Fatalf("server Send failed: %v", err)
	}
	select {
	case msg := <-client.Messages():
		if !strings.Contains(msg, "proxyCreated") {
			t.Errorf("unexpected message: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not receive the reply")
	}
}

func TestWS_CloseEndsPeerStream(t *testing.T) {
	serverLink := make(chan *WS, 1)
	srv := startWSServer(t, func(link *WS) { serverLink <- link })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialWS(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("DialWS failed: %v", err)
	}

	var server *WS
	select {
	case server = <-serverLink:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the link")
	}
	defer server.Close()

	client.Close()

	select {
	case _, ok := <-server.Messages():
		if ok {
			t.Error("expected closed stream after peer close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server stream did not close")
	}
}

func TestWS_CloseIdempotent(t *testing.T) {
	srv := startWSServer(t, func(link *WS) { link.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialWS(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("DialWS failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
