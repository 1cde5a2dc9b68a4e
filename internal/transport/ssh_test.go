package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal in-process SSH endpoint that accepts one portmux
// channel per connection and exposes it as a transport.
type testSSHServer struct {
	listener net.Listener
	links    chan *SSH
}

func startSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &testSSHServer{listener: listener, links: make(chan *SSH, 1)}
	go s.acceptLoop(config)
	t.Cleanup(func() { listener.Close() })
	return s
}

func (s *testSSHServer) acceptLoop(config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
			if err != nil {
				return
			}
			go ssh.DiscardRequests(reqs)
			for newCh := range chans {
				if newCh.ChannelType() != SSHChannelName {
					newCh.Reject(ssh.UnknownChannelType, "unsupported channel")
					continue
				}
				ch, chReqs, err := newCh.Accept()
				if err != nil {
					continue
				}
				go ssh.DiscardRequests(chReqs)
				s.links <- NewSSH(ch, sshConn)
			}
		}()
	}
}

func testClientConfig() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            "test",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
}

func TestSSH_RoundTrip(t *testing.T) {
	srv := startSSHServer(t)

	client, err := DialSSH(srv.listener.Addr().String(), testClientConfig())
	if err != nil {
		t.Fatalf("DialSSH failed: %v", err)
	}
	defer client.Close()

	var server *SSH
	select {
	case server = <-srv.links:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the channel")
	}
	defer server.Close()

	if err := client.Send(`{"type":"newConnection","tunnelId":"t1","connectionId":"c1"}`); err != nil {
		t.Fatalf("client Send failed: %v", err)
	}
	select {
	case msg := <-server.Messages():
		if !strings.Contains(msg, "newConnection") {
			t.Errorf("unexpected message: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the message")
	}

	if err := server.Send(`{"type":"close","tunnelId":"t1","connectionId":"c1"}`); err != nil {
		t.Fatalf("server Send failed: %v", err)
	}
	select {
	case msg := <-client.Messages():
		if !strings.Contains(msg, `"close"`) {
			t.Errorf("unexpected message: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not receive the reply")
	}
}

func TestSSH_CloseEndsPeerStream(t *testing.T) {
	srv := startSSHServer(t)

	client, err := DialSSH(srv.listener.Addr().String(), testClientConfig())
	if err != nil {
		t.Fatalf("DialSSH failed: %v", err)
	}

	var server *SSH
	select {
	case server = <-srv.links:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the channel")
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

func TestSSH_RejectsOtherChannelTypes(t *testing.T) {
	srv := startSSHServer(t)

	client, err := ssh.Dial("tcp", srv.listener.Addr().String(), testClientConfig())
	if err != nil {
		t.Fatalf("ssh.Dial failed: %v", err)
	}
	defer client.Close()

	if _, _, err := client.OpenChannel("bogus", nil); err == nil {
		t.Error("expected rejection of unknown channel type")
	}
}
