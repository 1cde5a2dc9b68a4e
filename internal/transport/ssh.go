package transport

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// SSHChannelName is the SSH channel type that carries the control link.
const SSHChannelName = "portmux"

// maxLineBytes bounds one newline-delimited message. Data frames carry at most
// 32 KiB of payload, which base64 and JSON framing keep well under this.
const maxLineBytes = 1 << 20

// SSH carries tunnel protocol messages as newline-delimited records over a
// dedicated SSH channel.
type SSH struct {
	ch      ssh.Channel
	carrier io.Closer // the ssh client/conn owning the channel, may be nil
	msgs    chan string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewSSH wraps an accepted or opened SSH channel and starts its read loop.
// carrier, if non-nil, is closed together with the channel.
func NewSSH(ch ssh.Channel, carrier io.Closer) *SSH {
	s := &SSH{
		ch:      ch,
		carrier: carrier,
		msgs:    make(chan string, pipeQueueDepth),
	}
	go s.readLoop()
	return s
}

// DialSSH connects to an SSH endpoint and opens the control channel on it.
func DialSSH(addr string, cfg *ssh.ClientConfig) (*SSH, error) {
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial ssh %s: %w", addr, err)
	}
	ch, reqs, err := client.OpenChannel(SSHChannelName, nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open %s channel: %w", SSHChannelName, err)
	}
	go ssh.DiscardRequests(reqs)
	return NewSSH(ch, client), nil
}

func (s *SSH) readLoop() {
	defer close(s.msgs)
	scanner := bufio.NewScanner(s.ch)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.msgs <- scanner.Text()
	}
}

// Send transmits one message as a newline-terminated record. JSON never
// contains raw newlines, so the framing is unambiguous.
func (s *SSH) Send(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.ch.Write([]byte(msg + "\n")); err != nil {
		return fmt.Errorf("write control message: %w", err)
	}
	return nil
}

// Messages returns the inbound stream. Closed when the channel ends.
func (s *SSH) Messages() <-chan string {
	return s.msgs
}

// Close closes the channel and, when owned, the underlying SSH connection.
func (s *SSH) Close() error {
	s.closeOnce.Do(func() {
		s.ch.Close()
		if s.carrier != nil {
			s.carrier.Close()
		}
	})
	return nil
}
