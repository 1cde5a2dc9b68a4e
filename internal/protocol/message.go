// Package protocol defines the wire messages exchanged between two tunnel
// managers over the control link. Messages are UTF-8 JSON objects with a
// "type" discriminator; fields beyond the known ones are ignored for forward
// compatibility. Data payloads travel base64-encoded.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Type discriminates wire messages.
type Type string

// Message kinds. The create/close kinds flow requester to peer; connection
// kinds flow in both directions.
const (
	TypeCreateProxy        Type = "createProxy"
	TypeCreateReverseProxy Type = "createReverseProxy"
	TypeProxyCreated       Type = "proxyCreated"
	TypeProxyError         Type = "proxyError"
	TypeNewConnection      Type = "newConnection"
	TypeData               Type = "data"
	TypeEnd                Type = "end"
	TypeClose              Type = "close"
	TypeCloseProxy         Type = "closeProxy"
)

// ErrorDetail carries a structured failure from the peer, preserving the
// OS-level code (e.g. "EADDRINUSE") so callers can pattern-match.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Message is one protocol record. Only the fields relevant to the given Type
// are populated; the rest marshal away via omitempty.
type Message struct {
	Type         Type         `json:"type"`
	TunnelID     string       `json:"tunnelId,omitempty"`
	ConnectionID string       `json:"connectionId,omitempty"`
	RemotePort   int          `json:"remotePort,omitempty"`
	UseIPv4      bool         `json:"useIPv4,omitempty"`
	Payload      string       `json:"payload,omitempty"`
	Error        *ErrorDetail `json:"error,omitempty"`
}

// Marshal encodes a message for the transport.
func Marshal(m Message) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal %s message: %w", m.Type, err)
	}
	return string(b), nil
}

// Unmarshal decodes one inbound record. A record that parses but carries no
// type is malformed; unknown types are returned as-is for the dispatcher to
// log and ignore.
func Unmarshal(raw string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message has no type field")
	}
	return m, nil
}

// DecodePayload returns the raw bytes of a data message.
func (m Message) DecodePayload() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return b, nil
}

// CreateProxy asks the peer to install a connector that will dial remotePort
// for each accepted connection of a forward tunnel.
func CreateProxy(tunnelID string, remotePort int, useIPv4 bool) Message {
	return Message{Type: TypeCreateProxy, TunnelID: tunnelID, RemotePort: remotePort, UseIPv4: useIPv4}
}

// CreateReverseProxy asks the peer to bind a listener on remotePort for a
// reverse tunnel.
func CreateReverseProxy(tunnelID string, remotePort int) Message {
	return Message{Type: TypeCreateReverseProxy, TunnelID: tunnelID, RemotePort: remotePort}
}

// ProxyCreated acknowledges a createProxy or createReverseProxy.
func ProxyCreated(tunnelID string) Message {
	return Message{Type: TypeProxyCreated, TunnelID: tunnelID}
}

// ProxyError rejects a createProxy or createReverseProxy with a structured cause.
func ProxyError(tunnelID string, detail *ErrorDetail) Message {
	return Message{Type: TypeProxyError, TunnelID: tunnelID, Error: detail}
}

// NewConnection announces an accepted connection on the listening side.
func NewConnection(tunnelID, connectionID string) Message {
	return Message{Type: TypeNewConnection, TunnelID: tunnelID, ConnectionID: connectionID}
}

// Data carries one chunk of a connection's bytestream.
func Data(tunnelID, connectionID string, chunk []byte) Message {
	return Message{
		Type:         TypeData,
		TunnelID:     tunnelID,
		ConnectionID: connectionID,
		Payload:      base64.StdEncoding.EncodeToString(chunk),
	}
}

// End signals a half-close: the sender's socket saw EOF from its client.
func End(tunnelID, connectionID string) Message {
	return Message{Type: TypeEnd, TunnelID: tunnelID, ConnectionID: connectionID}
}

// Close signals the sender's socket is fully closed or errored.
func Close(tunnelID, connectionID string) Message {
	return Message{Type: TypeClose, TunnelID: tunnelID, ConnectionID: connectionID}
}

// CloseProxy tears down the named tunnel endpoint on the peer.
func CloseProxy(tunnelID string) Message {
	return Message{Type: TypeCloseProxy, TunnelID: tunnelID}
}
