package tunnel

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrManagerClosed is returned by create calls made after (or interrupted by)
// TunnelManager.Close.
var ErrManagerClosed = errors.New("tunnel manager is closed")

// RemoteBindError reports a proxyError from the peer, preserving the peer's
// structured code (e.g. "EADDRINUSE") and message so callers can pattern-match.
type RemoteBindError struct {
	Code    string
	Message string
}

func (e *RemoteBindError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote bind failed: %s", e.Message)
	}
	return fmt.Sprintf("remote bind failed: %s (%s)", e.Message, e.Code)
}

// osErrorCode maps a bind or dial error to its POSIX code name for the wire.
func osErrorCode(err error) string {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return "EUNKNOWN"
	}
	switch errno {
	case syscall.EADDRINUSE:
		return "EADDRINUSE"
	case syscall.EADDRNOTAVAIL:
		return "EADDRNOTAVAIL"
	case syscall.EACCES:
		return "EACCES"
	case syscall.ECONNREFUSED:
		return "ECONNREFUSED"
	case syscall.ECONNRESET:
		return "ECONNRESET"
	case syscall.ETIMEDOUT:
		return "ETIMEDOUT"
	default:
		return "EUNKNOWN"
	}
}
