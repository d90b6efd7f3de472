package transport

import (
	"errors"
	"fmt"
)

const (
	OpDial  = "dial"
	OpWrite = "write"
	OpRead  = "read"
	OpSend  = "send"
)

var (
	ErrConnBroken    = errors.New("transport: connection broken")
	ErrReplyMismatch = errors.New("transport: reply message id mismatch")
	ErrPoolClosed    = errors.New("transport: pool closed")
	ErrNoReply       = errors.New("transport: handler produced no reply")
)

// Error reports a failure to reach or converse with a peer. The connection
// it happened on is unusable afterwards.
type Error struct {
	Op   string
	Addr string
	Err  error
	// Sent is false when the request never left this process.
	Sent bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err came from the transport layer.
func IsTransport(err error) bool {
	var terr *Error
	return errors.As(err, &terr)
}
