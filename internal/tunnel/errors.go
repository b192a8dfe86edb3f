package tunnel

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfOrder   = errors.New("block out of order")
	ErrBacklogFull  = errors.New("pending backlog full")
	ErrConnClosed   = errors.New("connection closed")
	ErrTunnelClosed = errors.New("tunnel closed")
	ErrNoTunnel     = errors.New("no tunnel available")
	ErrIDsExhausted = errors.New("no free connection id")
)

// SequenceError reports a data block whose sequence number is not the one
// the connection expects next. It matches ErrOutOfOrder.
type SequenceError struct {
	ConnID   uint32
	Expected uint16
	Received uint16
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("connection %08x: expected sequence %d, received %d", e.ConnID, e.Expected, e.Received)
}

func (e *SequenceError) Is(target error) bool {
	return target == ErrOutOfOrder
}
