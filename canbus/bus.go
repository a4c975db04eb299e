package canbus

import "errors"

// ErrClosed indicates the bus has been closed.
var ErrClosed = errors.New("canbus: closed")

// Bus is a raw CAN frame source and sink. Implementations must be safe for
// one concurrent reader and one concurrent writer.
type Bus interface {
	// Send transmits a frame. It may block until the frame is queued by the
	// underlying driver.
	Send(frame Frame) error

	// Receive blocks until the next frame arrives or the bus is closed, in
	// which case it returns ErrClosed.
	Receive() (Frame, error)

	// Close releases the bus. Pending and further calls return ErrClosed.
	Close() error
}

// Direction tags a frame as entering or leaving the bridge, for tracing.
type Direction uint8

const (
	DirRx Direction = iota
	DirTx
)

func (d Direction) String() string {
	if d == DirRx {
		return "rx"
	}
	return "tx"
}

// Tracer observes every frame crossing a Channel. Implementations must not
// block; they run on the channel's I/O goroutines.
type Tracer interface {
	Trace(dir Direction, frame Frame)
}
