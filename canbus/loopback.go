package canbus

import "sync"

// LoopbackBus is one endpoint of an in-memory bus pair. Frames sent on one
// endpoint arrive on the other, in order. It is used by tests and by the
// daemon's loopback mode.
type LoopbackBus struct {
	out chan<- Frame
	in  <-chan Frame

	mu     sync.Mutex
	closed chan struct{}
}

// NewLoopback returns two connected bus endpoints with queues of the given
// capacity in each direction.
func NewLoopback(capacity int) (*LoopbackBus, *LoopbackBus) {
	ab := make(chan Frame, capacity)
	ba := make(chan Frame, capacity)
	a := &LoopbackBus{out: ab, in: ba, closed: make(chan struct{})}
	b := &LoopbackBus{out: ba, in: ab, closed: a.closed}
	return a, b
}

// Send fails with ErrClosed once Close has returned, even while the queue
// still has room.
func (l *LoopbackBus) Send(frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	select {
	case l.out <- frame:
		return nil
	case <-l.closed:
		return ErrClosed
	}
}

// Receive drains frames queued before the close; it reports ErrClosed only
// once the queue is empty.
func (l *LoopbackBus) Receive() (Frame, error) {
	select {
	case frame := <-l.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-l.in:
		return frame, nil
	case <-l.closed:
		return Frame{}, ErrClosed
	}
}

// Close closes both endpoints of the pair.
func (l *LoopbackBus) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}
