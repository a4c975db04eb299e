package canbus

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrQueueFull is returned by Channel.Send when the transmit queue stayed
// full for the whole caller timeout. It is retryable.
var ErrQueueFull = errors.New("canbus: transmit queue full")

// Channel is the async boundary over a Bus. The bus reader goroutine only
// enqueues raw frames into a fixed-capacity queue; all protocol work happens
// in the single consumer draining Receive. Outbound frames pass through a
// fixed-capacity transmit queue drained by a writer goroutine, so
// back-pressure is deterministic: capacities never grow at runtime.
type Channel struct {
	bus    Bus
	rx     chan Frame
	tx     chan Frame
	tracer Tracer
	log    *slog.Logger
}

// NewChannel wraps bus with bounded receive/transmit queues of the given
// capacities.
func NewChannel(bus Bus, rxCap, txCap int, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		bus: bus,
		rx:  make(chan Frame, rxCap),
		tx:  make(chan Frame, txCap),
		log: log,
	}
}

// SetTracer installs a frame tracer. Must be called before Run.
func (c *Channel) SetTracer(t Tracer) { c.tracer = t }

// Run services the bus until ctx is cancelled or the bus closes. It owns the
// only goroutines that touch the bus directly.
func (c *Channel) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		for {
			frame, err := c.bus.Receive()
			if err != nil {
				errCh <- err
				return
			}
			if c.tracer != nil {
				c.tracer.Trace(DirRx, frame)
			}
			select {
			case c.rx <- frame:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case frame := <-c.tx:
				if c.tracer != nil {
					c.tracer.Trace(DirTx, frame)
				}
				if err := c.bus.Send(frame); err != nil {
					errCh <- err
					return
				}
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	err := <-errCh
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Receive yields the next inbound frame in arrival order. It is intended for
// a single consumer.
func (c *Channel) Receive(ctx context.Context) (Frame, error) {
	select {
	case frame := <-c.rx:
		return frame, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Frames exposes the inbound queue for select-based consumers.
func (c *Channel) Frames() <-chan Frame { return c.rx }

// Send enqueues frame for transmission, suspending the caller only while the
// transmit queue is full. If the queue stays full past timeout it fails with
// ErrQueueFull; frames are never silently dropped.
func (c *Channel) Send(ctx context.Context, frame Frame, timeout time.Duration) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	select {
	case c.tx <- frame:
		return nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.tx <- frame:
		return nil
	case <-t.C:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TxQueue exposes the transmit queue so session state machines can emit
// frames from their own select loops.
func (c *Channel) TxQueue() chan<- Frame { return c.tx }
