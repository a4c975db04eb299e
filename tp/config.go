package tp

import (
	"fmt"
	"time"
)

// Config holds the tunable parameters of one transport session.
type Config struct {
	// Transmitter side timeouts.
	TimeoutN_As time.Duration // budget for handing a frame to the transmit queue (sender side)
	TimeoutN_Bs time.Duration // budget for receiving a flow control frame

	// Receiver side timeouts.
	TimeoutN_Ar time.Duration // budget for handing a frame to the transmit queue (receiver side)
	TimeoutN_Br time.Duration // re-evaluation interval while answering Wait under back-pressure
	TimeoutN_Cr time.Duration // budget for receiving the next consecutive frame

	// Flow control parameters advertised to the peer.
	BlockSize int  // consecutive frames per block, 0 = unlimited
	STmin     byte // raw separation time byte, 0 = no delay

	// MaxWaitFrame bounds how many flow control Wait frames either side
	// tolerates before aborting. 0 means Wait is not supported at all.
	MaxWaitFrame int

	// MaxMessageSize caps reassembly and segmentation buffers. They are
	// allocated once at this capacity and never grow.
	MaxMessageSize int

	// FrameCapacity is the CAN frame data length, 8 for classical CAN.
	FrameCapacity int

	// PublishTimeout bounds how long a completed message may wait for space
	// in the completed-message queue before the session aborts with overflow.
	PublishTimeout time.Duration

	// CompletedQueue is the capacity of the completed-message queue.
	CompletedQueue int

	// Padding, if set, pads transmitted frames to FrameCapacity bytes.
	Padding *byte

	// Clock supplies timers; nil selects the system clock.
	Clock Clock
}

// DefaultConfig returns the ISO 15765-2 recommended parameters: 1000 ms
// N_Bs/N_Cr budgets, unlimited block size and no separation delay.
func DefaultConfig() Config {
	return Config{
		TimeoutN_As: 1000 * time.Millisecond,
		TimeoutN_Bs: 1000 * time.Millisecond,
		TimeoutN_Ar: 1000 * time.Millisecond,
		TimeoutN_Br: 100 * time.Millisecond,
		TimeoutN_Cr: 1000 * time.Millisecond,

		BlockSize: 0,
		STmin:     0,

		MaxWaitFrame:   8,
		MaxMessageSize: MaxMessageLen,
		FrameCapacity:  DefaultFrameCapacity,
		PublishTimeout: 500 * time.Millisecond,
		CompletedQueue: 4,
	}
}

// Validate checks the configuration for values the state machine cannot run
// with.
func (c *Config) Validate() error {
	if c.TimeoutN_As <= 0 || c.TimeoutN_Ar <= 0 || c.TimeoutN_Bs <= 0 || c.TimeoutN_Cr <= 0 {
		return fmt.Errorf("tp: timeouts must be positive")
	}
	if c.TimeoutN_Br <= 0 {
		return fmt.Errorf("tp: N_Br interval must be positive")
	}
	if c.BlockSize < 0 || c.BlockSize > 0xFF {
		return fmt.Errorf("tp: block size must be within 0..255")
	}
	if c.MaxWaitFrame < 0 {
		return fmt.Errorf("tp: max wait frame count must not be negative")
	}
	if c.MaxMessageSize <= 0 || c.MaxMessageSize > MaxMessageLen {
		return fmt.Errorf("tp: max message size must be within 1..%d", MaxMessageLen)
	}
	if c.FrameCapacity < 3 || c.FrameCapacity > DefaultFrameCapacity {
		return fmt.Errorf("tp: frame capacity must be within 3..%d", DefaultFrameCapacity)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("tp: publish timeout must be positive")
	}
	if c.CompletedQueue <= 0 {
		return fmt.Errorf("tp: completed queue capacity must be positive")
	}
	return nil
}
