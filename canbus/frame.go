// Package canbus provides the CAN frame value type, the bus abstraction and
// the bounded frame channel that decouples protocol work from bus I/O.
package canbus

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Identifier limits for classical CAN.
const (
	MaxStandardID uint32 = 0x7FF
	MaxExtendedID uint32 = 0x1FFFFFFF
)

var (
	ErrInvalidID  = errors.New("canbus: invalid identifier")
	ErrInvalidLen = errors.New("canbus: invalid data length")
)

// Frame is a classical CAN (2.0A/2.0B) data frame. It is a value type;
// once constructed it is never mutated.
type Frame struct {
	ID       uint32 // 11-bit (standard) or 29-bit (extended)
	Data     []byte // 0..8 bytes
	Extended bool
}

// NewFrame builds a Frame with its own copy of data.
func NewFrame(id uint32, data []byte, extended bool) Frame {
	d := make([]byte, len(data))
	copy(d, data)
	return Frame{ID: id, Data: d, Extended: extended}
}

// Validate returns an error if the frame violates classical CAN limits.
func (f Frame) Validate() error {
	if len(f.Data) > 8 {
		return ErrInvalidLen
	}
	if f.Extended {
		if f.ID > MaxExtendedID {
			return ErrInvalidID
		}
	} else if f.ID > MaxStandardID {
		return ErrInvalidID
	}
	return nil
}

func (f Frame) String() string {
	if f.Extended {
		return fmt.Sprintf("<Frame %08x [%d] %s>", f.ID, len(f.Data), hex.EncodeToString(f.Data))
	}
	return fmt.Sprintf("<Frame %03x [%d] %s>", f.ID, len(f.Data), hex.EncodeToString(f.Data))
}
