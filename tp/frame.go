// Package tp implements the ISO 15765-2 transport layer for classical CAN:
// a stateless frame codec and a per-conversation session state machine that
// handles segmentation, reassembly and the flow control handshake.
package tp

import (
	"fmt"
	"time"
)

// PCI type nibbles, high four bits of the first payload byte.
const (
	pciSingleFrame      = 0x00
	pciFirstFrame       = 0x10
	pciConsecutiveFrame = 0x20
	pciFlowControl      = 0x30
)

// MaxMessageLen is the largest payload expressible in the classical 12-bit
// first frame length field.
const MaxMessageLen = 4095

// FlowStatus is the status nibble of a flow control frame.
type FlowStatus uint8

const (
	FlowStatusContinueToSend FlowStatus = 0x00
	FlowStatusWait           FlowStatus = 0x01
	FlowStatusOverflow       FlowStatus = 0x02
)

func (fs FlowStatus) String() string {
	switch fs {
	case FlowStatusContinueToSend:
		return "CTS"
	case FlowStatusWait:
		return "WAIT"
	case FlowStatusOverflow:
		return "OVFLW"
	}
	return fmt.Sprintf("FlowStatus(%d)", uint8(fs))
}

// Frame is one decoded ISO-TP protocol data unit.
type Frame interface {
	isotpFrame()
}

// SingleFrame carries a complete message of up to 7 bytes.
type SingleFrame struct {
	Data []byte
}

// FirstFrame opens a segmented transfer of TotalLen bytes, carrying the
// first 6 of them.
type FirstFrame struct {
	TotalLen int
	Data     []byte
}

// ConsecutiveFrame carries up to 7 further bytes of a segmented transfer.
// Seq cycles 1..15,0,1,... starting after the first frame.
type ConsecutiveFrame struct {
	Seq  int
	Data []byte
}

// FlowControlFrame is the receiver's answer to a first frame or a completed
// block.
type FlowControlFrame struct {
	Status    FlowStatus
	BlockSize int
	STmin     time.Duration
	STminRaw  byte
}

func (SingleFrame) isotpFrame()      {}
func (FirstFrame) isotpFrame()       {}
func (ConsecutiveFrame) isotpFrame() {}
func (FlowControlFrame) isotpFrame() {}

// DecodeFrame classifies a raw CAN payload into an ISO-TP frame. The
// returned frame aliases data; callers that retain it must copy.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return nil, InvalidFrameError{Reason: "empty payload"}
	}

	switch data[0] & 0xF0 {
	case pciSingleFrame:
		length := int(data[0] & 0x0F)
		if length > 7 {
			return nil, InvalidFrameError{Reason: fmt.Sprintf("single frame length %d exceeds 7", length)}
		}
		if length > len(data)-1 {
			return nil, InvalidFrameError{Reason: fmt.Sprintf("single frame length %d exceeds payload %d", length, len(data)-1)}
		}
		return SingleFrame{Data: data[1 : 1+length]}, nil

	case pciFirstFrame:
		if len(data) < 2 {
			return nil, InvalidFrameError{Reason: "first frame shorter than 2 bytes"}
		}
		total := (int(data[0]&0x0F) << 8) | int(data[1])
		if total == 0 {
			// 32-bit escape length, CAN FD only.
			return nil, InvalidFrameError{Reason: "escaped first frame length not supported"}
		}
		chunk := data[2:]
		if len(chunk) > total {
			chunk = chunk[:total]
		}
		return FirstFrame{TotalLen: total, Data: chunk}, nil

	case pciConsecutiveFrame:
		if len(data) < 2 {
			return nil, InvalidFrameError{Reason: "consecutive frame carries no data"}
		}
		return ConsecutiveFrame{Seq: int(data[0] & 0x0F), Data: data[1:]}, nil

	case pciFlowControl:
		if len(data) < 3 {
			return nil, InvalidFrameError{Reason: "flow control frame shorter than 3 bytes"}
		}
		status := FlowStatus(data[0] & 0x0F)
		if status > FlowStatusOverflow {
			return nil, InvalidFrameError{Reason: fmt.Sprintf("unknown flow status %d", status)}
		}
		return FlowControlFrame{
			Status:    status,
			BlockSize: int(data[1]),
			STmin:     DecodeSTmin(data[2]),
			STminRaw:  data[2],
		}, nil
	}

	return nil, InvalidFrameError{Reason: fmt.Sprintf("unknown PCI type 0x%02X", data[0]&0xF0)}
}

// DecodeSTmin converts the raw separation time byte to a duration.
// 0x00..0x7F are milliseconds, 0xF1..0xF9 are 100..900 microseconds; the
// remaining values are reserved and read as the maximum (127 ms).
func DecodeSTmin(b byte) time.Duration {
	if b <= 0x7F {
		return time.Duration(b) * time.Millisecond
	}
	if b >= 0xF1 && b <= 0xF9 {
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	}
	return 127 * time.Millisecond
}
