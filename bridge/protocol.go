// Package bridge ties the pieces together: it owns the session table,
// interprets the command protocol spoken over the BLE write characteristic
// and routes CAN frames to the sessions interested in them.
package bridge

import (
	"encoding/binary"
	"fmt"
	"time"
)

// CommandID is the first byte of every command message.
type CommandID byte

const (
	CmdUploadChunk     CommandID = 0x02
	CmdSendBuffer      CommandID = 0x03
	CmdStartPeriodic   CommandID = 0x04
	CmdStopPeriodic    CommandID = 0x05
	CmdConfigureFilter CommandID = 0x06
)

func (c CommandID) String() string {
	switch c {
	case CmdUploadChunk:
		return "upload-chunk"
	case CmdSendBuffer:
		return "send-buffer"
	case CmdStartPeriodic:
		return "start-periodic"
	case CmdStopPeriodic:
		return "stop-periodic"
	case CmdConfigureFilter:
		return "configure-filter"
	}
	return fmt.Sprintf("CommandID(0x%02X)", byte(c))
}

// Command is one decoded command message.
type Command interface {
	commandID() CommandID
}

// UploadChunk stages part of a large outbound message at the given offset.
type UploadChunk struct {
	Offset int
	Data   []byte
}

// SendBuffer transmits the staged message. TotalLen covers the 8 byte
// arbitration id header plus the ISO-TP payload.
type SendBuffer struct {
	TotalLen int
}

// StartPeriodic installs a repeating transmission at a task index. The
// messages are sent one per interval, cycling through the list.
type StartPeriodic struct {
	Index     byte
	Interval  time.Duration
	RequestID uint32
	ReplyID   uint32
	Messages  [][]byte
}

// StopPeriodic removes the repeating transmission at a task index.
type StopPeriodic struct {
	Index     byte
	RequestID uint32
	ReplyID   uint32
}

// ConfigureFilter opens an ISO-TP session for an arbitration id pair.
type ConfigureFilter struct {
	FilterID  uint32
	RequestID uint32
	ReplyID   uint32
	Name      string
}

func (UploadChunk) commandID() CommandID     { return CmdUploadChunk }
func (SendBuffer) commandID() CommandID      { return CmdSendBuffer }
func (StartPeriodic) commandID() CommandID   { return CmdStartPeriodic }
func (StopPeriodic) commandID() CommandID    { return CmdStopPeriodic }
func (ConfigureFilter) commandID() CommandID { return CmdConfigureFilter }

// ParseCommand decodes one complete command message. All multi-byte fields
// are big-endian. The returned command owns its data.
func ParseCommand(buf []byte) (Command, error) {
	if len(buf) == 0 {
		return nil, ErrShortCommand
	}

	switch CommandID(buf[0]) {
	case CmdUploadChunk:
		if len(buf) < 5 {
			return nil, fmt.Errorf("%w: upload chunk needs 5 bytes, got %d", ErrShortCommand, len(buf))
		}
		offset := int(binary.BigEndian.Uint16(buf[1:]))
		length := int(binary.BigEndian.Uint16(buf[3:]))
		if len(buf) < 5+length {
			return nil, fmt.Errorf("%w: upload chunk declares %d data bytes, got %d", ErrShortCommand, length, len(buf)-5)
		}
		data := make([]byte, length)
		copy(data, buf[5:5+length])
		return UploadChunk{Offset: offset, Data: data}, nil

	case CmdSendBuffer:
		if len(buf) < 3 {
			return nil, fmt.Errorf("%w: send buffer needs 3 bytes, got %d", ErrShortCommand, len(buf))
		}
		return SendBuffer{TotalLen: int(binary.BigEndian.Uint16(buf[1:]))}, nil

	case CmdStartPeriodic:
		if len(buf) < 14 {
			return nil, fmt.Errorf("%w: start periodic needs 14 bytes, got %d", ErrShortCommand, len(buf))
		}
		cmd := StartPeriodic{
			Index:     buf[1],
			Interval:  time.Duration(binary.BigEndian.Uint16(buf[2:])) * time.Millisecond,
			RequestID: binary.BigEndian.Uint32(buf[4:]),
			ReplyID:   binary.BigEndian.Uint32(buf[8:]),
		}
		count := int(binary.BigEndian.Uint16(buf[12:]))
		pos := 14
		for i := 0; i < count; i++ {
			if pos+2 > len(buf) {
				return nil, fmt.Errorf("%w: periodic message %d missing length", ErrShortCommand, i)
			}
			length := int(binary.BigEndian.Uint16(buf[pos:]))
			pos += 2
			if pos+length > len(buf) {
				return nil, fmt.Errorf("%w: periodic message %d truncated", ErrShortCommand, i)
			}
			msg := make([]byte, length)
			copy(msg, buf[pos:pos+length])
			cmd.Messages = append(cmd.Messages, msg)
			pos += length
		}
		return cmd, nil

	case CmdStopPeriodic:
		if len(buf) < 10 {
			return nil, fmt.Errorf("%w: stop periodic needs 10 bytes, got %d", ErrShortCommand, len(buf))
		}
		return StopPeriodic{
			Index:     buf[1],
			RequestID: binary.BigEndian.Uint32(buf[2:]),
			ReplyID:   binary.BigEndian.Uint32(buf[6:]),
		}, nil

	case CmdConfigureFilter:
		if len(buf) < 17 {
			return nil, fmt.Errorf("%w: configure filter needs 17 bytes, got %d", ErrShortCommand, len(buf))
		}
		nameLen := int(binary.BigEndian.Uint32(buf[13:]))
		if len(buf) < 17+nameLen {
			return nil, fmt.Errorf("%w: filter name declares %d bytes, got %d", ErrShortCommand, nameLen, len(buf)-17)
		}
		return ConfigureFilter{
			FilterID:  binary.BigEndian.Uint32(buf[1:]),
			RequestID: binary.BigEndian.Uint32(buf[5:]),
			ReplyID:   binary.BigEndian.Uint32(buf[9:]),
			Name:      string(buf[17 : 17+nameLen]),
		}, nil
	}

	return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, buf[0])
}
