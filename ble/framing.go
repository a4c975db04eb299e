// Package ble exposes the bridge over a GATT service: a write
// characteristic carrying commands from the central and a notify
// characteristic carrying responses back. Messages longer than one GATT
// packet are split into length-prefixed fragments.
package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// headerLen is the length prefix carried by every GATT packet: the total
// message length as a big-endian uint16.
const headerLen = 2

// MinMTU is the smallest usable packet size: the prefix plus one byte of
// payload.
const MinMTU = headerLen + 1

// MaxMessageLen is the largest message expressible in the length prefix.
const MaxMessageLen = 0xFFFF

var (
	ErrMTUTooSmall     = errors.New("ble: mtu too small")
	ErrMessageTooLarge = errors.New("ble: message exceeds length prefix range")
	ErrShortPacket     = errors.New("ble: packet shorter than length prefix")
	ErrLengthMismatch  = errors.New("ble: packet declares a different message length")
	ErrOverrun         = errors.New("ble: fragments exceed declared message length")
)

// FragmentMessage splits payload into GATT packets for the given MTU. Every
// packet starts with the total message length; fragments carry at most
// mtu-2 bytes. A 20 byte message at MTU 10 yields three packets.
func FragmentMessage(payload []byte, mtu int) ([][]byte, error) {
	if mtu < MinMTU {
		return nil, fmt.Errorf("%w: %d", ErrMTUTooSmall, mtu)
	}
	if len(payload) > MaxMessageLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}

	fragLen := mtu - headerLen
	count := (len(payload) + fragLen - 1) / fragLen
	if count == 0 {
		count = 1
	}

	packets := make([][]byte, 0, count)
	total := uint16(len(payload))
	for pos := 0; ; pos += fragLen {
		end := pos + fragLen
		if end > len(payload) {
			end = len(payload)
		}
		packet := make([]byte, headerLen+end-pos)
		binary.BigEndian.PutUint16(packet, total)
		copy(packet[headerLen:], payload[pos:end])
		packets = append(packets, packet)
		if end >= len(payload) {
			break
		}
	}
	return packets, nil
}

// Reassembler rebuilds one message at a time from length-prefixed GATT
// packets. It is not safe for concurrent use; the service drives it from a
// single goroutine.
type Reassembler struct {
	buf   []byte
	total int
	open  bool
}

// Push consumes one packet. When the message is complete it is returned
// with done set; the returned slice is owned by the caller. A framing error
// discards any partial message.
func (r *Reassembler) Push(packet []byte) (msg []byte, done bool, err error) {
	if len(packet) < headerLen {
		r.Reset()
		return nil, false, ErrShortPacket
	}
	total := int(binary.BigEndian.Uint16(packet))
	fragment := packet[headerLen:]

	if !r.open {
		r.open = true
		r.total = total
		r.buf = r.buf[:0]
	} else if total != r.total {
		r.Reset()
		return nil, false, fmt.Errorf("%w: got %d, expected %d", ErrLengthMismatch, total, r.total)
	}

	if len(r.buf)+len(fragment) > r.total {
		r.Reset()
		return nil, false, fmt.Errorf("%w: %d of %d", ErrOverrun, len(r.buf)+len(fragment), r.total)
	}
	r.buf = append(r.buf, fragment...)

	if len(r.buf) < r.total {
		return nil, false, nil
	}
	msg = make([]byte, r.total)
	copy(msg, r.buf)
	r.Reset()
	return msg, true, nil
}

// Reset discards any partially assembled message, for use on disconnect.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.total = 0
	r.open = false
}
