package ble

import (
	"bytes"
	"errors"
	"testing"
)

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i)
	}
	return p
}

func TestFragmentMessageSmallMTU(t *testing.T) {
	payload := testPayload(20)
	packets, err := FragmentMessage(payload, 10)
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if len(packets) != 3 {
		t.Fatalf("got %d packets, want 3", len(packets))
	}
	for i, p := range packets {
		if len(p) > 10 {
			t.Fatalf("packet %d is %d bytes, exceeds mtu", i, len(p))
		}
		if p[0] != 0x00 || p[1] != 0x14 {
			t.Fatalf("packet %d header % x, want 00 14", i, p[:2])
		}
	}
	if len(packets[2]) != 2+4 {
		t.Fatalf("last packet carries %d bytes, want 4", len(packets[2])-2)
	}
}

func TestFragmentMessageSinglePacket(t *testing.T) {
	packets, err := FragmentMessage([]byte{1, 2, 3}, 23)
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if !bytes.Equal(packets[0], []byte{0x00, 0x03, 1, 2, 3}) {
		t.Fatalf("packet % x", packets[0])
	}
}

func TestFragmentMessageEmpty(t *testing.T) {
	packets, err := FragmentMessage(nil, 23)
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if len(packets) != 1 || !bytes.Equal(packets[0], []byte{0x00, 0x00}) {
		t.Fatalf("packets %v", packets)
	}
}

func TestFragmentMessageRejectsTinyMTU(t *testing.T) {
	if _, err := FragmentMessage([]byte{1}, 2); !errors.Is(err, ErrMTUTooSmall) {
		t.Fatalf("got %v, want ErrMTUTooSmall", err)
	}
}

func TestFragmentMessageRejectsOversized(t *testing.T) {
	if _, err := FragmentMessage(make([]byte, MaxMessageLen+1), 23); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("got %v, want ErrMessageTooLarge", err)
	}
}

func TestReassemblerRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		length int
		mtu    int
	}{
		{0, 23}, {1, 3}, {8, 10}, {20, 10}, {247, 23}, {4096, 247},
	} {
		payload := testPayload(tc.length)
		packets, err := FragmentMessage(payload, tc.mtu)
		if err != nil {
			t.Fatalf("len=%d mtu=%d: %v", tc.length, tc.mtu, err)
		}

		var r Reassembler
		for i, p := range packets {
			msg, done, err := r.Push(p)
			if err != nil {
				t.Fatalf("len=%d mtu=%d packet %d: %v", tc.length, tc.mtu, i, err)
			}
			if done != (i == len(packets)-1) {
				t.Fatalf("len=%d mtu=%d packet %d: done=%v", tc.length, tc.mtu, i, done)
			}
			if done && !bytes.Equal(msg, payload) {
				t.Fatalf("len=%d mtu=%d: reassembled message differs", tc.length, tc.mtu)
			}
		}
	}
}

func TestReassemblerLengthMismatch(t *testing.T) {
	var r Reassembler
	if _, _, err := r.Push([]byte{0x00, 0x10, 1, 2, 3}); err != nil {
		t.Fatalf("first packet: %v", err)
	}
	if _, _, err := r.Push([]byte{0x00, 0x20, 4, 5, 6}); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("got %v, want ErrLengthMismatch", err)
	}

	// The error must discard the partial message.
	msg, done, err := r.Push([]byte{0x00, 0x02, 7, 8})
	if err != nil || !done {
		t.Fatalf("push after reset: done=%v err=%v", done, err)
	}
	if !bytes.Equal(msg, []byte{7, 8}) {
		t.Fatalf("message % x", msg)
	}
}

func TestReassemblerOverrun(t *testing.T) {
	var r Reassembler
	if _, _, err := r.Push([]byte{0x00, 0x03, 1, 2}); err != nil {
		t.Fatalf("first packet: %v", err)
	}
	if _, _, err := r.Push([]byte{0x00, 0x03, 3, 4}); !errors.Is(err, ErrOverrun) {
		t.Fatalf("got %v, want ErrOverrun", err)
	}
}

func TestReassemblerShortPacket(t *testing.T) {
	var r Reassembler
	if _, _, err := r.Push([]byte{0x01}); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("got %v, want ErrShortPacket", err)
	}
}

func TestReassemblerResetDropsPartial(t *testing.T) {
	var r Reassembler
	if _, _, err := r.Push([]byte{0x00, 0x04, 1, 2}); err != nil {
		t.Fatalf("first packet: %v", err)
	}
	r.Reset()
	msg, done, err := r.Push([]byte{0x00, 0x02, 9, 9})
	if err != nil || !done || !bytes.Equal(msg, []byte{9, 9}) {
		t.Fatalf("push after reset: msg=% x done=%v err=%v", msg, done, err)
	}
}
