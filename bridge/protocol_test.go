package bridge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func buildUploadChunk(offset int, data []byte) []byte {
	buf := []byte{byte(CmdUploadChunk)}
	buf = binary.BigEndian.AppendUint16(buf, uint16(offset))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(data)))
	return append(buf, data...)
}

func buildSendBuffer(total int) []byte {
	buf := []byte{byte(CmdSendBuffer)}
	return binary.BigEndian.AppendUint16(buf, uint16(total))
}

func buildStartPeriodic(index byte, interval time.Duration, reqID, replyID uint32, messages ...[]byte) []byte {
	buf := []byte{byte(CmdStartPeriodic), index}
	buf = binary.BigEndian.AppendUint16(buf, uint16(interval/time.Millisecond))
	buf = binary.BigEndian.AppendUint32(buf, reqID)
	buf = binary.BigEndian.AppendUint32(buf, replyID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(messages)))
	for _, msg := range messages {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg)))
		buf = append(buf, msg...)
	}
	return buf
}

func buildStopPeriodic(index byte, reqID, replyID uint32) []byte {
	buf := []byte{byte(CmdStopPeriodic), index}
	buf = binary.BigEndian.AppendUint32(buf, reqID)
	return binary.BigEndian.AppendUint32(buf, replyID)
}

func buildConfigureFilter(filterID, reqID, replyID uint32, name string) []byte {
	buf := []byte{byte(CmdConfigureFilter)}
	buf = binary.BigEndian.AppendUint32(buf, filterID)
	buf = binary.BigEndian.AppendUint32(buf, reqID)
	buf = binary.BigEndian.AppendUint32(buf, replyID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(name)))
	return append(buf, name...)
}

func TestParseUploadChunk(t *testing.T) {
	cmd, err := ParseCommand(buildUploadChunk(0x0102, []byte{0xAA, 0xBB}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	uc, ok := cmd.(UploadChunk)
	if !ok {
		t.Fatalf("expected UploadChunk, got %T", cmd)
	}
	if uc.Offset != 0x0102 || !bytes.Equal(uc.Data, []byte{0xAA, 0xBB}) {
		t.Fatalf("unexpected fields: %+v", uc)
	}
}

func TestParseUploadChunkTruncated(t *testing.T) {
	raw := buildUploadChunk(0, []byte{1, 2, 3, 4})
	if _, err := ParseCommand(raw[:len(raw)-1]); !errors.Is(err, ErrShortCommand) {
		t.Fatalf("got %v, want ErrShortCommand", err)
	}
}

func TestParseSendBuffer(t *testing.T) {
	cmd, err := ParseCommand(buildSendBuffer(0x1234))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sb := cmd.(SendBuffer); sb.TotalLen != 0x1234 {
		t.Fatalf("total = %d, want 0x1234", sb.TotalLen)
	}
}

func TestParseStartPeriodic(t *testing.T) {
	raw := buildStartPeriodic(2, 500*time.Millisecond, 0x7E0, 0x7E8,
		[]byte{0x3E, 0x00}, []byte{0x22, 0xF1, 0x90})
	cmd, err := ParseCommand(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sp, ok := cmd.(StartPeriodic)
	if !ok {
		t.Fatalf("expected StartPeriodic, got %T", cmd)
	}
	if sp.Index != 2 || sp.Interval != 500*time.Millisecond {
		t.Fatalf("unexpected header: %+v", sp)
	}
	if sp.RequestID != 0x7E0 || sp.ReplyID != 0x7E8 {
		t.Fatalf("unexpected ids: %+v", sp)
	}
	if len(sp.Messages) != 2 ||
		!bytes.Equal(sp.Messages[0], []byte{0x3E, 0x00}) ||
		!bytes.Equal(sp.Messages[1], []byte{0x22, 0xF1, 0x90}) {
		t.Fatalf("unexpected messages: %v", sp.Messages)
	}
}

func TestParseStartPeriodicTruncatedMessage(t *testing.T) {
	raw := buildStartPeriodic(0, time.Second, 0x7E0, 0x7E8, []byte{1, 2, 3})
	if _, err := ParseCommand(raw[:len(raw)-1]); !errors.Is(err, ErrShortCommand) {
		t.Fatalf("got %v, want ErrShortCommand", err)
	}
}

func TestParseStopPeriodic(t *testing.T) {
	cmd, err := ParseCommand(buildStopPeriodic(7, 0x18DA10F1, 0x18DAF110))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sp := cmd.(StopPeriodic)
	if sp.Index != 7 || sp.RequestID != 0x18DA10F1 || sp.ReplyID != 0x18DAF110 {
		t.Fatalf("unexpected fields: %+v", sp)
	}
}

func TestParseConfigureFilter(t *testing.T) {
	cmd, err := ParseCommand(buildConfigureFilter(1, 0x7E0, 0x7E8, "engine"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cf := cmd.(ConfigureFilter)
	if cf.FilterID != 1 || cf.RequestID != 0x7E0 || cf.ReplyID != 0x7E8 || cf.Name != "engine" {
		t.Fatalf("unexpected fields: %+v", cf)
	}
}

func TestParseConfigureFilterTruncatedName(t *testing.T) {
	raw := buildConfigureFilter(1, 0x7E0, 0x7E8, "engine")
	if _, err := ParseCommand(raw[:len(raw)-2]); !errors.Is(err, ErrShortCommand) {
		t.Fatalf("got %v, want ErrShortCommand", err)
	}
}

func TestParseUnknownCommand(t *testing.T) {
	if _, err := ParseCommand([]byte{0x01}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("got %v, want ErrUnknownCommand", err)
	}
	if _, err := ParseCommand(nil); !errors.Is(err, ErrShortCommand) {
		t.Fatalf("got %v, want ErrShortCommand", err)
	}
}
