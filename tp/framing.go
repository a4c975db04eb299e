package tp

import "fmt"

// DefaultFrameCapacity is the data length of a classical CAN frame.
const DefaultFrameCapacity = 8

// EncodeSingleFrame builds the payload for a message of up to 7 bytes.
func EncodeSingleFrame(data []byte) ([]byte, error) {
	if len(data) > 7 {
		return nil, InvalidFrameError{Reason: fmt.Sprintf("single frame cannot carry %d bytes", len(data))}
	}
	out := make([]byte, 0, 1+len(data))
	out = append(out, byte(pciSingleFrame|len(data)))
	return append(out, data...), nil
}

// EncodeFirstFrame builds the opening frame of a segmented transfer.
// total is the full message length, chunk its leading bytes.
func EncodeFirstFrame(total int, chunk []byte) ([]byte, error) {
	if total > MaxMessageLen {
		return nil, OverflowError{Length: total, Max: MaxMessageLen}
	}
	if total <= len(chunk) {
		return nil, InvalidFrameError{Reason: "first frame chunk covers the whole message"}
	}
	out := make([]byte, 0, 2+len(chunk))
	out = append(out, byte(pciFirstFrame|(total>>8)&0x0F), byte(total&0xFF))
	return append(out, chunk...), nil
}

// EncodeConsecutiveFrame builds a continuation frame. seq must be 0..15.
func EncodeConsecutiveFrame(seq int, chunk []byte) ([]byte, error) {
	if seq < 0 || seq > 15 {
		return nil, InvalidFrameError{Reason: fmt.Sprintf("sequence number %d out of range", seq)}
	}
	out := make([]byte, 0, 1+len(chunk))
	out = append(out, byte(pciConsecutiveFrame|seq))
	return append(out, chunk...), nil
}

// EncodeFlowControl builds the 3-byte flow control payload:
// byte0 = 0x30|status, byte1 = block size, byte2 = raw STmin.
func EncodeFlowControl(status FlowStatus, blockSize int, stMin byte) []byte {
	return []byte{byte(pciFlowControl) | byte(status&0x0F), byte(blockSize & 0xFF), stMin}
}

// Segment splits payload into the full sequence of ISO-TP frame payloads for
// a frame capacity of frameCap data bytes (8 for classical CAN): a single
// frame when it fits, otherwise a first frame followed by consecutive frames
// with the sequence number cycling 1..15,0,...
func Segment(payload []byte, frameCap int) ([][]byte, error) {
	if frameCap == 0 {
		frameCap = DefaultFrameCapacity
	}
	if frameCap < 3 || frameCap > DefaultFrameCapacity {
		return nil, InvalidFrameError{Reason: fmt.Sprintf("frame capacity %d out of range", frameCap)}
	}
	if len(payload) > MaxMessageLen {
		return nil, OverflowError{Length: len(payload), Max: MaxMessageLen}
	}

	if len(payload) <= frameCap-1 {
		sf, err := EncodeSingleFrame(payload)
		if err != nil {
			return nil, err
		}
		return [][]byte{sf}, nil
	}

	ffLen := frameCap - 2
	cfLen := frameCap - 1

	ff, err := EncodeFirstFrame(len(payload), payload[:ffLen])
	if err != nil {
		return nil, err
	}
	frames := [][]byte{ff}

	seq := 1
	for pos := ffLen; pos < len(payload); pos += cfLen {
		end := pos + cfLen
		if end > len(payload) {
			end = len(payload)
		}
		cf, err := EncodeConsecutiveFrame(seq, payload[pos:end])
		if err != nil {
			return nil, err
		}
		frames = append(frames, cf)
		seq = (seq + 1) & 0x0F
	}
	return frames, nil
}
