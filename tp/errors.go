package tp

import "fmt"

// InvalidFrameError reports a CAN payload that could not be classified as an
// ISO-TP frame, or whose declared length disagrees with its byte count.
type InvalidFrameError struct {
	Reason string
}

func (e InvalidFrameError) Error() string {
	if e.Reason == "" {
		return "invalid ISO-TP frame"
	}
	return "invalid ISO-TP frame: " + e.Reason
}

// SequenceError reports a consecutive frame whose sequence number does not
// follow the previous one.
type SequenceError struct {
	Expected int
	Got      int
}

func (e SequenceError) Error() string {
	return fmt.Sprintf("wrong sequence number in consecutive frame: expected %d, got %d", e.Expected, e.Got)
}

// FlowControlTimeoutError reports that no flow control frame arrived within
// the N_Bs budget after a first frame or a completed block.
type FlowControlTimeoutError struct{}

func (FlowControlTimeoutError) Error() string {
	return "flow control frame not received in time"
}

// ConsecutiveFrameTimeoutError reports that the next consecutive frame did
// not arrive within the N_Cr budget.
type ConsecutiveFrameTimeoutError struct{}

func (ConsecutiveFrameTimeoutError) Error() string {
	return "consecutive frame not received in time"
}

// TransmitTimeoutError reports that an outgoing frame was not accepted by
// the transmit queue within the N_As/N_Ar budget.
type TransmitTimeoutError struct{}

func (TransmitTimeoutError) Error() string {
	return "frame not accepted for transmission in time"
}

// OverflowError reports a message exceeding the configured maximum length,
// or a completed message that could not be handed off before the bounded
// wait expired. Remote is set when the peer signalled the overflow.
type OverflowError struct {
	Length int
	Max    int
	Remote bool
}

func (e OverflowError) Error() string {
	if e.Remote {
		return "remote node reported overflow"
	}
	if e.Length > 0 {
		return fmt.Sprintf("message length %d exceeds maximum %d", e.Length, e.Max)
	}
	return "message overflow"
}

// WaitLimitError reports that the peer sent more flow control Wait frames
// than the session tolerates.
type WaitLimitError struct {
	Max int
}

func (e WaitLimitError) Error() string {
	return fmt.Sprintf("maximum number of flow control wait frames reached (%d)", e.Max)
}

// BusyError reports a submission refused because the transmit queue already
// holds a pending request.
type BusyError struct{}

func (BusyError) Error() string {
	return "transmit queue full"
}

// UnexpectedFrameError reports a frame arriving in a state that has no use
// for it, such as a consecutive frame with no reassembly in progress.
type UnexpectedFrameError struct {
	Frame string
}

func (e UnexpectedFrameError) Error() string {
	return "unexpected " + e.Frame + " received"
}
