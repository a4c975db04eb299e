package tp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgecan/isotpbridge/canbus"
)

// RxState is the receiver half of the session state machine.
type RxState uint8

const (
	RxIdle RxState = iota
	RxAwaitCF
)

// TxState is the sender half of the session state machine.
type TxState uint8

const (
	TxIdle TxState = iota
	TxAwaitFC
	TxSending
)

type txRequest struct {
	payload []byte
	done    chan error
}

// Session is the ISO-TP state machine for one logical conversation: it
// reassembles inbound segmented messages arriving on rxID and segments
// outbound messages onto txID, driving the flow control handshake in both
// directions. All state is owned by the single goroutine running Run;
// other goroutines interact only through Submit, Completed and Errors.
type Session struct {
	txID     uint32
	rxID     uint32
	extended bool
	cfg      Config
	clock    Clock
	log      *slog.Logger

	rxState      RxState
	rxStorage    []byte // reused reassembly buffer, capacity MaxMessageSize
	rxBuf        []byte
	rxTotal      int
	rxLastSeq    int
	rxBlockCount int
	rxWaitCount  int
	fcPending    bool

	txState      TxState
	txStorage    []byte // reused segmentation buffer, capacity MaxMessageSize
	txData       []byte
	txPos        int
	txSeq        int
	txBlockCount int
	peerBS       int
	peerSTmin    time.Duration
	waitCount    int
	active       *txRequest

	timerNCr     Timer
	timerNBs     Timer
	timerSTmin   Timer
	timerFCRetry Timer

	submitCh  chan *txRequest
	completed chan []byte
	errs      chan error
}

// NewSession builds a session transmitting on txID and receiving on rxID.
func NewSession(txID, rxID uint32, extended bool, cfg Config, log *slog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		txID:      txID,
		rxID:      rxID,
		extended:  extended,
		cfg:       cfg,
		clock:     clock,
		log:       log.With("tx_id", fmt.Sprintf("%03x", txID), "rx_id", fmt.Sprintf("%03x", rxID)),
		rxStorage: make([]byte, 0, cfg.MaxMessageSize),
		txStorage: make([]byte, 0, cfg.MaxMessageSize),
		submitCh:  make(chan *txRequest, 1),
		completed: make(chan []byte, cfg.CompletedQueue),
		errs:      make(chan error, 16),
	}
	s.timerNCr = newStoppedTimer(clock)
	s.timerNBs = newStoppedTimer(clock)
	s.timerSTmin = newStoppedTimer(clock)
	s.timerFCRetry = newStoppedTimer(clock)
	return s, nil
}

func newStoppedTimer(c Clock) Timer {
	t := c.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

// Submit queues payload for segmented transmission. The returned channel
// fires exactly once with the final outcome. At most one transmission is in
// flight per session; a second submission waits its turn in the queue.
func (s *Session) Submit(ctx context.Context, payload []byte) (<-chan error, error) {
	if len(payload) > s.cfg.MaxMessageSize {
		return nil, OverflowError{Length: len(payload), Max: s.cfg.MaxMessageSize}
	}
	req := &txRequest{
		payload: append([]byte(nil), payload...),
		done:    make(chan error, 1),
	}
	select {
	case s.submitCh <- req:
		return req.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TrySubmit is Submit without the wait: when the queue slot is already
// taken it fails with BusyError instead of blocking the caller.
func (s *Session) TrySubmit(payload []byte) (<-chan error, error) {
	if len(payload) > s.cfg.MaxMessageSize {
		return nil, OverflowError{Length: len(payload), Max: s.cfg.MaxMessageSize}
	}
	req := &txRequest{
		payload: append([]byte(nil), payload...),
		done:    make(chan error, 1),
	}
	select {
	case s.submitCh <- req:
		return req.done, nil
	default:
		return nil, BusyError{}
	}
}

// Completed yields fully reassembled inbound messages.
func (s *Session) Completed() <-chan []byte { return s.completed }

// Errors yields session-level protocol errors. The session resets the
// affected direction and keeps running; nothing here is fatal.
func (s *Session) Errors() <-chan error { return s.errs }

// Run drives the state machine until ctx is cancelled. Frames addressed to
// rxID arrive on in; frames to transmit are placed on out. The session
// suspends only at channel and timer boundaries.
func (s *Session) Run(ctx context.Context, in <-chan canbus.Frame, out chan<- canbus.Frame) {
	defer s.cleanup(ctx)

	for {
		// New transmissions are accepted only while the sender is idle; an
		// in-flight transfer gates the queue.
		var submit <-chan *txRequest
		if s.txState == TxIdle {
			submit = s.submitCh
		}

		select {
		case <-ctx.Done():
			return

		case frame := <-in:
			s.processFrame(ctx, frame, out)

		case req := <-submit:
			s.startTransmit(ctx, req, out)

		case <-s.timerNCr.C():
			s.reportError(ConsecutiveFrameTimeoutError{})
			s.resetRx()

		case <-s.timerNBs.C():
			s.abortTx(FlowControlTimeoutError{})

		case <-s.timerSTmin.C():
			if s.txState == TxSending {
				s.sendNextConsecutive(ctx, out)
			}

		case <-s.timerFCRetry.C():
			if s.rxState == RxAwaitCF && s.fcPending {
				s.retryFlowControl(ctx, out)
			}
		}
	}
}

func (s *Session) cleanup(ctx context.Context) {
	stopTimer(s.timerNCr)
	stopTimer(s.timerNBs)
	stopTimer(s.timerSTmin)
	stopTimer(s.timerFCRetry)
	if s.active != nil {
		s.active.done <- ctx.Err()
		s.active = nil
	}
	for {
		select {
		case req := <-s.submitCh:
			req.done <- ctx.Err()
		default:
			return
		}
	}
}

func (s *Session) processFrame(ctx context.Context, frame canbus.Frame, out chan<- canbus.Frame) {
	decoded, err := DecodeFrame(frame.Data)
	if err != nil {
		s.reportError(err)
		// A malformed frame aborts the session only mid-reassembly.
		if s.rxState != RxIdle {
			s.resetRx()
		}
		return
	}

	switch f := decoded.(type) {
	case SingleFrame:
		s.handleSingleFrame(ctx, f)
	case FirstFrame:
		s.handleFirstFrame(ctx, f, out)
	case ConsecutiveFrame:
		s.handleConsecutiveFrame(ctx, f, out)
	case FlowControlFrame:
		s.handleFlowControl(f)
	}
}

func (s *Session) handleSingleFrame(ctx context.Context, f SingleFrame) {
	if s.rxState != RxIdle {
		s.reportError(UnexpectedFrameError{Frame: "single frame during reassembly"})
		s.resetRx()
	}
	s.publish(ctx, f.Data, nil)
}

func (s *Session) handleFirstFrame(ctx context.Context, f FirstFrame, out chan<- canbus.Frame) {
	if s.rxState != RxIdle {
		s.reportError(UnexpectedFrameError{Frame: "first frame during reassembly"})
		s.resetRx()
	}

	if f.TotalLen > s.cfg.MaxMessageSize {
		s.reportError(OverflowError{Length: f.TotalLen, Max: s.cfg.MaxMessageSize})
		s.sendFlowControl(ctx, FlowStatusOverflow, out)
		return
	}

	s.rxBuf = append(s.rxStorage[:0], f.Data...)
	s.rxTotal = f.TotalLen
	s.rxLastSeq = 0
	s.rxBlockCount = 0
	s.rxWaitCount = 0
	s.rxState = RxAwaitCF

	if len(s.rxBuf) >= s.rxTotal {
		// Degenerate first frame that already carries the whole message.
		data := s.rxBuf
		s.resetRx()
		s.publish(ctx, data, out)
		return
	}

	if s.backpressured() {
		s.fcPending = true
		s.rxWaitCount = 1
		restartTimer(s.timerFCRetry, s.cfg.TimeoutN_Br)
		s.sendFlowControl(ctx, FlowStatusWait, out)
		return
	}
	restartTimer(s.timerNCr, s.cfg.TimeoutN_Cr)
	s.sendFlowControl(ctx, FlowStatusContinueToSend, out)
}

// retryFlowControl re-evaluates back-pressure after a Wait answer. Once the
// completed queue drains, the held transfer is granted; a peer that has to
// wait too long is cut off with Overflow.
func (s *Session) retryFlowControl(ctx context.Context, out chan<- canbus.Frame) {
	if !s.backpressured() {
		s.fcPending = false
		restartTimer(s.timerNCr, s.cfg.TimeoutN_Cr)
		s.sendFlowControl(ctx, FlowStatusContinueToSend, out)
		return
	}
	s.rxWaitCount++
	if s.cfg.MaxWaitFrame > 0 && s.rxWaitCount > s.cfg.MaxWaitFrame {
		s.reportError(OverflowError{})
		s.sendFlowControl(ctx, FlowStatusOverflow, out)
		s.resetRx()
		return
	}
	restartTimer(s.timerFCRetry, s.cfg.TimeoutN_Br)
	s.sendFlowControl(ctx, FlowStatusWait, out)
}

func (s *Session) handleConsecutiveFrame(ctx context.Context, f ConsecutiveFrame, out chan<- canbus.Frame) {
	if s.rxState != RxAwaitCF {
		s.reportError(UnexpectedFrameError{Frame: "consecutive frame"})
		return
	}

	expected := (s.rxLastSeq + 1) & 0x0F
	if f.Seq != expected {
		s.reportError(SequenceError{Expected: expected, Got: f.Seq})
		s.resetRx()
		return
	}
	s.rxLastSeq = f.Seq

	remaining := s.rxTotal - len(s.rxBuf)
	chunk := f.Data
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
	}
	s.rxBuf = append(s.rxBuf, chunk...)

	if len(s.rxBuf) >= s.rxTotal {
		data := s.rxBuf
		s.resetRx()
		s.publish(ctx, data, out)
		return
	}

	restartTimer(s.timerNCr, s.cfg.TimeoutN_Cr)
	s.rxBlockCount++
	if s.cfg.BlockSize > 0 && s.rxBlockCount >= s.cfg.BlockSize {
		s.rxBlockCount = 0
		s.sendFlowControl(ctx, FlowStatusContinueToSend, out)
	}
}

func (s *Session) handleFlowControl(f FlowControlFrame) {
	if f.Status == FlowStatusOverflow {
		if s.txState == TxIdle {
			s.reportError(UnexpectedFrameError{Frame: "flow control"})
			return
		}
		s.abortTx(OverflowError{Remote: true})
		return
	}

	switch s.txState {
	case TxIdle:
		s.reportError(UnexpectedFrameError{Frame: "flow control"})

	case TxAwaitFC, TxSending:
		switch f.Status {
		case FlowStatusWait:
			if s.cfg.MaxWaitFrame == 0 {
				s.abortTx(WaitLimitError{Max: 0})
				return
			}
			s.waitCount++
			if s.waitCount > s.cfg.MaxWaitFrame {
				s.abortTx(WaitLimitError{Max: s.cfg.MaxWaitFrame})
				return
			}
			s.txState = TxAwaitFC
			stopTimer(s.timerSTmin)
			restartTimer(s.timerNBs, s.cfg.TimeoutN_Bs)

		case FlowStatusContinueToSend:
			if s.txState != TxAwaitFC {
				return
			}
			s.waitCount = 0
			stopTimer(s.timerNBs)
			s.peerBS = f.BlockSize
			s.peerSTmin = f.STmin
			s.txBlockCount = 0
			s.txState = TxSending
			// The first consecutive frame of a block goes out immediately.
			restartTimer(s.timerSTmin, 0)
		}
	}
}

func (s *Session) startTransmit(ctx context.Context, req *txRequest, out chan<- canbus.Frame) {
	s.active = req

	if len(req.payload) <= s.cfg.FrameCapacity-1 {
		sf, err := EncodeSingleFrame(req.payload)
		if err != nil {
			s.abortTx(err)
			return
		}
		if err := s.emit(ctx, out, sf, s.cfg.TimeoutN_As); err != nil {
			s.abortTx(err)
			return
		}
		s.finishTx()
		return
	}

	s.txData = append(s.txStorage[:0], req.payload...)
	ffLen := s.cfg.FrameCapacity - 2
	ff, err := EncodeFirstFrame(len(s.txData), s.txData[:ffLen])
	if err != nil {
		s.abortTx(err)
		return
	}

	s.txPos = ffLen
	s.txSeq = 1
	s.txBlockCount = 0
	s.waitCount = 0
	s.txState = TxAwaitFC
	restartTimer(s.timerNBs, s.cfg.TimeoutN_Bs)

	if err := s.emit(ctx, out, ff, s.cfg.TimeoutN_As); err != nil {
		s.abortTx(err)
	}
}

func (s *Session) sendNextConsecutive(ctx context.Context, out chan<- canbus.Frame) {
	cfLen := s.cfg.FrameCapacity - 1
	remaining := len(s.txData) - s.txPos
	if remaining <= 0 {
		s.finishTx()
		return
	}
	if cfLen > remaining {
		cfLen = remaining
	}

	cf, err := EncodeConsecutiveFrame(s.txSeq, s.txData[s.txPos:s.txPos+cfLen])
	if err != nil {
		s.abortTx(err)
		return
	}
	if err := s.emit(ctx, out, cf, s.cfg.TimeoutN_As); err != nil {
		s.abortTx(err)
		return
	}

	s.txSeq = (s.txSeq + 1) & 0x0F
	s.txPos += cfLen
	s.txBlockCount++

	if s.txPos >= len(s.txData) {
		s.finishTx()
		return
	}
	if s.peerBS > 0 && s.txBlockCount >= s.peerBS {
		s.txState = TxAwaitFC
		restartTimer(s.timerNBs, s.cfg.TimeoutN_Bs)
		return
	}
	restartTimer(s.timerSTmin, s.peerSTmin)
}

func (s *Session) sendFlowControl(ctx context.Context, status FlowStatus, out chan<- canbus.Frame) {
	fc := EncodeFlowControl(status, s.cfg.BlockSize, s.cfg.STmin)
	if err := s.emit(ctx, out, fc, s.cfg.TimeoutN_Ar); err != nil {
		s.reportError(err)
		s.resetRx()
	}
}

// emit places one frame payload on the transmit queue, bounded by the given
// N_As/N_Ar budget.
func (s *Session) emit(ctx context.Context, out chan<- canbus.Frame, payload []byte, budget time.Duration) error {
	frame := canbus.NewFrame(s.txID, s.pad(payload), s.extended)

	select {
	case out <- frame:
		return nil
	default:
	}

	t := s.clock.NewTimer(budget)
	defer stopTimer(t)
	select {
	case out <- frame:
		return nil
	case <-t.C():
		return TransmitTimeoutError{}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) pad(payload []byte) []byte {
	if s.cfg.Padding == nil || len(payload) >= s.cfg.FrameCapacity {
		return payload
	}
	padded := make([]byte, s.cfg.FrameCapacity)
	n := copy(padded, payload)
	for i := n; i < len(padded); i++ {
		padded[i] = *s.cfg.Padding
	}
	return padded
}

// publish hands a completed message to the consumer, suspending up to
// PublishTimeout when the queue is full. Exceeding the wait drops the
// message and, when the transfer was segmented, answers the peer with a
// flow control Overflow. out is nil for single-frame completions that need
// no peer notification.
func (s *Session) publish(ctx context.Context, data []byte, out chan<- canbus.Frame) {
	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case s.completed <- msg:
		return
	default:
	}

	t := s.clock.NewTimer(s.cfg.PublishTimeout)
	defer stopTimer(t)
	select {
	case s.completed <- msg:
	case <-t.C():
		s.reportError(OverflowError{})
		if out != nil {
			s.sendFlowControl(ctx, FlowStatusOverflow, out)
		}
	case <-ctx.Done():
	}
}

func (s *Session) backpressured() bool {
	return len(s.completed) == cap(s.completed)
}

func (s *Session) resetRx() {
	s.rxState = RxIdle
	s.rxBuf = s.rxStorage[:0]
	s.rxTotal = 0
	s.rxLastSeq = 0
	s.rxBlockCount = 0
	s.rxWaitCount = 0
	s.fcPending = false
	stopTimer(s.timerNCr)
	stopTimer(s.timerFCRetry)
}

func (s *Session) finishTx() {
	if s.active != nil {
		s.active.done <- nil
		s.active = nil
	}
	s.resetTxState()
}

func (s *Session) abortTx(err error) {
	if s.active != nil {
		s.active.done <- err
		s.active = nil
	}
	s.resetTxState()
	s.reportError(err)
}

func (s *Session) resetTxState() {
	s.txState = TxIdle
	s.txData = nil
	s.txPos = 0
	s.txSeq = 0
	s.txBlockCount = 0
	s.peerBS = 0
	s.peerSTmin = 0
	s.waitCount = 0
	stopTimer(s.timerNBs)
	stopTimer(s.timerSTmin)
}

// reportError surfaces err without ever blocking the state machine.
func (s *Session) reportError(err error) {
	select {
	case s.errs <- err:
	default:
		s.log.Warn("[tp] error queue full, dropping", "err", err)
	}
}
