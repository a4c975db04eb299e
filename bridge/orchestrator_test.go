package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/edgecan/isotpbridge/ble"
	"github.com/edgecan/isotpbridge/canbus"
)

const (
	reqID   = 0x7E0
	replyID = 0x7E8
)

type fakeNotifier struct {
	ch       chan []byte
	failures int // notifications to reject with ErrNotifyTimeout first
}

func (f *fakeNotifier) Notify(ctx context.Context, payload []byte) error {
	if f.failures > 0 {
		f.failures--
		return ble.ErrNotifyTimeout
	}
	select {
	case f.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type bridgeHarness struct {
	t        *testing.T
	commands chan []byte
	events   chan ble.Event
	peer     *canbus.LoopbackBus
	frames   chan canbus.Frame
	notifier *fakeNotifier
	notified chan []byte
}

func newBridgeHarness(t *testing.T, cfg Config) *bridgeHarness {
	t.Helper()

	local, peer := canbus.NewLoopback(64)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	channel := canbus.NewChannel(local, 64, 64, log)
	notifier := &fakeNotifier{ch: make(chan []byte, 8)}

	b, err := New(channel, notifier, cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := &bridgeHarness{
		t:        t,
		commands: make(chan []byte, 8),
		events:   make(chan ble.Event, 4),
		peer:     peer,
		frames:   make(chan canbus.Frame, 64),
		notifier: notifier,
		notified: notifier.ch,
	}

	ctx, cancel := context.WithCancel(context.Background())
	bridgeDone := make(chan struct{})
	go func() { _ = channel.Run(ctx) }()
	go func() {
		b.Run(ctx, h.commands, h.events)
		close(bridgeDone)
	}()
	go func() {
		for {
			frame, err := peer.Receive()
			if err != nil {
				return
			}
			h.frames <- frame
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-bridgeDone
		local.Close()
	})
	return h
}

func (h *bridgeHarness) command(raw []byte) {
	h.commands <- raw
}

// stage uploads the arbitration id header plus payload into the staging
// buffer and triggers the send.
func (h *bridgeHarness) stage(req, reply uint32, payload []byte) {
	buf := binary.BigEndian.AppendUint32(nil, req)
	buf = binary.BigEndian.AppendUint32(buf, reply)
	buf = append(buf, payload...)
	h.command(buildUploadChunk(0, buf))
	h.command(buildSendBuffer(len(buf)))
}

func (h *bridgeHarness) peerSend(id uint32, payload ...byte) {
	if err := h.peer.Send(canbus.NewFrame(id, payload, false)); err != nil {
		h.t.Fatalf("peer send: %v", err)
	}
}

func (h *bridgeHarness) expectFrame() canbus.Frame {
	h.t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(time.Second):
		h.t.Fatal("no frame reached the bus")
		return canbus.Frame{}
	}
}

func (h *bridgeHarness) expectNoFrame() {
	h.t.Helper()
	select {
	case f := <-h.frames:
		h.t.Fatalf("unexpected frame on the bus: %v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *bridgeHarness) expectNotification() []byte {
	h.t.Helper()
	select {
	case payload := <-h.notified:
		return payload
	case <-time.After(time.Second):
		h.t.Fatal("no notification delivered")
		return nil
	}
}

func notificationHeader(req, reply uint32) []byte {
	buf := binary.BigEndian.AppendUint32(nil, req)
	return binary.BigEndian.AppendUint32(buf, reply)
}

func TestBridgeSingleFrameExchange(t *testing.T) {
	h := newBridgeHarness(t, DefaultConfig())

	h.command(buildConfigureFilter(1, reqID, replyID, "uds"))
	h.stage(reqID, replyID, []byte{0x3E, 0x00})

	f := h.expectFrame()
	if f.ID != reqID {
		t.Fatalf("request sent on id %03x", f.ID)
	}
	if !bytes.Equal(f.Data, []byte{0x02, 0x3E, 0x00}) {
		t.Fatalf("request payload % x", f.Data)
	}

	h.peerSend(replyID, 0x02, 0x7E, 0x00)
	want := append(notificationHeader(reqID, replyID), 0x7E, 0x00)
	if got := h.expectNotification(); !bytes.Equal(got, want) {
		t.Fatalf("notification % x, want % x", got, want)
	}
}

func TestBridgeSegmentedReceive(t *testing.T) {
	h := newBridgeHarness(t, DefaultConfig())
	h.command(buildConfigureFilter(1, reqID, replyID, "uds"))

	// The session only exists once the filter command is processed.
	h.stage(reqID, replyID, []byte{0x3E, 0x00})
	h.expectFrame()

	h.peerSend(replyID, 0x10, 0x0A, 0, 1, 2, 3, 4, 5)
	fc := h.expectFrame()
	if fc.ID != reqID || !bytes.Equal(fc.Data, []byte{0x30, 0x00, 0x00}) {
		t.Fatalf("flow control %03x % x", fc.ID, fc.Data)
	}
	h.peerSend(replyID, 0x21, 6, 7, 8, 9)

	want := append(notificationHeader(reqID, replyID), 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	if got := h.expectNotification(); !bytes.Equal(got, want) {
		t.Fatalf("notification % x, want % x", got, want)
	}
}

func TestBridgeChunkedUpload(t *testing.T) {
	h := newBridgeHarness(t, DefaultConfig())
	h.command(buildConfigureFilter(1, reqID, replyID, "uds"))

	buf := binary.BigEndian.AppendUint32(nil, reqID)
	buf = binary.BigEndian.AppendUint32(buf, replyID)
	buf = append(buf, 0x22, 0xF1)
	h.command(buildUploadChunk(0, buf[:5]))
	h.command(buildUploadChunk(5, buf[5:]))
	h.command(buildSendBuffer(len(buf)))

	f := h.expectFrame()
	if !bytes.Equal(f.Data, []byte{0x02, 0x22, 0xF1}) {
		t.Fatalf("request payload % x", f.Data)
	}
}

func TestBridgeSessionLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	h := newBridgeHarness(t, cfg)

	h.command(buildConfigureFilter(1, reqID, replyID, "first"))
	h.command(buildConfigureFilter(2, 0x700, 0x708, "second"))

	// The rejected pair has no session, so nothing reaches the bus.
	h.stage(0x700, 0x708, []byte{0x3E, 0x00})
	h.expectNoFrame()

	// The first session is untouched by the rejection.
	h.stage(reqID, replyID, []byte{0x3E, 0x00})
	f := h.expectFrame()
	if f.ID != reqID {
		t.Fatalf("request sent on id %03x", f.ID)
	}
}

func TestBridgeDuplicateFilterRejected(t *testing.T) {
	h := newBridgeHarness(t, DefaultConfig())

	h.command(buildConfigureFilter(1, reqID, replyID, "uds"))
	h.command(buildConfigureFilter(1, 0x700, 0x708, "dup"))

	h.stage(0x700, 0x708, []byte{0x3E, 0x00})
	h.expectNoFrame()
}

func TestBridgeDisconnectTearsDownSessions(t *testing.T) {
	h := newBridgeHarness(t, DefaultConfig())
	h.command(buildConfigureFilter(1, reqID, replyID, "uds"))

	h.stage(reqID, replyID, []byte{0x3E, 0x00})
	h.expectFrame()

	h.events <- ble.Event{Connected: false, Address: "aa:bb:cc:dd:ee:ff"}
	// Give the bridge a moment to process the event.
	time.Sleep(100 * time.Millisecond)

	h.stage(reqID, replyID, []byte{0x3E, 0x00})
	h.expectNoFrame()
}

func TestBridgeBusySessionDoesNotStallOthers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.TimeoutN_Bs = time.Hour
	h := newBridgeHarness(t, cfg)

	h.command(buildConfigureFilter(1, reqID, replyID, "stalled"))
	h.command(buildConfigureFilter(2, 0x700, 0x708, "healthy"))

	// Park the first session: its first frame goes out but the peer never
	// answers with flow control. A second send waits in the submit queue.
	payload := make([]byte, 20)
	h.stage(reqID, replyID, payload)
	ff := h.expectFrame()
	if ff.Data[0]&0xF0 != 0x10 {
		t.Fatalf("first frame % x", ff.Data)
	}
	h.stage(reqID, replyID, payload)

	// A further send against the stalled session is refused, not waited on.
	h.stage(reqID, replyID, payload)

	// Traffic for the other session must flow right away.
	h.peerSend(0x708, 0x02, 0x7E, 0x00)
	want := append(notificationHeader(0x700, 0x708), 0x7E, 0x00)
	if got := h.expectNotification(); !bytes.Equal(got, want) {
		t.Fatalf("notification % x, want % x", got, want)
	}
}

func TestBridgeNotifyTimeoutKeepsServing(t *testing.T) {
	h := newBridgeHarness(t, DefaultConfig())
	h.notifier.failures = 1

	h.command(buildConfigureFilter(1, reqID, replyID, "uds"))
	h.stage(reqID, replyID, []byte{0x3E, 0x00})
	h.expectFrame()

	// The first reply times out on the notify path and is dropped; the
	// second must still reach the central.
	h.peerSend(replyID, 0x02, 0x7E, 0x00)
	h.peerSend(replyID, 0x02, 0x50, 0x03)

	want := append(notificationHeader(reqID, replyID), 0x50, 0x03)
	if got := h.expectNotification(); !bytes.Equal(got, want) {
		t.Fatalf("notification % x, want % x", got, want)
	}

	// Commands are still served after the failure.
	h.stage(reqID, replyID, []byte{0x22, 0xF1})
	f := h.expectFrame()
	if !bytes.Equal(f.Data, []byte{0x02, 0x22, 0xF1}) {
		t.Fatalf("request payload % x", f.Data)
	}
}

func TestBridgePeriodicTask(t *testing.T) {
	h := newBridgeHarness(t, DefaultConfig())
	h.command(buildConfigureFilter(1, reqID, replyID, "uds"))

	h.command(buildStartPeriodic(0, 20*time.Millisecond, reqID, replyID, []byte{0x3E, 0x00}))
	for i := 0; i < 2; i++ {
		f := h.expectFrame()
		if !bytes.Equal(f.Data, []byte{0x02, 0x3E, 0x00}) {
			t.Fatalf("periodic frame % x", f.Data)
		}
	}

	h.command(buildStopPeriodic(0, reqID, replyID))
	time.Sleep(100 * time.Millisecond)
	for len(h.frames) > 0 {
		<-h.frames
	}
	h.expectNoFrame()
}

func TestBridgePeriodicAlternatesMessages(t *testing.T) {
	h := newBridgeHarness(t, DefaultConfig())
	h.command(buildConfigureFilter(1, reqID, replyID, "uds"))

	h.command(buildStartPeriodic(0, 20*time.Millisecond, reqID, replyID,
		[]byte{0x3E, 0x00}, []byte{0x22, 0xF1, 0x90}))

	first := h.expectFrame()
	second := h.expectFrame()
	if !bytes.Equal(first.Data, []byte{0x02, 0x3E, 0x00}) {
		t.Fatalf("first periodic frame % x", first.Data)
	}
	if !bytes.Equal(second.Data, []byte{0x03, 0x22, 0xF1, 0x90}) {
		t.Fatalf("second periodic frame % x", second.Data)
	}
}
