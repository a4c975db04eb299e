package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/edgecan/isotpbridge/ble"
	"github.com/edgecan/isotpbridge/canbus"
	"github.com/edgecan/isotpbridge/tp"
)

// Notifier delivers response payloads to the connected central.
// *ble.Service satisfies it.
type Notifier interface {
	Notify(ctx context.Context, payload []byte) error
}

// SessionKey identifies one ISO-TP conversation by its arbitration id pair.
type SessionKey struct {
	RequestID uint32 // id the bridge transmits on
	ReplyID   uint32 // id the remote node answers on
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%03x:%03x", k.RequestID, k.ReplyID)
}

// Config holds the bridge parameters.
type Config struct {
	MaxSessions  int // session table capacity
	MaxPeriodic  int // periodic task table capacity
	StagingSize  int // staging buffer for chunked uploads
	SessionQueue int // per-session inbound frame queue
	NotifyQueue  int // queue between session forwarders and the notifier
	Session      tp.Config
}

// DefaultConfig allows four concurrent sessions and a 4 KiB staging
// buffer.
func DefaultConfig() Config {
	return Config{
		MaxSessions:  4,
		MaxPeriodic:  4,
		StagingSize:  4096,
		SessionQueue: 32,
		NotifyQueue:  8,
		Session:      tp.DefaultConfig(),
	}
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	if c.MaxSessions <= 0 {
		return fmt.Errorf("bridge: max sessions must be positive")
	}
	if c.MaxPeriodic < 0 {
		return fmt.Errorf("bridge: max periodic tasks must not be negative")
	}
	if c.StagingSize < 8 {
		return fmt.Errorf("bridge: staging buffer must hold at least the 8 byte header")
	}
	if c.SessionQueue <= 0 || c.NotifyQueue <= 0 {
		return fmt.Errorf("bridge: queue capacities must be positive")
	}
	return c.Session.Validate()
}

type sessionEntry struct {
	key      SessionKey
	filterID uint32
	name     string
	session  *tp.Session
	in       chan canbus.Frame
	cancel   context.CancelFunc
	done     chan struct{}
}

type notification struct {
	key     SessionKey
	payload []byte
}

// Bridge owns the session table and drives everything from one goroutine:
// command handling, CAN dispatch and session lifecycle all happen inside
// Run. Sessions and periodic tasks run on their own goroutines and talk
// back through channels.
type Bridge struct {
	cfg      Config
	channel  *canbus.Channel
	notifier Notifier
	log      *slog.Logger

	sessions map[uint32]*sessionEntry
	byKey    map[SessionKey]*sessionEntry
	periodic map[byte]*periodicTask

	staging   []byte
	stagedLen int

	notifyCh chan notification
}

// New builds a Bridge over channel, delivering responses through notifier.
func New(channel *canbus.Channel, notifier Notifier, cfg Config, log *slog.Logger) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		cfg:      cfg,
		channel:  channel,
		notifier: notifier,
		log:      log,
		sessions: make(map[uint32]*sessionEntry, cfg.MaxSessions),
		byKey:    make(map[SessionKey]*sessionEntry, cfg.MaxSessions),
		periodic: make(map[byte]*periodicTask, cfg.MaxPeriodic),
		staging:  make([]byte, cfg.StagingSize),
		notifyCh: make(chan notification, cfg.NotifyQueue),
	}, nil
}

// Run processes commands, BLE events and inbound CAN frames until ctx is
// cancelled.
func (b *Bridge) Run(ctx context.Context, commands <-chan []byte, events <-chan ble.Event) {
	go b.notifyLoop(ctx)
	defer b.teardown()

	for {
		select {
		case <-ctx.Done():
			return

		case raw := <-commands:
			cmd, err := ParseCommand(raw)
			if err != nil {
				b.log.Warn("[bridge] bad command", "err", err)
				continue
			}
			if err := b.handleCommand(ctx, cmd); err != nil {
				b.log.Warn("[bridge] command failed", "cmd", cmd.commandID(), "err", err)
			}

		case frame := <-b.channel.Frames():
			b.dispatch(frame)

		case ev := <-events:
			if ev.Connected {
				b.log.Info("[bridge] central connected", "addr", ev.Address)
				continue
			}
			b.log.Info("[bridge] central disconnected, tearing down", "addr", ev.Address)
			b.teardown()
		}
	}
}

// dispatch fans an inbound frame out to every session listening on its id.
// The send never blocks; a session that cannot keep up loses frames and
// recovers through its own timeout handling.
func (b *Bridge) dispatch(frame canbus.Frame) {
	for _, e := range b.byKey {
		if frame.ID != e.key.ReplyID && frame.ID != e.key.RequestID {
			continue
		}
		select {
		case e.in <- frame:
		default:
			b.log.Warn("[bridge] session queue full, dropping frame", "session", e.key, "id", fmt.Sprintf("%03x", frame.ID))
		}
	}
}

func (b *Bridge) handleCommand(ctx context.Context, cmd Command) error {
	switch cmd := cmd.(type) {
	case UploadChunk:
		return b.stageChunk(cmd)
	case SendBuffer:
		return b.sendStaged(ctx, cmd)
	case ConfigureFilter:
		return b.addSession(ctx, cmd)
	case StartPeriodic:
		return b.startPeriodic(ctx, cmd)
	case StopPeriodic:
		return b.stopPeriodic(cmd)
	}
	return ErrUnknownCommand
}

func (b *Bridge) stageChunk(cmd UploadChunk) error {
	end := cmd.Offset + len(cmd.Data)
	if end > len(b.staging) {
		return fmt.Errorf("%w: offset %d length %d", ErrBadOffset, cmd.Offset, len(cmd.Data))
	}
	copy(b.staging[cmd.Offset:end], cmd.Data)
	if end > b.stagedLen {
		b.stagedLen = end
	}
	return nil
}

// sendStaged resolves the arbitration id pair from the staged header and
// hands the payload to the matching session. The handoff never blocks the
// bridge loop; a session whose transmit queue is full refuses the send with
// ErrSessionBusy. The staging buffer is flushed only on success so a failed
// send can be retried.
func (b *Bridge) sendStaged(ctx context.Context, cmd SendBuffer) error {
	if b.stagedLen < 8 || cmd.TotalLen != b.stagedLen {
		return fmt.Errorf("%w: staged %d, declared %d", ErrBadLength, b.stagedLen, cmd.TotalLen)
	}

	key := SessionKey{
		RequestID: binary.BigEndian.Uint32(b.staging[0:]),
		ReplyID:   binary.BigEndian.Uint32(b.staging[4:]),
	}
	entry := b.byKey[key]
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, key)
	}

	payload := make([]byte, b.stagedLen-8)
	copy(payload, b.staging[8:b.stagedLen])

	done, err := entry.session.TrySubmit(payload)
	if err != nil {
		if errors.As(err, new(tp.BusyError)) {
			return fmt.Errorf("%w: %s", ErrSessionBusy, key)
		}
		return err
	}
	go func() {
		select {
		case err := <-done:
			if err != nil {
				b.log.Warn("[bridge] transmission failed", "session", key, "err", err)
			}
		case <-ctx.Done():
		}
	}()

	b.stagedLen = 0
	return nil
}

func (b *Bridge) addSession(ctx context.Context, cmd ConfigureFilter) error {
	if _, ok := b.sessions[cmd.FilterID]; ok {
		return fmt.Errorf("%w: %d", ErrFilterExists, cmd.FilterID)
	}
	key := SessionKey{RequestID: cmd.RequestID, ReplyID: cmd.ReplyID}
	if _, ok := b.byKey[key]; ok {
		return fmt.Errorf("%w: %s", ErrFilterExists, key)
	}
	if len(b.sessions) >= b.cfg.MaxSessions {
		return fmt.Errorf("%w: %d", ErrSessionLimit, b.cfg.MaxSessions)
	}

	extended := cmd.RequestID > canbus.MaxStandardID || cmd.ReplyID > canbus.MaxStandardID
	session, err := tp.NewSession(cmd.RequestID, cmd.ReplyID, extended, b.cfg.Session, b.log)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	entry := &sessionEntry{
		key:      key,
		filterID: cmd.FilterID,
		name:     cmd.Name,
		session:  session,
		in:       make(chan canbus.Frame, b.cfg.SessionQueue),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		session.Run(sctx, entry.in, b.channel.TxQueue())
		close(entry.done)
	}()
	go b.forward(sctx, entry)

	b.sessions[cmd.FilterID] = entry
	b.byKey[key] = entry
	b.log.Info("[bridge] session opened", "filter", cmd.Name, "session", key)
	return nil
}

// forward funnels one session's completed messages toward the notifier and
// drains its error channel into the log.
func (b *Bridge) forward(ctx context.Context, e *sessionEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.session.Completed():
			select {
			case b.notifyCh <- notification{key: e.key, payload: msg}:
			case <-ctx.Done():
				return
			}
		case err := <-e.session.Errors():
			b.log.Warn("[bridge] session error", "session", e.key, "err", err)
		}
	}
}

// notifyLoop is the single writer toward the central. Responses carry the
// arbitration id pair ahead of the payload so the central can tell the
// sessions apart.
func (b *Bridge) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-b.notifyCh:
			buf := make([]byte, 8+len(n.payload))
			binary.BigEndian.PutUint32(buf, n.key.RequestID)
			binary.BigEndian.PutUint32(buf[4:], n.key.ReplyID)
			copy(buf[8:], n.payload)
			if err := b.notifier.Notify(ctx, buf); err != nil {
				b.log.Warn("[bridge] notify failed", "session", n.key, "err", err)
			}
		}
	}
}

// teardown stops every periodic task and session and discards staged data.
func (b *Bridge) teardown() {
	for index, task := range b.periodic {
		task.stop()
		delete(b.periodic, index)
	}
	for filterID, e := range b.sessions {
		e.cancel()
		<-e.done
		delete(b.sessions, filterID)
		delete(b.byKey, e.key)
	}
	b.stagedLen = 0
}
