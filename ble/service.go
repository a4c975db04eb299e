package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// GATT identifiers of the bridge service.
var (
	ServiceUUID = bluetooth.New16BitUUID(0xABF0)
	WriteUUID   = bluetooth.New16BitUUID(0xABF3)
	NotifyUUID  = bluetooth.New16BitUUID(0xABF2)
)

// ErrNotifyTimeout reports that the BLE stack did not accept a notification
// within the configured budget.
var ErrNotifyTimeout = errors.New("ble: notification not accepted in time")

// Config holds the peripheral parameters.
type Config struct {
	DeviceName    string
	MTU           int           // negotiated ATT payload size per packet
	WriteQueue    int           // raw packet queue between the stack callback and the consumer
	MessageQueue  int           // reassembled message queue toward the bridge
	NotifyTimeout time.Duration // budget per notification packet
}

// DefaultConfig returns the peripheral defaults.
func DefaultConfig() Config {
	return Config{
		DeviceName:    "BLE_TO_ISOTP",
		MTU:           247,
		WriteQueue:    32,
		MessageQueue:  8,
		NotifyTimeout: time.Second,
	}
}

// Event reports a central connecting to or disconnecting from the
// peripheral.
type Event struct {
	Connected bool
	Address   string
}

// Service is the GATT peripheral. The central writes length-prefixed
// command packets to the write characteristic; the bridge pushes responses
// out through Notify. Stack callbacks only enqueue; all reassembly happens
// on the consumer goroutine started by Start.
type Service struct {
	cfg     Config
	adapter *bluetooth.Adapter
	log     *slog.Logger

	txChar bluetooth.Characteristic
	reasm  Reassembler

	raw      chan []byte // nil entry marks a disconnect, resetting reassembly
	messages chan []byte
	events   chan Event

	notifyMu sync.Mutex
}

// NewService wires a Service onto adapter, usually bluetooth.DefaultAdapter.
func NewService(adapter *bluetooth.Adapter, cfg Config, log *slog.Logger) (*Service, error) {
	if cfg.MTU < MinMTU {
		return nil, fmt.Errorf("%w: %d", ErrMTUTooSmall, cfg.MTU)
	}
	if cfg.WriteQueue <= 0 || cfg.MessageQueue <= 0 {
		return nil, errors.New("ble: queue capacities must be positive")
	}
	if cfg.NotifyTimeout <= 0 {
		return nil, errors.New("ble: notify timeout must be positive")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		adapter:  adapter,
		log:      log,
		raw:      make(chan []byte, cfg.WriteQueue),
		messages: make(chan []byte, cfg.MessageQueue),
		events:   make(chan Event, 4),
	}, nil
}

// Start enables the adapter, registers the GATT service, begins advertising
// and spawns the packet consumer. It returns once the peripheral is
// discoverable.
func (s *Service) Start(ctx context.Context) error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected {
			// Drop any half-assembled command from the vanished central.
			select {
			case s.raw <- nil:
			default:
			}
		}
		ev := Event{Connected: connected, Address: device.Address.String()}
		select {
		case s.events <- ev:
		default:
			s.log.Warn("[ble] event queue full, dropping", "connected", connected)
		}
	})

	err := s.adapter.AddService(&bluetooth.Service{
		UUID: ServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  WriteUUID,
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					packet := make([]byte, len(value))
					copy(packet, value)
					select {
					case s.raw <- packet:
					default:
						s.log.Warn("[ble] write queue full, dropping packet", "len", len(packet))
					}
				},
			},
			{
				Handle: &s.txChar,
				UUID:   NotifyUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ble: add service: %w", err)
	}

	adv := s.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    s.cfg.DeviceName,
		ServiceUUIDs: []bluetooth.UUID{ServiceUUID},
	}); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}

	s.log.Info("[ble] advertising", "name", s.cfg.DeviceName, "mtu", s.cfg.MTU)
	go s.consume(ctx)
	return nil
}

func (s *Service) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case packet := <-s.raw:
			if packet == nil {
				s.reasm.Reset()
				continue
			}
			msg, done, err := s.reasm.Push(packet)
			if err != nil {
				s.log.Warn("[ble] bad packet", "err", err)
				continue
			}
			if !done {
				continue
			}
			select {
			case s.messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Messages yields complete commands written by the central.
func (s *Service) Messages() <-chan []byte { return s.messages }

// Events yields connect and disconnect notifications.
func (s *Service) Events() <-chan Event { return s.events }

// Notify sends payload to the subscribed central, fragmented to the MTU.
// Packets of one message are never interleaved with another caller's.
func (s *Service) Notify(ctx context.Context, payload []byte) error {
	packets, err := FragmentMessage(payload, s.cfg.MTU)
	if err != nil {
		return err
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, packet := range packets {
		if err := s.notifyPacket(ctx, packet); err != nil {
			return err
		}
	}
	return nil
}

// notifyPacket bounds the stack write, which blocks indefinitely on some
// platforms when the central stalls.
func (s *Service) notifyPacket(ctx context.Context, packet []byte) error {
	done := make(chan error, 1)
	go func() {
		_, err := s.txChar.Write(packet)
		done <- err
	}()

	t := time.NewTimer(s.cfg.NotifyTimeout)
	defer t.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ble: notify: %w", err)
		}
		return nil
	case <-t.C:
		return ErrNotifyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
