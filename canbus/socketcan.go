package canbus

import (
	"fmt"
	"net"
	"sync"

	"github.com/brutella/can"
)

// SocketCAN frame flag bits carried in the identifier field.
const (
	effFlag uint32 = 1 << 31
	rtrFlag uint32 = 1 << 30
)

// SocketCANBus adapts a Linux SocketCAN interface to the Bus abstraction
// using brutella/can. Received frames are delivered through a fixed-size
// queue filled by the subscription callback; the callback does no protocol
// work.
type SocketCANBus struct {
	bus *can.Bus
	rx  chan Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// DialSocketCAN opens the named CAN network interface (e.g. "can0").
func DialSocketCAN(ifname string, rxCap int) (*SocketCANBus, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("canbus: interface %s: %w", ifname, err)
	}
	conn, err := can.NewReadWriteCloserForInterface(iface)
	if err != nil {
		return nil, fmt.Errorf("canbus: open %s: %w", ifname, err)
	}

	b := &SocketCANBus{
		bus:    can.NewBus(conn),
		rx:     make(chan Frame, rxCap),
		closed: make(chan struct{}),
	}
	b.bus.SubscribeFunc(b.handle)
	go b.bus.ConnectAndPublish()
	return b, nil
}

func (b *SocketCANBus) handle(f can.Frame) {
	if f.ID&rtrFlag != 0 {
		return
	}
	id := f.ID
	extended := id&effFlag != 0
	id &= MaxExtendedID

	n := int(f.Length)
	if n > 8 {
		n = 8
	}
	frame := NewFrame(id, f.Data[:n], extended)

	select {
	case b.rx <- frame:
	case <-b.closed:
	default:
		// Queue full: the consumer has stalled. Dropping here mirrors what
		// the kernel would do to the socket buffer anyway.
	}
}

func (b *SocketCANBus) Send(frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	id := frame.ID
	if frame.Extended {
		id |= effFlag
	}
	out := can.Frame{ID: id, Length: uint8(len(frame.Data))}
	copy(out.Data[:], frame.Data)
	return b.bus.Publish(out)
}

func (b *SocketCANBus) Receive() (Frame, error) {
	select {
	case frame := <-b.rx:
		return frame, nil
	case <-b.closed:
		return Frame{}, ErrClosed
	}
}

func (b *SocketCANBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.bus.Disconnect()
	})
	return err
}
