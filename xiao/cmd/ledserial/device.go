package main

import (
	"errors"
	"fmt"
	"io"
	"machine"
	"runtime"
	"runtime/interrupt"
	"time"

	"libdb.so/runlight/ledserial"
	"tinygo.org/x/drivers/ws2812"
)

// maxLEDs bounds the pulse trains the device accepts. A full train takes
// 4 bytes per pulse, so this is mostly limited by RAM.
const maxLEDs = 300

// pins maps the pin names a host may acquire to the board's pins.
var pins = map[string]machine.Pin{
	"D0":  machine.D0,
	"D1":  machine.D1,
	"D2":  machine.D2,
	"D3":  machine.D3,
	"D6":  machine.D6,
	"D7":  machine.D7,
	"D8":  machine.D8,
	"D9":  machine.D9,
	"D10": machine.D10,
}

// channel is an acquired output.
type channel struct {
	target ledserial.AcquirePacket
	pin    machine.Pin
	led    ws2812.Device
}

// Device stores the current state of the device.
type Device struct {
	port    port
	channel *channel
	bytes   []byte
}

// NewDevice creates a new device.
func NewDevice(serial machine.Serialer) *Device {
	return &Device{
		port:  port{Serialer: serial},
		bytes: make([]byte, 0, 3*maxLEDs),
	}
}

// Run runs the device loop forever.
func (d *Device) Run() {
	for {
		p, err := d.readPacket()
		if err != nil {
			// Whatever is left of a broken packet would be misread as the
			// start of the next one.
			d.drain()
			if !errors.Is(err, errPacketTimeout) {
				// Nobody is waiting for a reply to a packet that was
				// abandoned halfway.
				d.logError(err)
			}
			continue
		}

		if err := d.handlePacket(p); err != nil {
			d.logError(err)
			continue
		}

		d.sendPacket(ledserial.AckPacket{IncomingPacketType: p.Type()})
	}
}

func (d *Device) logError(err error) {
	d.sendPacket(ledserial.ErrorPacket{Message: err.Error()})
}

func (d *Device) sendPacket(p ledserial.OutgoingPacket) {
	ledserial.WriteOutgoingPacket(d.port, p)
}

func (d *Device) readPacket() (ledserial.IncomingPacket, error) {
	// Wait as long as it takes for a packet to start, then bound the gaps
	// within it.
	for d.port.Buffered() == 0 {
		time.Sleep(time.Millisecond)
	}

	r := port{Serialer: d.port.Serialer, timeout: ledserial.PacketTimeout}
	return ledserial.ReadIncomingPacket(r, ledserial.ReadContext{
		MaxPulses: maxLEDs*48 + 1,
	})
}

// drain discards input until the line has been quiet for a packet timeout.
func (d *Device) drain() {
	quiet := time.Now()
	for time.Since(quiet) < ledserial.PacketTimeout {
		if d.port.Buffered() == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		d.port.ReadByte()
		quiet = time.Now()
	}
}

func (d *Device) handlePacket(p ledserial.IncomingPacket) error {
	switch p := p.(type) {
	case ledserial.AcquirePacket:
		if d.channel != nil {
			// A host that lost the link before releasing takes its own
			// channel over.
			if d.channel.target != p {
				return errors.New("channel busy")
			}
			d.channel.pin.Low()
			d.channel = nil
		}
		if p.Channel != 0 {
			return fmt.Errorf("no channel %d", p.Channel)
		}
		pin, ok := pins[p.Pin]
		if !ok {
			return fmt.Errorf("unknown pin %q", p.Pin)
		}
		pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
		pin.Low()
		d.channel = &channel{target: p, pin: pin, led: ws2812.New(pin)}
		setStatus(true)

	case ledserial.PulsesPacket:
		if d.channel == nil {
			return errors.New("no channel acquired")
		}
		if p.Start != 1 {
			return errors.New("pulse trains must start high")
		}
		b, err := decodeBits(d.bytes[:0], p.Durations)
		if err != nil {
			return err
		}
		d.bytes = b
		critical(func() {
			for _, c := range b {
				d.channel.led.WriteByte(c)
			}
		})

	case ledserial.ReleasePacket:
		if d.channel != nil {
			d.channel.pin.Low()
			d.channel = nil
		}
		setStatus(false)

	default:
		return fmt.Errorf("unknown packet type: %T", p)
	}

	return nil
}

// decodeBits turns a pulse train back into the bytes it encodes. The ws2812
// driver does its own cycle-exact timing, so only the bit values matter: a
// one has a longer high than low level. A trailing reset pulse is dropped.
func decodeBits(dst []byte, durations []uint32) ([]byte, error) {
	if len(durations)%16 == 1 {
		durations = durations[:len(durations)-1]
	}
	if len(durations)%16 != 0 {
		return nil, fmt.Errorf("%d pulses is not a whole number of bytes", len(durations))
	}

	for i := 0; i < len(durations); i += 16 {
		var b byte
		for bit := 0; bit < 8; bit++ {
			b <<= 1
			if durations[i+2*bit] > durations[i+2*bit+1] {
				b |= 1
			}
		}
		dst = append(dst, b)
	}

	return dst, nil
}

func critical(f func()) {
	state := interrupt.Disable()
	f()
	interrupt.Restore(state)
}

var errPacketTimeout = errors.New("timed out in the middle of a packet")

// port adapts a machine.Serialer to a blocking io.ReadWriter.
type port struct {
	machine.Serialer
	// timeout bounds how long Read waits for a byte. Zero waits forever.
	timeout time.Duration
}

var _ io.ReadWriter = port{}

func (p port) Read(b []byte) (int, error) {
	start := time.Now()
	for p.Buffered() == 0 {
		if p.timeout > 0 && time.Since(start) > p.timeout {
			return 0, errPacketTimeout
		}
		time.Sleep(time.Millisecond)
	}

	var n int
	for n < len(b) && p.Buffered() > 0 {
		c, err := p.ReadByte()
		if err != nil {
			return n, err
		}
		b[n] = c
		n++
	}
	return n, nil
}

func (p port) Write(b []byte) (int, error) {
	for i, c := range b {
		if err := p.WriteByte(c); err != nil {
			return i, err
		}
	}
	runtime.Gosched()
	return len(b), nil
}
