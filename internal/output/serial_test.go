package output

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"libdb.so/runlight/internal/pulse"
	"libdb.so/runlight/ledserial"
)

// fakeController pretends to be the microcontroller on the other end of the
// serial port. Like the firmware, it holds one acquired target across
// connections and only lets the same target acquire it again.
type fakeController struct {
	packets chan ledserial.IncomingPacket
	// reply returns the packets sent back for p. It defaults to answering
	// like the firmware.
	reply func(p ledserial.IncomingPacket) []ledserial.OutgoingPacket

	mu   sync.Mutex
	held *ledserial.AcquirePacket
}

func newSerial(t *testing.T, reply func(ledserial.IncomingPacket) []ledserial.OutgoingPacket) (*Serial, *fakeController) {
	c := &fakeController{
		packets: make(chan ledserial.IncomingPacket, 16),
		reply:   reply,
	}

	s := &Serial{
		Device:      "/dev/ttyFAKE0",
		Baud:        115200,
		ResyncDelay: time.Millisecond,
		Open: func(_ string, mode *serial.Mode) (io.ReadWriteCloser, error) {
			if mode.BaudRate != 115200 {
				return nil, io.ErrClosedPipe
			}

			host, device := net.Pipe()
			t.Cleanup(func() {
				host.Close()
				device.Close()
			})

			go c.serve(device)
			return host, nil
		},
	}
	return s, c
}

func (c *fakeController) serve(conn net.Conn) {
	for {
		p, err := ledserial.ReadIncomingPacket(conn, ledserial.ReadContext{})
		if err != nil {
			return
		}
		c.packets <- p

		var replies []ledserial.OutgoingPacket
		if c.reply != nil {
			replies = c.reply(p)
		} else {
			replies = c.handle(p)
		}

		for _, r := range replies {
			if err := ledserial.WriteOutgoingPacket(conn, r); err != nil {
				return
			}
		}
	}
}

func (c *fakeController) handle(p ledserial.IncomingPacket) []ledserial.OutgoingPacket {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch p := p.(type) {
	case ledserial.AcquirePacket:
		if c.held != nil && *c.held != p {
			return []ledserial.OutgoingPacket{ledserial.ErrorPacket{Message: "channel busy"}}
		}
		c.held = &p
	case ledserial.ReleasePacket:
		c.held = nil
	}

	return []ledserial.OutgoingPacket{ledserial.AckPacket{IncomingPacketType: p.Type()}}
}

func (c *fakeController) next(t *testing.T) ledserial.IncomingPacket {
	t.Helper()
	select {
	case p, ok := <-c.packets:
		require.True(t, ok, "controller stopped")
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

func TestSerial(t *testing.T) {
	s, c := newSerial(t, func(p ledserial.IncomingPacket) []ledserial.OutgoingPacket {
		return []ledserial.OutgoingPacket{
			ledserial.LogPacket{Message: "got " + p.Type().String()},
			ledserial.AckPacket{IncomingPacketType: p.Type()},
		}
	})

	ctx := context.Background()

	ch, err := s.Acquire(ctx, Target{Pin: "GPIO18", Channel: 2})
	require.NoError(t, err)
	assert.Equal(t, ledserial.AcquirePacket{Channel: 2, Pin: "GPIO18"}, c.next(t))

	durations := []uint32{4, 9, 8, 5, 500}
	require.NoError(t, ch.SendPulses(ctx, durations, pulse.High))
	assert.Equal(t, ledserial.PulsesPacket{Start: 1, Durations: durations}, c.next(t))

	require.NoError(t, ch.SendPulses(ctx, durations, pulse.Low))
	assert.Equal(t, ledserial.PulsesPacket{Start: 0, Durations: durations}, c.next(t))

	require.NoError(t, ch.Close())
	assert.Equal(t, ledserial.ReleasePacket{}, c.next(t))

	assert.Error(t, ch.SendPulses(ctx, durations, pulse.High), "send after close")
	assert.NoError(t, ch.Close(), "double close")
}

func TestSerialControllerError(t *testing.T) {
	s, c := newSerial(t, func(p ledserial.IncomingPacket) []ledserial.OutgoingPacket {
		if p.Type() == ledserial.TypePulsesPacket {
			return []ledserial.OutgoingPacket{ledserial.ErrorPacket{Message: "rmt busy"}}
		}
		return []ledserial.OutgoingPacket{ledserial.AckPacket{IncomingPacketType: p.Type()}}
	})

	ctx := context.Background()

	ch, err := s.Acquire(ctx, Target{Pin: "GPIO18"})
	require.NoError(t, err)
	c.next(t)

	err = ch.SendPulses(ctx, []uint32{4, 9}, pulse.High)
	assert.ErrorContains(t, err, "rmt busy")
	c.next(t)

	require.NoError(t, ch.Close())
}

func TestSerialAcquireRejected(t *testing.T) {
	s, _ := newSerial(t, func(p ledserial.IncomingPacket) []ledserial.OutgoingPacket {
		return []ledserial.OutgoingPacket{ledserial.PanicPacket{}}
	})

	_, err := s.Acquire(context.Background(), Target{Pin: "GPIO18"})
	assert.ErrorContains(t, err, "controller panicked")
}

func TestSerialChannelRange(t *testing.T) {
	s, _ := newSerial(t, nil)

	_, err := s.Acquire(context.Background(), Target{Pin: "GPIO18", Channel: 256})
	assert.Error(t, err)

	_, err = s.Acquire(context.Background(), Target{Pin: "GPIO18", Channel: -1})
	assert.Error(t, err)
}

func TestSerialContextCancel(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	s, c := newSerial(t, func(p ledserial.IncomingPacket) []ledserial.OutgoingPacket {
		if p.Type() == ledserial.TypePulsesPacket {
			<-block
			return nil
		}
		return []ledserial.OutgoingPacket{ledserial.AckPacket{IncomingPacketType: p.Type()}}
	})

	ch, err := s.Acquire(context.Background(), Target{Pin: "GPIO18"})
	require.NoError(t, err)
	c.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = ch.SendPulses(ctx, []uint32{4, 9}, pulse.High)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The port was closed to unblock the read, so Close has nothing to do.
	assert.NoError(t, ch.Close())
}

func TestSerialTakeoverAfterDeadline(t *testing.T) {
	stall := make(chan struct{})
	t.Cleanup(func() { close(stall) })

	var stalled atomic.Bool
	var c *fakeController

	s, ctrl := newSerial(t, func(p ledserial.IncomingPacket) []ledserial.OutgoingPacket {
		if p.Type() == ledserial.TypePulsesPacket && stalled.CompareAndSwap(false, true) {
			<-stall
			return nil
		}
		return c.handle(p)
	})
	c = ctrl
	s.ResyncDelay = 30 * time.Millisecond

	target := Target{Pin: "GPIO18"}
	durations := []uint32{4, 9, 8, 5, 500}

	ch, err := s.Acquire(context.Background(), target)
	require.NoError(t, err)
	c.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = ch.SendPulses(ctx, durations, pulse.High)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ledserial.PulsesPacket{Start: 1, Durations: durations}, c.next(t))
	assert.NoError(t, ch.Close())

	// The release never reached the controller, which still holds GPIO18.
	start := time.Now()
	_, err = s.Acquire(context.Background(), Target{Pin: "GPIO19"})
	assert.ErrorContains(t, err, "channel busy")
	assert.GreaterOrEqual(t, time.Since(start), s.ResyncDelay, "waited for the controller to resync")
	assert.Equal(t, ledserial.AcquirePacket{Pin: "GPIO19"}, c.next(t))

	ch, err = s.Acquire(context.Background(), target)
	require.NoError(t, err, "same target takes the channel over")
	assert.Equal(t, ledserial.AcquirePacket{Pin: "GPIO18"}, c.next(t))

	require.NoError(t, ch.SendPulses(context.Background(), durations, pulse.High))
	c.next(t)

	require.NoError(t, ch.Close())
	assert.Equal(t, ledserial.ReleasePacket{}, c.next(t))
}
