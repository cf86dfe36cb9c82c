// Package ledserial implements the LED serial protocol. The host sends pulse
// trains to a microcontroller that owns the pulse-generation peripheral.
package ledserial

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

// Endianness defines the endianness of the protocol.
var Endianness = binary.LittleEndian

// DefaultMaxPulses is the largest pulse train accepted by ReadIncomingPacket
// when ReadContext.MaxPulses is zero. It covers 1024 LEDs and a reset pulse.
const DefaultMaxPulses = 1024*48 + 1

// PacketTimeout is how long a device waits for the rest of a packet once its
// first byte has arrived. A device drops a partial packet after that and
// starts over with the next byte as a packet type. A host that abandoned a
// packet must stay quiet for at least this long before writing again.
const PacketTimeout = 50 * time.Millisecond

// IncomingPacketType is a type of packet.
type IncomingPacketType uint8

const (
	TypeAcquirePacket IncomingPacketType = iota
	TypePulsesPacket
	TypeReleasePacket
)

// String returns a string representation of the packet type.
func (t IncomingPacketType) String() string {
	switch t {
	case TypeAcquirePacket:
		return "acquire"
	case TypePulsesPacket:
		return "pulses"
	case TypeReleasePacket:
		return "release"
	default:
		return fmt.Sprintf("IncomingPacketType(%d)", t)
	}
}

// IncomingPacket is a packet sent over the wire.
type IncomingPacket interface {
	// Type returns the type of packet.
	Type() IncomingPacketType
}

// AcquirePacket reserves a peripheral channel and binds it to a pin.
type AcquirePacket struct {
	Channel uint8
	Pin     string
}

// PulsesPacket sends a pulse train. Durations alternate between levels,
// starting with Start.
type PulsesPacket struct {
	// Start is the initial signal level: 1 for high, 0 for low.
	Start     uint8
	Durations []uint32
}

// ReleasePacket frees the channel reserved by AcquirePacket.
type ReleasePacket struct{}

func (p AcquirePacket) Type() IncomingPacketType { return TypeAcquirePacket }
func (p PulsesPacket) Type() IncomingPacketType  { return TypePulsesPacket }
func (p ReleasePacket) Type() IncomingPacketType { return TypeReleasePacket }

// OutgoingPacketType is a type of packet.
type OutgoingPacketType uint8

const (
	TypeAckPacket OutgoingPacketType = iota
	TypeErrorPacket
	TypePanicPacket
	TypeLogPacket
)

// String returns a string representation of the packet type.
func (t OutgoingPacketType) String() string {
	switch t {
	case TypeAckPacket:
		return "ack"
	case TypeErrorPacket:
		return "error"
	case TypePanicPacket:
		return "panic"
	case TypeLogPacket:
		return "log"
	default:
		return fmt.Sprintf("OutgoingPacketType(%d)", t)
	}
}

// OutgoingPacket is a packet sent over the wire.
type OutgoingPacket interface {
	// Type returns the type of packet.
	Type() OutgoingPacketType
}

// AckPacket acknowledges an incoming packet.
type AckPacket struct {
	IncomingPacketType IncomingPacketType
}

// ErrorPacket is a packet that indicates an error occurred.
type ErrorPacket struct {
	Message string
}

// PanicPacket is a packet that indicates the program cannot recover.
type PanicPacket struct{}

// LogPacket is a packet that contains a log message.
type LogPacket struct {
	Message string
}

func (p AckPacket) Type() OutgoingPacketType   { return TypeAckPacket }
func (p ErrorPacket) Type() OutgoingPacketType { return TypeErrorPacket }
func (p PanicPacket) Type() OutgoingPacketType { return TypePanicPacket }
func (p LogPacket) Type() OutgoingPacketType   { return TypeLogPacket }

// ReadContext holds the limits the reader enforces on incoming packets.
type ReadContext struct {
	// MaxPulses is the largest accepted pulse train. If zero,
	// DefaultMaxPulses is used.
	MaxPulses uint32
}

func (c ReadContext) maxPulses() uint32 {
	if c.MaxPulses == 0 {
		return DefaultMaxPulses
	}
	return c.MaxPulses
}

// ReadIncomingPacket reads an incoming packet from the given reader.
func ReadIncomingPacket(r io.Reader, context ReadContext) (IncomingPacket, error) {
	hash := crc32.NewIEEE()
	r = io.TeeReader(r, hash)

	var packet IncomingPacket
	var ptypeBuf [1]byte
	if _, err := io.ReadFull(r, ptypeBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read incoming packet type: %w", err)
	}

	switch ptype := IncomingPacketType(ptypeBuf[0]); ptype {
	case TypeAcquirePacket:
		var p AcquirePacket
		if err := binary.Read(r, Endianness, &p.Channel); err != nil {
			return nil, fmt.Errorf("failed to read channel: %w", err)
		}
		pin, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read pin: %w", err)
		}
		p.Pin = pin
		packet = p

	case TypePulsesPacket:
		var p PulsesPacket
		if err := binary.Read(r, Endianness, &p.Start); err != nil {
			return nil, fmt.Errorf("failed to read start level: %w", err)
		}
		var count uint32
		if err := binary.Read(r, Endianness, &count); err != nil {
			return nil, fmt.Errorf("failed to read pulse count: %w", err)
		}
		if limit := context.maxPulses(); count > limit {
			return nil, fmt.Errorf("pulse train of %d exceeds limit %d", count, limit)
		}
		p.Durations = make([]uint32, count)
		if err := binary.Read(r, Endianness, p.Durations); err != nil {
			return nil, fmt.Errorf("failed to read pulses: %w", err)
		}
		packet = p

	case TypeReleasePacket:
		var p ReleasePacket
		packet = p

	default:
		return nil, fmt.Errorf("unknown packet type: %s", ptype)
	}

	if err := readChecksum(r, hash.Sum32()); err != nil {
		return nil, err
	}

	return packet, nil
}

// WriteIncomingPacket writes an incoming packet to the given writer.
func WriteIncomingPacket(w io.Writer, p IncomingPacket) error {
	hash := crc32.NewIEEE()
	w = io.MultiWriter(w, hash)

	switch p := p.(type) {
	case AcquirePacket:
		if err := binary.Write(w, Endianness, TypeAcquirePacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
		if err := binary.Write(w, Endianness, p.Channel); err != nil {
			return fmt.Errorf("failed to write channel: %w", err)
		}
		if err := writeString(w, p.Pin); err != nil {
			return fmt.Errorf("failed to write pin: %w", err)
		}
	case PulsesPacket:
		if err := binary.Write(w, Endianness, TypePulsesPacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
		if err := binary.Write(w, Endianness, p.Start); err != nil {
			return fmt.Errorf("failed to write start level: %w", err)
		}
		if err := binary.Write(w, Endianness, uint32(len(p.Durations))); err != nil {
			return fmt.Errorf("failed to write pulse count: %w", err)
		}
		if err := binary.Write(w, Endianness, p.Durations); err != nil {
			return fmt.Errorf("failed to write pulses: %w", err)
		}
	case ReleasePacket:
		if err := binary.Write(w, Endianness, TypeReleasePacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
	default:
		return fmt.Errorf("unknown packet type: %T", p)
	}

	if err := binary.Write(w, Endianness, hash.Sum32()); err != nil {
		return fmt.Errorf("failed to write packet checksum: %w", err)
	}

	return nil
}

// ReadOutgoingPacket reads an outgoing packet from the given reader.
func ReadOutgoingPacket(r io.Reader, context ReadContext) (OutgoingPacket, error) {
	hash := crc32.NewIEEE()
	r = io.TeeReader(r, hash)

	var packet OutgoingPacket
	var ptypeBuf [1]byte
	if _, err := io.ReadFull(r, ptypeBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read outgoing packet type: %w", err)
	}

	switch ptype := OutgoingPacketType(ptypeBuf[0]); ptype {
	case TypeAckPacket:
		var p AckPacket
		if err := binary.Read(r, Endianness, &p.IncomingPacketType); err != nil {
			return nil, fmt.Errorf("failed to read acked packet type: %w", err)
		}
		packet = p

	case TypeErrorPacket:
		var p ErrorPacket
		msg, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read error message: %w", err)
		}
		p.Message = msg
		packet = p

	case TypePanicPacket:
		var p PanicPacket
		packet = p

	case TypeLogPacket:
		var p LogPacket
		msg, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read log message: %w", err)
		}
		p.Message = msg
		packet = p

	default:
		return nil, fmt.Errorf("unknown packet type: %s", ptype)
	}

	if err := readChecksum(r, hash.Sum32()); err != nil {
		return nil, err
	}

	return packet, nil
}

// WriteOutgoingPacket writes an outgoing packet to the given writer.
func WriteOutgoingPacket(w io.Writer, p OutgoingPacket) error {
	hash := crc32.NewIEEE()
	w = io.MultiWriter(w, hash)

	switch p := p.(type) {
	case AckPacket:
		if err := binary.Write(w, Endianness, TypeAckPacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
		if err := binary.Write(w, Endianness, p.IncomingPacketType); err != nil {
			return fmt.Errorf("failed to write acked packet type: %w", err)
		}
	case ErrorPacket:
		if err := binary.Write(w, Endianness, TypeErrorPacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
		if err := writeString(w, p.Message); err != nil {
			return fmt.Errorf("failed to write error message: %w", err)
		}
	case PanicPacket:
		if err := binary.Write(w, Endianness, TypePanicPacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
	case LogPacket:
		if err := binary.Write(w, Endianness, TypeLogPacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
		if err := writeString(w, p.Message); err != nil {
			return fmt.Errorf("failed to write log message: %w", err)
		}
	default:
		return fmt.Errorf("unknown packet type: %T", p)
	}

	if err := binary.Write(w, Endianness, hash.Sum32()); err != nil {
		return fmt.Errorf("failed to write packet checksum: %w", err)
	}

	return nil
}

// readChecksum reads the trailing checksum. want must be computed before the
// checksum bytes pass through the hashing reader.
func readChecksum(r io.Reader, want uint32) error {
	var checksum uint32
	if err := binary.Read(r, Endianness, &checksum); err != nil {
		return fmt.Errorf("failed to read packet checksum: %w", err)
	}
	if checksum != want {
		return fmt.Errorf("packet checksum mismatch")
	}
	return nil
}

func readString(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, Endianness, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string of %d bytes is too long", len(s))
	}
	if err := binary.Write(w, Endianness, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
