// Package rcon implements the Source RCON protocol spoken by game servers,
// enough to authenticate and run console commands.
package rcon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Packet types. Exec and auth-response share a value on the wire.
const (
	TypeResponseValue int32 = 0
	TypeExecCommand   int32 = 2
	TypeAuthResponse  int32 = 2
	TypeAuth          int32 = 3
)

const (
	// MaxCommandBody is the largest request body servers reliably accept.
	MaxCommandBody = 1446
	// MaxResponseBody is the fragment size servers split long replies at.
	MaxResponseBody = 4096

	// id + type + two terminating NULs.
	minPacketSize = 4 + 4 + 2
	maxPacketSize = minPacketSize + MaxResponseBody
)

// ErrBadPacket is returned for frames that violate the wire format.
var ErrBadPacket = errors.New("malformed rcon packet")

// Packet is one RCON frame.
type Packet struct {
	ID   int32
	Type int32
	Body string
}

// MarshalBinary encodes p as size | id | type | body NUL | NUL, little endian.
func (p Packet) MarshalBinary() ([]byte, error) {
	size := minPacketSize + len(p.Body)
	if size > maxPacketSize {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrBadPacket, len(p.Body))
	}
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type))
	copy(buf[12:], p.Body)
	// Trailing two bytes are already zero.
	return buf, nil
}

// WritePacket writes one frame to w.
func WritePacket(w io.Writer, p Packet) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadPacket reads one frame from r.
func ReadPacket(r io.Reader) (Packet, error) {
	var sizeBytes [4]byte
	if _, err := io.ReadFull(r, sizeBytes[:]); err != nil {
		return Packet{}, err
	}
	size := int32(binary.LittleEndian.Uint32(sizeBytes[:]))
	if size < minPacketSize || size > maxPacketSize {
		return Packet{}, fmt.Errorf("%w: size %d", ErrBadPacket, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}
	if payload[size-1] != 0 || payload[size-2] != 0 {
		return Packet{}, fmt.Errorf("%w: missing terminator", ErrBadPacket)
	}
	return Packet{
		ID:   int32(binary.LittleEndian.Uint32(payload[0:4])),
		Type: int32(binary.LittleEndian.Uint32(payload[4:8])),
		Body: string(payload[8 : size-2]),
	}, nil
}
