// Package wire implements the diglett frame codec: the handshake frame and
// the post-handshake control/data frame that carry every byte exchanged
// between an agent and a server.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic and version identify the handshake frame on the wire.
const (
	Magic   uint32 = 0x6469676c // "digl"
	Version uint8  = 0x01
)

// PublicKeySize is the length of a compressed secp256k1 public key.
const PublicKeySize = 33

// HandshakeSize is the exact size in bytes of the plaintext handshake frame:
// magic(4) + version(1) + key(33).
const HandshakeSize = 4 + 1 + PublicKeySize

// HeaderSize is the size of a post-handshake frame header:
// kind(1) + id(4) + size(2).
const HeaderSize = 1 + 4 + 2

// MaxPayloadSize is the largest payload a single frame can carry.
const MaxPayloadSize = 0xFFFF

// Kind identifies the type of a post-handshake frame.
type Kind uint8

const (
	KindOk             Kind = 0
	KindError          Kind = 1
	KindRegister       Kind = 2
	KindFinishRegister Kind = 3
	KindPayload        Kind = 4
	KindClose          Kind = 5
	KindTerminate      Kind = 6
	KindLogin          Kind = 7
)

// String returns a human-readable frame kind name.
func (k Kind) String() string {
	switch k {
	case KindOk:
		return "OK"
	case KindError:
		return "ERROR"
	case KindRegister:
		return "REGISTER"
	case KindFinishRegister:
		return "FINISH_REGISTER"
	case KindPayload:
		return "PAYLOAD"
	case KindClose:
		return "CLOSE"
	case KindTerminate:
		return "TERMINATE"
	case KindLogin:
		return "LOGIN"
	default:
		return "UNKNOWN"
	}
}

// ProtocolError classifies a fatal, connection-ending decode failure.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "diglett: protocol error: " + e.Reason }

var (
	// ErrBadMagic is returned when a handshake frame does not start with Magic.
	ErrBadMagic = &ProtocolError{Reason: "bad magic"}

	// ErrBadVersion is returned when a handshake frame carries an unsupported version.
	ErrBadVersion = &ProtocolError{Reason: "bad version"}

	// ErrBadKind is returned when a post-handshake frame carries an unknown kind.
	ErrBadKind = &ProtocolError{Reason: "bad frame kind"}

	// ErrOversizePayload is returned when a caller tries to encode a payload
	// larger than MaxPayloadSize.
	ErrOversizePayload = errors.New("diglett: payload exceeds maximum frame size")
)

// Handshake is the plaintext frame exchanged before encryption starts.
type Handshake struct {
	PublicKey [PublicKeySize]byte
}

// Encode serializes the handshake frame into buf, which must be exactly
// HandshakeSize bytes.
func (h *Handshake) Encode(buf []byte) error {
	if len(buf) != HandshakeSize {
		return fmt.Errorf("diglett: handshake buffer must be %d bytes, got %d", HandshakeSize, len(buf))
	}
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	copy(buf[5:5+PublicKeySize], h.PublicKey[:])
	return nil
}

// DecodeHandshake parses a handshake frame from buf, which must be exactly
// HandshakeSize bytes.
func DecodeHandshake(buf []byte) (*Handshake, error) {
	if len(buf) != HandshakeSize {
		return nil, fmt.Errorf("diglett: handshake buffer must be %d bytes, got %d", HandshakeSize, len(buf))
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != Magic {
		return nil, ErrBadMagic
	}
	if version := buf[4]; version != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	h := &Handshake{}
	copy(h.PublicKey[:], buf[5:5+PublicKeySize])
	return h, nil
}

// WriteHandshake writes h to w in the plaintext wire format.
func WriteHandshake(w io.Writer, h *Handshake) error {
	buf := make([]byte, HandshakeSize)
	if err := h.Encode(buf); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a handshake frame from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return DecodeHandshake(buf)
}

// Frame is a decoded post-handshake control or data frame.
type Frame struct {
	Kind    Kind
	ID      uint32
	Payload []byte
}

// Encode serializes f into a freshly allocated byte slice: header followed
// by payload.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrOversizePayload
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(buf[1:5], f.ID)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// WriteFrame encodes and writes f to w in a single Write call so that a
// concurrent reader never observes a partial frame.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads and decodes the next frame from r, validating kind and
// bounding the payload read to the declared size.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	kind := Kind(header[0])
	if kind > KindLogin {
		return nil, fmt.Errorf("%w: %d", ErrBadKind, header[0])
	}

	id := binary.BigEndian.Uint32(header[1:5])
	size := binary.BigEndian.Uint16(header[5:7])

	var payload []byte
	if size > 0 {
		payload = make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{Kind: kind, ID: id, Payload: payload}, nil
}

// StreamID packs a registration id and a slot into the 32-bit stream
// identifier used by Payload/Close frames: high 16 bits registration id,
// low 16 bits slot.
func StreamID(registrationID, slot uint16) uint32 {
	return uint32(registrationID)<<16 | uint32(slot)
}

// SplitStreamID unpacks a stream id into its registration id and slot.
func SplitStreamID(id uint32) (registrationID, slot uint16) {
	return uint16(id >> 16), uint16(id)
}

// RegisterID packs the same convention used for the id field of a Register
// frame: registration id in the high 16 bits, low 16 bits zero.
func RegisterID(registrationID uint16) uint32 {
	return uint32(registrationID) << 16
}
