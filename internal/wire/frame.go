package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic opens every frame ("HMNY").
	Magic uint32 = 0x484D4E59
	// Version is the protocol revision this package speaks.
	Version uint16 = 1
	// HeaderSize is magic + version + length.
	HeaderSize = 10
	// DefaultMaxFrame bounds payloads when the caller supplies no limit.
	DefaultMaxFrame = 1 << 20
)

// MagicBytes is Magic in network byte order, used to sniff new connections.
var MagicBytes = [4]byte{0x48, 0x4D, 0x4E, 0x59}

// Marshal encodes m into a complete frame.
func Marshal(m Message) ([]byte, error) {
	frame := make([]byte, HeaderSize, 128)
	frame, err := appendPayload(frame, m)
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(frame[0:4], Magic)
	binary.BigEndian.PutUint16(frame[4:6], Version)
	binary.BigEndian.PutUint32(frame[6:10], uint32(len(frame)-HeaderSize))
	return frame, nil
}

// Encode writes the frame for m into dst. When the frame does not fit, it
// returns ErrOverflow and leaves dst untouched.
func Encode(dst []byte, m Message) (int, error) {
	frame, err := Marshal(m)
	if err != nil {
		return 0, err
	}
	if len(frame) > len(dst) {
		return 0, fmt.Errorf("%w: frame needs %d bytes, buffer has %d", ErrOverflow, len(frame), len(dst))
	}
	return copy(dst, frame), nil
}

// Unmarshal decodes one frame from b. It never looks past the declared
// payload length; trailing bytes are ignored.
func Unmarshal(b []byte, maxFrame int) (Message, error) {
	length, err := parseHeader(b, maxFrame)
	if err != nil {
		return Message{}, err
	}
	if uint64(len(b)-HeaderSize) < uint64(length) {
		return Message{}, fmt.Errorf("%w: frame declares %d bytes, %d available", ErrMalformed, length, len(b)-HeaderSize)
	}
	return decodePayload(b[HeaderSize : HeaderSize+int(length)])
}

// ReadMessage reads exactly one frame from r.
func ReadMessage(r io.Reader, maxFrame int) (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	length, err := parseHeader(hdr[:], maxFrame)
	if err != nil {
		return Message{}, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	return decodePayload(payload)
}

// WriteMessage encodes m and writes it with a single Write call.
func WriteMessage(w io.Writer, m Message, maxFrame int) error {
	frame, err := Marshal(m)
	if err != nil {
		return err
	}
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	if len(frame)-HeaderSize > maxFrame {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(frame)-HeaderSize, maxFrame)
	}
	_, err = w.Write(frame)
	return err
}

// HasMagic reports whether b starts with the protocol magic.
func HasMagic(b []byte) bool {
	return len(b) >= 4 && binary.BigEndian.Uint32(b) == Magic
}

func parseHeader(b []byte, maxFrame int) (uint32, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	if len(b) < HeaderSize {
		if len(b) >= 4 && !HasMagic(b) {
			return 0, ErrBadMagic
		}
		return 0, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(b))
	}
	if !HasMagic(b) {
		return 0, fmt.Errorf("%w: 0x%08x", ErrBadMagic, binary.BigEndian.Uint32(b))
	}
	if v := binary.BigEndian.Uint16(b[4:6]); v != Version {
		return 0, fmt.Errorf("%w: %d (want %d)", ErrVersion, v, Version)
	}
	length := binary.BigEndian.Uint32(b[6:10])
	if uint64(length) > uint64(maxFrame) {
		return 0, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, maxFrame)
	}
	return length, nil
}
