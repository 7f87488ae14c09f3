// Package wire implements the TSKBATCH binary batch frame and the plain-text
// metric line format shared by the bus producer backend and the proxy.
package wire

import (
	"encoding/binary"
	"errors"
	"strconv"
)

// Magic is the 8-byte ASCII magic prefix of every binary batch frame.
const Magic = "TSKBATCH"

// Version is the only frame version this package understands.
const Version = uint8(0)

// HeaderLen is the fixed-size portion of the header, not counting the
// variable-length channel name.
const HeaderLen = len(Magic) + 1 + 4 + 2

var (
	// ErrShortBuffer is returned when the destination buffer has too little
	// room for the encoded value.
	ErrShortBuffer = errors.New("wire: short buffer")
	// ErrKeyTooLong is returned when a key is too long to be length-prefixed
	// by a uint16.
	ErrKeyTooLong = errors.New("wire: key too long")
	// ErrTruncated is returned when decoding runs off the end of the buffer.
	ErrTruncated = errors.New("wire: truncated frame")
	// ErrBadMagic is returned when the header magic does not match.
	ErrBadMagic = errors.New("wire: bad magic")
	// ErrBadVersion is returned when the header version is unsupported.
	ErrBadVersion = errors.New("wire: unsupported version")
	// ErrEmptyKey is returned when decoding a pair whose key length is zero.
	ErrEmptyKey = errors.New("wire: empty key")
)

// Header describes the (time, channel) preamble of a batch frame.
type Header struct {
	Time    uint32
	Channel string
}

// Pair is a single (key, value) sample within a batch frame.
type Pair struct {
	Key   string
	Value uint64
}

// EncodedLen returns the number of bytes EncodeHeader would write for h.
func (h Header) EncodedLen() int {
	return HeaderLen + len(h.Channel)
}

// EncodeHeader writes the frame magic, version, time and channel into buf,
// returning the number of bytes written. It fails if buf does not have
// enough room.
func EncodeHeader(buf []byte, h Header) (int, error) {
	need := h.EncodedLen()
	if len(buf) < need {
		return 0, ErrShortBuffer
	}
	n := copy(buf, Magic)
	buf[n] = Version
	n++
	binary.BigEndian.PutUint32(buf[n:], h.Time)
	n += 4
	binary.BigEndian.PutUint16(buf[n:], uint16(len(h.Channel)))
	n += 2
	n += copy(buf[n:], h.Channel)
	return n, nil
}

// EncodedLen returns the number of bytes EncodePair would write for p.
func (p Pair) EncodedLen() int {
	return 2 + len(p.Key) + 8
}

// EncodePair writes a length-prefixed key followed by a big-endian u64
// value. It fails if key is too long to fit a uint16 length prefix or buf
// has insufficient room.
func EncodePair(buf []byte, p Pair) (int, error) {
	if len(p.Key) >= 1<<16 {
		return 0, ErrKeyTooLong
	}
	need := p.EncodedLen()
	if len(buf) < need {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint16(buf, uint16(len(p.Key)))
	n := 2
	n += copy(buf[n:], p.Key)
	binary.BigEndian.PutUint64(buf[n:], p.Value)
	n += 8
	return n, nil
}

// DecodeHeader parses a batch frame header from the front of buf, returning
// the header and the number of bytes consumed.
func DecodeHeader(buf []byte) (Header, int, error) {
	if len(buf) < HeaderLen {
		return Header{}, 0, ErrTruncated
	}
	if string(buf[:len(Magic)]) != Magic {
		return Header{}, 0, ErrBadMagic
	}
	n := len(Magic)
	if buf[n] != Version {
		return Header{}, 0, ErrBadVersion
	}
	n++
	t := binary.BigEndian.Uint32(buf[n:])
	n += 4
	chLen := int(binary.BigEndian.Uint16(buf[n:]))
	n += 2
	if len(buf) < n+chLen {
		return Header{}, 0, ErrTruncated
	}
	channel := string(buf[n : n+chLen])
	n += chLen
	return Header{Time: t, Channel: channel}, n, nil
}

// DecodePair parses a single (key, value) pair from the front of buf,
// returning the pair and the number of bytes consumed.
func DecodePair(buf []byte) (Pair, int, error) {
	if len(buf) < 2 {
		return Pair{}, 0, ErrTruncated
	}
	keyLen := int(binary.BigEndian.Uint16(buf))
	n := 2
	if keyLen == 0 {
		return Pair{}, 0, ErrEmptyKey
	}
	if len(buf) < n+keyLen+8 {
		return Pair{}, 0, ErrTruncated
	}
	key := string(buf[n : n+keyLen])
	n += keyLen
	value := binary.BigEndian.Uint64(buf[n:])
	n += 8
	return Pair{Key: key, Value: value}, n, nil
}

// EncodeText writes a text-format metric line: "<key> <value> <time>\n".
func EncodeText(buf []byte, key string, value uint64, t uint32) (int, error) {
	line := FormatText(key, value, t)
	if len(buf) < len(line) {
		return 0, ErrShortBuffer
	}
	return copy(buf, line), nil
}

// FormatText renders a text-format metric line as a string.
func FormatText(key string, value uint64, t uint32) string {
	return key + " " + strconv.FormatUint(value, 10) + " " + strconv.FormatUint(uint64(t), 10) + "\n"
}
