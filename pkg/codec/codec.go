// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// HeaderSize is the size of the big-endian length prefix of every frame.
const HeaderSize = 4

// DefaultMaxFrameSize bounds the payload length accepted from a backend.
const DefaultMaxFrameSize = 256 << 20

// ErrFrameTooLarge is returned when a length prefix exceeds the frame limit.
var ErrFrameTooLarge = errors.New("frame too large")

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Direction indicates which way a message travels through a session.
type Direction int

const (
	// Upstream represents messages flowing from the frontend to the backend.
	Upstream Direction = iota

	// Downstream represents messages flowing from the backend to the frontend.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Encode converts a frontend text message into one backend frame.
func Encode(msg string) ([]byte, error) {
	payload, err := utf16le.NewEncoder().Bytes([]byte(msg))
	if err != nil {
		return nil, fmt.Errorf("encode utf-16le: %w", err)
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// Decode converts a frame payload, without its prefix, into a text message.
// A trailing odd byte is not a code unit and is dropped.
func Decode(payload []byte) (string, error) {
	if len(payload)%2 == 1 {
		payload = payload[:len(payload)-1]
	}
	b, err := utf16le.NewDecoder().Bytes(payload)
	if err != nil {
		return "", fmt.Errorf("decode utf-16le: %w", err)
	}
	return string(b), nil
}

// Decoder accumulates backend bytes and yields every complete frame.
// The zero value is ready to use.
type Decoder struct {
	// MaxFrameSize overrides DefaultMaxFrameSize when positive.
	MaxFrameSize int

	buf []byte
}

// Feed appends p to the buffered bytes and returns the messages of all
// frames that are now complete, in order. Remaining bytes stay buffered.
func (d *Decoder) Feed(p []byte) ([]string, error) {
	d.buf = append(d.buf, p...)

	var msgs []string
	for len(d.buf) >= HeaderSize {
		n := binary.BigEndian.Uint32(d.buf)
		if uint64(n) > uint64(d.limit()) {
			return msgs, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}
		end := HeaderSize + int(n)
		if len(d.buf) < end {
			break
		}
		msg, err := Decode(d.buf[HeaderSize:end])
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
		d.buf = d.buf[end:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return msgs, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) limit() int {
	if d.MaxFrameSize > 0 {
		return d.MaxFrameSize
	}
	return DefaultMaxFrameSize
}
