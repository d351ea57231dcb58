// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"sync"
)

// Reader reads framed messages from a backend byte stream.
type Reader struct {
	src     io.Reader
	buf     []byte
	dec     Decoder
	pending []string
	err     error
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{src: r, buf: make([]byte, readBufferSize)}
}

const readBufferSize = 32 << 10

// ReadMessage blocks until one complete frame is available and returns its
// message. It returns io.EOF when the stream ends on a frame boundary and
// io.ErrUnexpectedEOF when it ends inside a frame.
func (r *Reader) ReadMessage() (string, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return "", r.err
		}
		n, err := r.src.Read(r.buf)
		if n > 0 {
			msgs, ferr := r.dec.Feed(r.buf[:n])
			r.pending = append(r.pending, msgs...)
			if ferr != nil {
				r.err = ferr
			}
		}
		if err != nil && r.err == nil {
			if err == io.EOF && r.dec.Buffered() > 0 {
				err = io.ErrUnexpectedEOF
			}
			r.err = err
		}
	}

	msg := r.pending[0]
	r.pending = r.pending[1:]
	return msg, nil
}

// Writer writes framed messages to a backend byte stream. It is safe for
// concurrent use; each frame is written with a single Write call.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage encodes msg and writes the whole frame.
func (w *Writer) WriteMessage(msg string) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	_, err = w.w.Write(frame)
	return err
}
