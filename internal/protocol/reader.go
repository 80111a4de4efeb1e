package protocol

import (
	"errors"
	"fmt"
	"io"
)

const readChunk = 32 * 1024

// Reader decodes frames from a byte stream that may deliver data in pieces
// of any size. It keeps the receive buffer of a connection: bytes read past
// the current header are served as payload before the stream is read again.
type Reader struct {
	r         io.Reader
	buf       []byte
	remaining int64
}

// NewReader returns a Reader that pulls bytes from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the header of the next frame. Any payload left over from the
// previous frame is discarded first. io.EOF is returned only when the stream
// ends on a frame boundary; a stream that ends inside a frame yields
// ErrConnectionLost.
func (r *Reader) Next() (Header, error) {
	if r.remaining > 0 {
		if err := r.Discard(); err != nil {
			return Header{}, err
		}
	}
	for {
		h, n, err := DecodeHeader(r.buf)
		if err == nil {
			r.buf = r.buf[n:]
			r.remaining = h.Size
			return h, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return Header{}, err
		}
		if err := r.fill(); err != nil {
			if errors.Is(err, io.EOF) && len(r.buf) == 0 {
				return Header{}, io.EOF
			}
			return Header{}, fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
	}
}

// Remaining returns the number of payload bytes of the current frame not
// yet read.
func (r *Reader) Remaining() int64 {
	return r.remaining
}

// Read reads payload bytes of the current frame. It returns io.EOF once the
// payload is exhausted, and io.EOF from the underlying stream if that ends
// first. A read may return fewer bytes than asked for, including zero.
func (r *Reader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	if len(r.buf) > 0 {
		n := copy(p, r.buf)
		r.buf = r.buf[n:]
		r.remaining -= int64(n)
		return n, nil
	}
	n, err := r.r.Read(p)
	r.remaining -= int64(n)
	return n, err
}

// Discard skips the rest of the current payload. An error means the stream
// ended before the payload did.
func (r *Reader) Discard() error {
	if r.remaining <= 0 {
		return nil
	}
	want := r.remaining
	n, err := io.Copy(io.Discard, r)
	if err != nil || n < want {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return nil
}

// Buffered returns the number of bytes read from the stream but not yet
// consumed.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

func (r *Reader) fill() error {
	if cap(r.buf)-len(r.buf) < readChunk {
		grown := make([]byte, len(r.buf), len(r.buf)+readChunk)
		copy(grown, r.buf)
		r.buf = grown
	}
	n, err := r.r.Read(r.buf[len(r.buf):cap(r.buf)])
	r.buf = r.buf[:len(r.buf)+n]
	if n > 0 {
		return nil
	}
	return err
}
