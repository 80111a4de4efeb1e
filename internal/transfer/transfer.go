// Package transfer streams file bytes between disk and a live connection in
// bounded chunks, in both directions.
package transfer

import (
	"errors"
	"fmt"
	"io"

	"github.com/fruitsalade/filehub/internal/protocol"
)

// DefaultChunkSize is the size of each disk/socket transfer step.
const DefaultChunkSize = 8 * 1024

var (
	// ErrIncompleteTransfer means the stream ended before the declared
	// number of bytes arrived.
	ErrIncompleteTransfer = errors.New("transfer: incomplete transfer")

	// ErrStorage wraps local disk failures (disk full, permission denied).
	// The connection itself is still usable when the payload was drained.
	ErrStorage = errors.New("transfer: storage error")

	// ErrSourceChanged means a file shrank while it was being sent, so the
	// declared size cannot be honoured.
	ErrSourceChanged = errors.New("transfer: source changed during send")
)

// Receive copies exactly size bytes from r to w in chunks of at most chunk
// bytes. Reads that return fewer bytes than asked for, including none, are
// not errors. If r ends first the error wraps ErrIncompleteTransfer; a
// failed write to w wraps ErrStorage.
func Receive(r io.Reader, w io.Writer, size int64, chunk int) (int64, error) {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	buf := make([]byte, min(int64(chunk), max(size, 1)))

	var done int64
	for done < size {
		want := min(int64(len(buf)), size-done)
		n, err := r.Read(buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return done, fmt.Errorf("%w: %w", ErrStorage, werr)
			}
			done += int64(n)
		}
		if err != nil && done < size {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return done, fmt.Errorf("%w: got %d of %d bytes: %w", ErrIncompleteTransfer, done, size, err)
		}
	}
	return done, nil
}

// Send copies exactly size bytes from r to w in chunks of at most chunk
// bytes. Short writes are retried for the remainder.
func Send(w io.Writer, r io.Reader, size int64, chunk int) (int64, error) {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	buf := make([]byte, min(int64(chunk), max(size, 1)))

	var done int64
	for done < size {
		want := min(int64(len(buf)), size-done)
		n, err := io.ReadFull(r, buf[:want])
		if n > 0 {
			if werr := protocol.WriteFull(w, buf[:n]); werr != nil {
				return done, fmt.Errorf("%w: %w", protocol.ErrConnectionLost, werr)
			}
			done += int64(n)
		}
		if err != nil && done < size {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return done, fmt.Errorf("%w: sent %d of %d bytes", ErrSourceChanged, done, size)
			}
			return done, fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}
	return done, nil
}
