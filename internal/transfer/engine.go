package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fruitsalade/filehub/internal/logging"
	"github.com/fruitsalade/filehub/internal/metrics"
	"github.com/fruitsalade/filehub/internal/protocol"
	"github.com/fruitsalade/filehub/internal/store"
)

// Options configures an Engine.
type Options struct {
	ChunkSize int

	// StrictNotFound answers downloads of missing files with FILE_NOT_FOUND
	// instead of a zero-size SEND_FILE_FOR_U.
	StrictNotFound bool
}

// Engine runs the server side of uploads and downloads against a store.
type Engine struct {
	store          *store.Store
	chunkSize      int
	strictNotFound bool
}

// NewEngine creates an Engine backed by s.
func NewEngine(s *store.Store, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Engine{store: s, chunkSize: opts.ChunkSize, strictNotFound: opts.StrictNotFound}
}

// ReceiveUpload stores the payload of an UPLOAD_FILE frame. The file is
// committed, and the catalog updated, only once all h.Size bytes arrived.
//
// Errors wrapping protocol.ErrConnectionLost or ErrIncompleteTransfer mean
// the stream is gone. Any other error leaves the payload drained and the
// connection in sync.
func (e *Engine) ReceiveUpload(ctx context.Context, payload *protocol.Reader, h protocol.Header) (store.Change, error) {
	log := logging.WithContext(ctx)
	start := time.Now()

	fail := func(status string, err error) (store.Change, error) {
		metrics.RecordUpload(0, status, time.Since(start))
		if derr := payload.Discard(); derr != nil {
			return store.Change{}, derr
		}
		return store.Change{}, err
	}

	upload, err := e.store.Create(h.Filename)
	if err != nil {
		if errors.Is(err, store.ErrInvalidName) {
			return fail("rejected", err)
		}
		return fail("error", fmt.Errorf("%w: %w", ErrStorage, err))
	}

	n, err := Receive(payload, upload, h.Size, e.chunkSize)
	if err != nil {
		upload.Abort()
		if errors.Is(err, ErrIncompleteTransfer) {
			metrics.RecordUpload(n, "incomplete", time.Since(start))
			return store.Change{}, err
		}
		return fail("error", err)
	}

	change, err := upload.Commit()
	if err != nil {
		metrics.RecordUpload(n, "error", time.Since(start))
		return store.Change{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	metrics.RecordUpload(n, "ok", time.Since(start))
	log.Info("upload committed",
		logging.String("filename", change.Filename),
		logging.Int64("size", change.Size),
		logging.String("client_timestamp", h.Timestamp),
		logging.Time("modified", change.Modified),
		logging.String("blake3", change.Digest),
		logging.Duration("duration", time.Since(start)))
	return change, nil
}

// SendFile answers a SEND_ME_FILE request for name on w. A missing file is
// announced with size zero and no payload, or with FILE_NOT_FOUND when the
// engine is strict. A returned error means w can no longer be trusted.
func (e *Engine) SendFile(ctx context.Context, w io.Writer, name string) error {
	log := logging.WithContext(ctx)
	start := time.Now()

	rc, size, err := e.store.Get(name)
	if err != nil {
		status := "not_found"
		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrInvalidName) {
			status = "error"
			log.Error("open file for download", logging.String("filename", name), logging.Err(err))
		}
		metrics.RecordDownload(0, status, time.Since(start))
		return e.sendNotFound(w, name)
	}
	defer rc.Close()

	header := protocol.AppendHeader(nil, protocol.Header{
		Kind:     protocol.KindSendFile,
		Filename: name,
		Size:     size,
	})
	if err := protocol.WriteFull(w, header); err != nil {
		metrics.RecordDownload(0, "error", time.Since(start))
		return fmt.Errorf("%w: %w", protocol.ErrConnectionLost, err)
	}

	n, err := Send(w, rc, size, e.chunkSize)
	if err != nil {
		metrics.RecordDownload(n, "error", time.Since(start))
		return err
	}

	metrics.RecordDownload(n, "ok", time.Since(start))
	log.Debug("download sent",
		logging.String("filename", name),
		logging.Int64("size", n),
		logging.Duration("duration", time.Since(start)))
	return nil
}

func (e *Engine) sendNotFound(w io.Writer, name string) error {
	var m protocol.Message = protocol.SendFile{Filename: name}
	if e.strictNotFound {
		m = protocol.FileNotFound{Filename: name}
	}
	if err := protocol.Write(w, m); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrConnectionLost, err)
	}
	return nil
}
