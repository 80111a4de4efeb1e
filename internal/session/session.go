package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/filehub/internal/events"
	"github.com/fruitsalade/filehub/internal/metrics"
	"github.com/fruitsalade/filehub/internal/protocol"
	"github.com/fruitsalade/filehub/internal/store"
	"github.com/fruitsalade/filehub/internal/transfer"
)

// Session is one live client connection. It is an events.Subscriber: catalog
// notices are queued and written by the session's own writer goroutine.
type Session struct {
	id     string
	conn   net.Conn
	remote string

	engine *transfer.Engine
	bc     *events.Broadcaster
	queue  *events.Queue

	// writeMu is held for every frame written to conn.
	writeMu sync.Mutex

	// idle is signalled when a download releases writeMu.
	idle chan struct{}

	// backlogSize bounds the notices held while a download is being written.
	backlogSize int

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	log       *zap.Logger
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.remote }

// Deliver queues a notice without blocking.
func (s *Session) Deliver(n events.Notice) bool {
	return s.queue.Push(n)
}

// Close closes the connection, which ends both session goroutines. It is
// safe to call more than once and from any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.queue.Close()
		err = s.conn.Close()
	})
	return err
}

// Done is closed once the session starts shutting down.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// run serves the session until the connection ends and returns the close
// reason, empty for a clean disconnect.
func (s *Session) run() string {
	defer s.Close()

	snapshot := s.bc.Subscribe(s)
	defer s.bc.Unsubscribe(s.id)

	if err := s.writeSnapshot(snapshot); err != nil {
		s.log.Warn("bootstrap snapshot failed", zap.Error(err))
		return "write_failed"
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	reason := s.readLoop()
	s.Close()
	wg.Wait()
	return reason
}

// writeSnapshot sends every pre-existing entry as NEW_FILE before any live
// notice is written.
func (s *Session) writeSnapshot(entries []store.Entry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	bw := bufio.NewWriterSize(s.conn, 32*1024)
	for _, e := range entries {
		if err := protocol.Write(bw, events.SnapshotNotice(e).Message()); err != nil {
			return err
		}
	}
	s.log.Debug("bootstrap snapshot sent", zap.Int("entries", len(entries)))
	return bw.Flush()
}

// writeLoop keeps the notice queue drained. Notices that arrive while a
// download holds the connection are held in a local backlog and written,
// in order, once the download is done.
func (s *Session) writeLoop() {
	var backlog []events.Notice
	for {
		var idle <-chan struct{}
		if len(backlog) > 0 {
			idle = s.idle
		}

		select {
		case n := <-s.queue.C():
			backlog = append(backlog, n)
			if len(backlog) > s.backlogSize {
				s.log.Warn("notice backlog full during download, closing session",
					zap.Int("backlog", len(backlog)))
				metrics.RecordEviction()
				s.Close()
				return
			}
		case <-idle:
		case <-s.queue.Done():
			return
		}

		if !s.writeMu.TryLock() {
			continue
		}
		err := s.writeNotices(backlog)
		s.writeMu.Unlock()
		if err != nil {
			s.log.Debug("notice write failed", zap.Error(err))
			s.Close()
			return
		}
		backlog = backlog[:0]
	}
}

// writeNotices writes notices plus whatever else is already queued.
// Caller holds writeMu.
func (s *Session) writeNotices(backlog []events.Notice) error {
	bw := bufio.NewWriter(s.conn)
	for _, n := range backlog {
		if err := protocol.Write(bw, n.Message()); err != nil {
			return err
		}
	}
	for {
		select {
		case n := <-s.queue.C():
			if err := protocol.Write(bw, n.Message()); err != nil {
				return err
			}
		default:
			return bw.Flush()
		}
	}
}

func (s *Session) readLoop() string {
	r := protocol.NewReader(s.conn)
	for {
		h, err := r.Next()
		if err != nil {
			return s.closeReason(err)
		}
		if err := s.dispatch(r, h); err != nil {
			return s.closeReason(err)
		}
	}
}

// dispatch handles one frame. A returned error ends the session.
func (s *Session) dispatch(r *protocol.Reader, h protocol.Header) error {
	switch h.Kind {
	case protocol.KindUploadFile:
		metrics.RecordFrame(string(h.Kind))
		if _, err := s.engine.ReceiveUpload(s.ctx, r, h); err != nil {
			if streamBroken(err) {
				return err
			}
			s.log.Warn("upload failed",
				zap.String("filename", h.Filename),
				zap.Int64("size", h.Size),
				zap.Error(err))
		}
		return nil

	case protocol.KindSendMeFile:
		metrics.RecordFrame(string(h.Kind))
		s.writeMu.Lock()
		err := s.engine.SendFile(s.ctx, s.conn, h.Filename)
		s.writeMu.Unlock()
		select {
		case s.idle <- struct{}{}:
		default:
		}
		return err

	default:
		if protocol.Known(h.Kind) {
			metrics.RecordFrame(string(h.Kind))
		} else {
			metrics.RecordFrame("unknown")
		}
		s.log.Debug("ignoring frame", zap.String("kind", string(h.Kind)))
		return nil
	}
}

func streamBroken(err error) bool {
	return errors.Is(err, protocol.ErrConnectionLost) ||
		errors.Is(err, transfer.ErrIncompleteTransfer) ||
		errors.Is(err, transfer.ErrSourceChanged)
}

func (s *Session) closeReason(err error) string {
	select {
	case <-s.ctx.Done():
		// Closed locally: shutdown or eviction.
		return ""
	default:
	}

	switch {
	case errors.Is(err, io.EOF):
		return ""
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrSizeMismatch):
		s.log.Warn("malformed frame, closing session", zap.Error(err))
		return "malformed"
	case errors.Is(err, transfer.ErrIncompleteTransfer):
		s.log.Warn("transfer incomplete, closing session", zap.Error(err))
		return "incomplete_transfer"
	default:
		s.log.Info("connection lost", zap.Error(err))
		return "connection_lost"
	}
}

var _ events.Subscriber = (*Session)(nil)
