// Package session accepts client connections and runs one session per
// connection: bootstrap snapshot, frame dispatch and queued catalog notices.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/fruitsalade/filehub/internal/events"
	"github.com/fruitsalade/filehub/internal/logging"
	"github.com/fruitsalade/filehub/internal/metrics"
	"github.com/fruitsalade/filehub/internal/transfer"
)

// ErrClosed is returned by Serve after Shutdown.
var ErrClosed = errors.New("session: manager closed")

// Config holds session manager settings.
type Config struct {
	// QueueSize bounds the notices waiting to be written to one session.
	QueueSize int

	// MaxConnections caps concurrent sessions. Zero means unlimited.
	MaxConnections int

	// BacklogSize bounds the notices one session holds back while it is
	// writing a download. Defaults to 16 times QueueSize.
	BacklogSize int
}

// Manager owns the live sessions.
type Manager struct {
	engine *transfer.Engine
	bc     *events.Broadcaster
	cfg    Config

	mu        sync.Mutex
	sessions  map[string]*Session
	listeners map[net.Listener]struct{}
	closed    bool

	wg sync.WaitGroup
}

// NewManager creates a manager that serves transfers with engine and
// publishes through bc.
func NewManager(engine *transfer.Engine, bc *events.Broadcaster, cfg Config) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = 16 * cfg.QueueSize
	}
	return &Manager{
		engine:    engine,
		bc:        bc,
		cfg:       cfg,
		sessions:  make(map[string]*Session),
		listeners: make(map[net.Listener]struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called. Each connection gets its own session goroutines.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	if m.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, m.cfg.MaxConnections)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	m.listeners[ln] = struct{}{}
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer func() {
		m.mu.Lock()
		delete(m.listeners, ln)
		m.mu.Unlock()
	}()

	logging.Info("accepting connections", zap.String("addr", ln.Addr().String()))

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if m.isClosed() {
				return ErrClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(tempDelay*2, time.Second)
				}
				logging.Warn("accept error, retrying",
					zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0
		m.Accept(ctx, conn)
	}
}

// Accept starts a session on conn and returns it. The session runs until the
// connection closes.
func (m *Manager) Accept(ctx context.Context, conn net.Conn) *Session {
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	sctx, cancel := context.WithCancel(logging.WithSession(context.WithoutCancel(ctx), id, remote))

	s := &Session{
		id:     id,
		conn:   conn,
		remote: remote,
		engine: m.engine,
		bc:     m.bc,
		queue:  events.NewQueue(m.cfg.QueueSize),
		idle:   make(chan struct{}, 1),
		ctx:    sctx,
		cancel: cancel,
		log:    logging.WithContext(sctx),

		backlogSize: m.cfg.BacklogSize,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.Close()
		return s
	}
	m.sessions[id] = s
	live := len(m.sessions)
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.SessionOpened()
	s.log.Info("client connected", zap.Int("sessions", live))

	go func() {
		defer m.wg.Done()
		start := time.Now()
		reason := s.run()

		m.mu.Lock()
		delete(m.sessions, id)
		live := len(m.sessions)
		m.mu.Unlock()

		metrics.SessionClosed(reason)
		s.log.Info("client disconnected",
			zap.Int("sessions", live),
			zap.Duration("duration", time.Since(start)))
	}()
	return s
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Shutdown stops all listeners, closes every session and waits for their
// goroutines, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for ln := range m.listeners {
		ln.Close()
	}
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
