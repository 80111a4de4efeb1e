// Package admin serves the operator HTTP endpoints: health, Prometheus
// metrics, a JSON view of the catalog and a websocket feed of changes.
package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/filehub/internal/events"
	"github.com/fruitsalade/filehub/internal/logging"
	"github.com/fruitsalade/filehub/internal/metrics"
	"github.com/fruitsalade/filehub/internal/store"
)

const writeWait = 10 * time.Second

// SessionCounter reports the number of live TCP sessions.
type SessionCounter interface {
	Count() int
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// CatalogResponse is the body of GET /api/v1/catalog.
type CatalogResponse struct {
	Entries []store.Entry `json:"entries"`
	Count   int           `json:"count"`
}

// Server is the admin HTTP server.
type Server struct {
	store     *store.Store
	bc        *events.Broadcaster
	sessions  SessionCounter
	queueSize int
	upgrader  websocket.Upgrader
}

// NewServer creates the admin server.
func NewServer(s *store.Store, bc *events.Broadcaster, sessions SessionCounter, queueSize int) *Server {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Server{
		store:     s,
		bc:        bc,
		sessions:  sessions,
		queueSize: queueSize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the admin HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/v1/catalog", s.handleCatalog)
	mux.HandleFunc("GET /api/v1/catalog/{filename}", s.handleEntry)
	mux.HandleFunc("GET /api/v1/feed", s.handleFeed)

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"sessions":        s.sessions.Count(),
		"subscribers":     s.bc.Count(),
		"catalog_entries": s.store.Len(),
		"skipped_files":   len(s.store.Skipped()),
	})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	entries := s.store.Snapshot()
	s.sendJSON(w, http.StatusOK, CatalogResponse{Entries: entries, Count: len(entries)})
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if _, err := store.CleanName(name); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, ok := s.store.Stat(name)
	if !ok {
		s.sendError(w, http.StatusNotFound, "file not found")
		return
	}
	s.sendJSON(w, http.StatusOK, entry)
}

// handleFeed streams catalog notices as JSON text messages: the snapshot
// first, then live changes.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		logging.WithContext(r.Context()).Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := &feedSubscriber{
		id:    "feed-" + uuid.NewString(),
		conn:  conn,
		queue: events.NewQueue(s.queueSize),
	}
	log := logging.WithContext(r.Context()).With(zap.String("subscriber", sub.id))

	snapshot := s.bc.Subscribe(sub)
	defer func() {
		s.bc.Unsubscribe(sub.id)
		sub.Close()
	}()
	log.Info("feed subscriber connected", zap.Int("snapshot", len(snapshot)))

	for _, e := range snapshot {
		if err := sub.write(events.SnapshotNotice(e)); err != nil {
			return
		}
	}

	// Reads only detect the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for {
		select {
		case n := <-sub.queue.C():
			if err := sub.write(n); err != nil {
				log.Debug("feed write failed", zap.Error(err))
				return
			}
		case <-sub.queue.Done():
			log.Info("feed subscriber disconnected")
			return
		}
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, ErrorResponse{Error: message, Code: code})
}

// feedSubscriber delivers notices to one websocket client.
type feedSubscriber struct {
	id        string
	conn      *websocket.Conn
	queue     *events.Queue
	closeOnce sync.Once
}

func (f *feedSubscriber) ID() string { return f.id }

func (f *feedSubscriber) Deliver(n events.Notice) bool {
	return f.queue.Push(n)
}

func (f *feedSubscriber) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.queue.Close()
		err = f.conn.Close()
	})
	return err
}

func (f *feedSubscriber) write(n events.Notice) error {
	data, err := events.MarshalNotice(n)
	if err != nil {
		return err
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return f.conn.WriteMessage(websocket.TextMessage, data)
}
