// Package client is a FileHub protocol client: it uploads and downloads
// files over one persistent connection and keeps a local copy of the
// server's catalog from the notices it receives.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/filehub/internal/logging"
	"github.com/fruitsalade/filehub/internal/protocol"
	"github.com/fruitsalade/filehub/internal/transfer"
	"github.com/fruitsalade/filehub/pkg/retry"
)

// DefaultAddr is the server address used when none is given.
const DefaultAddr = "127.0.0.1:1111"

var (
	// ErrNotFound is returned by Download when the server has no such file.
	ErrNotFound = errors.New("client: file not found")

	// ErrClosed is returned for operations on a closed client.
	ErrClosed = errors.New("client: connection closed")
)

// CatalogChange is one catalog update received from the server.
type CatalogChange struct {
	Filename  string
	Timestamp time.Time
	IsNew     bool
}

// Entry is one file in the local view of the catalog.
type Entry struct {
	Filename  string
	Timestamp time.Time
}

// Options configures a Client.
type Options struct {
	ChunkSize   int
	EventBuffer int
	DialTimeout time.Duration
	Retry       retry.Config
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = transfer.DefaultChunkSize
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.Retry == (retry.Config{}) {
		o.Retry = retry.DefaultConfig()
	}
	return o
}

// Client is a connection to a FileHub server.
type Client struct {
	conn net.Conn
	opts Options

	// writeMu keeps request frames whole on the wire.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending []*pendingDownload
	closed  bool
	catalog map[string]time.Time

	events chan CatalogChange
	done   chan struct{}
	err    error

	closeOnce sync.Once
}

type pendingDownload struct {
	filename string
	destDir  string
	result   chan downloadResult

	// abandoned is set under Client.mu once the caller stopped waiting.
	abandoned bool
}

type downloadResult struct {
	path string
	err  error
}

// Dial connects to addr, retrying refused connections with backoff.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	dialer := net.Dialer{Timeout: opts.DialTimeout}

	conn, err := retry.DoWithResult(ctx, opts.Retry, func() (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
				logging.Debug("server not reachable, retrying", zap.String("addr", addr), zap.Error(err))
				return nil, retry.Retryable(err)
			}
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn, opts), nil
}

// New starts a client on an established connection.
func New(conn net.Conn, opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		conn:    conn,
		opts:    opts,
		catalog: make(map[string]time.Time),
		events:  make(chan CatalogChange, opts.EventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events returns the catalog change notifications. Changes are dropped when
// the buffer is full; Catalog always reflects every change received. The
// channel is closed when the connection ends.
func (c *Client) Events() <-chan CatalogChange {
	return c.events
}

// Catalog returns the local view of the server catalog, sorted by name.
func (c *Client) Catalog() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.catalog))
	for name, ts := range c.catalog {
		out = append(out, Entry{Filename: name, Timestamp: ts})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// Upload sends the local file at path. The server announces the result to
// every client, this one included, through Events.
func (c *Client) Upload(ctx context.Context, path string) error {
	if err := c.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	stop := c.watchContext(ctx)
	defer stop()

	h, err := transfer.SendUpload(c.conn, path, c.opts.ChunkSize)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		if h.Kind == "" {
			// Nothing reached the wire.
			return err
		}
		// The server is still waiting for the rest of the declared payload,
		// so the stream cannot be reused.
		c.Close()
		return fmt.Errorf("%w: upload of %s aborted: %w", ErrClosed, h.Filename, err)
	}
	logging.Debug("upload sent", zap.String("filename", h.Filename), zap.Int64("size", h.Size))
	return nil
}

// Download fetches filename into destDir and returns the written path.
// If ctx ends first the response is still consumed from the stream but
// nothing is written to destDir.
func (c *Client) Download(ctx context.Context, filename, destDir string) (string, error) {
	if err := c.Err(); err != nil {
		return "", err
	}

	p := &pendingDownload{
		filename: filename,
		destDir:  destDir,
		result:   make(chan downloadResult, 1),
	}

	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return "", ErrClosed
	}
	c.pending = append(c.pending, p)
	c.mu.Unlock()
	err := protocol.Write(c.conn, protocol.SendMeFile{Filename: filename})
	c.writeMu.Unlock()
	if err != nil {
		c.Close()
		return "", fmt.Errorf("%w: %w", ErrClosed, err)
	}

	select {
	case res := <-p.result:
		return res.path, res.err
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p.abandoned = true
	select {
	case res := <-p.result:
		return res.path, res.err
	default:
		return "", ctx.Err()
	}
}

// watchContext aborts blocked writes when ctx ends.
func (c *Client) watchContext(ctx context.Context) func() {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetWriteDeadline(time.Now())
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
			c.conn.SetWriteDeadline(time.Time{})
		}
	}
}

// Close closes the connection and waits for the reader to finish.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	<-c.done
	return err
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) readLoop() {
	r := protocol.NewReader(c.conn)
	var err error
	for err == nil {
		var h protocol.Header
		h, err = r.Next()
		if err != nil {
			break
		}
		err = c.handle(r, h)
	}

	if errors.Is(err, net.ErrClosed) {
		err = ErrClosed
	} else {
		err = fmt.Errorf("%w: %w", ErrClosed, err)
	}
	c.err = err

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.closed = true
	c.mu.Unlock()
	for _, p := range pending {
		p.result <- downloadResult{err: err}
	}

	close(c.events)
	close(c.done)
}

func (c *Client) handle(r *protocol.Reader, h protocol.Header) error {
	switch h.Kind {
	case protocol.KindNewFile, protocol.KindLegacyNewFile:
		c.applyNotice(h, true)
	case protocol.KindOverride:
		c.applyNotice(h, false)
	case protocol.KindSendFile:
		return c.completeDownload(r, h)
	case protocol.KindFileNotFound:
		if p := c.popPending(); p != nil {
			c.finish(p, downloadResult{err: fmt.Errorf("%w: %s", ErrNotFound, h.Filename)})
		}
	default:
		logging.Debug("ignoring frame", zap.String("kind", string(h.Kind)))
	}
	return nil
}

func (c *Client) applyNotice(h protocol.Header, isNew bool) {
	ts, err := protocol.ParseTime(h.Timestamp)
	if err != nil {
		logging.Warn("bad timestamp in notice",
			zap.String("filename", h.Filename), zap.String("timestamp", h.Timestamp))
	}

	c.mu.Lock()
	c.catalog[h.Filename] = ts
	c.mu.Unlock()

	select {
	case c.events <- CatalogChange{Filename: h.Filename, Timestamp: ts, IsNew: isNew}:
	default:
		logging.Debug("dropping catalog event for slow consumer", zap.String("filename", h.Filename))
	}
}

func (c *Client) completeDownload(r *protocol.Reader, h protocol.Header) error {
	p := c.popPending()
	if p == nil {
		logging.Warn("unsolicited file response", zap.String("filename", h.Filename))
		return r.Discard()
	}

	c.mu.Lock()
	abandoned := p.abandoned
	c.mu.Unlock()
	if abandoned {
		logging.Debug("discarding abandoned download", zap.String("filename", h.Filename))
		return r.Discard()
	}

	// A zero-size answer is either an empty file or "not found"; the local
	// catalog tells them apart.
	if h.Size == 0 {
		c.mu.Lock()
		_, known := c.catalog[h.Filename]
		c.mu.Unlock()
		if !known {
			c.finish(p, downloadResult{err: fmt.Errorf("%w: %s", ErrNotFound, h.Filename)})
			return nil
		}
	}

	path, err := transfer.ReceiveDownload(r, h, p.destDir, c.opts.ChunkSize)
	c.finish(p, downloadResult{path: path, err: err})
	if err != nil && (errors.Is(err, protocol.ErrConnectionLost) || errors.Is(err, transfer.ErrIncompleteTransfer)) {
		return err
	}
	return nil
}

// finish hands res to the waiting Download. A file received for a caller
// that gave up is removed again.
func (c *Client) finish(p *pendingDownload, res downloadResult) {
	c.mu.Lock()
	if !p.abandoned {
		p.result <- res
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if res.path != "" {
		if err := os.Remove(res.path); err != nil {
			logging.Warn("remove abandoned download", zap.String("path", res.path), zap.Error(err))
		}
	}
}

func (c *Client) popPending() *pendingDownload {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	return p
}
