package client

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/filehub/internal/events"
	"github.com/fruitsalade/filehub/internal/logging"
	"github.com/fruitsalade/filehub/internal/protocol"
	"github.com/fruitsalade/filehub/internal/session"
	"github.com/fruitsalade/filehub/internal/store"
	"github.com/fruitsalade/filehub/internal/transfer"
	"github.com/fruitsalade/filehub/pkg/retry"
)

func startServer(t *testing.T, strict bool) string {
	t.Helper()
	logging.InitNop()

	s, err := store.New(store.Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	bc := events.NewBroadcaster(s)
	s.SetNotifier(bc)
	engine := transfer.NewEngine(s, transfer.Options{StrictNotFound: strict})
	mgr := session.NewManager(engine, bc, session.Config{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go mgr.Serve(context.Background(), ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func nextChange(t *testing.T, c *Client) CatalogChange {
	t.Helper()
	select {
	case ch, ok := <-c.Events():
		if !ok {
			t.Fatalf("events closed: %v", c.Err())
		}
		return ch
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for catalog change")
	}
	return CatalogChange{}
}

func TestUploadNotifyDownload(t *testing.T) {
	addr := startServer(t, false)
	a := dial(t, addr)
	b := dial(t, addr)
	ctx := context.Background()

	if err := a.Upload(ctx, writeFile(t, "notes.txt", "hello")); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	for _, c := range []*Client{a, b} {
		ch := nextChange(t, c)
		if ch.Filename != "notes.txt" || !ch.IsNew || ch.Timestamp.IsZero() {
			t.Errorf("change = %+v", ch)
		}
	}

	dest := t.TempDir()
	path, err := b.Download(ctx, "notes.txt", dest)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "hello" {
		t.Errorf("downloaded %q, want hello", data)
	}

	if err := b.Upload(ctx, writeFile(t, "notes.txt", "hello again")); err != nil {
		t.Fatalf("second Upload: %v", err)
	}
	if ch := nextChange(t, a); ch.IsNew {
		t.Errorf("second upload reported as new: %+v", ch)
	}

	catalog := a.Catalog()
	if len(catalog) != 1 || catalog[0].Filename != "notes.txt" {
		t.Errorf("catalog = %+v", catalog)
	}
}

func TestDownloadNotFound(t *testing.T) {
	for _, strict := range []bool{false, true} {
		addr := startServer(t, strict)
		c := dial(t, addr)

		_, err := c.Download(context.Background(), "missing.txt", t.TempDir())
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("strict=%v: err = %v, want ErrNotFound", strict, err)
		}
	}
}

func TestDownloadEmptyFile(t *testing.T) {
	addr := startServer(t, false)
	c := dial(t, addr)
	ctx := context.Background()

	if err := c.Upload(ctx, writeFile(t, "empty.txt", "")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	nextChange(t, c)

	path, err := c.Download(ctx, "empty.txt", t.TempDir())
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() != 0 {
		t.Errorf("stat %s = %v, %v", path, info, err)
	}
}

func TestBootstrapCatalog(t *testing.T) {
	addr := startServer(t, false)
	a := dial(t, addr)
	a.Upload(context.Background(), writeFile(t, "first.txt", "1"))
	nextChange(t, a)

	b := dial(t, addr)
	ch := nextChange(t, b)
	if ch.Filename != "first.txt" || !ch.IsNew {
		t.Errorf("bootstrap change = %+v", ch)
	}
}

func TestLegacyNewFileNotice(t *testing.T) {
	server, conn := net.Pipe()
	c := New(conn, Options{})
	defer c.Close()

	go protocol.WriteFull(server, protocol.AppendHeader(nil, protocol.Header{
		Kind:      protocol.KindLegacyNewFile,
		Filename:  "old.txt",
		Timestamp: "2024-01-02T03:04:05Z",
	}))

	ch := nextChange(t, c)
	if ch.Filename != "old.txt" || !ch.IsNew {
		t.Errorf("change = %+v", ch)
	}
	server.Close()
}

func TestCloseFailsPendingDownload(t *testing.T) {
	server, conn := net.Pipe()
	c := New(conn, Options{})

	// Swallow the request and hang up without answering.
	go func() {
		r := protocol.NewReader(server)
		r.Next()
		server.Close()
	}()

	_, err := c.Download(context.Background(), "x", t.TempDir())
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if _, err := c.Download(context.Background(), "x", t.TempDir()); !errors.Is(err, ErrClosed) {
		t.Errorf("after close err = %v, want ErrClosed", err)
	}
}

func TestDialGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	opts := Options{Retry: retry.Config{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}}
	if _, err := Dial(context.Background(), addr, opts); err == nil {
		t.Fatal("expected dial error")
	}
}

// stalledServer reads one request header from the far end of a pipe and
// hands it to the test, then reads nothing until release is closed.
func stalledServer(t *testing.T) (*Client, net.Conn, <-chan protocol.Header, chan struct{}) {
	t.Helper()
	logging.InitNop()
	server, conn := net.Pipe()
	c := New(conn, Options{})
	t.Cleanup(func() {
		server.Close()
		c.Close()
	})

	headers := make(chan protocol.Header, 1)
	release := make(chan struct{})
	go func() {
		h, err := protocol.NewReader(server).Next()
		if err != nil {
			return
		}
		headers <- h
		<-release
		io.Copy(io.Discard, server)
	}()
	return c, server, headers, release
}

func waitHeader(t *testing.T, headers <-chan protocol.Header) protocol.Header {
	t.Helper()
	select {
	case h := <-headers:
		return h
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request header")
	}
	return protocol.Header{}
}

func TestUploadCancelledMidPayloadClosesClient(t *testing.T) {
	c, _, headers, release := stalledServer(t)
	defer close(release)
	path := writeFile(t, "big.bin", strings.Repeat("x", 1<<20))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Upload(ctx, path) }()

	if h := waitHeader(t, headers); h.Kind != protocol.KindUploadFile || h.Size != 1<<20 {
		t.Fatalf("header = %+v", h)
	}
	cancel()

	var err error
	select {
	case err = <-errc:
	case <-time.After(5 * time.Second):
		t.Fatal("Upload did not return after cancel")
	}
	if !errors.Is(err, ErrClosed) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want ErrClosed wrapping context.Canceled", err)
	}
	if c.Err() == nil {
		t.Error("client still reports an open connection")
	}
	if _, err := c.Download(context.Background(), "a.txt", t.TempDir()); !errors.Is(err, ErrClosed) {
		t.Errorf("Download after aborted upload err = %v, want ErrClosed", err)
	}
	if err := c.Upload(context.Background(), path); !errors.Is(err, ErrClosed) {
		t.Errorf("Upload after aborted upload err = %v, want ErrClosed", err)
	}
}

func TestUploadSourceShrinksClosesClient(t *testing.T) {
	c, _, headers, release := stalledServer(t)
	path := writeFile(t, "shrink.bin", strings.Repeat("x", 1<<20))

	errc := make(chan error, 1)
	go func() { errc <- c.Upload(context.Background(), path) }()

	waitHeader(t, headers)
	if err := os.Truncate(path, 10); err != nil {
		t.Fatal(err)
	}
	close(release)

	var err error
	select {
	case err = <-errc:
	case <-time.After(5 * time.Second):
		t.Fatal("Upload did not return")
	}
	if !errors.Is(err, ErrClosed) || !errors.Is(err, transfer.ErrSourceChanged) {
		t.Fatalf("err = %v, want ErrClosed wrapping ErrSourceChanged", err)
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client not closed")
	}
}

func TestUploadRejectedBeforeSendKeepsClient(t *testing.T) {
	addr := startServer(t, false)
	c := dial(t, addr)
	ctx := context.Background()

	if err := c.Upload(ctx, writeFile(t, ".hidden", "x")); !errors.Is(err, store.ErrInvalidName) {
		t.Fatalf("err = %v, want ErrInvalidName", err)
	}
	if err := c.Upload(ctx, filepath.Join(t.TempDir(), "missing.txt")); err == nil || errors.Is(err, ErrClosed) {
		t.Fatalf("missing source err = %v, want open error", err)
	}
	if c.Err() != nil {
		t.Fatalf("client closed: %v", c.Err())
	}

	if err := c.Upload(ctx, writeFile(t, "fine.txt", "ok")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ch := nextChange(t, c); ch.Filename != "fine.txt" {
		t.Errorf("change = %+v", ch)
	}
	path, err := c.Download(ctx, "fine.txt", t.TempDir())
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if data, _ := os.ReadFile(path); string(data) != "ok" {
		t.Errorf("downloaded %q, want ok", data)
	}
}

func TestDownloadCancelledIgnoresLateResponse(t *testing.T) {
	logging.InitNop()
	server, conn := net.Pipe()
	c := New(conn, Options{})
	defer c.Close()
	defer server.Close()

	requests := make(chan string, 2)
	go func() {
		r := protocol.NewReader(server)
		for {
			h, err := r.Next()
			if err != nil {
				return
			}
			requests <- h.Filename
		}
	}()
	nextRequest := func() string {
		t.Helper()
		select {
		case name := <-requests:
			return name
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for request")
		}
		return ""
	}

	lateDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Download(ctx, "late.txt", lateDir)
		errc <- err
	}()
	if name := nextRequest(); name != "late.txt" {
		t.Fatalf("request = %q", name)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	if err := protocol.Write(server, protocol.SendFile{Filename: "late.txt", Data: []byte("too late")}); err != nil {
		t.Fatalf("write late response: %v", err)
	}

	freshDir := t.TempDir()
	type result struct {
		path string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		path, err := c.Download(context.Background(), "fresh.txt", freshDir)
		done <- result{path, err}
	}()
	if name := nextRequest(); name != "fresh.txt" {
		t.Fatalf("request = %q", name)
	}
	if err := protocol.Write(server, protocol.SendFile{Filename: "fresh.txt", Data: []byte("fresh")}); err != nil {
		t.Fatalf("write response: %v", err)
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fresh download did not complete")
	}
	if res.err != nil {
		t.Fatalf("fresh Download: %v", res.err)
	}
	if data, _ := os.ReadFile(res.path); string(data) != "fresh" {
		t.Errorf("fresh download = %q", data)
	}
	if entries, _ := os.ReadDir(lateDir); len(entries) != 0 {
		t.Errorf("cancelled download left %d files in its directory", len(entries))
	}
}
