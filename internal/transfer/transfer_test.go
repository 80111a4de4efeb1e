package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"

	"github.com/fruitsalade/filehub/internal/protocol"
	"github.com/fruitsalade/filehub/internal/store"
)

// stutterReader returns zero bytes on every other call.
type stutterReader struct {
	r    io.Reader
	skip bool
}

func (s *stutterReader) Read(p []byte) (int, error) {
	s.skip = !s.skip
	if s.skip {
		return 0, nil
	}
	return s.r.Read(p)
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

type shortWriter struct {
	bytes.Buffer
	max int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.max {
		p = p[:w.max]
	}
	return w.Buffer.Write(p)
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestReceive_FragmentedEqualsWhole(t *testing.T) {
	data := testData(3*DefaultChunkSize + 17)

	var whole bytes.Buffer
	if _, err := Receive(bytes.NewReader(data), &whole, int64(len(data)), DefaultChunkSize); err != nil {
		t.Fatalf("Receive whole: %v", err)
	}

	var pieces bytes.Buffer
	r := &stutterReader{r: iotest.OneByteReader(bytes.NewReader(data))}
	if _, err := Receive(r, &pieces, int64(len(data)), DefaultChunkSize); err != nil {
		t.Fatalf("Receive fragmented: %v", err)
	}

	if !bytes.Equal(whole.Bytes(), data) || !bytes.Equal(pieces.Bytes(), data) {
		t.Error("received bytes differ from source")
	}
}

func TestReceive_Incomplete(t *testing.T) {
	var out bytes.Buffer
	n, err := Receive(bytes.NewReader(testData(500)), &out, 1000, DefaultChunkSize)
	if !errors.Is(err, ErrIncompleteTransfer) {
		t.Fatalf("err = %v, want ErrIncompleteTransfer", err)
	}
	if n != 500 {
		t.Errorf("n = %d, want 500", n)
	}
}

func TestReceive_StorageError(t *testing.T) {
	_, err := Receive(bytes.NewReader(testData(10)), failWriter{}, 10, DefaultChunkSize)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
}

func TestReceive_ZeroSize(t *testing.T) {
	var out bytes.Buffer
	n, err := Receive(bytes.NewReader(nil), &out, 0, DefaultChunkSize)
	if err != nil || n != 0 {
		t.Fatalf("Receive = %d, %v", n, err)
	}
}

func TestSend_ShortWrites(t *testing.T) {
	data := testData(DefaultChunkSize + 100)
	w := &shortWriter{max: 777}

	n, err := Send(w, bytes.NewReader(data), int64(len(data)), DefaultChunkSize)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != int64(len(data)) || !bytes.Equal(w.Bytes(), data) {
		t.Errorf("sent %d bytes, content equal = %v", n, bytes.Equal(w.Bytes(), data))
	}
}

func TestSend_SourceShrank(t *testing.T) {
	var out bytes.Buffer
	_, err := Send(&out, bytes.NewReader(testData(10)), 20, DefaultChunkSize)
	if !errors.Is(err, ErrSourceChanged) {
		t.Fatalf("err = %v, want ErrSourceChanged", err)
	}
}

func newTestEngine(t *testing.T, strict bool) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.New(store.Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return NewEngine(s, Options{StrictNotFound: strict}), s
}

func uploadFrame(name string, data []byte) []byte {
	return protocol.Append(nil, protocol.UploadFile{
		Filename:  name,
		Timestamp: "2024-01-02T03:04:05Z",
		Data:      data,
	})
}

func TestReceiveUpload_Commits(t *testing.T) {
	e, s := newTestEngine(t, false)
	data := testData(1 << 20)

	r := protocol.NewReader(iotest.HalfReader(bytes.NewReader(uploadFrame("big.bin", data))))
	h, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	change, err := e.ReceiveUpload(context.Background(), r, h)
	if err != nil {
		t.Fatalf("ReceiveUpload: %v", err)
	}
	if change.Replaced || change.Size != int64(len(data)) {
		t.Errorf("change = %+v", change)
	}

	rc, _, err := s.Get("big.bin")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, data) {
		t.Error("stored bytes differ from upload")
	}
}

func TestReceiveUpload_IncompleteLeavesNoFile(t *testing.T) {
	e, s := newTestEngine(t, false)

	frame := uploadFrame("partial.bin", testData(1000))
	r := protocol.NewReader(bytes.NewReader(frame[:len(frame)-500]))
	h, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if _, err := e.ReceiveUpload(context.Background(), r, h); !errors.Is(err, ErrIncompleteTransfer) {
		t.Fatalf("err = %v, want ErrIncompleteTransfer", err)
	}
	if len(s.Snapshot()) != 0 {
		t.Errorf("snapshot = %+v, want empty", s.Snapshot())
	}
	entries, _ := os.ReadDir(s.Root())
	if len(entries) != 0 {
		t.Errorf("backing directory has %d entries, want 0", len(entries))
	}
}

func TestReceiveUpload_InvalidNameKeepsStreamInSync(t *testing.T) {
	e, _ := newTestEngine(t, false)

	stream := uploadFrame("../escape", []byte("payload"))
	stream = protocol.Append(stream, protocol.SendMeFile{Filename: "next"})
	r := protocol.NewReader(bytes.NewReader(stream))

	h, _ := r.Next()
	if _, err := e.ReceiveUpload(context.Background(), r, h); !errors.Is(err, store.ErrInvalidName) {
		t.Fatalf("err = %v, want ErrInvalidName", err)
	}

	h, err := r.Next()
	if err != nil || h.Kind != protocol.KindSendMeFile || h.Filename != "next" {
		t.Errorf("next frame = %+v, %v", h, err)
	}
}

func TestSendFile(t *testing.T) {
	e, s := newTestEngine(t, false)
	s.Put("notes.txt", bytes.NewReader([]byte("hello")))

	var out bytes.Buffer
	if err := e.SendFile(context.Background(), &out, "notes.txt"); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	m, n, err := protocol.Decode(out.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != out.Len() {
		t.Errorf("decoded %d of %d bytes", n, out.Len())
	}
	sf, ok := m.(protocol.SendFile)
	if !ok || sf.Filename != "notes.txt" || string(sf.Data) != "hello" {
		t.Errorf("response = %#v", m)
	}
}

func TestSendFile_NotFound(t *testing.T) {
	tests := []struct {
		name   string
		strict bool
		want   protocol.Kind
	}{
		{name: "zero size", strict: false, want: protocol.KindSendFile},
		{name: "strict", strict: true, want: protocol.KindFileNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, tt.strict)

			var out bytes.Buffer
			if err := e.SendFile(context.Background(), &out, "missing"); err != nil {
				t.Fatalf("SendFile: %v", err)
			}
			h, n, err := protocol.DecodeHeader(out.Bytes())
			if err != nil {
				t.Fatalf("DecodeHeader: %v", err)
			}
			if h.Kind != tt.want || h.Filename != "missing" || h.Size != 0 || n != out.Len() {
				t.Errorf("response = %+v (%d of %d bytes)", h, n, out.Len())
			}
		})
	}
}

func TestSendUploadReceiveDownload(t *testing.T) {
	src := filepath.Join(t.TempDir(), "photo.jpg")
	data := testData(2*DefaultChunkSize + 3)
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatal(err)
	}

	var wire bytes.Buffer
	h, err := SendUpload(&wire, src, DefaultChunkSize)
	if err != nil {
		t.Fatalf("SendUpload: %v", err)
	}
	if h.Filename != "photo.jpg" || h.Size != int64(len(data)) {
		t.Errorf("header = %+v", h)
	}

	// Feed the upload back as if it were a download response.
	r := protocol.NewReader(iotest.OneByteReader(&wire))
	got, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	dest := t.TempDir()
	path, err := ReceiveDownload(r, got, dest, DefaultChunkSize)
	if err != nil {
		t.Fatalf("ReceiveDownload: %v", err)
	}
	if path != filepath.Join(dest, "photo.jpg") {
		t.Errorf("path = %s", path)
	}
	written, _ := os.ReadFile(path)
	if !bytes.Equal(written, data) {
		t.Error("downloaded bytes differ")
	}
}

func TestSendUpload_RejectedNameWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".hidden")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	h, err := SendUpload(&buf, path, 0)
	if !errors.Is(err, store.ErrInvalidName) {
		t.Fatalf("err = %v, want ErrInvalidName", err)
	}
	if h != (protocol.Header{}) || buf.Len() != 0 {
		t.Errorf("header = %+v, wrote %d bytes; want nothing sent", h, buf.Len())
	}
}
