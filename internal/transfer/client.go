package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fruitsalade/filehub/internal/protocol"
	"github.com/fruitsalade/filehub/internal/store"
)

// SendUpload writes an UPLOAD_FILE frame for the local file at path,
// streaming its contents. The frame carries the file's base name and
// modification time. The returned header describes what was sent; it is
// zero when the call failed before anything was written to w.
func SendUpload(w io.Writer, path string, chunk int) (protocol.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.Header{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return protocol.Header{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return protocol.Header{}, fmt.Errorf("%s is not a regular file", path)
	}
	name, err := store.CleanName(filepath.Base(path))
	if err != nil {
		return protocol.Header{}, err
	}

	h := protocol.Header{
		Kind:      protocol.KindUploadFile,
		Filename:  name,
		Timestamp: protocol.FormatTime(info.ModTime()),
		Size:      info.Size(),
	}
	if err := protocol.WriteFull(w, protocol.AppendHeader(nil, h)); err != nil {
		return h, fmt.Errorf("%w: %w", protocol.ErrConnectionLost, err)
	}
	if _, err := Send(w, f, h.Size, chunk); err != nil {
		return h, err
	}
	return h, nil
}

// ReceiveDownload writes the payload of a SEND_FILE_FOR_U frame into
// destDir under the frame's filename and returns the resulting path. The
// bytes are staged in a temp file and renamed into place once complete.
// On a local storage error the payload is drained so the stream stays in
// sync.
func ReceiveDownload(payload *protocol.Reader, h protocol.Header, destDir string, chunk int) (string, error) {
	fail := func(err error) (string, error) {
		if derr := payload.Discard(); derr != nil {
			return "", derr
		}
		return "", err
	}

	name, err := store.CleanName(h.Filename)
	if err != nil {
		return fail(err)
	}
	tmp, err := os.CreateTemp(destDir, ".filehub-*.tmp")
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrStorage, err))
	}
	tmpName := tmp.Name()

	if _, err := Receive(payload, tmp, h.Size, chunk); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		if errors.Is(err, ErrIncompleteTransfer) {
			return "", err
		}
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}

	dest := filepath.Join(destDir, name)
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return dest, nil
}
