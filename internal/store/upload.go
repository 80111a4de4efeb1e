package store

import (
	"encoding/hex"
	"fmt"
	"hash"
	"os"

	"github.com/zeebo/blake3"
)

// Upload is a staged write. Bytes go to a hidden temp file in the backing
// directory and only become a catalog entry on Commit.
type Upload struct {
	store    *Store
	name     string
	tmp      *os.File
	hash     hash.Hash
	written  int64
	finished bool
}

func newUpload(s *Store, name string, tmp *os.File) *Upload {
	return &Upload{store: s, name: name, tmp: tmp, hash: blake3.New()}
}

// Filename returns the normalised destination name.
func (u *Upload) Filename() string { return u.name }

// Written returns the number of bytes staged so far.
func (u *Upload) Written() int64 { return u.written }

// Write appends p to the staged file.
func (u *Upload) Write(p []byte) (int, error) {
	if u.finished {
		return 0, ErrFinished
	}
	n, err := u.tmp.Write(p)
	u.hash.Write(p[:n])
	u.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("stage %s: %w", u.name, err)
	}
	return n, nil
}

// Commit makes the staged bytes the content of the destination file and
// applies the catalog entry.
func (u *Upload) Commit() (Change, error) {
	if u.finished {
		return Change{}, ErrFinished
	}
	u.finished = true

	tmpName := u.tmp.Name()
	if err := u.tmp.Sync(); err != nil {
		u.tmp.Close()
		os.Remove(tmpName)
		return Change{}, fmt.Errorf("sync %s: %w", u.name, err)
	}
	if err := u.tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Change{}, fmt.Errorf("close %s: %w", u.name, err)
	}

	digest := hex.EncodeToString(u.hash.Sum(nil))
	return u.store.commit(u.name, tmpName, digest)
}

// Abort discards the staged bytes. It is a no-op after Commit.
func (u *Upload) Abort() {
	if u.finished {
		return
	}
	u.finished = true
	u.tmp.Close()
	os.Remove(u.tmp.Name())
}
