// Package store provides the directory-backed file store that owns the
// catalog: one regular file per entry, named by filename, whose modification
// time is the entry's timestamp.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/fruitsalade/filehub/internal/logging"
	"github.com/fruitsalade/filehub/internal/metrics"
)

const tempPattern = ".filehub-*.tmp"

var (
	// ErrNotFound is returned for filenames that are not in the catalog.
	ErrNotFound = errors.New("store: file not found")

	// ErrInvalidName is returned for filenames that cannot name a catalog
	// entry.
	ErrInvalidName = errors.New("store: invalid filename")

	// ErrFinished is returned when an Upload is used after Commit or Abort.
	ErrFinished = errors.New("store: upload already finished")
)

// Entry is one catalog entry.
type Entry struct {
	Filename string    `json:"filename"`
	Modified time.Time `json:"last_modified"`
	Size     int64     `json:"size"`
}

// Change describes a catalog entry that was just applied. Replaced is false
// when the filename was not in the catalog before.
type Change struct {
	Entry
	Replaced bool
	Digest   string
}

// Notifier receives every applied change. Notify is called with commits
// serialised, so changes arrive in the order they were applied.
type Notifier interface {
	Notify(Change)
}

// Config holds file store settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// Store is the authoritative catalog backed by a directory.
type Store struct {
	root string

	mu      sync.RWMutex
	entries map[string]Entry

	// commitMu serialises catalog mutations and the notifications they
	// produce.
	commitMu sync.Mutex
	notifier Notifier

	// skipped holds on-disk names that cannot be catalog entries. Guarded
	// by commitMu.
	skipped map[string]struct{}
}

// New opens the store rooted at cfg.RootPath and fills the catalog from the
// regular files already in it.
func New(cfg Config) (*Store, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}

	s := &Store{root: root, skipped: make(map[string]struct{})}
	entries, skipped, err := s.scan()
	if err != nil {
		return nil, err
	}
	s.entries = entries
	s.noteSkipped(skipped)
	s.removeStaleTemps()
	metrics.SetCatalogSize(len(entries))
	return s, nil
}

// SetNotifier registers the receiver of applied changes.
func (s *Store) SetNotifier(n Notifier) {
	s.commitMu.Lock()
	s.notifier = n
	s.commitMu.Unlock()
}

// Root returns the absolute path of the backing directory.
func (s *Store) Root() string { return s.root }

// CleanName normalises a filename and checks that it can name a catalog
// entry: a single, non-hidden path element.
func CleanName(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	}
	name = norm.NFC.String(name)
	switch {
	case name == "" || name == "." || name == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return "", fmt.Errorf("%w: %q is hidden", ErrInvalidName, name)
	}
	return name, nil
}

func (s *Store) fullPath(name string) string {
	return filepath.Join(s.root, name)
}

// Create starts a staged write of filename. Nothing is visible in the
// catalog until the returned Upload is committed.
func (s *Store) Create(filename string) (*Upload, error) {
	name, err := CleanName(filename)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.root, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", name, err)
	}
	return newUpload(s, name, tmp), nil
}

// Put writes the contents of r as filename and returns the entry timestamp.
func (s *Store) Put(filename string, r io.Reader) (time.Time, error) {
	u, err := s.Create(filename)
	if err != nil {
		return time.Time{}, err
	}
	if _, err := io.Copy(u, r); err != nil {
		u.Abort()
		return time.Time{}, fmt.Errorf("write %s: %w", filename, err)
	}
	change, err := u.Commit()
	if err != nil {
		return time.Time{}, err
	}
	return change.Modified, nil
}

// Get opens filename for reading and returns its size.
func (s *Store) Get(filename string) (io.ReadCloser, int64, error) {
	name, err := CleanName(filename)
	if err != nil {
		return nil, 0, err
	}
	if !s.Exists(name) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	f, err := os.Open(s.fullPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, 0, fmt.Errorf("open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", name, err)
	}
	return f, info.Size(), nil
}

// Stat returns the catalog entry for filename.
func (s *Store) Stat(filename string) (Entry, bool) {
	name, err := CleanName(filename)
	if err != nil {
		return Entry{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

// Exists reports whether filename is in the catalog.
func (s *Store) Exists(filename string) bool {
	_, ok := s.Stat(filename)
	return ok
}

// Snapshot returns every catalog entry ordered by filename.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// Len returns the number of catalog entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// commit moves a finished temp file into place and applies its entry.
func (s *Store) commit(name, tmpName, digest string) (Change, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.RLock()
	_, existed := s.entries[name]
	s.mu.RUnlock()

	path := s.fullPath(name)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Change{}, fmt.Errorf("rename temp to %s: %w", name, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Change{}, fmt.Errorf("stat %s: %w", name, err)
	}

	change := Change{
		Entry:    Entry{Filename: name, Modified: info.ModTime(), Size: info.Size()},
		Replaced: existed,
		Digest:   digest,
	}
	s.apply(change)
	return change, nil
}

// apply records a change and hands it to the notifier. Caller holds commitMu.
func (s *Store) apply(change Change) {
	s.mu.Lock()
	s.entries[change.Filename] = change.Entry
	n := len(s.entries)
	s.mu.Unlock()

	metrics.SetCatalogSize(n)
	if s.notifier != nil {
		s.notifier.Notify(change)
	}
}

// Reconcile rescans the backing directory and brings the catalog in line
// with it. Files added or modified out of band are applied and notified;
// entries whose file vanished are dropped. It returns the number of changes.
func (s *Store) Reconcile() (int, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	found, skipped, err := s.scan()
	if err != nil {
		return 0, err
	}
	s.noteSkipped(skipped)

	s.mu.RLock()
	current := make(map[string]Entry, len(s.entries))
	for name, e := range s.entries {
		current[name] = e
	}
	s.mu.RUnlock()

	changes := 0
	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := found[name]
		old, ok := current[name]
		if ok && old.Modified.Equal(e.Modified) && old.Size == e.Size {
			continue
		}
		s.apply(Change{Entry: e, Replaced: ok})
		changes++
		if ok {
			metrics.RecordReconcile("modified")
		} else {
			metrics.RecordReconcile("added")
		}
		logging.Info("catalog entry picked up from directory",
			logging.String("filename", name),
			logging.Time("modified", e.Modified))
	}

	for name := range current {
		if _, ok := found[name]; ok {
			continue
		}
		s.mu.Lock()
		delete(s.entries, name)
		n := len(s.entries)
		s.mu.Unlock()
		metrics.SetCatalogSize(n)
		metrics.RecordReconcile("removed")
		changes++
		logging.Warn("catalog entry dropped, file no longer in directory",
			logging.String("filename", name))
	}

	return changes, nil
}

// Skipped returns the regular, non-hidden files of the backing directory
// that are left out of the catalog because their names cannot be served,
// such as names that are not NFC-normalised UTF-8.
func (s *Store) Skipped() []string {
	s.commitMu.Lock()
	out := make([]string, 0, len(s.skipped))
	for name := range s.skipped {
		out = append(out, name)
	}
	s.commitMu.Unlock()
	sort.Strings(out)
	return out
}

// noteSkipped replaces the skipped set and warns once per newly skipped
// file. Caller holds commitMu or has not shared the store yet.
func (s *Store) noteSkipped(names []string) {
	next := make(map[string]struct{}, len(names))
	for _, name := range names {
		next[name] = struct{}{}
		if _, seen := s.skipped[name]; !seen {
			logging.Warn("file left out of catalog, name cannot be served",
				logging.String("name", name))
		}
	}
	s.skipped = next
}

// scan lists the regular, non-hidden files of the backing directory, and
// separately the ones whose names cannot be catalog entries.
func (s *Store) scan() (map[string]Entry, []string, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", s.root, err)
	}

	entries := make(map[string]Entry, len(dirEntries))
	var skipped []string
	for _, de := range dirEntries {
		if !de.Type().IsRegular() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		name, err := CleanName(de.Name())
		if err != nil || name != de.Name() {
			skipped = append(skipped, de.Name())
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries[name] = Entry{Filename: name, Modified: info.ModTime(), Size: info.Size()}
	}
	return entries, skipped, nil
}

// removeStaleTemps deletes staging files left behind by a crash.
func (s *Store) removeStaleTemps() {
	matches, err := filepath.Glob(filepath.Join(s.root, tempPattern))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			logging.Debug("removed stale staging file", logging.String("path", m))
		}
	}
}
