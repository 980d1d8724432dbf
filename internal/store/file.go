// Package store persists the voice ledger.
//
// [FileStore] keeps one JSON document on disk and archives it next to
// itself on backup. [RedisStore] keeps the same document under a Redis key.
// Both satisfy the tracker's Store interface and share its load contract:
// a missing store is an empty ledger, an unreadable one is an empty ledger
// plus a warning error.
package store

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"tools.zach/dev/voicecord/internal/atomicfile"
	"tools.zach/dev/voicecord/internal/ledger"
	"tools.zach/dev/voicecord/internal/paths"
)

// filePerm is used for the live store and its archives.
const filePerm = 0o600

// maxArchiveSuffix bounds the collision search for same-day archives.
const maxArchiveSuffix = 1000

// ///////////////////////////////////////////////
// FileStore
// ///////////////////////////////////////////////

// FileStore is a ledger kept in a single JSON file. Writes are atomic.
type FileStore struct {
	path string

	// mu guards digest, the hash of the bytes last read or written by this
	// process. [FileStore.Modified] compares the file against it to tell
	// external edits from our own saves.
	mu     sync.Mutex
	digest [sha256.Size]byte
	known  bool
}

// NewFileStore returns a store backed by path. The file is not touched
// until the first Load or Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the live store file.
func (s *FileStore) Path() string { return s.path }

// Load reads and decodes the store. A missing or empty file is an empty
// ledger. A file that cannot be decoded is copied to <path>.corrupted and
// an empty ledger is returned together with an error describing the
// problem.
func (s *FileStore) Load() (*ledger.Ledger, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.remember(nil)
		return ledger.New(), nil
	}
	if err != nil {
		return ledger.New(), fmt.Errorf("read store: %w", err)
	}
	s.remember(data)

	l, err := ledger.Decode(data)
	if errors.Is(err, ledger.ErrEmptyDocument) {
		slog.Info("store file is empty", "path", s.path)
		return ledger.New(), nil
	}
	if err != nil {
		return ledger.New(), s.quarantine(data, err)
	}
	return l, nil
}

// ReadFile decodes the ledger at path without writing anything. It follows
// the Load contract except that an undecodable file is left alone rather
// than copied aside, for read-only tools.
func ReadFile(path string) (*ledger.Ledger, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ledger.New(), nil
	}
	if err != nil {
		return ledger.New(), fmt.Errorf("read store: %w", err)
	}
	l, err := ledger.Decode(data)
	if errors.Is(err, ledger.ErrEmptyDocument) {
		return ledger.New(), nil
	}
	if err != nil {
		return ledger.New(), fmt.Errorf("corrupted store file %s: %w", path, err)
	}
	return l, nil
}

// quarantine keeps an undecodable store for inspection.
func (s *FileStore) quarantine(data []byte, parseErr error) error {
	corrupted := paths.Corrupted(s.path)
	slog.Warn("corrupted store file, backing up", "path", s.path, "backup", corrupted, "error", parseErr)
	if err := atomicfile.Write(corrupted, data, filePerm); err != nil {
		slog.Warn("failed to back up corrupted store", "path", corrupted, "error", err)
	}
	return fmt.Errorf("corrupted store file (backed up to %s): %w", corrupted, parseErr)
}

// Save replaces the store with l.
func (s *FileStore) Save(l *ledger.Ledger) error {
	data, err := ledger.Encode(l)
	if err != nil {
		return err
	}
	if err := atomicfile.Write(s.path, data, filePerm); err != nil {
		return fmt.Errorf("save store: %w", err)
	}
	s.remember(data)
	return nil
}

// BackupAndReset copies the store to its dated archive and rewrites the
// store empty. Existing archives are never overwritten; a second backup on
// the same date gets a numeric suffix. With no store file nothing is
// archived.
func (s *FileStore) BackupAndReset(date string) error {
	_, err := os.Stat(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("no store to archive", "path", s.path, "date", date)
	case err != nil:
		return fmt.Errorf("stat store: %w", err)
	default:
		archive, err := s.nextArchive(date)
		if err != nil {
			return err
		}
		if err := atomicfile.Copy(s.path, archive); err != nil {
			return fmt.Errorf("archive store: %w", err)
		}
		slog.Info("store archived", "archive", archive)
	}

	empty := ledger.EmptyDocument()
	if err := atomicfile.Write(s.path, empty, filePerm); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	s.remember(empty)
	return nil
}

func (s *FileStore) nextArchive(date string) (string, error) {
	for n := 1; n <= maxArchiveSuffix; n++ {
		p := paths.Archive(s.path, date, n)
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
	}
	return "", fmt.Errorf("too many archives for %s", date)
}

// Archives lists archive files next to the store, oldest date first.
func (s *FileStore) Archives() ([]string, error) {
	entries, err := os.ReadDir(filepath.Dir(s.path))
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := paths.ArchiveDate(e.Name()); ok {
			out = append(out, filepath.Join(filepath.Dir(s.path), e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Modified reports whether the file on disk differs from what this store
// last read or wrote.
func (s *FileStore) Modified() (bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		data = nil
	} else if err != nil {
		return false, fmt.Errorf("read store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.known {
		return true, nil
	}
	return sha256.Sum256(data) != s.digest, nil
}

func (s *FileStore) remember(data []byte) {
	s.mu.Lock()
	s.digest = sha256.Sum256(data)
	s.known = true
	s.mu.Unlock()
}
