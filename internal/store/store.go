// Package store implements the local content-addressed artifact store.
//
// Artifacts are keyed by the lowercase hex digest the build tool supplies
// and laid out in a two-level fan-out under the cache root
// (e.g. ab/abcdef...). Writes go through a temp file and rename so a
// crashed put never leaves a partial artifact behind.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when an artifact is not in the store.
// It wraps fs.ErrNotExist so callers can match with errors.Is.
var ErrNotFound = fmt.Errorf("store: artifact not found: %w", fs.ErrNotExist)

// Store is a content-addressed artifact store rooted at a directory.
type Store struct {
	root string
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: empty root directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the on-disk path for an artifact hash.
func (s *Store) Path(hash string) (string, error) {
	if err := validateHash(hash); err != nil {
		return "", err
	}
	return filepath.Join(s.root, hash[:2], hash), nil
}

// Has reports whether the artifact is present.
func (s *Store) Has(hash string) bool {
	path, err := s.Path(hash)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Get reads an artifact into memory. Returns ErrNotFound on a miss.
func (s *Store) Get(hash string) ([]byte, error) {
	path, err := s.Path(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Open returns a reader over an artifact plus its size.
// The caller must close the reader. Returns ErrNotFound on a miss.
func (s *Store) Open(hash string) (io.ReadCloser, int64, error) {
	path, err := s.Path(hash)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat artifact: %w", err)
	}
	return f, info.Size(), nil
}

// Put stores an artifact under hash. When the hash is a SHA-256 digest
// (64 hex chars) the content is verified against it before the artifact
// becomes visible. Puts are atomic: temp file then rename.
func (s *Store) Put(hash string, data []byte) error {
	path, err := s.Path(hash)
	if err != nil {
		return err
	}

	if len(hash) == sha256.Size*2 {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != hash {
			return fmt.Errorf("store: content does not match digest %s", hash)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit artifact: %w", err)
	}

	return nil
}

// PutReader stores an artifact streamed from r.
func (s *Store) PutReader(hash string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read artifact body: %w", err)
	}
	return s.Put(hash, data)
}

func validateHash(hash string) error {
	if len(hash) < 4 || len(hash) > 128 {
		return fmt.Errorf("store: invalid artifact hash length %d", len(hash))
	}
	if strings.ToLower(hash) != hash {
		return fmt.Errorf("store: artifact hash must be lowercase hex")
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("store: artifact hash is not hex: %w", err)
	}
	return nil
}
