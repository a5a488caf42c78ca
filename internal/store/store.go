// Package store implements the Artifact Store: a filesystem-backed
// content-addressed blob store. Digests are sha256 hex strings; blobs are
// sharded git-object-style under objects/<2-char prefix>/<rest>. Writes are
// staged to a temp sibling and committed with os.Rename so a reader never
// observes a partial blob.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"judgebox/internal/logging"
)

// ErrNotFound is returned when a digest has no corresponding blob.
var ErrNotFound = errors.New("store: digest not found")

// Store is a content-addressed blob store rooted at Root.
type Store struct {
	Root string
}

// New creates a Store rooted at root, creating the root and its objects
// subdirectory if they do not already exist.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("store: create root: %w", err)
	}
	return &Store{Root: root}, nil
}

func (s *Store) pathFor(digest string) string {
	if len(digest) < 3 {
		return filepath.Join(s.Root, "objects", digest)
	}
	return filepath.Join(s.Root, "objects", digest[:2], digest[2:])
}

// Digest computes the content digest of data without storing it.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its digest. Storing the same content twice is
// a no-op the second time (the object already exists at that digest).
func (s *Store) Put(data []byte) (string, error) {
	digest := Digest(data)
	dest := s.pathFor(digest)
	if _, err := os.Stat(dest); err == nil {
		return digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("store: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-put-*")
	if err != nil {
		return "", fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("store: commit: %w", err)
	}
	logging.StoreDebug("put %s (%d bytes)", digest, len(data))
	return digest, nil
}

// PutPath stores the content of a file on disk and returns its digest. The
// file is hashed and copied in a single pass via a temp sibling, so large
// artifacts never need to be held fully in memory twice.
func (s *Store) PutPath(srcPath string) (string, error) {
	in, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("store: open source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Join(s.Root, "objects"), ".tmp-putpath-*")
	if err != nil {
		return "", fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed away

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), in); err != nil {
		tmp.Close()
		return "", fmt.Errorf("store: copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("store: close temp: %w", err)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	dest := s.pathFor(digest)
	if _, err := os.Stat(dest); err == nil {
		return digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("store: mkdir: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("store: commit: %w", err)
	}
	logging.StoreDebug("put_path %s <- %s", digest, srcPath)
	return digest, nil
}

// Get reads the full content addressed by digest.
func (s *Store) Get(digest string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("store: read: %w", err)
	}
	return data, nil
}

// GetToPath copies the blob addressed by digest to dstPath, committing via
// a temp sibling + rename so dstPath never shows a partial write.
func (s *Store) GetToPath(digest, dstPath string) error {
	src := s.pathFor(digest)
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return fmt.Errorf("store: open: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("store: mkdir dest: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dstPath), ".tmp-get-*")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, dstPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Exists reports whether a blob is present for digest.
func (s *Store) Exists(digest string) bool {
	_, err := os.Stat(s.pathFor(digest))
	return err == nil
}

// Delete removes the blob addressed by digest, if present. Deleting a
// missing digest is not an error.
func (s *Store) Delete(digest string) error {
	err := os.Remove(s.pathFor(digest))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

// markerPath returns the path of a side-marker sentinel file for digest.
func (s *Store) markerPath(digest, marker string) string {
	return s.pathFor(digest) + "." + marker
}

// SetMarker creates an empty side-marker sentinel file alongside digest's
// blob, e.g. "<digest>.compiled" or "<digest>.validated".
func (s *Store) SetMarker(digest, marker string) error {
	p := s.markerPath(digest, marker)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("store: mkdir: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("store: create marker: %w", err)
	}
	return f.Close()
}

// HasMarker reports whether a side-marker sentinel exists for digest.
func (s *Store) HasMarker(digest, marker string) bool {
	_, err := os.Stat(s.markerPath(digest, marker))
	return err == nil
}
