package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore keeps uploaded audio files on the local filesystem, addressed
// by content hash: uploads/{sha256[:2]}/{sha256}.{ext}.
type LocalStore struct {
	uploadDir string
}

// NewLocalStore creates a local filesystem upload store rooted at uploadDir.
func NewLocalStore(uploadDir string) (*LocalStore, error) {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", uploadDir, err)
	}
	return &LocalStore{uploadDir: uploadDir}, nil
}

// Key derives the storage key for a content hash and extension. ext must
// include the leading dot.
func Key(hash, ext string) string {
	return filepath.ToSlash(filepath.Join(hash[:2], hash+ext))
}

// Save writes data under key atomically (temp file + rename) and returns
// the absolute path of the stored file.
func (s *LocalStore) Save(key string, data []byte) (string, error) {
	path := filepath.Join(s.uploadDir, filepath.FromSlash(key))
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".audio-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename: %w", err)
	}
	return path, nil
}

// Open opens a stored file by key.
func (s *LocalStore) Open(key string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.uploadDir, filepath.FromSlash(key)))
}

// LocalPath returns the absolute path for key, or "" if it does not exist.
func (s *LocalStore) LocalPath(key string) string {
	full := filepath.Join(s.uploadDir, filepath.FromSlash(key))
	if _, err := os.Stat(full); err == nil {
		return full
	}
	return ""
}

// Exists reports whether a file is stored under key.
func (s *LocalStore) Exists(key string) bool {
	_, err := os.Stat(filepath.Join(s.uploadDir, filepath.FromSlash(key)))
	return err == nil
}

// Remove deletes the file at the given absolute path and drops its parent
// shard directory when empty. Missing files are not an error.
func (s *LocalStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if dir != s.uploadDir {
		if remaining, err := os.ReadDir(dir); err == nil && len(remaining) == 0 {
			os.Remove(dir)
		}
	}
	return nil
}

// Dir returns the upload directory path.
func (s *LocalStore) Dir() string { return s.uploadDir }
