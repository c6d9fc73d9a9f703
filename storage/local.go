package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps images in a directory served by the router under urlPrefix.
type LocalStore struct {
	dir    string
	prefix string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir, urlPrefix string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{dir: dir, prefix: "/" + strings.Trim(urlPrefix, "/")}, nil
}

func (s *LocalStore) Name() string { return "local" }

// Dir is the directory the router serves.
func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid storage key %q", key)
	}
	target := filepath.Join(s.dir, key)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(target)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(target)
		return err
	}
	return nil
}

func (s *LocalStore) Remove(_ context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid storage key %q", key)
	}
	err := os.Remove(filepath.Join(s.dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *LocalStore) PublicPath(key string) string {
	return s.prefix + "/" + key
}

func (s *LocalStore) KeyOf(path string) (string, bool) {
	key, ok := strings.CutPrefix(path, s.prefix+"/")
	if !ok || !validKey(key) {
		return "", false
	}
	return key, true
}
