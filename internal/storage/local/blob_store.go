// Package local keeps page snapshots as files under one directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Config locates the snapshot directory.
type Config struct {
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes objects beneath a directory opened as an os.Root, so no
// object name can resolve outside it, symlinks included.
type BlobStore struct {
	dir  string
	root *os.Root
}

// New creates BaseDir if needed and checks that it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("local archive: base directory is required")
	}
	dir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("local archive: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local archive: create %s: %w", dir, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("local archive: open %s: %w", dir, err)
	}
	s := &BlobStore{dir: dir, root: root}
	if err := s.checkWritable(); err != nil {
		_ = root.Close()
		return nil, err
	}
	return s, nil
}

func (s *BlobStore) checkWritable() error {
	name := ".writable-" + uuid.NewString()
	f, err := s.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("local archive: %s is not writable: %w", s.dir, err)
	}
	_ = f.Close()
	return s.root.Remove(name)
}

// Close releases the directory handle.
func (s *BlobStore) Close() error {
	return s.root.Close()
}

// PutObject writes data to name, a slash-separated path relative to the
// base directory, and returns its file:// URI. The write goes to a temporary
// file first so readers never see a partial snapshot.
func (s *BlobStore) PutObject(ctx context.Context, name string, _ string, data io.Reader) (string, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if name == "" {
		return "", errors.New("local archive: object name is required")
	}
	if !fs.ValidPath(name) {
		return "", fmt.Errorf("local archive: invalid object name %q (path traversal)", name)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("local archive: %w", err)
	}

	parent := path.Dir(name)
	if err := s.root.MkdirAll(parent, 0o750); err != nil {
		return "", fmt.Errorf("local archive: create %s: %w", parent, err)
	}
	tmp := path.Join(parent, ".tmp-"+uuid.NewString())
	f, err := s.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("local archive: %w", err)
	}
	_, err = io.Copy(f, data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = s.root.Rename(tmp, name)
	}
	if err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("local archive: write %s: %w", name, err)
	}
	return s.uri(name), nil
}

func (s *BlobStore) uri(name string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(s.dir, filepath.FromSlash(name)))}
	return u.String()
}
