package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FSStore keeps blobs as files under a base directory; keys map to relative paths.
type FSStore struct {
	basePath string
	maxSize  int64
	log      *zap.Logger
}

// NewFSStore creates the base directory and returns a filesystem store.
// maxSize <= 0 disables the size check.
func NewFSStore(basePath string, maxSize int64, log *zap.Logger) (*FSStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base_path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base_path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create base_path: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FSStore{basePath: abs, maxSize: maxSize, log: log.Named("blob")}, nil
}

// Put writes r to a temp file and renames it into place.
func (s *FSStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	p, err := s.fullPath(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("write temp file: %w", err)
	}
	if s.maxSize > 0 && n > s.maxSize {
		return 0, ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return 0, fmt.Errorf("rename temp file: %w", err)
	}
	return n, nil
}

// Get opens the file stored under key.
func (s *FSStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes the file and its directory when it becomes empty.
func (s *FSStore) Delete(_ context.Context, key string) error {
	p, err := s.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("remove file: %w", err)
	}

	dir := filepath.Dir(p)
	if dir != s.basePath && strings.HasPrefix(dir, s.basePath) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.log.Warn("read dir for cleanup failed", zap.String("dir", dir), zap.Error(err))
			return nil
		}
		if len(entries) == 0 {
			if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn("remove empty dir failed", zap.String("dir", dir), zap.Error(err))
			}
		}
	}
	return nil
}

func (s *FSStore) fullPath(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", ErrInvalidKey
	}
	cleaned := filepath.Clean(key)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", ErrInvalidKey
	}
	full := filepath.Join(s.basePath, cleaned)
	if !strings.HasPrefix(full, s.basePath+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return full, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
