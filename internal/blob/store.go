// Package blob stores uploaded document bytes and issues time-bounded
// retrieval handles for them.
package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/gofrs/uuid/v5"
)

// Store errors.
var (
	// ErrNotFound indicates the key does not exist.
	ErrNotFound = errors.New("blob: key not found")
	// ErrInvalidKey indicates an empty key or a path traversal attempt.
	ErrInvalidKey = errors.New("blob: invalid key")
	// ErrTooLarge indicates the content exceeds the configured maximum.
	ErrTooLarge = errors.New("blob: content too large")
)

// Store holds document bytes under opaque keys.
type Store interface {
	// Put writes r under key, replacing existing content. It returns the number of bytes stored.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Get opens the content stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// Key builds the storage key for a patient's file: "<patientID>/<recordID>-<name>".
// The record ID prefix keeps two uploads with the same file name apart.
func Key(patientID, recordID uuid.UUID, fileName string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(fileName), `\`, "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		name = "file"
	}
	return patientID.String() + "/" + recordID.String() + "-" + name
}

// ReadAll reads the content under key into memory.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
