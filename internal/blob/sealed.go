package blob

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for turning the configured passphrase into the master key.
const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
	keyLen              = chacha20poly1305.KeySize
	saltLen             = 16
)

// SealOverhead is the number of bytes sealing adds to each stored object.
const SealOverhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// saltKey holds the Argon2id salt next to the sealed objects.
const saltKey = ".seal/salt"

// ErrSealBroken indicates stored content failed authentication: wrong
// passphrase, truncation or tampering.
var ErrSealBroken = errors.New("blob: sealed content failed authentication")

// Sealed encrypts content at rest with XChaCha20-Poly1305. Each key gets its
// own HKDF-derived data key and the key itself is the AAD, so an object
// copied to another key does not open.
type Sealed struct {
	inner  Store
	master []byte
}

// NewSealed wraps inner. The salt is created in inner on first use, so the
// same passphrase opens the same store across restarts.
func NewSealed(ctx context.Context, inner Store, passphrase []byte) (*Sealed, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("blob: empty seal passphrase")
	}
	salt, err := ReadAll(ctx, inner, saltKey)
	switch {
	case errors.Is(err, ErrNotFound):
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("blob: seal salt: %w", err)
		}
		if _, err := inner.Put(ctx, saltKey, bytes.NewReader(salt)); err != nil {
			return nil, fmt.Errorf("blob: store seal salt: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("blob: load seal salt: %w", err)
	case len(salt) != saltLen:
		return nil, fmt.Errorf("blob: seal salt has %d bytes, want %d", len(salt), saltLen)
	}
	return &Sealed{
		inner:  inner,
		master: argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, keyLen),
	}, nil
}

// Put seals the whole of r and stores it. The returned size is the plaintext size.
func (s *Sealed) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if key == saltKey {
		return 0, ErrInvalidKey
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	aead, err := s.aead(key)
	if err != nil {
		return 0, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, SealOverhead+len(plain))
	if _, err := rand.Read(nonce); err != nil {
		return 0, fmt.Errorf("blob: nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plain, []byte(key))
	if _, err := s.inner.Put(ctx, key, bytes.NewReader(out)); err != nil {
		return 0, err
	}
	return int64(len(plain)), nil
}

// Get opens and authenticates the content under key.
func (s *Sealed) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if key == saltKey {
		return nil, ErrInvalidKey
	}
	sealed, err := ReadAll(ctx, s.inner, key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < SealOverhead {
		return nil, ErrSealBroken
	}
	aead, err := s.aead(key)
	if err != nil {
		return nil, err
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, []byte(key))
	if err != nil {
		return nil, ErrSealBroken
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}

// Delete removes key from the underlying store.
func (s *Sealed) Delete(ctx context.Context, key string) error {
	if key == saltKey {
		return ErrInvalidKey
	}
	return s.inner.Delete(ctx, key)
}

func (s *Sealed) aead(key string) (cipher.AEAD, error) {
	dk := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.master, nil, []byte(key)), dk); err != nil {
		return nil, fmt.Errorf("blob: derive key: %w", err)
	}
	return chacha20poly1305.NewX(dk)
}
