// Package platform describes what the host environment provides to the
// risk engine: sealed storage, biometrics and the camera. The engine only
// sees the Capabilities interface.
package platform

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCaptureUnsupported = errors.New("platform: image capture not supported")
	ErrSealedTooShort     = errors.New("platform: sealed payload too short")
	ErrEmptyPassphrase    = errors.New("platform: empty passphrase")
)

type Capabilities interface {
	SealBytes(plain []byte) ([]byte, error)
	UnsealBytes(sealed []byte) ([]byte, error)
	IsBiometricAvailable() bool
	CaptureImage(ctx context.Context, reason string) ([]byte, error)
}

// argon2id parameters for deriving the sealing key.
type KeyParams struct {
	Iterations  uint32
	Memory      uint32
	Parallelism uint8
	SaltLength  int
}

func DefaultKeyParams() KeyParams {
	return KeyParams{Iterations: 1, Memory: 32 * 1024, Parallelism: 2, SaltLength: 16}
}

// SoftwareSealer encrypts with XChaCha20-Poly1305 under a key derived from
// a passphrase. Sealed layout: salt | nonce | ciphertext.
type SoftwareSealer struct {
	passphrase []byte
	params     KeyParams
}

func NewSoftwareSealer(passphrase []byte, params KeyParams) (*SoftwareSealer, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	if params.SaltLength <= 0 {
		params = DefaultKeyParams()
	}
	return &SoftwareSealer{passphrase: append([]byte(nil), passphrase...), params: params}, nil
}

func (s *SoftwareSealer) key(salt []byte) []byte {
	return argon2.IDKey(s.passphrase, salt, s.params.Iterations, s.params.Memory, s.params.Parallelism, chacha20poly1305.KeySize)
}

func (s *SoftwareSealer) SealBytes(plain []byte) ([]byte, error) {
	salt := make([]byte, s.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("platform: salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("platform: nonce: %w", err)
	}
	out := make([]byte, 0, len(salt)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, salt), nil
}

func (s *SoftwareSealer) UnsealBytes(sealed []byte) ([]byte, error) {
	saltLen := s.params.SaltLength
	if len(sealed) < saltLen+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrSealedTooShort
	}
	salt := sealed[:saltLen]
	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return nil, err
	}
	nonce := sealed[saltLen : saltLen+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, sealed[saltLen+aead.NonceSize():], salt)
	if err != nil {
		return nil, fmt.Errorf("platform: unseal: %w", err)
	}
	return plain, nil
}

// Headless is a server host: software sealing, no biometrics, no camera.
type Headless struct {
	*SoftwareSealer
}

var _ Capabilities = Headless{}

func NewHeadless(sealer *SoftwareSealer) Headless {
	return Headless{SoftwareSealer: sealer}
}

func (Headless) IsBiometricAvailable() bool { return false }

func (Headless) CaptureImage(context.Context, string) ([]byte, error) {
	return nil, ErrCaptureUnsupported
}
