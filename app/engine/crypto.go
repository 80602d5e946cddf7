package engine

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the required length of the encryption key
const KeySize = 64

const canaryText = "objstore-canary"

// sealer encrypts record bodies. nil sealer passes bodies through.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) == 0 {
		return nil, nil
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrEncryption, KeySize, len(key))
	}
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte("objstore body")), derived); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to make cipher: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// seal returns nonce followed by the ciphertext
func (s *sealer) seal(data []byte) ([]byte, error) {
	if s == nil {
		return data, nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(data)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to make nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, data, nil), nil
}

func (s *sealer) open(data []byte) ([]byte, error) {
	if s == nil {
		return data, nil
	}
	ns := s.aead.NonceSize()
	if len(data) < ns {
		return nil, fmt.Errorf("%w: sealed body too short", ErrEncryption)
	}
	res, err := s.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return res, nil
}
