package hipaa

import (
	"errors"
	"fmt"
)

// RotatingEncryptor encrypts with the current key and decrypts with the
// current key first, then each retired key in order. The ciphertext format is
// unchanged, so records written before a rotation stay readable and are
// re-encrypted under the current key on their next write.
type RotatingEncryptor struct {
	current  *TokenEncryptor
	previous []*TokenEncryptor
}

// NewRotatingEncryptor creates an encryptor for currentKey that can still
// open ciphertexts sealed under any of previousKeys.
func NewRotatingEncryptor(currentKey []byte, previousKeys ...[]byte) (*RotatingEncryptor, error) {
	current, err := NewTokenEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("rotating encryptor: current key: %w", err)
	}
	r := &RotatingEncryptor{current: current}
	for i, k := range previousKeys {
		enc, err := NewTokenEncryptor(k)
		if err != nil {
			return nil, fmt.Errorf("rotating encryptor: previous key %d: %w", i+1, err)
		}
		r.previous = append(r.previous, enc)
	}
	return r, nil
}

func (r *RotatingEncryptor) Encrypt(plaintext string) (string, error) {
	return r.current.Encrypt(plaintext)
}

func (r *RotatingEncryptor) Decrypt(ciphertext string) (string, error) {
	plaintext, err := r.current.Decrypt(ciphertext)
	if err == nil || len(r.previous) == 0 {
		return plaintext, err
	}
	for _, enc := range r.previous {
		if pt, perr := enc.Decrypt(ciphertext); perr == nil {
			return pt, nil
		}
	}
	return "", err
}

// NeedsReEncryption reports whether ciphertext opens only under a retired key.
func (r *RotatingEncryptor) NeedsReEncryption(ciphertext string) bool {
	if _, err := r.current.Decrypt(ciphertext); !errors.Is(err, ErrDecryption) {
		return false
	}
	for _, enc := range r.previous {
		if _, err := enc.Decrypt(ciphertext); err == nil {
			return true
		}
	}
	return false
}

// ReEncrypt opens ciphertext with whichever key sealed it and seals it again
// under the current key.
func (r *RotatingEncryptor) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := r.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: %w", err)
	}
	return r.current.Encrypt(plaintext)
}

// PreviousKeys returns how many retired keys are configured.
func (r *RotatingEncryptor) PreviousKeys() int {
	return len(r.previous)
}
