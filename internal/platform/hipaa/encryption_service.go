package hipaa

import (
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
)

// NewRotatingEncryptorFromHex builds the process-wide token encryptor from a
// 64-character hex key plus any retired keys still needed for decryption.
// There is no disabled mode: provider tokens are never stored in cleartext,
// so a missing or malformed key is a startup error.
func NewRotatingEncryptorFromHex(current string, previous []string, logger zerolog.Logger) (*RotatingEncryptor, error) {
	currentKey, err := decodeKey("TOKEN_ENCRYPTION_KEY", current)
	if err != nil {
		return nil, err
	}
	previousKeys := make([][]byte, 0, len(previous))
	for i, p := range previous {
		k, err := decodeKey(fmt.Sprintf("TOKEN_ENCRYPTION_PREVIOUS_KEYS[%d]", i), p)
		if err != nil {
			return nil, err
		}
		previousKeys = append(previousKeys, k)
	}

	enc, err := NewRotatingEncryptor(currentKey, previousKeys...)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("previous_keys", enc.PreviousKeys()).Msg("token encryption at rest enabled")
	return enc, nil
}

func decodeKey(name, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("%s is not set", name)
	}
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(keyBytes))
	}
	return keyBytes, nil
}
