package link

import (
	"context"
	"errors"
	"fmt"
)

// Rekeyer re-seals ciphertexts written under a retired key.
// *hipaa.RotatingEncryptor implements it.
type Rekeyer interface {
	NeedsReEncryption(ciphertext string) bool
	ReEncrypt(ciphertext string) (string, error)
}

// RekeyResult counts what a Rekey pass did.
type RekeyResult struct {
	Scanned     int `json:"scanned"`
	ReEncrypted int `json:"reEncrypted"`
}

// Rekey walks every linked record and re-encrypts token ciphertexts that only
// open under a retired key, so a retired key can be dropped without waiting
// for each record's next refresh. Each record is rewritten under its lease;
// expiry and ownership are untouched.
func (m *Manager) Rekey(ctx context.Context) (RekeyResult, error) {
	var res RekeyResult
	rk, ok := m.cipher.(Rekeyer)
	if !ok {
		return res, errors.New("cipher does not support key rotation")
	}

	ids, err := m.store.ListLinked(ctx)
	if err != nil {
		return res, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		changed, err := m.rekeyOne(ctx, rk, id)
		if err != nil {
			return res, fmt.Errorf("rekey %s: %w", id, err)
		}
		res.Scanned++
		if changed {
			res.ReEncrypted++
		}
	}
	m.log(ctx).Info().Int("scanned", res.Scanned).Int("re_encrypted", res.ReEncrypted).Msg("rekey finished")
	return res, nil
}

func (m *Manager) rekeyOne(ctx context.Context, rk Rekeyer, patientID string) (bool, error) {
	release, err := m.locker.Acquire(ctx, patientID)
	if err != nil {
		return false, err
	}
	defer release()

	rec, err := m.store.Get(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if rec.State != StateLinked {
		return false, nil
	}

	var f Fields
	for _, c := range []struct {
		cipher string
		dst    **string
	}{
		{rec.AccessTokenCipher, &f.AccessTokenCipher},
		{rec.RefreshTokenCipher, &f.RefreshTokenCipher},
	} {
		if c.cipher == "" || !rk.NeedsReEncryption(c.cipher) {
			continue
		}
		sealed, err := rk.ReEncrypt(c.cipher)
		if err != nil {
			return false, err
		}
		*c.dst = &sealed
	}
	if f.AccessTokenCipher == nil && f.RefreshTokenCipher == nil {
		return false, nil
	}

	if err := m.store.Update(context.WithoutCancel(ctx), patientID, f); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
