package link

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/link/internal/domain/audit"
	"github.com/ehr/link/internal/platform/hipaa"
	"github.com/ehr/link/internal/platform/lease"
)

func testKey(seed byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestManager_Rekey(t *testing.T) {
	oldKey, newKey := testKey(100), testKey(1)
	old, err := hipaa.NewTokenEncryptor(oldKey)
	if err != nil {
		t.Fatalf("NewTokenEncryptor: %v", err)
	}
	rotating, err := hipaa.NewRotatingEncryptor(newKey, oldKey)
	if err != nil {
		t.Fatalf("NewRotatingEncryptor: %v", err)
	}

	store := NewMemoryStore()
	seal := func(enc Cipher, s string) string {
		c, err := enc.Encrypt(s)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		return c
	}
	expiry := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC).Unix()
	store.Put(Record{PatientID: "legacy", State: StateLinked, ExpiresAt: expiry, OwnerClientID: "client-a",
		AccessTokenCipher: seal(old, "access-legacy"), RefreshTokenCipher: seal(old, "refresh-legacy")})
	store.Put(Record{PatientID: "current", State: StateLinked, ExpiresAt: expiry,
		AccessTokenCipher: seal(rotating, "access-current")})
	store.Put(Record{PatientID: "pending", State: StatePending, PendingVerifier: "v"})

	mgr := NewManager(store, audit.NewMemoryLog(), nil, rotating, lease.NewMemoryLocker(), zerolog.Nop())
	res, err := mgr.Rekey(context.Background())
	if err != nil {
		t.Fatalf("Rekey: %v", err)
	}
	if res.Scanned != 2 || res.ReEncrypted != 1 {
		t.Errorf("expected 2 scanned and 1 re-encrypted, got %+v", res)
	}

	rec, _ := store.Get(context.Background(), "legacy")
	if rotating.NeedsReEncryption(rec.AccessTokenCipher) || rotating.NeedsReEncryption(rec.RefreshTokenCipher) {
		t.Error("legacy record still sealed under the retired key")
	}
	if _, err := old.Decrypt(rec.AccessTokenCipher); !errors.Is(err, hipaa.ErrDecryption) {
		t.Error("retired key can still open the re-encrypted token")
	}
	if rec.ExpiresAt != expiry || rec.OwnerClientID != "client-a" {
		t.Errorf("rekey changed expiry or owner: %+v", rec)
	}

	view, err := mgr.Status(context.Background(), "legacy")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.AccessToken != "access-legacy" || view.RefreshToken != "refresh-legacy" {
		t.Errorf("tokens changed by rekey: %+v", view)
	}

	// A second pass finds nothing left to do.
	if res, err := mgr.Rekey(context.Background()); err != nil || res.ReEncrypted != 0 {
		t.Errorf("expected an idle second pass, got %+v, %v", res, err)
	}
}

func TestManager_RekeyRequiresRotatingCipher(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Rekey(context.Background()); err == nil {
		t.Fatal("expected error for a single-key cipher")
	}
}

func TestManager_RekeyUnreadableToken(t *testing.T) {
	rotating, _ := hipaa.NewRotatingEncryptor(testKey(1))
	store := NewMemoryStore()
	store.Put(Record{PatientID: "p1", State: StateLinked, AccessTokenCipher: "garbage"})

	mgr := NewManager(store, audit.NewMemoryLog(), nil, rotating, lease.NewMemoryLocker(), zerolog.Nop())
	res, err := mgr.Rekey(context.Background())
	if err != nil {
		t.Fatalf("Rekey: %v", err)
	}
	// A ciphertext no key opens is left for Status to report.
	if res.ReEncrypted != 0 {
		t.Errorf("unreadable token should be skipped, got %+v", res)
	}
}
