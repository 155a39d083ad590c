package link

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when no record exists for a patient id.
var ErrNotFound = errors.New("link record not found")

// Fields is a partial update of a linked record. Nil fields are left as is.
type Fields struct {
	AccessTokenCipher  *string
	RefreshTokenCipher *string
	// ExpiresAt never moves a stored expiry backwards.
	ExpiresAt     *int64
	OwnerClientID *string
}

// Store defines the persistence interface for link records. Every write is
// a single atomic statement and validates the resulting record.
type Store interface {
	Get(ctx context.Context, patientID string) (*Record, error)
	// Upsert creates or replaces the record for r.PatientID.
	Upsert(ctx context.Context, r *Record) error
	// Update applies f to a linked record; ErrNotFound if there is none.
	Update(ctx context.Context, patientID string, f Fields) error
	// ListLinked returns the ids of all linked records in id order.
	ListLinked(ctx context.Context) ([]string, error)
}

func (f Fields) apply(r *Record) {
	if f.AccessTokenCipher != nil {
		r.AccessTokenCipher = *f.AccessTokenCipher
	}
	if f.RefreshTokenCipher != nil {
		r.RefreshTokenCipher = *f.RefreshTokenCipher
	}
	if f.ExpiresAt != nil && *f.ExpiresAt > r.ExpiresAt {
		r.ExpiresAt = *f.ExpiresAt
	}
	if f.OwnerClientID != nil {
		r.OwnerClientID = *f.OwnerClientID
	}
}
