// Package link implements account linking between a patient identifier held
// by an EMR client and an identity-provider account, and keeps the linked
// provider tokens valid.
package link

import (
	"fmt"
	"time"
)

// State tags a Record as awaiting the provider callback or holding tokens.
type State string

const (
	StatePending State = "pending"
	StateLinked  State = "linked"
)

// Record is the persisted link for one patient id. Token fields hold
// ciphertext only; an empty string means the token is absent.
type Record struct {
	PatientID          string
	State              State
	IdentityID         string
	AccessTokenCipher  string
	RefreshTokenCipher string
	// ExpiresAt is the access token expiry in epoch seconds, 0 while pending.
	ExpiresAt       int64
	PendingVerifier string
	OwnerClientID   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks that the record is in exactly one of its two shapes.
func (r *Record) Validate() error {
	if r.PatientID == "" {
		return fmt.Errorf("patient id is required")
	}
	switch r.State {
	case StatePending:
		if r.PendingVerifier == "" {
			return fmt.Errorf("pending record %s has no verifier", r.PatientID)
		}
		if r.AccessTokenCipher != "" || r.RefreshTokenCipher != "" || r.ExpiresAt != 0 {
			return fmt.Errorf("pending record %s carries tokens", r.PatientID)
		}
	case StateLinked:
		if r.PendingVerifier != "" {
			return fmt.Errorf("linked record %s still carries a verifier", r.PatientID)
		}
	default:
		return fmt.Errorf("record %s has unknown state %q", r.PatientID, r.State)
	}
	return nil
}

// StatusView is the decrypted projection returned by Manager.Status.
type StatusView struct {
	PatientID     string `json:"patientId"`
	State         State  `json:"state"`
	IdentityID    string `json:"identityId,omitempty"`
	AccessToken   string `json:"accessToken,omitempty"`
	RefreshToken  string `json:"refreshToken,omitempty"`
	ExpiresAt     int64  `json:"expiresAt"`
	OwnerClientID string `json:"ownerClientId,omitempty"`
}

// LinkResult is returned by a successful CompleteLink.
type LinkResult struct {
	Status     string `json:"status"`
	PatientID  string `json:"patientId"`
	IdentityID string `json:"identityId"`
}
