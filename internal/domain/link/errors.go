package link

import (
	"errors"

	"github.com/ehr/link/internal/platform/hipaa"
	"github.com/ehr/link/internal/platform/idp"
)

var (
	// ErrNotLinked means no linked record exists for the patient id.
	ErrNotLinked = errors.New("patient not linked")
	// ErrMissingVerifier means the callback has no pending link to complete.
	ErrMissingVerifier = errors.New("no pending link verifier")
	// ErrNoRefreshToken means the provider never issued a refresh token.
	ErrNoRefreshToken = errors.New("no refresh token stored")
	// ErrInvalidPatientID rejects empty patient ids.
	ErrInvalidPatientID = errors.New("patient id is required")
)

// Provider and crypto failures are surfaced unchanged so callers can match
// them from this package.
var (
	ErrExchangeFailed = idp.ErrExchangeFailed
	ErrRefreshFailed  = idp.ErrRefreshFailed
	ErrDecryption     = hipaa.ErrDecryption
)
