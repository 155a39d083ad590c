// Package pkce generates Proof Key for Code Exchange pairs (RFC 7636). Only
// the S256 challenge method is supported; plain is never offered to the
// provider.
package pkce

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/oauth2"
)

// Method is the code_challenge_method advertised to the identity provider.
const Method = "S256"

// Pair is a verifier and the challenge derived from it.
type Pair struct {
	Verifier  string
	Challenge string
}

// Generate returns a fresh verifier (32 random bytes, base64url without
// padding) and its S256 challenge.
func Generate() (Pair, error) {
	verifier := oauth2.GenerateVerifier()
	if len(verifier) < 43 {
		return Pair{}, fmt.Errorf("pkce: verifier too short (%d chars)", len(verifier))
	}
	return Pair{Verifier: verifier, Challenge: Challenge(verifier)}, nil
}

// Challenge computes base64url(SHA-256(verifier)) without padding.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Verify reports whether challenge was derived from verifier, in constant time.
func Verify(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(Challenge(verifier)), []byte(challenge)) == 1
}
