package handlers

import (
	"crypto/sha256"
	"crypto/subtle"
)

// VerifyBearerToken compares the Authorization header value against
// "Bearer " + secret in constant time. Both sides are digested first so
// neither length nor byte position leaks through timing.
func VerifyBearerToken(provided, expectedSecret string) bool {
	providedDigest := sha256.Sum256([]byte(provided))
	expectedDigest := sha256.Sum256([]byte("Bearer " + expectedSecret))
	return subtle.ConstantTimeCompare(providedDigest[:], expectedDigest[:]) == 1
}
