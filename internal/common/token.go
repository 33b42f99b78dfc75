package common

import (
	"crypto/rand"
	"encoding/base64"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewURLToken returns size random bytes encoded as unpadded base64url, so the
// result is safe in URL paths and file names.
//
// It returns an error if the random number generator fails.
func NewURLToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidID reports whether s is usable as a token or client-chosen upload id.
// Both end up in storage paths, so only [A-Za-z0-9_-] is accepted.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}
