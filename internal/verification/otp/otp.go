// Package otp generates and checks the 6-digit codes dispatched during phone
// verification.
package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
)

const digits = 6

// codePattern matches a well-formed code: exactly six ASCII digits.
var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// Generate returns a 6-digit numeric code (e.g. "123456") using crypto/rand.
func Generate() (string, error) {
	b := make([]byte, digits)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	s := make([]byte, digits)
	for i := 0; i < digits; i++ {
		s[i] = '0' + (b[i] % 10)
	}
	return string(s), nil
}

// WellFormed reports whether code is exactly six digits.
func WellFormed(code string) bool {
	return codePattern.MatchString(code)
}

// Hash returns the SHA-256 hash of code, hex-encoded. Only hashes are stored;
// the plain code exists in memory just long enough to dispatch it.
func Hash(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

// Equal performs a constant-time comparison of the provided code against a
// stored hash.
func Equal(providedCode, storedHash string) bool {
	providedHash := Hash(providedCode)
	return subtle.ConstantTimeCompare([]byte(providedHash), []byte(storedHash)) == 1
}
