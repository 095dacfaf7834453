package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const fingerprintPrefix = "sha256:"

// Fingerprint is a stable identifier derived from content bytes.
type Fingerprint string

// NewFingerprint hashes content. Identical bytes always produce the same
// fingerprint.
func NewFingerprint(content []byte) Fingerprint {
	sum := sha256.Sum256(content)
	return Fingerprint(fingerprintPrefix + hex.EncodeToString(sum[:]))
}

// Valid reports whether f has the expected prefix and digest length.
func (f Fingerprint) Valid() bool {
	s := string(f)
	if !strings.HasPrefix(s, fingerprintPrefix) {
		return false
	}
	digest := s[len(fingerprintPrefix):]
	if len(digest) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

func (f Fingerprint) String() string { return string(f) }
