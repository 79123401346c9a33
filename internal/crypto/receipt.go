// Package crypto implements receipt fingerprinting for the audit trail.
package crypto

import (
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"
)

// HashReceipt returns the BLAKE2b-256 digest of a receipt, or nil for an empty receipt.
func HashReceipt(receipt string) []byte {
	if receipt == "" {
		return nil
	}
	sum := blake2b.Sum256([]byte(receipt))
	return sum[:]
}

// SameReceipt reports whether two receipt digests are equal in constant time.
func SameReceipt(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
