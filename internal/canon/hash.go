package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix leaves room for
// migrating the algorithm without colliding with old chains.
const (
	DomainSale = "possync/sale/v1"
)

// Sum computes SHA-256 over domain, a 0x00 separator and data.
// The separator prevents domain/data boundary ambiguity.
func Sum(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash canonically encodes v and returns its domain-separated digest.
func Hash(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return Sum(domain, data), nil
}
