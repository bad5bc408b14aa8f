package helpers

import (
	"crypto/sha256"
)

// MaskAddress shows only the head and tail of a recipient address in logs.
func MaskAddress(s string) string {
	if len(s) <= 12 {
		return "***"
	}
	return s[0:6] + "..." + s[len(s)-6:]
}

// MaskAmount redacts payment amounts from logs.
func MaskAmount(_ int64) string {
	return "<REDACTED>"
}

// TinyHash returns a short stable identifier derived from the input. Used to
// name per-wallet lockfiles without leaking the wallet command line.
func TinyHash(input string) string {
	hash := sha256.Sum256([]byte(input))

	// Take the first 4 bytes from the hash and convert to an integer
	hashInt := int(hash[0])<<24 | int(hash[1])<<16 | int(hash[2])<<8 | int(hash[3])

	// Encode the integer as base62
	return base62Encode(hashInt)
}

func base62Encode(num int) string {
	const charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	var result []byte
	for num > 0 {
		result = append([]byte{charset[num%62]}, result...)
		num /= 62
	}
	return string(result)
}
