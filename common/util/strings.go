package util

import (
	"crypto/rand"
	"math/big"
	"unicode/utf8"
)

const alphaNumChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandAlphaString returns a cryptographically random alphanumeric string of
// length n, suitable for API keys.
func RandAlphaString(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphaNumChars)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err) // the platform RNG is unavailable; nothing sensible to do
		}
		out[i] = alphaNumChars[idx.Int64()]
	}
	return string(out)
}

// TruncateStringToMaxLength returns a copy of the string, truncated to be at most maxChars runes long.
// If the string is truncated, the last 3 characters are set to '...' if maxChars is greater than 3.
func TruncateStringToMaxLength(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	if maxChars > 3 {
		return string(runes[:maxChars-3]) + "..."
	}
	return string(runes[:maxChars])
}
