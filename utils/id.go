package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateID returns a random 16-character hex string (8 bytes of entropy).
func GenerateID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// RandomAlnum returns a random alphanumeric string of length n drawn
// uniformly from [A-Za-z0-9] using crypto/rand.
func RandomAlnum(n int) (string, error) {
	buf := make([]byte, n)
	limit := big.NewInt(int64(len(alnum)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate random string: %w", err)
		}
		buf[i] = alnum[idx.Int64()]
	}
	return string(buf), nil
}
