package util

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

// URL-safe alphabet, 64 characters so a random byte maps without modulo bias.
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

const maxIDRetries = 5

// GenID produces a fixed-length public identifier and probes the exists
// callback to reject collisions. The store still treats a duplicate key on
// insert as retryable; this probe just keeps retries rare.
func GenID(length int, exists func(string) (bool, error)) (string, error) {
	if length <= 0 {
		return "", errors.New("id length must be positive")
	}
	for retry := 0; retry < maxIDRetries; retry++ {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		for i, b := range buf {
			buf[i] = idAlphabet[b&63]
		}
		id := string(buf)
		exist, err := exists(id)
		if err != nil {
			return "", err
		}
		if !exist {
			return id, nil
		}
	}
	return "", errors.Errorf("id collision after %d retries", maxIDRetries)
}
