// Package hashing computes the sha1 hex digests that identify dependency
// files on the wire and in the server-side cache.
package hashing

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Digest returns the sha1 hex digest of data.
func Digest(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// DigestFile returns the sha1 hex digest of the file at path.
func DigestFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("unable to open %s for hashing: %w", path, err)
	}
	defer file.Close()

	hash := sha1.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("unable to hash %s: %w", path, err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
