package hashing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigest(t *testing.T) {
	// sha1("abc")
	require.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", Digest([]byte("abc")))
	// sha1("")
	require.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", Digest(nil))
}

func TestDigestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dependency.h")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	digest, err := DigestFile(path)
	require.NoError(t, err)
	require.Equal(t, Digest([]byte("abc")), digest)
}

func TestDigestFileMissing(t *testing.T) {
	_, err := DigestFile(filepath.Join(t.TempDir(), "missing.h"))
	require.Error(t, err)
}
