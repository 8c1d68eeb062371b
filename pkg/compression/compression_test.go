package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromName(t *testing.T) {
	algorithm, err := FromName("lzo")
	require.NoError(t, err)
	require.Equal(t, LZO, algorithm)

	algorithm, err = FromName("lzma")
	require.NoError(t, err)
	require.Equal(t, LZMA, algorithm)

	algorithm, err = FromName("")
	require.NoError(t, err)
	require.Equal(t, None, algorithm)

	algorithm, err = FromName("no_compression")
	require.NoError(t, err)
	require.Equal(t, None, algorithm)

	_, err = FromName("zstd")
	require.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("#include <vector>\nint main() { return 0; }\n"), 64)

	for _, algorithm := range []Algorithm{None, LZO, LZMA} {
		compressed, err := algorithm.Compress(payload)
		require.NoError(t, err, "compress with %s", algorithm)

		decompressed, err := algorithm.Decompress(compressed)
		require.NoError(t, err, "decompress with %s", algorithm)
		require.Equal(t, payload, decompressed, "round trip with %s", algorithm)
	}
}

func TestRoundTripEmpty(t *testing.T) {
	for _, algorithm := range []Algorithm{None, LZO, LZMA} {
		compressed, err := algorithm.Compress([]byte{})
		require.NoError(t, err)

		decompressed, err := algorithm.Decompress(compressed)
		require.NoError(t, err)
		require.Empty(t, decompressed)
	}
}

func TestNoneIsIdentity(t *testing.T) {
	payload := []byte("int x;")
	compressed, err := None.Compress(payload)
	require.NoError(t, err)
	require.Equal(t, payload, compressed)
}
