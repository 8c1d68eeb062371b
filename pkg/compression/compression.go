// Package compression implements the payload codecs negotiated on a homcc
// connection. The argument message declares one of the algorithms below and
// every payload-bearing message on that connection compresses each file's
// bytes independently with it.
package compression

import (
	"bytes"
	"fmt"
	"io"

	lzo "github.com/rasky/go-lzo"
	"github.com/ulikunitz/xz"
)

// Algorithm identifies a payload codec by its wire name.
type Algorithm string

const (
	// None is the identity codec. It is encoded as the empty string so that
	// argument messages from clients without a compression preference stay
	// compatible.
	None Algorithm = ""
	// LZO is the Lempel-Ziv-Oberhumer codec (lzo1x).
	LZO Algorithm = "lzo"
	// LZMA is the Lempel-Ziv-Markov chain codec in an xz container.
	LZMA Algorithm = "lzma"
)

// Algorithms lists all codecs that compress, for help output.
func Algorithms() []Algorithm {
	return []Algorithm{LZO, LZMA}
}

// FromName resolves a config- or host-string-provided codec name. The empty
// string and "no_compression" resolve to None.
func FromName(name string) (Algorithm, error) {
	switch name {
	case "", "no_compression":
		return None, nil
	case string(LZO):
		return LZO, nil
	case string(LZMA):
		return LZMA, nil
	default:
		return None, fmt.Errorf("unknown compression algorithm %q", name)
	}
}

func (a Algorithm) String() string {
	if a == None {
		return "no_compression"
	}
	return string(a)
}

// Compress returns the wire form of data.
func (a Algorithm) Compress(data []byte) ([]byte, error) {
	switch a {
	case None:
		return data, nil
	case LZO:
		if len(data) == 0 {
			return []byte{}, nil
		}
		return lzo.Compress1X(data), nil
	case LZMA:
		var buf bytes.Buffer
		writer, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("unable to initialize lzma writer: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("lzma compression failed: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lzma compression failed: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", string(a))
	}
}

// Decompress returns the original bytes for data in wire form.
func (a Algorithm) Decompress(data []byte) ([]byte, error) {
	switch a {
	case None:
		return data, nil
	case LZO:
		if len(data) == 0 {
			return []byte{}, nil
		}
		decompressed, err := lzo.Decompress1X(bytes.NewReader(data), len(data), 0)
		if err != nil {
			return nil, fmt.Errorf("lzo decompression failed: %w", err)
		}
		return decompressed, nil
	case LZMA:
		reader, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("unable to initialize lzma reader: %w", err)
		}
		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("lzma decompression failed: %w", err)
		}
		return decompressed, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", string(a))
	}
}
