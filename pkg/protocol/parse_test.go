package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/celonis/homcc/pkg/compression"
	"github.com/stretchr/testify/require"
)

func TestReaderDrainsMultipleMessages(t *testing.T) {
	var stream bytes.Buffer
	messages := testMessages(t)
	for _, message := range messages {
		frame, err := Serialize(message)
		require.NoError(t, err)
		stream.Write(frame)
	}

	reader := NewReader(&stream)
	for _, expected := range messages {
		received, err := reader.Receive()
		require.NoError(t, err)
		require.Equal(t, expected, received)
	}

	_, err := reader.Receive()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderHandlesShortReads(t *testing.T) {
	frame, err := Serialize(&DependencyRequestMessage{Sha1Sum: "abc"})
	require.NoError(t, err)

	reader := NewReader(&oneByteReader{data: frame})
	received, err := reader.Receive()
	require.NoError(t, err)
	require.Equal(t, &DependencyRequestMessage{Sha1Sum: "abc"}, received)
}

func TestReaderReportsTruncatedFrame(t *testing.T) {
	frame, err := Serialize(&DependencyRequestMessage{Sha1Sum: "abc"})
	require.NoError(t, err)

	reader := NewReader(bytes.NewReader(frame[:len(frame)-2]))
	_, err = reader.Receive()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// oneByteReader yields a single byte per Read call.
type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestReaderCompressionSwitch(t *testing.T) {
	data := []byte("#define FOO 1\n")
	reply, err := NewDependencyReplyMessage(data, compression.LZO)
	require.NoError(t, err)
	frame, err := Serialize(reply)
	require.NoError(t, err)

	reader := NewReader(bytes.NewReader(frame))
	reader.SetCompression(compression.LZO)

	received, err := reader.Receive()
	require.NoError(t, err)

	decoded, err := received.(*DependencyReplyMessage).Data()
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}
