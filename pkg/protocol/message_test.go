package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/celonis/homcc/pkg/compression"
	"github.com/stretchr/testify/require"
)

// frameEnvelope frames a raw JSON envelope without a binary payload.
func frameEnvelope(t *testing.T, envelope string) []byte {
	t.Helper()
	frame := make([]byte, jsonSizeLength, jsonSizeLength+len(envelope))
	binary.LittleEndian.PutUint64(frame, uint64(len(envelope)))
	return append(frame, envelope...)
}

func testMessages(t *testing.T) []Message {
	t.Helper()

	reply, err := NewDependencyReplyMessage([]byte("#pragma once\n"), compression.None)
	require.NoError(t, err)

	mainObject, err := NewObjectFile("main.cpp.o", []byte{0x7f, 0x45, 0x4c, 0x46}, compression.None)
	require.NoError(t, err)
	fooObject, err := NewObjectFile("foo.cpp.o", []byte{0xde, 0xad, 0xbe, 0xef, 0x00}, compression.None)
	require.NoError(t, err)

	return []Message{
		&ArgumentMessage{
			Arguments:    []string{"g++", "-Iinclude", "-c", "src/main.cpp"},
			Cwd:          "/home/user/project",
			Dependencies: map[string]string{"/home/user/project/include/foo.h": "0a4d55a8d778e5022fab701977c5d840bbc486d0"},
			Target:       "x86_64-linux-gnu",
			Compression:  compression.None,
		},
		&DependencyRequestMessage{Sha1Sum: "0a4d55a8d778e5022fab701977c5d840bbc486d0"},
		reply,
		&CompilationResultMessage{
			ObjectFiles: []ObjectFile{mainObject, fooObject},
			Stdout:      "",
			Stderr:      "warning: unused variable 'x'\n",
			ReturnCode:  0,
			Compression: compression.None,
		},
		&ConnectionRefusedMessage{Info: "limit of 64 concurrent jobs reached"},
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	for _, message := range testMessages(t) {
		frame, err := Serialize(message)
		require.NoError(t, err)

		delta, parsed, err := Parse(frame, compression.None)
		require.NoError(t, err, "parsing %s", message.Type())
		require.Zero(t, delta, "parsing %s", message.Type())
		require.Equal(t, message, parsed, "parsing %s", message.Type())
	}
}

func TestParseNeedsMoreBytesAtEverySplit(t *testing.T) {
	for _, message := range testMessages(t) {
		frame, err := Serialize(message)
		require.NoError(t, err)

		for split := 0; split < len(frame); split++ {
			delta, parsed, err := Parse(frame[:split], compression.None)
			require.NoError(t, err)
			require.Nil(t, parsed)
			require.Positive(t, delta)
			require.LessOrEqual(t, delta, len(frame)-split)
		}

		// feeding exactly the requested deltas converges on the message
		buf := []byte{}
		rest := frame
		for {
			delta, parsed, err := Parse(buf, compression.None)
			require.NoError(t, err)
			if parsed != nil {
				require.Zero(t, delta)
				require.Equal(t, message, parsed)
				break
			}
			buf = append(buf, rest[:delta]...)
			rest = rest[delta:]
		}
	}
}

func TestParseTrailingBytes(t *testing.T) {
	first, err := Serialize(&DependencyRequestMessage{Sha1Sum: "aa"})
	require.NoError(t, err)
	second, err := Serialize(&DependencyRequestMessage{Sha1Sum: "bb"})
	require.NoError(t, err)

	buf := append(append([]byte{}, first...), second...)
	delta, parsed, err := Parse(buf, compression.None)
	require.NoError(t, err)
	require.Equal(t, -len(second), delta)
	require.Equal(t, &DependencyRequestMessage{Sha1Sum: "aa"}, parsed)

	delta, parsed, err = Parse(buf[len(buf)+delta:], compression.None)
	require.NoError(t, err)
	require.Zero(t, delta)
	require.Equal(t, &DependencyRequestMessage{Sha1Sum: "bb"}, parsed)
}

func TestParseRejectsUnknownType(t *testing.T) {
	frame := frameEnvelope(t, `{"message_type":"HandshakeMessage"}`)
	_, _, err := Parse(frame, compression.None)
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestParseRejectsMissingType(t *testing.T) {
	frame := frameEnvelope(t, `{"size":12}`)
	_, _, err := Parse(frame, compression.None)
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	frame := frameEnvelope(t, `{"message_type":`)
	_, _, err := Parse(frame, compression.None)
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestParseRejectsNegativeSize(t *testing.T) {
	frame := frameEnvelope(t, `{"message_type":"DependencyReplyMessage","size":-1}`)
	_, _, err := Parse(frame, compression.None)
	require.ErrorIs(t, err, ErrMalformedMessage)

	frame = frameEnvelope(t, `{"message_type":"CompilationResultMessage","files":[{"filename":"a.o","size":-4}],"stdout":"","stderr":"","return_code":0}`)
	_, _, err = Parse(frame, compression.None)
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestParseZeroSizedReply(t *testing.T) {
	frame := frameEnvelope(t, `{"message_type":"DependencyReplyMessage","size":0}`)
	delta, parsed, err := Parse(frame, compression.None)
	require.NoError(t, err)
	require.Zero(t, delta)
	require.Equal(t, &DependencyReplyMessage{Size: 0, Compression: compression.None}, parsed)
}

func TestCompressedPayloadRoundTrip(t *testing.T) {
	for _, algorithm := range []compression.Algorithm{compression.LZO, compression.LZMA} {
		data := []byte("#include <cstdint>\n#include <vector>\n")
		reply, err := NewDependencyReplyMessage(data, algorithm)
		require.NoError(t, err)
		require.Equal(t, len(reply.Content), reply.Size)

		frame, err := Serialize(reply)
		require.NoError(t, err)

		delta, parsed, err := Parse(frame, algorithm)
		require.NoError(t, err)
		require.Zero(t, delta)

		decoded, err := parsed.(*DependencyReplyMessage).Data()
		require.NoError(t, err)
		require.Equal(t, data, decoded)
	}
}
