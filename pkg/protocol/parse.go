package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/celonis/homcc/pkg/compression"
)

// receiveBufferSize is the chunk size used when draining a connection.
const receiveBufferSize = 64 * 1024

// ErrMalformedMessage indicates a frame that can never be parsed; the
// connection it arrived on must be terminated.
var ErrMalformedMessage = errors.New("malformed protocol message")

// Parse attempts to parse one message from buf, decoding payload-bearing
// variants with the connection codec. The returned delta follows the framing
// contract:
//
//   - delta > 0: buf is short by delta bytes and no message was produced;
//     call again with the additional bytes appended.
//   - delta == 0: exactly one message consumed the whole buffer.
//   - delta < 0: one message was consumed and |delta| bytes remain at the
//     tail of buf.
//
// A nil message with a nil error means more bytes are needed. Parse never
// reads past the declared frame end.
func Parse(buf []byte, algorithm compression.Algorithm) (int, Message, error) {
	if len(buf) < jsonSizeLength {
		return jsonSizeLength - len(buf), nil, nil
	}

	jsonSize := binary.LittleEndian.Uint64(buf)

	delta := jsonSizeLength + int(jsonSize) - len(buf)
	if delta > 0 {
		return delta, nil, nil
	}

	message, err := parseEnvelope(buf[jsonSizeLength:jsonSizeLength+int(jsonSize)], algorithm)
	if err != nil {
		return 0, nil, err
	}

	payloadSize := message.payloadSize()
	if payloadSize == 0 {
		return delta, message, nil
	}

	delta += payloadSize
	if delta > 0 {
		return delta, nil, nil
	}

	payloadOffset := jsonSizeLength + int(jsonSize)
	message.setPayload(buf[payloadOffset : payloadOffset+payloadSize])
	return delta, message, nil
}

func parseEnvelope(envelope []byte, algorithm compression.Algorithm) (Message, error) {
	var discriminator struct {
		MessageType *MessageType `json:"message_type"`
	}
	if err := json.Unmarshal(envelope, &discriminator); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON envelope: %w", ErrMalformedMessage, err)
	}
	if discriminator.MessageType == nil {
		return nil, fmt.Errorf("%w: envelope is missing %s", ErrMalformedMessage, messageTypeField)
	}

	switch *discriminator.MessageType {
	case TypeArgument:
		var parsed argumentEnvelope
		if err := json.Unmarshal(envelope, &parsed); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		parsedAlgorithm, err := compression.FromName(parsed.Compression)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		return &ArgumentMessage{
			Arguments:       parsed.Arguments,
			Cwd:             parsed.Cwd,
			Dependencies:    parsed.Dependencies,
			Target:          parsed.Target,
			SchrootProfile:  parsed.SchrootProfile,
			DockerContainer: parsed.DockerContainer,
			Compression:     parsedAlgorithm,
		}, nil
	case TypeDependencyRequest:
		var parsed dependencyRequestEnvelope
		if err := json.Unmarshal(envelope, &parsed); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		return &DependencyRequestMessage{Sha1Sum: parsed.Sha1Sum}, nil
	case TypeDependencyReply:
		var parsed dependencyReplyEnvelope
		if err := json.Unmarshal(envelope, &parsed); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		if parsed.Size < 0 {
			return nil, fmt.Errorf("%w: negative payload size %d", ErrMalformedMessage, parsed.Size)
		}
		return &DependencyReplyMessage{Size: parsed.Size, Compression: algorithm}, nil
	case TypeCompilationResult:
		var parsed compilationResultEnvelope
		if err := json.Unmarshal(envelope, &parsed); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		objectFiles := make([]ObjectFile, len(parsed.Files))
		for i, file := range parsed.Files {
			if file.Size < 0 {
				return nil, fmt.Errorf("%w: negative payload size %d for %s", ErrMalformedMessage, file.Size, file.FileName)
			}
			objectFiles[i] = ObjectFile{FileName: file.FileName, Size: file.Size, Compression: algorithm}
		}
		return &CompilationResultMessage{
			ObjectFiles: objectFiles,
			Stdout:      parsed.Stdout,
			Stderr:      parsed.Stderr,
			ReturnCode:  parsed.ReturnCode,
			Compression: algorithm,
		}, nil
	case TypeConnectionRefused:
		var parsed connectionRefusedEnvelope
		if err := json.Unmarshal(envelope, &parsed); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		return &ConnectionRefusedMessage{Info: parsed.Info}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, *discriminator.MessageType)
	}
}

// Reader drives Parse over a byte stream with a rolling buffer, re-entering
// on short reads. It is not safe for concurrent use.
type Reader struct {
	source    io.Reader
	buf       []byte
	algorithm compression.Algorithm
}

// NewReader creates a Reader over source, decoding payloads with the
// identity codec until SetCompression is called.
func NewReader(source io.Reader) *Reader {
	return &Reader{source: source}
}

// SetCompression installs the connection codec for subsequent
// payload-bearing messages.
func (r *Reader) SetCompression(algorithm compression.Algorithm) {
	r.algorithm = algorithm
}

// Receive blocks until one full message has arrived. It returns io.EOF when
// the stream closes cleanly between messages and io.ErrUnexpectedEOF when it
// closes mid-frame.
func (r *Reader) Receive() (Message, error) {
	for {
		delta, message, err := Parse(r.buf, r.algorithm)
		if err != nil {
			return nil, err
		}
		if message != nil {
			if delta < 0 {
				r.buf = r.buf[len(r.buf)+delta:]
			} else {
				r.buf = nil
			}
			return message, nil
		}

		chunk := make([]byte, receiveBufferSize)
		n, err := r.source.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
			continue
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) && len(r.buf) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
}

// Send frames and writes message to w.
func Send(w io.Writer, message Message) error {
	frame, err := Serialize(message)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("unable to send %s: %w", message.Type(), err)
	}
	return nil
}
