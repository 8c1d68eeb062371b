// Package protocol implements the homcc wire protocol: a length-prefixed
// JSON envelope followed by an optional binary payload. The envelope starts
// with an 8-byte little-endian unsigned JSON size, carries a message_type
// discriminator inside the JSON and declares the expected payload length via
// per-variant size fields.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/celonis/homcc/pkg/compression"
)

// MessageType discriminates the wire message variants.
type MessageType string

const (
	// TypeArgument is the initial message of every exchange. The client
	// sends compiler arguments, its working directory and the dependency
	// digest map.
	TypeArgument MessageType = "ArgumentMessage"
	// TypeDependencyRequest asks the client for exactly one dependency.
	TypeDependencyRequest MessageType = "DependencyRequestMessage"
	// TypeDependencyReply carries exactly one previously requested file.
	TypeDependencyReply MessageType = "DependencyReplyMessage"
	// TypeCompilationResult carries the object files, compiler output and
	// return code of a finished remote compilation.
	TypeCompilationResult MessageType = "CompilationResultMessage"
	// TypeConnectionRefused tells the client that the server is above
	// capacity and will close the connection.
	TypeConnectionRefused MessageType = "ConnectionRefusedMessage"
)

const (
	// jsonSizeLength is the length of the frame's leading size field.
	jsonSizeLength = 8
	// messageTypeField is the JSON field carrying the discriminator.
	messageTypeField = "message_type"
)

// Message is the tagged union over all wire message variants.
type Message interface {
	// Type returns the variant discriminator.
	Type() MessageType
	// payloadSize returns the number of binary payload bytes that follow
	// the JSON envelope.
	payloadSize() int
	// payload returns the binary payload to append after the envelope.
	payload() []byte
	// setPayload installs the binary payload after parsing the envelope.
	setPayload(payload []byte)
	// envelope returns the JSON-serializable envelope of the message.
	envelope() any
}

// ArgumentMessage is the initial message in the protocol.
type ArgumentMessage struct {
	// Arguments is the argv destined for the compiler.
	Arguments []string
	// Cwd is the client's working directory as an absolute path.
	Cwd string
	// Dependencies maps client-absolute dependency paths to sha1 hex
	// digests.
	Dependencies map[string]string
	// Target optionally requests cross compilation for a target triple.
	Target string
	// SchrootProfile optionally requests a named schroot sandbox.
	SchrootProfile string
	// DockerContainer optionally requests execution in a named container.
	DockerContainer string
	// Compression declares the codec for all payload-bearing messages on
	// this connection.
	Compression compression.Algorithm
}

type argumentEnvelope struct {
	MessageType     MessageType       `json:"message_type"`
	Arguments       []string          `json:"arguments"`
	Cwd             string            `json:"cwd"`
	Dependencies    map[string]string `json:"dependencies"`
	Target          string            `json:"target,omitempty"`
	SchrootProfile  string            `json:"schroot_profile,omitempty"`
	DockerContainer string            `json:"docker_container,omitempty"`
	Compression     string            `json:"compression,omitempty"`
}

func (m *ArgumentMessage) Type() MessageType { return TypeArgument }

func (m *ArgumentMessage) payloadSize() int { return 0 }

func (m *ArgumentMessage) payload() []byte { return nil }

func (m *ArgumentMessage) setPayload([]byte) {}

func (m *ArgumentMessage) envelope() any {
	return &argumentEnvelope{
		MessageType:     TypeArgument,
		Arguments:       m.Arguments,
		Cwd:             m.Cwd,
		Dependencies:    m.Dependencies,
		Target:          m.Target,
		SchrootProfile:  m.SchrootProfile,
		DockerContainer: m.DockerContainer,
		Compression:     string(m.Compression),
	}
}

// DependencyRequestMessage lets the server request one dependency.
type DependencyRequestMessage struct {
	// Sha1Sum is the digest of the requested file.
	Sha1Sum string
}

type dependencyRequestEnvelope struct {
	MessageType MessageType `json:"message_type"`
	Sha1Sum     string      `json:"sha1sum"`
}

func (m *DependencyRequestMessage) Type() MessageType { return TypeDependencyRequest }

func (m *DependencyRequestMessage) payloadSize() int { return 0 }

func (m *DependencyRequestMessage) payload() []byte { return nil }

func (m *DependencyRequestMessage) setPayload([]byte) {}

func (m *DependencyRequestMessage) envelope() any {
	return &dependencyRequestEnvelope{MessageType: TypeDependencyRequest, Sha1Sum: m.Sha1Sum}
}

// DependencyReplyMessage carries exactly one requested file. Content is in
// wire form, compressed with the connection codec; Size is its transmitted
// byte count.
type DependencyReplyMessage struct {
	// Size is the payload length on the wire.
	Size int
	// Content is the file's bytes in wire form.
	Content []byte
	// Compression is the connection codec Content is encoded with.
	Compression compression.Algorithm
}

type dependencyReplyEnvelope struct {
	MessageType MessageType `json:"message_type"`
	Size        int         `json:"size"`
}

// NewDependencyReplyMessage compresses data with the connection codec and
// wraps it in a reply message.
func NewDependencyReplyMessage(data []byte, algorithm compression.Algorithm) (*DependencyReplyMessage, error) {
	content, err := algorithm.Compress(data)
	if err != nil {
		return nil, err
	}
	return &DependencyReplyMessage{Size: len(content), Content: content, Compression: algorithm}, nil
}

// Data returns the decompressed file bytes.
func (m *DependencyReplyMessage) Data() ([]byte, error) {
	return m.Compression.Decompress(m.Content)
}

func (m *DependencyReplyMessage) Type() MessageType { return TypeDependencyReply }

func (m *DependencyReplyMessage) payloadSize() int { return m.Size }

func (m *DependencyReplyMessage) payload() []byte { return m.Content }

func (m *DependencyReplyMessage) setPayload(payload []byte) { m.Content = payload }

func (m *DependencyReplyMessage) envelope() any {
	return &dependencyReplyEnvelope{MessageType: TypeDependencyReply, Size: m.Size}
}

// ObjectFile is one compiled result file inside a compilation result
// message. FileName is a path valid on the client; Content is in wire form
// and Size is its transmitted byte count.
type ObjectFile struct {
	FileName    string
	Size        int
	Content     []byte
	Compression compression.Algorithm
}

// NewObjectFile compresses data with the connection codec.
func NewObjectFile(fileName string, data []byte, algorithm compression.Algorithm) (ObjectFile, error) {
	content, err := algorithm.Compress(data)
	if err != nil {
		return ObjectFile{}, err
	}
	return ObjectFile{FileName: fileName, Size: len(content), Content: content, Compression: algorithm}, nil
}

// Data returns the decompressed file bytes.
func (f *ObjectFile) Data() ([]byte, error) {
	return f.Compression.Decompress(f.Content)
}

// CompilationResultMessage carries the outcome of a remote compilation: the
// object files, the compiler's stdout and stderr and its return code. The
// payload is the concatenation of all object file contents in declared
// order.
type CompilationResultMessage struct {
	ObjectFiles []ObjectFile
	Stdout      string
	Stderr      string
	ReturnCode  int
	// Compression is the connection codec the object files are encoded
	// with.
	Compression compression.Algorithm
}

type resultFileEnvelope struct {
	FileName string `json:"filename"`
	Size     int    `json:"size"`
}

type compilationResultEnvelope struct {
	MessageType MessageType          `json:"message_type"`
	Files       []resultFileEnvelope `json:"files"`
	Stdout      string               `json:"stdout"`
	Stderr      string               `json:"stderr"`
	ReturnCode  int                  `json:"return_code"`
}

func (m *CompilationResultMessage) Type() MessageType { return TypeCompilationResult }

func (m *CompilationResultMessage) payloadSize() int {
	total := 0
	for i := range m.ObjectFiles {
		total += m.ObjectFiles[i].Size
	}
	return total
}

func (m *CompilationResultMessage) payload() []byte {
	payload := make([]byte, 0, m.payloadSize())
	for i := range m.ObjectFiles {
		payload = append(payload, m.ObjectFiles[i].Content...)
	}
	return payload
}

func (m *CompilationResultMessage) setPayload(payload []byte) {
	offset := 0
	for i := range m.ObjectFiles {
		m.ObjectFiles[i].Content = payload[offset : offset+m.ObjectFiles[i].Size]
		offset += m.ObjectFiles[i].Size
	}
}

func (m *CompilationResultMessage) envelope() any {
	files := make([]resultFileEnvelope, len(m.ObjectFiles))
	for i := range m.ObjectFiles {
		files[i] = resultFileEnvelope{FileName: m.ObjectFiles[i].FileName, Size: m.ObjectFiles[i].Size}
	}
	return &compilationResultEnvelope{
		MessageType: TypeCompilationResult,
		Files:       files,
		Stdout:      m.Stdout,
		Stderr:      m.Stderr,
		ReturnCode:  m.ReturnCode,
	}
}

// ConnectionRefusedMessage tells the client the server will not take the
// job.
type ConnectionRefusedMessage struct {
	// Info is a human-readable refusal reason.
	Info string
}

type connectionRefusedEnvelope struct {
	MessageType MessageType `json:"message_type"`
	Info        string      `json:"info"`
}

func (m *ConnectionRefusedMessage) Type() MessageType { return TypeConnectionRefused }

func (m *ConnectionRefusedMessage) payloadSize() int { return 0 }

func (m *ConnectionRefusedMessage) payload() []byte { return nil }

func (m *ConnectionRefusedMessage) setPayload([]byte) {}

func (m *ConnectionRefusedMessage) envelope() any {
	return &connectionRefusedEnvelope{MessageType: TypeConnectionRefused, Info: m.Info}
}

// Serialize frames a message: 8-byte little-endian JSON size, the JSON
// envelope and the binary payload.
func Serialize(m Message) ([]byte, error) {
	envelope, err := json.Marshal(m.envelope())
	if err != nil {
		return nil, fmt.Errorf("unable to serialize %s envelope: %w", m.Type(), err)
	}

	frame := make([]byte, jsonSizeLength, jsonSizeLength+len(envelope)+m.payloadSize())
	binary.LittleEndian.PutUint64(frame, uint64(len(envelope)))
	frame = append(frame, envelope...)
	frame = append(frame, m.payload()...)
	return frame, nil
}
