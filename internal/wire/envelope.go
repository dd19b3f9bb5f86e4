package wire

import (
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

// LocationKind tags how a payload's bytes are carried.
type LocationKind uint8

const (
	// LocationInline means the bytes travel in the envelope itself.
	LocationInline LocationKind = iota
	// LocationArena points into the pre-mapped arena segment shared by both ends.
	LocationArena
	// LocationPool names a per-transfer segment the receiver attaches by key.
	LocationPool
)

func (k LocationKind) String() string {
	switch k {
	case LocationInline:
		return "inline"
	case LocationArena:
		return "arena"
	case LocationPool:
		return "pool"
	default:
		return "unknown"
	}
}

// Location says where a request or response payload lives. The tag decides
// which fields are meaningful: Offset/Length for the arena, Key/Length for a
// pool segment, Inline for the byte-copy fallback.
type Location struct {
	Kind   LocationKind `msgpack:"kind"`
	Offset int64        `msgpack:"offset,omitempty"`
	Length int64        `msgpack:"length,omitempty"`
	Key    string       `msgpack:"key,omitempty"`
	Inline []byte       `msgpack:"inline,omitempty"`
}

// InlineLocation wraps raw bytes in an inline-tier location.
func InlineLocation(p []byte) Location {
	return Location{Kind: LocationInline, Length: int64(len(p)), Inline: p}
}

// Envelope is one capability request. Payload bytes either ride inline in
// Location or sit in a shared-memory tier it points at.
//
// Delegated starts false; a node forwarding a request it cannot serve sets it
// and records itself in DelegatedFrom so the receiver can refuse a second hop
// and exclude the delegator from any further selection.
type Envelope struct {
	Version       uint8    `msgpack:"v"`
	Capability    string   `msgpack:"capability"`
	Location      Location `msgpack:"location"`
	Delegated     bool     `msgpack:"delegated"`
	DelegatedFrom string   `msgpack:"delegated_from,omitempty"`
	Stream        bool     `msgpack:"stream,omitempty"`
}

// EnvelopeVersion is the current envelope encoding version. Decoders reject
// versions they do not know rather than guessing.
const EnvelopeVersion = 1

// Response is the unary reply to an Envelope. ErrCode carries the error
// taxonomy code so the caller sees the true cause, not a generic transport
// failure.
type Response struct {
	OK      bool     `msgpack:"ok"`
	Payload Location `msgpack:"payload"`
	ErrCode string   `msgpack:"err_code,omitempty"`
	ErrMsg  string   `msgpack:"err_msg,omitempty"`
}

// Chunk is one streamed response message. The terminal chunk has Done set;
// an error termination carries ErrMsg as well. Nothing follows a terminal
// chunk.
type Chunk struct {
	Payload []byte `msgpack:"payload,omitempty"`
	Done    bool   `msgpack:"done,omitempty"`
	ErrMsg  string `msgpack:"err_msg,omitempty"`
}

// EncodeEnvelope serializes an envelope, stamping the current version.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	env.Version = EnvelopeVersion
	return msgpack.Marshal(env)
}

// DecodeEnvelope deserializes and version-checks an envelope.
func DecodeEnvelope(p []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(p, &env); err != nil {
		return nil, err
	}
	if env.Version != EnvelopeVersion {
		return nil, &VersionError{Got: env.Version}
	}
	return &env, nil
}

// VersionError reports an unknown envelope version.
type VersionError struct {
	Got uint8
}

func (e *VersionError) Error() string {
	return "unsupported envelope version " + strconv.Itoa(int(e.Got))
}

// EncodeResponse serializes a unary response.
func EncodeResponse(r *Response) ([]byte, error) {
	return msgpack.Marshal(r)
}

// DecodeResponse deserializes a unary response.
func DecodeResponse(p []byte) (*Response, error) {
	var r Response
	if err := msgpack.Unmarshal(p, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// EncodeChunk serializes a stream chunk.
func EncodeChunk(c *Chunk) ([]byte, error) {
	return msgpack.Marshal(c)
}

// DecodeChunk deserializes a stream chunk.
func DecodeChunk(p []byte) (*Chunk, error) {
	var c Chunk
	if err := msgpack.Unmarshal(p, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
