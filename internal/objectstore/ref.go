// Package objectstore implements owner-addressed object references: a Put
// pins bytes at the local node and hands back a small ref naming the object
// and its owner; a Get resolves the ref locally or fetches it lazily from the
// owner. Refs travel freely between replicas, the bytes move only on demand.
package objectstore

import (
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Ref names an object and the endpoint holding its bytes. It is the only
// thing that crosses the wire eagerly; it says nothing about the payload.
type Ref struct {
	ID    string `msgpack:"id"`
	Owner string `msgpack:"owner"`
}

// NewRef mints a ref owned by the given endpoint.
func NewRef(owner string) Ref {
	return Ref{ID: uuid.NewString(), Owner: owner}
}

// Encode serializes the ref for the wire.
func (r Ref) Encode() ([]byte, error) {
	return msgpack.Marshal(r)
}

// DecodeRef parses a wire-encoded ref.
func DecodeRef(p []byte) (Ref, error) {
	var r Ref
	err := msgpack.Unmarshal(p, &r)
	return r, err
}

func (r Ref) String() string {
	return r.ID + "@" + r.Owner
}
