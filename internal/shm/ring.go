package shm

import (
	"fmt"
	"sync"

	perrors "github.com/capserve/capserve/pkg/errors"
)

// Ring is the pre-mapped arena: a fixed region written by exactly one side of
// a channel. The cursor only moves forward; when a write would run past the
// end it wraps to offset zero for that write. Payloads are never split across
// the boundary.
//
// The ring does not track reads. A writer that laps an unread payload
// overwrites it; sizing the arena well above the largest in-flight window is
// the operator's job. See the transport notes in DESIGN.md.
type Ring struct {
	mu     sync.Mutex
	buf    []byte
	cursor int64
}

// NewRing wraps a mapped region in a ring writer.
func NewRing(buf []byte) *Ring {
	return &Ring{buf: buf}
}

// Size returns the arena capacity in bytes.
func (r *Ring) Size() int { return len(r.buf) }

// Write copies p into the arena and returns the offset it was placed at.
// Payloads larger than the whole arena are rejected with ErrSegmentTooSmall
// so the caller can fall back to another tier.
func (r *Ring) Write(p []byte) (int64, error) {
	n := int64(len(p))
	if n > int64(len(r.buf)) {
		return 0, fmt.Errorf("%w: payload %d bytes, arena %d", perrors.ErrSegmentTooSmall, n, len(r.buf))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	off := r.cursor
	if off+n > int64(len(r.buf)) {
		off = 0
	}
	copy(r.buf[off:], p)
	r.cursor = off + n
	return off, nil
}

// ReadAt copies out a payload previously placed by the peer's writer. The
// range is validated against the arena size; offsets come off the wire and
// are never trusted.
func (r *Ring) ReadAt(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > int64(len(r.buf)) {
		return nil, perrors.Wrap(perrors.ErrTransport,
			fmt.Sprintf("range [%d, %d) outside arena of %d bytes", offset, offset+length, len(r.buf)))
	}
	out := make([]byte, length)
	copy(out, r.buf[offset:offset+length])
	return out, nil
}
