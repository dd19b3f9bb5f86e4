// Package wire defines the byte-level contracts between cooperating
// processes: the length-prefixed local framing and the msgpack envelopes
// carried inside frames. Payload contents stay opaque to this layer.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/capserve/capserve/pkg/bufpool"
	perrors "github.com/capserve/capserve/pkg/errors"
)

// DefaultMaxFrame bounds a single frame's payload. Anything larger should
// travel through a shared-memory tier, not the byte-copy channel.
const DefaultMaxFrame = 64 << 20 // 64MB

const lenPrefixSize = 4

// ReadFrame reads one length-prefixed message: a 4-byte big-endian payload
// length followed by exactly that many bytes. Short reads are looped via
// io.ReadFull; a truncated stream surfaces as io.ErrUnexpectedEOF and the
// connection must be considered dead.
//
// The returned buffer is owned by the caller; decoded envelopes keep
// aliasing it, so it is never recycled.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > max {
		return nil, fmt.Errorf("%w: %d > %d", perrors.ErrFrameTooLarge, n, max)
	}
	if n == 0 {
		return nil, nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes one length-prefixed message. Prefix and payload go out
// in a single Write when the frame fits a pooled buffer, so a frame never
// straddles two syscalls on the common path.
func WriteFrame(w io.Writer, payload []byte, max uint32) error {
	if uint64(len(payload)) > uint64(max) {
		return fmt.Errorf("%w: %d > %d", perrors.ErrFrameTooLarge, len(payload), max)
	}

	if total := lenPrefixSize + len(payload); total <= bufpool.MaxPooled {
		frame := bufpool.Get(total)
		binary.BigEndian.PutUint32(frame, uint32(len(payload)))
		copy(frame[lenPrefixSize:], payload)
		_, err := w.Write(frame)
		bufpool.Put(frame)
		return err
	}

	var prefix [lenPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
