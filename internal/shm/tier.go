package shm

import (
	"errors"
	"fmt"

	"github.com/capserve/capserve/internal/metrics"
	"github.com/capserve/capserve/internal/wire"
	perrors "github.com/capserve/capserve/pkg/errors"
)

// InlineCutoff is the payload size below which shared memory is not worth
// the bookkeeping and bytes travel inline in the envelope.
const InlineCutoff = 4 << 10

// Sender picks the cheapest tier that fits a payload: the pre-mapped arena,
// then a pool segment, then inline. Either shm tier may be nil, in which case
// the chain skips it; with both nil every payload goes inline.
type Sender struct {
	arena *Ring
	pool  *Pool
}

// NewSender builds a tier chain. arena and pool may each be nil.
func NewSender(arena *Ring, pool *Pool) *Sender {
	return &Sender{arena: arena, pool: pool}
}

// Send places p and returns where the receiver will find it. The release
// func must be called after the peer has consumed the payload; for the arena
// and inline tiers it is a no-op, for the pool tier it recycles the segment.
func (s *Sender) Send(p []byte) (wire.Location, func(), error) {
	noop := func() {}

	if len(p) < InlineCutoff || (s.arena == nil && s.pool == nil) {
		metrics.TransportSends.WithLabelValues("inline").Inc()
		return wire.InlineLocation(p), noop, nil
	}

	if s.arena != nil {
		off, err := s.arena.Write(p)
		if err == nil {
			metrics.TransportSends.WithLabelValues("arena").Inc()
			return wire.Location{Kind: wire.LocationArena, Offset: off, Length: int64(len(p))}, noop, nil
		}
		// Only an oversized payload falls through to the next tier.
		if !errors.Is(err, perrors.ErrSegmentTooSmall) {
			return wire.Location{}, noop, err
		}
	}

	if s.pool != nil {
		seg, err := s.pool.Acquire(len(p))
		if err != nil {
			return wire.Location{}, noop, perrors.Wrap(perrors.ErrTransport, err.Error())
		}
		copy(seg.Bytes(), p)
		metrics.TransportSends.WithLabelValues("pool").Inc()
		loc := wire.Location{Kind: wire.LocationPool, Key: seg.Name(), Length: int64(len(p))}
		return loc, func() { s.pool.Release(seg) }, nil
	}

	metrics.TransportSends.WithLabelValues("inline").Inc()
	return wire.InlineLocation(p), noop, nil
}

// Receiver resolves locations sent by a peer back into payload bytes.
type Receiver struct {
	arena *Segment
	dir   string
}

// NewReceiver builds a resolver. arena is the peer's pre-mapped arena segment
// and may be nil when only pool and inline tiers are in play; dir is where
// pool segments are attached from.
func NewReceiver(arena *Segment, dir string) *Receiver {
	return &Receiver{arena: arena, dir: dir}
}

// Resolve copies the payload a location points at out of its tier. Every
// offset, length, and key is validated; a bad location is a transport error,
// never a crash.
func (r *Receiver) Resolve(loc wire.Location) ([]byte, error) {
	switch loc.Kind {
	case wire.LocationInline:
		return loc.Inline, nil

	case wire.LocationArena:
		if r.arena == nil {
			return nil, perrors.Wrap(perrors.ErrTransport, "arena location but no arena attached")
		}
		return r.arena.ReadAt(loc.Offset, loc.Length)

	case wire.LocationPool:
		seg, err := Attach(r.dir, loc.Key)
		if err != nil {
			return nil, err
		}
		defer seg.Close()
		if loc.Length > int64(seg.Size()) {
			return nil, perrors.Wrap(perrors.ErrTransport,
				fmt.Sprintf("pool segment %q holds %d bytes, location claims %d", loc.Key, seg.Size(), loc.Length))
		}
		return seg.ReadAt(0, loc.Length)

	default:
		return nil, perrors.Wrap(perrors.ErrTransport, fmt.Sprintf("unknown location kind %d", loc.Kind))
	}
}
