package shm

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultPoolSegmentSize is the size of reusable pool segments. Transfers
// larger than this get a dedicated segment sized to the payload.
const DefaultPoolSegmentSize = 4 << 20

// maxFree bounds how many idle segments the pool keeps mapped.
const maxFree = 8

// Pool hands out named segments for payloads too large for the arena. Small
// transfers reuse a freelist of fixed-size segments; oversized ones get a
// one-shot segment that is unlinked on release. Every segment name is unique
// so a stale key from a dead peer can never alias a live transfer.
type Pool struct {
	dir     string
	segSize int

	mu   sync.Mutex
	free []*Segment
}

// NewPool creates a pool backed by dir. segSize <= 0 selects the default.
func NewPool(dir string, segSize int) *Pool {
	if segSize <= 0 {
		segSize = DefaultPoolSegmentSize
	}
	return &Pool{dir: dir, segSize: segSize}
}

// Acquire returns a segment with at least n writable bytes. The caller copies
// its payload in, advertises the segment name, and calls Release once the
// peer has confirmed the read.
func (p *Pool) Acquire(n int) (*Segment, error) {
	if n <= p.segSize {
		p.mu.Lock()
		if last := len(p.free) - 1; last >= 0 {
			seg := p.free[last]
			p.free = p.free[:last]
			p.mu.Unlock()
			return seg, nil
		}
		p.mu.Unlock()
		n = p.segSize
	}
	return Create(p.dir, poolSegmentName(), n)
}

// Release returns a segment to the freelist, or unlinks it when it is
// oversized or the freelist is full.
func (p *Pool) Release(seg *Segment) {
	if seg == nil {
		return
	}
	if seg.Size() == p.segSize {
		p.mu.Lock()
		if len(p.free) < maxFree {
			p.free = append(p.free, seg)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
	seg.Unlink()
	seg.Close()
}

// Close unlinks and unmaps every idle segment.
func (p *Pool) Close() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.mu.Unlock()

	for _, seg := range free {
		seg.Unlink()
		seg.Close()
	}
}

func poolSegmentName() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "capserve-pool-" + id[:12]
}
