package client

import (
	"context"
	"fmt"

	"github.com/capserve/capserve/internal/dispatch"
	"github.com/capserve/capserve/internal/metrics"
	"github.com/capserve/capserve/internal/objectstore"
	"github.com/capserve/capserve/internal/shm"
	"github.com/capserve/capserve/internal/stream"
	"github.com/capserve/capserve/internal/wire"
	perrors "github.com/capserve/capserve/pkg/errors"
)

// Caller carries dispatch requests to remote replicas over the node protocol.
// With a shared-memory sender configured (co-located peers), payloads ride a
// shm tier and only the envelope crosses the socket; otherwise they travel
// inline.
type Caller struct {
	pool   *Pool
	sender *shm.Sender
}

// NewCaller builds a caller. sender may be nil to force inline payloads.
func NewCaller(pool *Pool, sender *shm.Sender) *Caller {
	if pool == nil {
		pool = NewPool()
	}
	return &Caller{pool: pool, sender: sender}
}

func (c *Caller) place(payload []byte) (wire.Location, func(), error) {
	if c.sender == nil {
		return wire.InlineLocation(payload), func() {}, nil
	}
	return c.sender.Send(payload)
}

// Forward sends a unary request to endpoint and returns the result payload.
func (c *Caller) Forward(ctx context.Context, endpoint string, req *dispatch.Request) ([]byte, error) {
	loc, release, err := c.place(req.Payload)
	if err != nil {
		return nil, err
	}
	defer release()

	env := &wire.Envelope{
		Capability:    req.Capability,
		Location:      loc,
		Delegated:     req.Delegated,
		DelegatedFrom: req.DelegatedFrom,
	}
	p, err := wire.EncodeEnvelope(env)
	if err != nil {
		return nil, err
	}

	reply, err := c.pool.Do(ctx, endpoint, []byte("DISPATCH"), p)
	if err != nil {
		return nil, err
	}
	out, ok := reply.([]byte)
	if !ok {
		return nil, perrors.Wrap(perrors.ErrTransport, fmt.Sprintf("unexpected dispatch reply %T", reply))
	}
	return out, nil
}

// ForwardStream sends a streaming request and relays every returned chunk
// into out, terminating it exactly once.
func (c *Caller) ForwardStream(ctx context.Context, endpoint string, req *dispatch.Request, out *stream.Stream) error {
	loc, release, err := c.place(req.Payload)
	if err != nil {
		out.Fail(err)
		return err
	}
	defer release()

	env := &wire.Envelope{
		Capability:    req.Capability,
		Location:      loc,
		Delegated:     req.Delegated,
		DelegatedFrom: req.DelegatedFrom,
		Stream:        true,
	}
	p, err := wire.EncodeEnvelope(env)
	if err != nil {
		out.Fail(err)
		return err
	}

	reply, err := c.pool.Do(ctx, endpoint, []byte("DISPATCH"), p)
	if err != nil {
		out.Fail(err)
		return err
	}
	items, ok := reply.([]any)
	if !ok {
		err := perrors.Wrap(perrors.ErrTransport, fmt.Sprintf("unexpected stream reply %T", reply))
		out.Fail(err)
		return err
	}

	for _, item := range items {
		raw, ok := item.([]byte)
		if !ok {
			continue
		}
		chunk, err := wire.DecodeChunk(raw)
		if err != nil {
			werr := perrors.Wrap(perrors.ErrTransport, err.Error())
			out.Fail(werr)
			return werr
		}
		if chunk.Done {
			if chunk.ErrMsg != "" {
				werr := perrors.FromWire(chunk.ErrMsg)
				out.Fail(werr)
				return werr
			}
			out.Close()
			return nil
		}
		metrics.StreamChunks.WithLabelValues("in").Inc()
		if err := out.Send(chunk.Payload); err != nil {
			return err
		}
	}

	// The peer never sent a terminal chunk; do not leave the consumer hanging.
	err = perrors.Wrap(perrors.ErrTransport, "stream reply missing terminal chunk")
	out.Fail(err)
	return err
}

// Fetcher resolves foreign object refs by asking their owner directly.
type Fetcher struct {
	pool *Pool
}

func NewFetcher(pool *Pool) *Fetcher {
	if pool == nil {
		pool = NewPool()
	}
	return &Fetcher{pool: pool}
}

// Fetch retrieves the bytes behind ref from its owning node. A miss there is
// terminal; no other node can hold the object.
func (f *Fetcher) Fetch(ctx context.Context, ref objectstore.Ref) ([]byte, error) {
	reply, err := f.pool.Do(ctx, ref.Owner, []byte("OBJGET"), []byte(ref.ID))
	if err != nil {
		return nil, err
	}
	out, ok := reply.([]byte)
	if !ok {
		return nil, perrors.Wrap(perrors.ErrTransport, fmt.Sprintf("unexpected objget reply %T", reply))
	}
	return out, nil
}

// Put pins val at a remote node and returns the minted ref.
func (f *Fetcher) Put(ctx context.Context, endpoint string, val []byte) (objectstore.Ref, error) {
	reply, err := f.pool.Do(ctx, endpoint, []byte("OBJPUT"), val)
	if err != nil {
		return objectstore.Ref{}, err
	}
	raw, ok := reply.([]byte)
	if !ok {
		return objectstore.Ref{}, perrors.Wrap(perrors.ErrTransport, fmt.Sprintf("unexpected objput reply %T", reply))
	}
	return objectstore.DecodeRef(raw)
}
