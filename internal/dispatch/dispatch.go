// Package dispatch routes capability requests: locally when a handler is
// registered, otherwise one delegation hop to a replica that can serve the
// request, possibly after upgrading the capability name through the upgrade
// table. A request that has already been delegated once is never forwarded
// again.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/capserve/capserve/internal/metrics"
	"github.com/capserve/capserve/internal/registry"
	"github.com/capserve/capserve/internal/stream"
	perrors "github.com/capserve/capserve/pkg/errors"
)

// Handler serves one unary capability request.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// StreamHandler serves one streaming request, pushing chunks into out. The
// handler owns termination: it must Close or Error the stream before
// returning.
type StreamHandler func(ctx context.Context, payload []byte, out *stream.Stream)

// Request is a dispatchable unit, independent of which transport carried it.
type Request struct {
	Capability    string
	Payload       []byte
	Delegated     bool
	DelegatedFrom string
}

// Directory resolves capability queries to replicas. The registry satisfies
// it directly on the directory node; other nodes use the registry client.
type Directory interface {
	Lookup(query registry.Capability, exclude map[string]struct{}) *registry.Replica
	Random(exclude map[string]struct{}) *registry.Replica
}

// Caller carries a request to a remote replica.
type Caller interface {
	Forward(ctx context.Context, endpoint string, req *Request) ([]byte, error)
	ForwardStream(ctx context.Context, endpoint string, req *Request, out *stream.Stream) error
}

// Dispatcher owns the local handler table, the upgrade table, and the
// delegation policy.
type Dispatcher struct {
	self      string
	handlers  map[string]Handler
	streams   map[string]StreamHandler
	upgrades  map[string]string
	directory Directory
	caller    Caller
	log       zerolog.Logger
}

// New builds a dispatcher for the replica identified by self. directory and
// caller may be nil on an isolated node; every non-local dispatch then fails
// with the discovery error it would have produced anyway.
func New(self string, directory Directory, caller Caller, upgrades map[string]string, log zerolog.Logger) *Dispatcher {
	if upgrades == nil {
		upgrades = map[string]string{}
	}
	return &Dispatcher{
		self:      self,
		handlers:  make(map[string]Handler),
		streams:   make(map[string]StreamHandler),
		upgrades:  upgrades,
		directory: directory,
		caller:    caller,
		log:       log,
	}
}

// Register binds a unary handler to a capability name. Re-registering
// replaces the previous handler.
func (d *Dispatcher) Register(capability string, h Handler) {
	d.handlers[capability] = h
}

// RegisterStream binds a streaming handler to a capability name.
func (d *Dispatcher) RegisterStream(capability string, h StreamHandler) {
	d.streams[capability] = h
}

// Capabilities lists every locally-registered capability name.
func (d *Dispatcher) Capabilities() []string {
	names := make([]string, 0, len(d.handlers)+len(d.streams))
	for name := range d.handlers {
		names = append(names, name)
	}
	for name := range d.streams {
		if _, dup := d.handlers[name]; !dup {
			names = append(names, name)
		}
	}
	return names
}

// Dispatch serves a unary request, locally or via one delegation hop.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (out []byte, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = perrors.Code(err)
		}
		metrics.Dispatches.WithLabelValues(req.Capability, status).Inc()
		metrics.DispatchDuration.WithLabelValues(req.Capability).Observe(time.Since(start).Seconds())
	}()

	if h, ok := d.handlers[req.Capability]; ok {
		out, herr := h(ctx, req.Payload)
		if herr != nil {
			return nil, perrors.Wrap(perrors.ErrHandler, herr.Error())
		}
		return out, nil
	}

	rep, req2, err := d.delegate(req)
	if err != nil {
		return nil, err
	}

	d.log.Debug().
		Str("capability", req.Capability).
		Str("upgraded", req2.Capability).
		Str("target", rep.ID).
		Msg("delegating request")

	out, err = d.caller.Forward(ctx, rep.Endpoint, req2)
	if err != nil {
		metrics.Delegations.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.Delegations.WithLabelValues("forwarded").Inc()
	return out, nil
}

// DispatchStream serves a streaming request into out. The stream is always
// terminated, by the handler on success or by this method on routing failure.
func (d *Dispatcher) DispatchStream(ctx context.Context, req *Request, out *stream.Stream) error {
	if h, ok := d.streams[req.Capability]; ok {
		h(ctx, req.Payload, out)
		return nil
	}

	rep, req2, err := d.delegate(req)
	if err != nil {
		out.Fail(err)
		return err
	}

	if err := d.caller.ForwardStream(ctx, rep.Endpoint, req2, out); err != nil {
		metrics.Delegations.WithLabelValues("failed").Inc()
		return err
	}
	metrics.Delegations.WithLabelValues("forwarded").Inc()
	return nil
}

// delegate decides where a non-local request goes. It returns the chosen
// replica and the request to forward, already marked as delegated.
func (d *Dispatcher) delegate(req *Request) (*registry.Replica, *Request, error) {
	if req.Delegated {
		metrics.Delegations.WithLabelValues("refused").Inc()
		return nil, nil, perrors.Wrap(perrors.ErrDelegationExhausted, req.Capability)
	}

	// The delegator and the original sender must never be picked again.
	exclude := map[string]struct{}{d.self: {}}
	if req.DelegatedFrom != "" {
		exclude[req.DelegatedFrom] = struct{}{}
	}

	name, rep, err := d.resolve(req.Capability, exclude)
	if err != nil {
		return nil, nil, err
	}
	if d.caller == nil {
		return nil, nil, perrors.Wrap(perrors.ErrNoReplica, "no forwarding transport for "+req.Capability)
	}

	fwd := &Request{
		Capability:    name,
		Payload:       req.Payload,
		Delegated:     true,
		DelegatedFrom: d.self,
	}
	return rep, fwd, nil
}

// resolve walks the upgrade chain from capability until a name some replica
// serves. The chain is finite; a cycle ends it the same way exhaustion does.
func (d *Dispatcher) resolve(capability string, exclude map[string]struct{}) (string, *registry.Replica, error) {
	seen := map[string]bool{capability: true}
	name := capability
	upgraded := false

	for {
		if d.directory != nil {
			if rep := d.directory.Lookup(QueryFor(name), exclude); rep != nil {
				return name, rep, nil
			}
		}
		next, ok := d.upgrades[name]
		if !ok || seen[next] {
			if upgraded || ok {
				return "", nil, perrors.Wrap(perrors.ErrNoReplica, capability)
			}
			return "", nil, perrors.Wrap(perrors.ErrNoUpgradePath, capability)
		}
		seen[next] = true
		name = next
		upgraded = true
	}
}

// Call is the client-side entry point: resolve a capability to some replica
// and invoke it, serving locally when this node is chosen.
func (d *Dispatcher) Call(ctx context.Context, capability string, payload []byte) ([]byte, error) {
	req := &Request{Capability: capability, Payload: payload}
	if _, ok := d.handlers[capability]; ok {
		return d.Dispatch(ctx, req)
	}
	if d.directory == nil {
		return nil, perrors.Wrap(perrors.ErrNoReplica, capability)
	}

	rep := d.directory.Lookup(QueryFor(capability), nil)
	if rep == nil {
		return nil, perrors.Wrap(perrors.ErrNoReplica, capability)
	}
	if rep.ID == d.self {
		return d.Dispatch(ctx, req)
	}
	if d.caller == nil {
		return nil, perrors.Wrap(perrors.ErrNoReplica, "no forwarding transport for "+capability)
	}
	return d.caller.Forward(ctx, rep.Endpoint, req)
}

// QueryFor maps a capability name onto the attribute query replicas declare
// themselves under.
func QueryFor(name string) registry.Capability {
	q, err := registry.NewCapability(map[string]any{"type": name})
	if err != nil {
		panic(fmt.Sprintf("dispatch: query for %q: %v", name, err))
	}
	return q
}
