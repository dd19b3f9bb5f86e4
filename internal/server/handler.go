package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/redcon"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/capserve/capserve/internal/dispatch"
	"github.com/capserve/capserve/internal/metrics"
	"github.com/capserve/capserve/internal/objectstore"
	"github.com/capserve/capserve/internal/registry"
	"github.com/capserve/capserve/internal/shm"
	"github.com/capserve/capserve/internal/stream"
	"github.com/capserve/capserve/internal/wire"
	perrors "github.com/capserve/capserve/pkg/errors"
)

type CommandFunc func(conn redcon.Conn, args [][]byte)

// Handler executes node protocol commands against the registry, dispatcher,
// and object store.
type Handler struct {
	nodeID     string
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	store      *objectstore.Store
	receiver   *shm.Receiver
	log        zerolog.Logger

	server   *Server
	commands map[string]CommandFunc
}

func NewHandler(nodeID string, reg *registry.Registry, d *dispatch.Dispatcher, store *objectstore.Store, recv *shm.Receiver, log zerolog.Logger) *Handler {
	h := &Handler{
		nodeID:     nodeID,
		registry:   reg,
		dispatcher: d,
		store:      store,
		receiver:   recv,
		log:        log,
		commands:   make(map[string]CommandFunc),
	}
	h.registerCommands()
	return h
}

func (h *Handler) registerCommands() {
	h.commands["PING"] = h.cmdPing
	h.commands["QUIT"] = h.cmdQuit
	h.commands["INFO"] = h.cmdInfo

	h.commands["REGISTER"] = h.cmdRegister
	h.commands["UNREGISTER"] = h.cmdUnregister
	h.commands["LOOKUP"] = h.cmdLookup
	h.commands["LOOKUPALL"] = h.cmdLookupAll
	h.commands["LIST"] = h.cmdList

	h.commands["DISPATCH"] = h.cmdDispatch

	h.commands["OBJPUT"] = h.cmdObjPut
	h.commands["OBJGET"] = h.cmdObjGet
	h.commands["OBJDEL"] = h.cmdObjDel
}

func (h *Handler) Execute(conn redcon.Conn, name []byte, args [][]byte) {
	fn, ok := h.commands[strings.ToUpper(string(name))]
	if !ok {
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", name))
		return
	}
	fn(conn, args)
}

func (h *Handler) writeErr(conn redcon.Conn, err error) {
	conn.WriteError(perrors.ToWire(err))
}

func (h *Handler) cmdPing(conn redcon.Conn, args [][]byte) {
	if len(args) == 1 {
		if !h.registry.UpdateHeartbeat(string(args[0])) {
			h.writeErr(conn, perrors.Wrap(perrors.ErrNoReplica, "unknown replica "+string(args[0])))
			return
		}
	}
	conn.WriteString("PONG")
}

func (h *Handler) cmdQuit(conn redcon.Conn, _ [][]byte) {
	conn.WriteString("OK")
	conn.Close()
}

func (h *Handler) cmdInfo(conn redcon.Conn, _ [][]byte) {
	var b strings.Builder
	fmt.Fprintf(&b, "node_id:%s\r\n", h.nodeID)
	fmt.Fprintf(&b, "replicas:%d\r\n", h.registry.Len())
	fmt.Fprintf(&b, "capabilities:%s\r\n", strings.Join(h.dispatcher.Capabilities(), ","))
	conn.WriteBulkString(b.String())
}

// REGISTER id endpoint [capability ...]
//
// Each capability argument is a flat attribute list "k=v;k=v". Values are
// interpreted as bool, integer, then string.
func (h *Handler) cmdRegister(conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'register'")
		return
	}
	id, endpoint := string(args[0]), string(args[1])

	caps := make([]registry.Capability, 0, len(args)-2)
	for _, raw := range args[2:] {
		c, err := parseCapability(string(raw))
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		caps = append(caps, c)
	}

	h.registry.Register(id, endpoint, caps)
	if h.server != nil {
		h.server.track(conn, id)
	}
	metrics.RegistryReplicas.Set(float64(h.registry.Len()))

	h.log.Info().Str("replica", id).Str("endpoint", endpoint).Int("capabilities", len(caps)).Msg("replica registered")
	conn.WriteString("OK")
}

func (h *Handler) cmdUnregister(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'unregister'")
		return
	}
	id := string(args[0])
	existed := h.registry.Unregister(id)
	if h.server != nil {
		h.server.untrack(conn, id)
	}
	metrics.RegistryReplicas.Set(float64(h.registry.Len()))

	if existed {
		conn.WriteInt(1)
	} else {
		conn.WriteInt(0)
	}
}

// LOOKUP [k=v ...] returns one matching replica chosen at random, msgpack
// encoded. No arguments means any replica.
func (h *Handler) cmdLookup(conn redcon.Conn, args [][]byte) {
	query, err := parseQuery(args)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}

	rep := h.registry.Lookup(query, nil)
	if rep == nil {
		h.writeErr(conn, perrors.Wrap(perrors.ErrNoReplica, query.String()))
		return
	}
	h.writeReplica(conn, rep)
}

func (h *Handler) cmdLookupAll(conn redcon.Conn, args [][]byte) {
	query, err := parseQuery(args)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	h.writeReplicas(conn, h.registry.LookupAll(query, nil))
}

func (h *Handler) cmdList(conn redcon.Conn, _ [][]byte) {
	h.writeReplicas(conn, h.registry.ListAll())
}

// DISPATCH <envelope> executes a capability request. A unary request replies
// with the raw result payload; a streaming one replies with an array of
// msgpack chunks ending in a terminal chunk.
func (h *Handler) cmdDispatch(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'dispatch'")
		return
	}

	env, err := wire.DecodeEnvelope(args[0])
	if err != nil {
		conn.WriteError("ERR bad envelope: " + err.Error())
		return
	}

	payload, err := h.receiver.Resolve(env.Location)
	if err != nil {
		h.writeErr(conn, err)
		return
	}

	req := &dispatch.Request{
		Capability:    env.Capability,
		Payload:       payload,
		Delegated:     env.Delegated,
		DelegatedFrom: env.DelegatedFrom,
	}

	if env.Stream {
		h.dispatchStream(conn, req)
		return
	}

	out, err := h.dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		h.writeErr(conn, err)
		return
	}
	conn.WriteBulk(out)
}

// dispatchStream drains the handler's stream and replies with every chunk at
// once. RESP replies are per-command, so chunks cannot trickle out on this
// transport; incremental delivery belongs to the worker socket.
func (h *Handler) dispatchStream(conn redcon.Conn, req *dispatch.Request) {
	s := stream.New()
	done := make(chan error, 1)
	go func() {
		done <- h.dispatcher.DispatchStream(context.Background(), req, s)
	}()

	var chunks [][]byte
	err := s.Drain(func(msg []byte) error {
		p, err := wire.EncodeChunk(&wire.Chunk{Payload: msg})
		if err != nil {
			return err
		}
		chunks = append(chunks, p)
		metrics.StreamChunks.WithLabelValues("out").Inc()
		return nil
	})

	terminal := &wire.Chunk{Done: true}
	if err != nil {
		terminal.ErrMsg = perrors.ToWire(err)
	}
	if derr := <-done; derr != nil && terminal.ErrMsg == "" {
		terminal.ErrMsg = perrors.ToWire(derr)
	}
	p, perr := wire.EncodeChunk(terminal)
	if perr != nil {
		conn.WriteError("ERR encode chunk: " + perr.Error())
		return
	}
	chunks = append(chunks, p)

	conn.WriteArray(len(chunks))
	for _, c := range chunks {
		conn.WriteBulk(c)
	}
}

func (h *Handler) cmdObjPut(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'objput'")
		return
	}
	ref, err := h.store.Put(args[0])
	if err != nil {
		h.writeErr(conn, err)
		return
	}
	p, err := ref.Encode()
	if err != nil {
		h.writeErr(conn, err)
		return
	}
	conn.WriteBulk(p)
}

func (h *Handler) cmdObjGet(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'objget'")
		return
	}
	val, err := h.store.GetLocal(string(args[0]))
	if err != nil {
		h.writeErr(conn, err)
		return
	}
	conn.WriteBulk(val)
}

func (h *Handler) cmdObjDel(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'objdel'")
		return
	}
	ref := objectstore.Ref{ID: string(args[0]), Owner: h.store.Owner()}
	if err := h.store.Delete(ref); err != nil {
		h.writeErr(conn, err)
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) writeReplica(conn redcon.Conn, rep *registry.Replica) {
	p, err := msgpack.Marshal(rep)
	if err != nil {
		conn.WriteError("ERR encode replica: " + err.Error())
		return
	}
	conn.WriteBulk(p)
}

func (h *Handler) writeReplicas(conn redcon.Conn, reps []*registry.Replica) {
	conn.WriteArray(len(reps))
	for _, rep := range reps {
		p, err := msgpack.Marshal(rep)
		if err != nil {
			conn.WriteError("ERR encode replica: " + err.Error())
			return
		}
		conn.WriteBulk(p)
	}
}

// parseCapability parses "k=v;k=v" into a capability set.
func parseCapability(raw string) (registry.Capability, error) {
	attrs := make(map[string]any)
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("bad capability attribute %q", pair)
		}
		attrs[k] = registry.ParseValue(v)
	}
	return registry.NewCapability(attrs)
}

// parseQuery parses one "k=v" per argument into a capability query.
func parseQuery(args [][]byte) (registry.Capability, error) {
	attrs := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(string(a), "=")
		if !ok {
			return nil, fmt.Errorf("bad query attribute %q", a)
		}
		attrs[k] = registry.ParseValue(v)
	}
	return registry.NewCapability(attrs)
}
