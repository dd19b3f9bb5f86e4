package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/capserve/capserve/internal/client"
	"github.com/capserve/capserve/internal/dispatch"
	"github.com/capserve/capserve/internal/objectstore"
	"github.com/capserve/capserve/internal/registry"
	"github.com/capserve/capserve/internal/shm"
	"github.com/capserve/capserve/internal/stream"
	perrors "github.com/capserve/capserve/pkg/errors"
)

type testNode struct {
	id    string
	addr  string
	reg   *registry.Registry
	disp  *dispatch.Dispatcher
	store *objectstore.Store
	srv   *Server
}

// startNode boots a full node on a loopback port. directory nil means the
// node answers lookups from its own registry.
func startNode(t *testing.T, id string, directory dispatch.Directory, caller dispatch.Caller, upgrades map[string]string) *testNode {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	reg := registry.New()
	var dir dispatch.Directory = reg
	if directory != nil {
		dir = directory
	}

	disp := dispatch.New(id, dir, caller, upgrades, zerolog.Nop())
	store := objectstore.New(addr, objectstore.NewMemoryBackend(), nil)
	recv := shm.NewReceiver(nil, t.TempDir())

	h := NewHandler(id, reg, disp, store, recv, zerolog.Nop())
	srv := NewServer(addr, h, zerolog.Nop())
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Stop() })

	return &testNode{id: id, addr: addr, reg: reg, disp: disp, store: store, srv: srv}
}

func do(t *testing.T, pool *client.Pool, addr string, args ...string) any {
	t.Helper()
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	reply, err := pool.Do(context.Background(), addr, raw...)
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return reply
}

func decodeReplica(t *testing.T, reply any) *registry.Replica {
	t.Helper()
	raw, ok := reply.([]byte)
	if !ok {
		t.Fatalf("reply is %T, want bulk", reply)
	}
	var rep registry.Replica
	if err := msgpack.Unmarshal(raw, &rep); err != nil {
		t.Fatal(err)
	}
	return &rep
}

// Registration, subset lookup, and the query-miss error over a live socket.
func TestRegisterAndLookup(t *testing.T) {
	n := startNode(t, "dir", nil, nil, nil)
	pool := client.NewPool()
	defer pool.Close()

	do(t, pool, n.addr, "REGISTER", "s1", "10.0.0.1:8101", "type=chat;ctx=8192;gpu=true")
	do(t, pool, n.addr, "REGISTER", "s2", "10.0.0.2:8101", "type=embed")

	// Subset query: ctx and gpu are extra attributes on s1's side.
	rep := decodeReplica(t, do(t, pool, n.addr, "LOOKUP", "type=chat"))
	if rep.ID != "s1" || rep.Endpoint != "10.0.0.1:8101" {
		t.Errorf("lookup = %+v", rep)
	}

	// Typed attribute matching: the integer must match as an integer.
	rep = decodeReplica(t, do(t, pool, n.addr, "LOOKUP", "type=chat", "ctx=8192"))
	if rep.ID != "s1" {
		t.Errorf("typed lookup = %+v", rep)
	}

	_, err := pool.Do(context.Background(), n.addr, []byte("LOOKUP"), []byte("type=chat"), []byte("ctx=4096"))
	if !errors.Is(err, perrors.ErrNoReplica) {
		t.Errorf("mismatched query = %v, want ErrNoReplica", err)
	}

	items, ok := do(t, pool, n.addr, "LOOKUPALL").([]any)
	if !ok || len(items) != 2 {
		t.Errorf("LOOKUPALL returned %v", items)
	}
}

// A replica registered over a connection disappears when that connection
// closes, before any later lookup can pick it.
func TestConnectionBoundMembership(t *testing.T) {
	n := startNode(t, "dir", nil, nil, nil)

	conn, err := client.Dial(n.addr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Do(context.Background(), []byte("REGISTER"), []byte("s1"), []byte("s1:8101"), []byte("type=chat")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return n.reg.Len() == 1 })
	conn.Close()
	waitFor(t, func() bool { return n.reg.Len() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

// Full delegation path: node N has no chat handler, finds S1 through the
// directory, forwards once, and the delegated request is served remotely. A
// request already delegated once is refused.
func TestDelegationEndToEnd(t *testing.T) {
	dir := startNode(t, "dir", nil, nil, nil)

	s1 := startNode(t, "s1", nil, nil, nil)
	s1.disp.Register("chat", func(_ context.Context, payload []byte) ([]byte, error) {
		return append([]byte("s1 says: "), payload...), nil
	})

	s1reg := client.NewRegistryClient(dir.addr, "s1", s1.addr, caps(t, map[string]any{"type": "chat"}), zerolog.Nop())
	if err := s1reg.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s1reg.Close()

	pool := client.NewPool()
	defer pool.Close()
	nDir := client.NewRegistryClient(dir.addr, "n1", "", nil, zerolog.Nop())
	defer nDir.Close()
	n := startNode(t, "n1", nDir, client.NewCaller(pool, nil), nil)

	// Unary dispatch through N.
	out, err := n.disp.Dispatch(context.Background(), &dispatch.Request{
		Capability: "chat",
		Payload:    []byte("hello"),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(out) != "s1 says: hello" {
		t.Errorf("out = %q", out)
	}

	// One hop is the limit.
	_, err = n.disp.Dispatch(context.Background(), &dispatch.Request{
		Capability: "chat",
		Delegated:  true,
	})
	if !errors.Is(err, perrors.ErrDelegationExhausted) {
		t.Errorf("second hop = %v, want ErrDelegationExhausted", err)
	}
}

// The taxonomy code must survive the wire: a dispatch that fails remotely
// comes back as the same sentinel, not a generic error.
func TestErrorCodesCrossTheWire(t *testing.T) {
	s1 := startNode(t, "s1", nil, nil, nil)
	s1.disp.Register("boom", func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("weights corrupted")
	})

	pool := client.NewPool()
	defer pool.Close()
	caller := client.NewCaller(pool, nil)

	_, err := caller.Forward(context.Background(), s1.addr, &dispatch.Request{Capability: "boom"})
	if !errors.Is(err, perrors.ErrHandler) {
		t.Fatalf("err = %v, want ErrHandler", err)
	}
	if !strings.Contains(err.Error(), "weights corrupted") {
		t.Errorf("handler detail lost: %v", err)
	}

	_, err = caller.Forward(context.Background(), s1.addr, &dispatch.Request{Capability: "nope"})
	if !errors.Is(err, perrors.ErrNoUpgradePath) {
		t.Errorf("err = %v, want ErrNoUpgradePath", err)
	}
}

// Streaming through delegation: chunks relay in order and the stream
// terminates exactly once.
func TestStreamingEndToEnd(t *testing.T) {
	dir := startNode(t, "dir", nil, nil, nil)

	s1 := startNode(t, "s1", nil, nil, nil)
	s1.disp.RegisterStream("generate", func(_ context.Context, payload []byte, out *stream.Stream) {
		for _, tok := range bytes.Fields(payload) {
			out.Send(tok)
		}
		out.Close()
	})

	s1reg := client.NewRegistryClient(dir.addr, "s1", s1.addr, caps(t, map[string]any{"type": "generate"}), zerolog.Nop())
	if err := s1reg.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s1reg.Close()

	pool := client.NewPool()
	defer pool.Close()
	nDir := client.NewRegistryClient(dir.addr, "n1", "", nil, zerolog.Nop())
	defer nDir.Close()
	n := startNode(t, "n1", nDir, client.NewCaller(pool, nil), nil)

	s := stream.New()
	if err := n.disp.DispatchStream(context.Background(), &dispatch.Request{
		Capability: "generate",
		Payload:    []byte("the quick brown fox"),
	}, s); err != nil {
		t.Fatalf("DispatchStream: %v", err)
	}

	var toks []string
	if err := s.Drain(func(msg []byte) error {
		toks = append(toks, string(msg))
		return nil
	}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(toks) != 4 || toks[0] != "the" || toks[3] != "fox" {
		t.Errorf("tokens = %v", toks)
	}
}

func TestStreamingErrorEndToEnd(t *testing.T) {
	s1 := startNode(t, "s1", nil, nil, nil)
	s1.disp.RegisterStream("flaky", func(_ context.Context, _ []byte, out *stream.Stream) {
		out.Send([]byte("one"))
		out.Error("gpu fell off the bus")
	})

	pool := client.NewPool()
	defer pool.Close()
	caller := client.NewCaller(pool, nil)

	s := stream.New()
	caller.ForwardStream(context.Background(), s1.addr, &dispatch.Request{Capability: "flaky"}, s)

	msg, err := s.Recv()
	if err != nil || string(msg) != "one" {
		t.Fatalf("first chunk = %q, %v", msg, err)
	}
	_, err = s.Recv()
	if err == nil {
		t.Fatal("error termination lost in relay")
	}
	if !strings.Contains(err.Error(), "gpu fell off the bus") {
		t.Errorf("cause lost: %v", err)
	}
}

// Object refs: pin at the owner, relay the ref, resolve lazily from another
// node, and observe the terminal miss for a deleted object.
func TestObjectRefsEndToEnd(t *testing.T) {
	owner := startNode(t, "owner", nil, nil, nil)

	pool := client.NewPool()
	defer pool.Close()
	fetcher := client.NewFetcher(pool)

	val := bytes.Repeat([]byte("kv"), 4096)
	ref, err := fetcher.Put(context.Background(), owner.addr, val)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref.Owner != owner.addr {
		t.Errorf("ref owner = %q, want %q", ref.Owner, owner.addr)
	}

	// A consumer node resolves the foreign ref through its own store.
	consumer := objectstore.New("consumer:1", objectstore.NewMemoryBackend(), fetcher)
	got, err := consumer.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, val) {
		t.Error("fetched bytes mismatch")
	}

	// Delete at the owner; the ref is now terminally dead.
	do(t, pool, owner.addr, "OBJDEL", ref.ID)
	_, err = consumer.Get(context.Background(), ref)
	if !errors.Is(err, perrors.ErrObjectNotFound) {
		t.Errorf("deleted ref = %v, want ErrObjectNotFound", err)
	}
}

func TestHeartbeat(t *testing.T) {
	n := startNode(t, "dir", nil, nil, nil)
	pool := client.NewPool()
	defer pool.Close()

	do(t, pool, n.addr, "REGISTER", "s1", "s1:8101", "type=chat")

	if reply := do(t, pool, n.addr, "PING", "s1"); reply != "PONG" {
		t.Errorf("PING = %v", reply)
	}

	_, err := pool.Do(context.Background(), n.addr, []byte("PING"), []byte("ghost"))
	if !errors.Is(err, perrors.ErrNoReplica) {
		t.Errorf("PING unknown = %v, want ErrNoReplica", err)
	}
}

func caps(t *testing.T, attrs map[string]any) []registry.Capability {
	t.Helper()
	c, err := registry.NewCapability(attrs)
	if err != nil {
		t.Fatal(err)
	}
	return []registry.Capability{c}
}
