// Package worker connects a node to its co-located executor process over a
// unix socket. Envelopes travel as length-prefixed frames; payloads ride the
// shared-memory tiers, one arena ring per direction. The supervisor (node
// side) creates both arenas; the executor attaches them by the names derived
// from the socket path, so both sides agree without a handshake.
package worker

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/capserve/capserve/internal/dispatch"
	"github.com/capserve/capserve/internal/metrics"
	"github.com/capserve/capserve/internal/shm"
	"github.com/capserve/capserve/internal/stream"
	"github.com/capserve/capserve/internal/wire"
	perrors "github.com/capserve/capserve/pkg/errors"
)

// ArenaNames derives the per-direction arena segment names from the socket
// path. c2e carries caller-to-executor payloads, e2c the responses.
func ArenaNames(sock string) (c2e, e2c string) {
	base := strings.TrimSuffix(filepath.Base(sock), ".sock")
	return base + "-c2e", base + "-e2c"
}

// Executor serves capability requests arriving over the worker socket. It
// resolves request payloads out of the caller-to-executor arena (or pool or
// inline) and places responses in the executor-to-caller arena.
type Executor struct {
	sock string
	disp *dispatch.Dispatcher
	recv *shm.Receiver
	send *shm.Sender
	log  zerolog.Logger

	mu      sync.Mutex
	ln      net.Listener
	c2eSeg  *shm.Segment
	e2cSeg  *shm.Segment
	closing bool
}

// NewExecutor prepares an executor for the given socket. shmDir empty
// disables the shared-memory tiers and every payload travels inline.
func NewExecutor(sock, shmDir string, disp *dispatch.Dispatcher, log zerolog.Logger) (*Executor, error) {
	e := &Executor{sock: sock, disp: disp, log: log}

	if shmDir == "" {
		e.recv = shm.NewReceiver(nil, "")
		e.send = shm.NewSender(nil, nil)
		return e, nil
	}

	c2eName, e2cName := ArenaNames(sock)
	c2e, err := shm.Attach(shmDir, c2eName)
	if err != nil {
		return nil, err
	}
	e2c, err := shm.Attach(shmDir, e2cName)
	if err != nil {
		c2e.Close()
		return nil, err
	}

	e.c2eSeg, e.e2cSeg = c2e, e2c
	e.recv = shm.NewReceiver(c2e, shmDir)
	e.send = shm.NewSender(shm.NewRing(e2c.Bytes()), shm.NewPool(shmDir, 0))
	return e, nil
}

// Run listens on the socket and serves until Close. A stale socket file from
// a previous run is removed first.
func (e *Executor) Run(ctx context.Context) error {
	os.Remove(e.sock)
	ln, err := net.Listen("unix", e.sock)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.ln = ln
	e.mu.Unlock()

	e.log.Info().Str("sock", e.sock).Msg("executor listening")

	go func() {
		<-ctx.Done()
		e.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			e.mu.Lock()
			closing := e.closing
			e.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go e.serve(ctx, conn)
	}
}

func (e *Executor) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// A unary response may live in a pool segment that must not be recycled
	// before the supervisor attaches it. The connection carries one request
	// at a time, so the next inbound frame proves the previous reply was
	// resolved; only then is its segment released.
	var pending func()
	releasePending := func() {
		if pending != nil {
			pending()
			pending = nil
		}
	}
	defer releasePending()

	for {
		frame, err := wire.ReadFrame(conn, wire.DefaultMaxFrame)
		releasePending()
		if err != nil {
			if err != io.EOF {
				e.log.Debug().Err(err).Msg("worker connection read failed")
			}
			return
		}
		env, err := wire.DecodeEnvelope(frame)
		if err != nil {
			e.log.Error().Err(err).Msg("bad envelope on worker socket")
			return
		}

		if env.Stream {
			err = e.serveStream(ctx, conn, env)
		} else {
			pending, err = e.serveUnary(ctx, conn, env)
		}
		if err != nil {
			e.log.Debug().Err(err).Msg("worker connection write failed")
			return
		}
	}
}

// serveUnary answers one request. When the response rides a pool segment it
// returns that segment's release for the serve loop to run once the peer
// demonstrably consumed the reply.
func (e *Executor) serveUnary(ctx context.Context, conn net.Conn, env *wire.Envelope) (func(), error) {
	resp := &wire.Response{}
	var release func()

	payload, err := e.recv.Resolve(env.Location)
	if err == nil {
		var out []byte
		out, err = e.disp.Dispatch(ctx, &dispatch.Request{
			Capability:    env.Capability,
			Payload:       payload,
			Delegated:     env.Delegated,
			DelegatedFrom: env.DelegatedFrom,
		})
		if err == nil {
			loc, rel, serr := e.send.Send(out)
			if serr != nil {
				err = serr
			} else {
				release = rel
				resp.OK = true
				resp.Payload = loc
			}
		}
	}
	if err != nil {
		resp.ErrCode = perrors.Code(err)
		resp.ErrMsg = perrors.ToWire(err)
	}

	p, werr := wire.EncodeResponse(resp)
	if werr != nil {
		releaseNow(release)
		return nil, werr
	}
	if werr := wire.WriteFrame(conn, p, wire.DefaultMaxFrame); werr != nil {
		releaseNow(release)
		return nil, werr
	}
	return release, nil
}

func releaseNow(release func()) {
	if release != nil {
		release()
	}
}

func (e *Executor) serveStream(ctx context.Context, conn net.Conn, env *wire.Envelope) error {
	writeChunk := func(c *wire.Chunk) error {
		p, err := wire.EncodeChunk(c)
		if err != nil {
			return err
		}
		return wire.WriteFrame(conn, p, wire.DefaultMaxFrame)
	}

	payload, err := e.recv.Resolve(env.Location)
	if err != nil {
		return writeChunk(&wire.Chunk{Done: true, ErrMsg: perrors.ToWire(err)})
	}

	s := stream.New()
	go e.disp.DispatchStream(ctx, &dispatch.Request{
		Capability:    env.Capability,
		Payload:       payload,
		Delegated:     env.Delegated,
		DelegatedFrom: env.DelegatedFrom,
	}, s)

	// Chunks go out as the handler produces them; this transport streams for
	// real, unlike the RESP path.
	drainErr := s.Drain(func(msg []byte) error {
		metrics.StreamChunks.WithLabelValues("out").Inc()
		return writeChunk(&wire.Chunk{Payload: msg})
	})
	terminal := &wire.Chunk{Done: true}
	if drainErr != nil {
		terminal.ErrMsg = perrors.ToWire(drainErr)
	}
	return writeChunk(terminal)
}

// Close stops the listener and detaches the arenas.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return
	}
	e.closing = true
	if e.ln != nil {
		e.ln.Close()
	}
	if e.c2eSeg != nil {
		e.c2eSeg.Close()
	}
	if e.e2cSeg != nil {
		e.e2cSeg.Close()
	}
}
