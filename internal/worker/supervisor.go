package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/capserve/capserve/internal/metrics"
	"github.com/capserve/capserve/internal/shm"
	"github.com/capserve/capserve/internal/stream"
	"github.com/capserve/capserve/internal/wire"
	perrors "github.com/capserve/capserve/pkg/errors"
)

// Supervisor is the node-side end of the worker socket. It owns the arena
// segments for both directions, optionally spawns the executor process, and
// issues capability calls over the socket.
type Supervisor struct {
	sock   string
	shmDir string
	log    zerolog.Logger

	sender *shm.Sender
	recv   *shm.Receiver
	c2eSeg *shm.Segment
	e2cSeg *shm.Segment
	pool   *shm.Pool

	mu   sync.Mutex
	conn net.Conn
	cmd  *exec.Cmd
}

// NewSupervisor creates the arenas and prepares a supervisor for sock.
// arenaBytes <= 0 (or shmDir empty) disables shared memory; payloads then
// travel inline in the frames.
func NewSupervisor(sock, shmDir string, arenaBytes int, log zerolog.Logger) (*Supervisor, error) {
	s := &Supervisor{sock: sock, shmDir: shmDir, log: log}

	if shmDir == "" || arenaBytes <= 0 {
		s.sender = shm.NewSender(nil, nil)
		s.recv = shm.NewReceiver(nil, "")
		return s, nil
	}

	c2eName, e2cName := ArenaNames(sock)
	c2e, err := shm.Create(shmDir, c2eName, arenaBytes)
	if err != nil {
		return nil, err
	}
	e2c, err := shm.Create(shmDir, e2cName, arenaBytes)
	if err != nil {
		c2e.Unlink()
		c2e.Close()
		return nil, err
	}

	s.c2eSeg, s.e2cSeg = c2e, e2c
	s.pool = shm.NewPool(shmDir, 0)
	s.sender = shm.NewSender(shm.NewRing(c2e.Bytes()), s.pool)
	s.recv = shm.NewReceiver(e2c, shmDir)
	return s, nil
}

// Spawn starts the executor binary with the socket and shm flags it needs and
// leaves it running. Stderr passes through for operator visibility.
func (s *Supervisor) Spawn(bin string, extraArgs ...string) error {
	args := append([]string{"--sock", s.sock, "--shm-dir", s.shmDir}, extraArgs...)
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("worker: spawn %s: %w", bin, err)
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	s.log.Info().Str("bin", bin).Int("pid", cmd.Process.Pid).Msg("executor spawned")
	return nil
}

// Connect dials the worker socket, retrying until the executor is up or the
// context ends.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	for {
		conn, err := net.Dial("unix", s.sock)
		if err == nil {
			s.conn = conn
			return nil
		}
		select {
		case <-ctx.Done():
			return perrors.Wrap(perrors.ErrTransport, fmt.Sprintf("executor socket %s: %v", s.sock, err))
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Call issues a unary capability request to the executor.
func (s *Supervisor) Call(ctx context.Context, capability string, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, perrors.Wrap(perrors.ErrTransport, "executor not connected")
	}

	release, err := s.writeEnvelope(capability, payload, false)
	if err != nil {
		return nil, err
	}
	defer release()

	frame, err := wire.ReadFrame(s.conn, wire.DefaultMaxFrame)
	if err != nil {
		return nil, perrors.Wrap(perrors.ErrTransport, err.Error())
	}
	resp, err := wire.DecodeResponse(frame)
	if err != nil {
		return nil, perrors.Wrap(perrors.ErrTransport, err.Error())
	}
	if !resp.OK {
		return nil, perrors.FromWire(resp.ErrMsg)
	}
	return s.recv.Resolve(resp.Payload)
}

// CallStream issues a streaming request, relaying chunks into out as they
// arrive. The stream is terminated exactly once.
func (s *Supervisor) CallStream(ctx context.Context, capability string, payload []byte, out *stream.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		err := perrors.Wrap(perrors.ErrTransport, "executor not connected")
		out.Fail(err)
		return err
	}

	release, err := s.writeEnvelope(capability, payload, true)
	if err != nil {
		out.Fail(err)
		return err
	}
	defer release()

	for {
		frame, err := wire.ReadFrame(s.conn, wire.DefaultMaxFrame)
		if err != nil {
			werr := perrors.Wrap(perrors.ErrTransport, err.Error())
			out.Fail(werr)
			return werr
		}
		chunk, err := wire.DecodeChunk(frame)
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
}

// writeEnvelope places the payload in a tier and sends the envelope frame.
// The returned release recycles a pool segment and must run after the reply;
// a segment freed earlier could be handed to another transfer before the
// executor reads it.
func (s *Supervisor) writeEnvelope(capability string, payload []byte, streaming bool) (func(), error) {
	loc, release, err := s.sender.Send(payload)
	if err != nil {
		return nil, err
	}
	env := &wire.Envelope{Capability: capability, Location: loc, Stream: streaming}
	p, err := wire.EncodeEnvelope(env)
	if err != nil {
		release()
		return nil, err
	}
	if err := wire.WriteFrame(s.conn, p, wire.DefaultMaxFrame); err != nil {
		release()
		return nil, perrors.Wrap(perrors.ErrTransport, err.Error())
	}
	return release, nil
}

// Close tears down the connection, the executor process, and the arenas.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
		s.cmd = nil
	}
	if s.pool != nil {
		s.pool.Close()
	}
	for _, seg := range []*shm.Segment{s.c2eSeg, s.e2cSeg} {
		if seg != nil {
			seg.Unlink()
			seg.Close()
		}
	}
	s.c2eSeg, s.e2cSeg = nil, nil
}
