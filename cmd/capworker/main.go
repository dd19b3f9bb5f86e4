// capworker is a reference executor. It attaches the arenas the supervisor
// created, listens on the worker socket, and serves a few built-in
// capabilities. Real deployments build their own executor binary against
// internal/worker and register model-backed handlers instead.
package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/capserve/capserve/internal/dispatch"
	"github.com/capserve/capserve/internal/stream"
	"github.com/capserve/capserve/internal/worker"
)

var (
	sock     = flag.String("sock", "/tmp/capserve-worker.sock", "worker socket path")
	shmDir   = flag.String("shm-dir", "/dev/shm", "shared-memory directory (empty disables shm)")
	logLevel = flag.String("log-level", "info", "log level")
)

func main() {
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	disp := dispatch.New("capworker", nil, nil, nil, log)
	registerBuiltins(disp)

	exec, err := worker.NewExecutor(*sock, *shmDir, disp, log)
	if err != nil {
		log.Fatal().Err(err).Msg("arena attach failed; is the supervisor running?")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := exec.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("executor failed")
	}
}

func registerBuiltins(disp *dispatch.Dispatcher) {
	disp.Register("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	disp.Register("upper", func(_ context.Context, payload []byte) ([]byte, error) {
		return bytes.ToUpper(payload), nil
	})

	// Emits the payload back one whitespace-separated token at a time, the
	// smallest useful stand-in for a token-streaming model.
	disp.RegisterStream("tokens", func(_ context.Context, payload []byte, out *stream.Stream) {
		for _, tok := range strings.Fields(string(payload)) {
			if err := out.Send([]byte(tok)); err != nil {
				return
			}
		}
		out.Close()
	})
}
