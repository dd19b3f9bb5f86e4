package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/capserve/capserve/internal/client"
	"github.com/capserve/capserve/internal/config"
	"github.com/capserve/capserve/internal/dispatch"
	"github.com/capserve/capserve/internal/metrics"
	"github.com/capserve/capserve/internal/objectstore"
	"github.com/capserve/capserve/internal/registry"
	"github.com/capserve/capserve/internal/server"
	"github.com/capserve/capserve/internal/shm"
	"github.com/capserve/capserve/internal/stream"
	"github.com/capserve/capserve/internal/worker"
)

var (
	configPath = flag.String("config", "", "path to the TOML config file")
	listenAddr = flag.String("listen", "", "override node.listen_addr")
	nodeID     = flag.String("id", "", "override node.id")
	workerBin  = flag.String("worker", "", "executor binary to spawn (none by default)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("bad configuration")
	}
	if *listenAddr != "" {
		cfg.Node.ListenAddr = *listenAddr
	}
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if cfg.Node.Advertise == "" {
		cfg.Node.Advertise = cfg.Node.ListenAddr
	}

	log := newLogger(cfg.Log)
	log.Info().Str("node", cfg.Node.ID).Str("listen", cfg.Node.ListenAddr).Msg("capserved starting")

	caps, err := cfg.Capabilities()
	if err != nil {
		log.Fatal().Err(err).Msg("bad capability declaration")
	}

	pool := client.NewPool()
	defer pool.Close()

	backend, err := buildBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("object backend failed")
	}
	store := objectstore.New(cfg.Node.Advertise, backend, client.NewFetcher(pool))
	defer store.Close()

	reg := registry.New()
	var directory dispatch.Directory = reg
	var regClient *client.RegistryClient
	if cfg.Node.Directory != "" {
		regClient = client.NewRegistryClient(cfg.Node.Directory, cfg.Node.ID, cfg.Node.Advertise, caps, log)
		directory = regClient
	}

	caller := client.NewCaller(pool, nil)
	disp := dispatch.New(cfg.Node.ID, directory, caller, cfg.Upgrade, log)

	shmDir := ""
	if cfg.Shm.Enabled {
		shmDir = cfg.Shm.Dir
	}

	var sup *worker.Supervisor
	if cfg.Node.WorkerSock != "" {
		sup, err = worker.NewSupervisor(cfg.Node.WorkerSock, shmDir, cfg.Shm.ArenaBytes, log)
		if err != nil {
			log.Fatal().Err(err).Msg("worker arenas failed")
		}
		defer sup.Close()

		if *workerBin != "" {
			if err := sup.Spawn(*workerBin); err != nil {
				log.Fatal().Err(err).Msg("executor spawn failed")
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sup.Connect(ctx); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("executor unreachable")
		}
		cancel()

		// Every declared capability is served by handing the request to the
		// executor over the worker socket.
		for _, c := range caps {
			name, ok := c["type"].(string)
			if !ok {
				continue
			}
			bindWorkerCapability(disp, sup, name)
		}
	}

	recv := shm.NewReceiver(nil, shmDir)
	handler := server.NewHandler(cfg.Node.ID, reg, disp, store, recv, log)
	srv := server.NewServer(cfg.Node.ListenAddr, handler, log)

	if cfg.Node.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.Node.MetricsAddr); err != nil {
				log.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if regClient != nil {
		if err := regClient.Register(ctx); err != nil {
			log.Fatal().Err(err).Msg("directory registration failed")
		}
		go regClient.Run(ctx, 10*time.Second)
		defer regClient.Close()
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()
	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("server stop failed")
	}
}

func bindWorkerCapability(disp *dispatch.Dispatcher, sup *worker.Supervisor, name string) {
	disp.Register(name, func(ctx context.Context, payload []byte) ([]byte, error) {
		return sup.Call(ctx, name, payload)
	})
	disp.RegisterStream(name, func(ctx context.Context, payload []byte, out *stream.Stream) {
		sup.CallStream(ctx, name, payload, out)
	})
}

func buildBackend(cfg *config.Config) (objectstore.Backend, error) {
	switch cfg.Objects.Backend {
	case "file":
		return objectstore.NewFileBackend(cfg.Objects.Dir)
	case "badger":
		return objectstore.NewBadgerBackend(cfg.Objects.Dir, cfg.Objects.Duration())
	default:
		return objectstore.NewMemoryBackend(), nil
	}
}

func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stderr
	logger := zerolog.New(out)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
