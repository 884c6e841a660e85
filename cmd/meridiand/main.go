// Command meridiand is the Meridian daemon: it assembles the storage,
// memory, dispatch and RPC subsystems into a server on a Unix socket,
// and participates in hot reloads as either the exiting process or
// the successor.
package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"meridian.dev/server/internal/config"
	"meridian.dev/server/internal/dispatcher"
	"meridian.dev/server/internal/embedding"
	"meridian.dev/server/internal/episodic"
	"meridian.dev/server/internal/executor"
	"meridian.dev/server/internal/hnsw"
	"meridian.dev/server/internal/monitor"
	"meridian.dev/server/internal/pool"
	"meridian.dev/server/internal/registry"
	"meridian.dev/server/internal/reload"
	"meridian.dev/server/internal/reload/statetransfer"
	"meridian.dev/server/internal/server"
	"meridian.dev/server/internal/storage"
	"meridian.dev/server/internal/storage/boltkv"
	"meridian.dev/server/internal/storage/rediskv"
	"meridian.dev/server/internal/workingmem"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

const (
	workingMemoryCapacity = 32_000
	consolidateInterval   = time.Hour
	reportInterval        = 5 * time.Minute
	successorReceiveWait  = 10 * time.Second
)

func main() {
	cfg := config.FromEnv()

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	log := logrus.WithField("component", "meridiand")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("meridiand exited with error")
	}
}

func run(cfg config.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return err
	}

	// If a predecessor is mid-reload, its transfer socket is already
	// listening: import its state before opening our own accept
	// socket. A verification failure must exit non-zero without
	// disturbing the old server. Clients reconnect after a reload, so
	// the inherited connection/stream tables inform logging and
	// metrics continuity rather than resurrecting sockets.
	if _, err := os.Stat(cfg.ReloadSocketPath); err == nil {
		payload, err := statetransfer.Receive(ctx, cfg.ReloadSocketPath, successorReceiveWait)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"predecessor_pid":     payload.PID,
			"predecessor_version": payload.ServerVersion,
			"connections":         len(payload.Connections),
			"streams":             len(payload.Streams),
		}).Info("inherited state from predecessor")
	}

	kv, err := openKV(ctx, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	if err := storage.Migrate(ctx, kv, episodic.KeyPrefix, nil); err != nil {
		return err
	}

	embedder, err := embedding.NewCached(embedding.NewHashEmbedder(0), 0)
	if err != nil {
		return err
	}

	graph, err := openGraph(cfg, embedder.Dimension(), log)
	if err != nil {
		return err
	}

	episodes := episodic.New(episodic.Config{
		KV:       kv,
		Embedder: embedder,
		Graph:    graph,
		Logger:   logrus.WithField("component", "episodic"),
	})
	working := workingmem.New(workingmem.Config{Capacity: workingMemoryCapacity})
	mon := monitor.New(monitor.Config{Registerer: prometheus.DefaultRegisterer})

	exec := executor.New(ctx, executor.Config{
		Logger: logrus.WithField("component", "executor"),
	})
	defer exec.Shutdown()

	reg := registry.New()
	disp := dispatcher.New(reg, exec, dispatcher.Config{
		Logger: logrus.WithField("component", "dispatcher"),
	})

	builtins := server.Builtins{
		Episodic:   episodes,
		Working:    working,
		Monitor:    mon,
		Dispatcher: disp,
		Executor:   exec,
	}
	if err := builtins.RegisterBuiltins(reg); err != nil {
		return err
	}

	binary, _ := os.Executable()
	coord := reload.NewCoordinator(reload.Config{
		BinaryPath: binary,
		Logger:     logrus.WithField("component", "reload"),
	})
	coord.WatchSignals(ctx)
	if err := coord.WatchBinary(ctx); err != nil {
		log.WithError(err).Warn("binary watcher disabled")
	}

	srv := server.New(server.Config{
		SocketPath:       cfg.SocketPath,
		ReloadSocketPath: cfg.ReloadSocketPath,
		ServerVersion:    Version,
		Capabilities:     []string{"streaming", "episodic_memory", "working_memory"},
	}, server.Deps{
		Registry:    reg,
		Dispatcher:  disp,
		Monitor:     mon,
		Coordinator: coord,
	})

	go maintenanceLoop(ctx, episodes, mon, log)

	log.WithFields(logrus.Fields{
		"socket":  cfg.SocketPath,
		"home":    cfg.Home,
		"version": Version,
	}).Info("meridiand starting")

	serveErr := srv.Serve(ctx)

	if err := episodes.SaveIndex(cfg.IndexPath()); err != nil {
		log.WithError(err).Warn("could not persist vector index on shutdown")
	}
	return serveErr
}

// openKV picks the storage engine: a pooled networked client when
// MERIDIAN_KV_URL is set, the embedded engine under MERIDIAN_HOME
// otherwise.
func openKV(ctx context.Context, cfg config.Config) (storage.KV, error) {
	if cfg.KVURL != "" {
		return rediskv.NewPooled(ctx, rediskv.Config{URL: cfg.KVURL}, pool.Config{
			MinSize: 2,
			MaxSize: 16,
			Logger:  logrus.WithField("component", "pool"),
		})
	}
	return boltkv.Open(cfg.DatabasePath())
}

// openGraph loads the persisted HNSW index when one exists, otherwise
// starts empty. Level sampling uses real randomness in the daemon;
// reproducibility comes from the persisted graph, not the seed.
func openGraph(cfg config.Config, dim int, log *logrus.Entry) (*hnsw.Graph, error) {
	hnswCfg := hnsw.Config{
		Dimension: dim,
		Rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if _, err := os.Stat(cfg.IndexPath()); err == nil {
		g, err := hnsw.LoadIndex(cfg.IndexPath(), hnswCfg)
		if err != nil {
			log.WithError(err).Warn("vector index unreadable, starting with an empty index; stored episodes are not re-indexed")
			return hnsw.New(hnswCfg), nil
		}
		return g, nil
	}
	return hnsw.New(hnswCfg), nil
}

// maintenanceLoop runs periodic consolidation and monitor reports for
// the life of the daemon.
func maintenanceLoop(ctx context.Context, episodes *episodic.Store, mon *monitor.Monitor, log *logrus.Entry) {
	consolidate := time.NewTicker(consolidateInterval)
	report := time.NewTicker(reportInterval)
	defer consolidate.Stop()
	defer report.Stop()

	for {
		select {
		case <-consolidate.C:
			if err := episodes.Consolidate(ctx); err != nil {
				log.WithError(err).Warn("consolidation pass failed")
			}
		case <-report.C:
			log.Info(mon.GenerateReport())
		case <-ctx.Done():
			return
		}
	}
}
