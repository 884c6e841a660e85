package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"meridian.dev/server/internal/model"
	"meridian.dev/server/internal/reload"
	"meridian.dev/server/internal/reload/statetransfer"
)

// reloadLoop waits for the coordinator to announce a reload, then
// drives the export/handover/drain sequence. An aborted reload
// (handover timeout, export failure) returns the server to normal
// service; a completed one ends in Shutdown and closes the listener.
func (s *Server) reloadLoop(ctx context.Context) {
	for {
		reason, err := s.deps.Coordinator.WaitForReload(ctx, 0)
		if err != nil {
			return
		}
		s.cfg.Logger.WithField("reason", reason).Info("starting hot reload")

		if err := s.executeReload(ctx); err != nil {
			s.cfg.Logger.WithError(err).Warn("hot reload aborted, resuming service")
			s.accepting.Store(true)
			s.draining.Store(false)
			if abortErr := s.deps.Coordinator.Abort(err.Error()); abortErr != nil {
				s.cfg.Logger.WithError(abortErr).Error("could not return to running phase")
			}
			continue
		}
		return
	}
}

func (s *Server) executeReload(ctx context.Context) error {
	phases := s.deps.Coordinator.Phases()

	if err := phases.TransitionTo(reload.PhaseExporting, "collecting server state"); err != nil {
		return err
	}
	s.StopAccepting()

	payload := s.ExportState()
	env, err := statetransfer.BuildEnvelope(payload, s.cfg.StateCompression)
	if err != nil {
		return fmt.Errorf("build state envelope: %w", err)
	}

	sender, err := statetransfer.NewSender(s.cfg.ReloadSocketPath, s.cfg.Logger)
	if err != nil {
		return fmt.Errorf("open transfer socket: %w", err)
	}
	defer sender.Close()

	if err := phases.TransitionTo(reload.PhaseWaitingForHandover, "awaiting successor"); err != nil {
		return err
	}
	if err := sender.Send(ctx, env, s.cfg.HandoverTimeout); err != nil {
		return fmt.Errorf("hand over state: %w", err)
	}

	if err := phases.TransitionTo(reload.PhaseDraining, "successor has the state"); err != nil {
		return err
	}
	s.draining.Store(true)
	s.waitForDrain()

	if s.listener != nil {
		s.listener.Close()
	}
	if err := phases.TransitionTo(reload.PhaseShutdown, "drain complete"); err != nil {
		return err
	}
	s.cfg.Logger.Info("hot reload complete, shutting down")
	return nil
}

// waitForDrain blocks until in-flight requests finish or DrainTimeout
// elapses; on timeout the shutdown proceeds anyway.
func (s *Server) waitForDrain() {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		s.cfg.Logger.Warn("drain timeout elapsed with requests still in flight")
	}
}

// ExportState snapshots everything the successor needs: live
// connections and streams from the coordinator's tables, a metrics
// snapshot (including the session ids issued on each connection), and
// the effective configuration.
func (s *Server) ExportState() *model.ServerStatePayload {
	metrics := map[string]any{}
	if s.deps.Monitor != nil {
		snap := s.deps.Monitor.CollectMetrics()
		metrics["request_count"] = snap.RequestCount
		metrics["error_count"] = snap.ErrorCount
		metrics["p50_ms"] = snap.P50Ms
		metrics["p99_ms"] = snap.P99Ms
		metrics["memory_rss_bytes"] = snap.MemoryRSSBytes
	}

	s.mu.Lock()
	sessions := make(map[string]string, len(s.sessions))
	for connID, sessionID := range s.sessions {
		sessions[connID] = sessionID
	}
	s.mu.Unlock()
	metrics["sessions"] = sessions

	return &model.ServerStatePayload{
		PID:           os.Getpid(),
		ServerVersion: s.cfg.ServerVersion,
		Connections:   s.deps.Coordinator.ConnectionStates(),
		Streams:       s.deps.Coordinator.StreamStates(),
		Metrics:       metrics,
		Config: map[string]any{
			"socket_path":        s.cfg.SocketPath,
			"reload_socket_path": s.cfg.ReloadSocketPath,
			"drain_timeout_ms":   s.cfg.DrainTimeout.Milliseconds(),
			"state_compression":  string(s.cfg.StateCompression),
		},
	}
}
