// Package reload coordinates hot reloads: a phase state machine over
// the server lifecycle, SIGHUP and binary-change triggers, and the
// live connection/stream tables that get exported to the successor.
package reload

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"

	"meridian.dev/server/internal/model"
)

// DefaultDebounce is how long the binary watcher waits after the last
// write event before triggering a reload, absorbing the multiple
// events a single binary replacement produces.
const DefaultDebounce = 2 * time.Second

// Config configures a Coordinator.
type Config struct {
	// BinaryPath, when non-empty, is watched for modification; a
	// change triggers a reload after the debounce window.
	BinaryPath string
	Debounce   time.Duration
	Logger     *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "reload")
	}
	return c
}

// Coordinator owns the reload phase machine and the state tables that
// the state-transfer plane snapshots. Connection and stream tables are
// concurrent maps because every connection goroutine updates its own
// entry on every request while the exporter may be iterating.
type Coordinator struct {
	cfg    Config
	phases *PhaseManager

	connections cmap.ConcurrentMap[string, model.ConnectionState]
	streams     cmap.ConcurrentMap[string, model.StreamState]

	reloadCh chan string
	watcher  *fsnotify.Watcher
}

// NewCoordinator creates a Coordinator in PhaseRunning.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:         cfg.withDefaults(),
		phases:      NewPhaseManager(),
		connections: cmap.New[model.ConnectionState](),
		streams:     cmap.New[model.StreamState](),
		reloadCh:    make(chan string, 1),
	}
}

// Phases exposes the underlying phase machine, chiefly so the server
// can subscribe to transitions and drive export/drain.
func (c *Coordinator) Phases() *PhaseManager { return c.phases }

// GetState returns the current lifecycle state.
func (c *Coordinator) GetState() State { return c.phases.Get() }

// IsReloading reports whether a reload is in progress (any phase past
// Running that is not terminal).
func (c *Coordinator) IsReloading() bool {
	p := c.phases.Get().Phase
	return p != PhaseRunning && p != PhaseShutdown
}

// TriggerReload moves Running -> ReloadPending and wakes any
// WaitForReload caller. A reload already in progress makes this
// return an error and leaves the phase unchanged.
func (c *Coordinator) TriggerReload(reason string) error {
	if err := c.phases.TransitionTo(PhaseReloadPending, reason); err != nil {
		return err
	}
	select {
	case c.reloadCh <- reason:
	default:
	}
	c.cfg.Logger.WithField("reason", reason).Info("reload triggered")
	return nil
}

// WaitForReload blocks until a reload is triggered or the timeout
// elapses, returning the trigger reason.
func (c *Coordinator) WaitForReload(ctx context.Context, timeout time.Duration) (string, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case reason := <-c.reloadCh:
		return reason, nil
	case <-timer:
		return "", fmt.Errorf("no reload triggered within %s", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Abort returns an in-progress reload to Running (handover timeout,
// export failure).
func (c *Coordinator) Abort(reason string) error {
	return c.phases.TransitionTo(PhaseRunning, reason)
}

// WatchSignals installs the SIGHUP trigger until ctx is cancelled.
func (c *Coordinator) WatchSignals(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ch:
				if err := c.TriggerReload("SIGHUP"); err != nil {
					c.cfg.Logger.WithError(err).Warn("SIGHUP ignored")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// WatchBinary starts the fsnotify watcher over Config.BinaryPath. It
// is a no-op when no path is configured.
func (c *Coordinator) WatchBinary(ctx context.Context) error {
	if c.cfg.BinaryPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create binary watcher: %w", err)
	}
	if err := watcher.Add(c.cfg.BinaryPath); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", c.cfg.BinaryPath, err)
	}
	c.watcher = watcher

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		var fire <-chan time.Time

		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Chmod) {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(c.cfg.Debounce)
					fire = debounce.C
				} else {
					debounce.Reset(c.cfg.Debounce)
				}
			case <-fire:
				debounce = nil
				fire = nil
				if err := c.TriggerReload("binary changed: " + c.cfg.BinaryPath); err != nil {
					c.cfg.Logger.WithError(err).Warn("binary-change reload ignored")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.cfg.Logger.WithError(err).Warn("binary watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// TrackConnection records or replaces a live connection's state.
func (c *Coordinator) TrackConnection(state model.ConnectionState) {
	c.connections.Set(state.ID, state)
}

// RemoveConnection drops a closed connection from the table.
func (c *Coordinator) RemoveConnection(id string) {
	c.connections.Remove(id)
}

// TrackStream records or replaces an active stream's state.
func (c *Coordinator) TrackStream(state model.StreamState) {
	c.streams.Set(state.ID, state)
}

// RemoveStream drops a finished stream from the table.
func (c *Coordinator) RemoveStream(id string) {
	c.streams.Remove(id)
}

// ConnectionStates snapshots the live connection table.
func (c *Coordinator) ConnectionStates() []model.ConnectionState {
	out := make([]model.ConnectionState, 0, c.connections.Count())
	for _, v := range c.connections.Items() {
		out = append(out, v)
	}
	return out
}

// StreamStates snapshots the active stream table.
func (c *Coordinator) StreamStates() map[string]model.StreamState {
	return c.streams.Items()
}
