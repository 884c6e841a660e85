// Package dispatcher looks up a tool in the registry, classifies its
// priority, submits it to the executor and turns the result into an
// RpcResponse — gated by a circuit breaker that trips when a tool
// starts failing outright.
package dispatcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meridian.dev/server/internal/executor"
	"meridian.dev/server/internal/model"
	"meridian.dev/server/internal/registry"
)

// Circuit-breaker defaults.
const (
	DefaultFailureThreshold = 10
	DefaultCircuitTimeout   = 30 * time.Second
)

// CircuitState is one of the three circuit-breaker states.
type CircuitState int

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config configures a Dispatcher.
type Config struct {
	FailureThreshold int
	CircuitTimeout   time.Duration
	Logger           *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.CircuitTimeout <= 0 {
		c.CircuitTimeout = DefaultCircuitTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "dispatcher")
	}
	return c
}

// Stats is a snapshot of dispatcher activity.
type Stats struct {
	TotalDispatched uint64
	TotalErrors     uint64
	CircuitState    CircuitState
	FailureCount    int
}

// Dispatcher routes RpcRequests to registered tool handlers via an
// executor.Pool.
type Dispatcher struct {
	cfg      Config
	registry *registry.Registry
	exec     *executor.Pool

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	openedAt         time.Time
	halfOpenInFlight bool

	totalDispatched uint64
	totalErrors     uint64
}

// New creates a Dispatcher over the given registry and executor.
func New(reg *registry.Registry, exec *executor.Pool, cfg Config) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		registry: reg,
		exec:     exec,
		state:    Closed,
	}
}

// ClassifyPriority implements the prefix/substring classification
// rules: code search, definition and spec-section lookups are
// latency-sensitive; batch and indexing work can wait.
func ClassifyPriority(tool string) model.Priority {
	switch {
	case strings.HasPrefix(tool, "code.search"),
		strings.HasPrefix(tool, "code.get_definition"),
		strings.HasPrefix(tool, "specs.get_section"):
		return model.PriorityHigh
	case strings.Contains(tool, "batch"), strings.Contains(tool, "index"):
		return model.PriorityLow
	default:
		return model.PriorityNormal
	}
}

// Dispatch looks up req.Tool, submits it to the executor and returns
// the resulting response. It never returns a Go error — failures are
// always encoded as an RpcResponse with Error set.
func (d *Dispatcher) Dispatch(ctx context.Context, req *model.RpcRequest) *model.RpcResponse {
	entry, ok := d.registry.Lookup(req.Tool)
	if !ok {
		return errorResponse(req, model.ErrNotFound, "no tool registered with this name", nil)
	}

	if !d.allowRequest() {
		return errorResponse(req, model.ErrServiceUnavailable,
			"circuit breaker open: too many recent failures",
			map[string]any{
				"failure_threshold":  d.cfg.FailureThreshold,
				"circuit_timeout_ms": d.cfg.CircuitTimeout.Milliseconds(),
			})
	}

	priority := ClassifyPriority(req.Tool)

	dispatchCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutMs != nil {
		dispatchCtx, cancel = context.WithTimeout(ctx, time.Duration(*req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	replyCh, err := d.exec.Submit(priority, func(taskCtx context.Context) (any, error) {
		return entry.Handler.Invoke(taskCtx, req)
	})
	if err != nil {
		d.recordFailure()
		if rpcErr, ok := err.(*model.RpcError); ok {
			return errorResponse(req, rpcErr.Kind, rpcErr.Message, rpcErr.Data)
		}
		return errorResponse(req, model.ErrInternal, err.Error(), nil)
	}

	select {
	case res := <-replyCh:
		return d.handleResult(req, res)
	case <-dispatchCtx.Done():
		// The handler task is not cancelled; it runs to completion and
		// its result is discarded.
		return errorResponse(req, model.ErrTimeout, "request exceeded its timeout", nil)
	}
}

func (d *Dispatcher) handleResult(req *model.RpcRequest, res executor.Result) *model.RpcResponse {
	d.mu.Lock()
	d.totalDispatched++
	d.mu.Unlock()

	if res.Err != nil {
		d.recordFailure()
		d.mu.Lock()
		d.totalErrors++
		d.mu.Unlock()
		return errorResponse(req, model.ErrInternal, res.Err.Error(), nil)
	}

	resp, ok := res.Value.(*model.RpcResponse)
	if !ok || resp == nil {
		d.recordFailure()
		d.mu.Lock()
		d.totalErrors++
		d.mu.Unlock()
		return errorResponse(req, model.ErrInternal, "handler returned no response", nil)
	}

	// Business errors (NotFound, InvalidQuery, ...) are an expected
	// handler outcome, not a systemic failure, and don't trip the
	// breaker.
	d.recordSuccess()
	return resp
}

// allowRequest applies the circuit-breaker state machine and returns
// whether this call may proceed.
func (d *Dispatcher) allowRequest() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case Closed:
		return true
	case Open:
		if time.Since(d.openedAt) >= d.cfg.CircuitTimeout {
			d.state = HalfOpen
			d.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if d.halfOpenInFlight {
			return false
		}
		d.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

func (d *Dispatcher) recordFailure() {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case HalfOpen:
		d.state = Open
		d.openedAt = time.Now()
		d.halfOpenInFlight = false
	case Closed:
		d.failureCount++
		if d.failureCount >= d.cfg.FailureThreshold {
			d.state = Open
			d.openedAt = time.Now()
		}
	}
}

func (d *Dispatcher) recordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case HalfOpen:
		d.state = Closed
		d.failureCount = 0
		d.halfOpenInFlight = false
	case Closed:
		d.failureCount = 0
	}
}

// ResetCircuitBreaker forces the breaker back to Closed.
func (d *Dispatcher) ResetCircuitBreaker() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = Closed
	d.failureCount = 0
	d.halfOpenInFlight = false
}

// GetStats returns a snapshot of dispatcher activity.
func (d *Dispatcher) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		TotalDispatched: d.totalDispatched,
		TotalErrors:     d.totalErrors,
		CircuitState:    d.state,
		FailureCount:    d.failureCount,
	}
}

func errorResponse(req *model.RpcRequest, kind model.ErrorKind, msg string, data map[string]any) *model.RpcResponse {
	return &model.RpcResponse{
		Version: req.Version,
		ID:      req.ID,
		Error:   model.NewError(kind, msg, data),
	}
}
