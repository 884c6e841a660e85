// Package server composes the RPC core: the Unix-socket accept loop,
// per-connection handshake gate, read/dispatch/write cycle, the
// streaming response path, and the hot-reload export/drain sequence.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"meridian.dev/server/internal/codec"
	"meridian.dev/server/internal/dispatcher"
	"meridian.dev/server/internal/handshake"
	"meridian.dev/server/internal/model"
	"meridian.dev/server/internal/monitor"
	"meridian.dev/server/internal/registry"
	"meridian.dev/server/internal/reload"
	"meridian.dev/server/internal/reload/statetransfer"
	"meridian.dev/server/internal/streaming"
)

// DefaultDrainTimeout bounds how long a draining server waits for
// in-flight requests before exiting anyway.
const DefaultDrainTimeout = 30 * time.Second

// HandshakeTool is the tool name carried by the first frame on every
// connection.
const HandshakeTool = "system.handshake"

// Config configures a Server.
type Config struct {
	SocketPath       string
	ReloadSocketPath string
	ServerVersion    string
	Capabilities     []string

	DrainTimeout     time.Duration
	HandoverTimeout  time.Duration
	StateCompression model.CompressionAlgo
	StreamChunkSize  int

	Logger *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.ServerVersion == "" {
		c.ServerVersion = "dev"
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.HandoverTimeout <= 0 {
		c.HandoverTimeout = statetransfer.DefaultHandoverTimeout
	}
	if c.StateCompression == "" {
		c.StateCompression = model.CompressionZstd
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "server")
	}
	return c
}

// Deps are the subsystems a Server composes. The server owns the
// component graph; there are no process-global singletons.
type Deps struct {
	Registry    *registry.Registry
	Dispatcher  *dispatcher.Dispatcher
	Monitor     *monitor.Monitor
	Coordinator *reload.Coordinator
}

// Server accepts connections on a Unix socket and serves framed RPC.
type Server struct {
	cfg        Config
	deps       Deps
	negotiator *handshake.Negotiator

	listener  net.Listener
	accepting atomic.Bool
	draining  atomic.Bool
	inflight  sync.WaitGroup

	mu       sync.Mutex
	conns    map[string]*connection
	sessions map[string]string // connection id -> session id
}

// connection is the per-connection bookkeeping the read loop and the
// hot-reload exporter share.
type connection struct {
	id      string
	conn    net.Conn
	streams *streaming.Manager

	mu      sync.Mutex
	state   model.ConnectionState
	pending map[uint64]struct{}
}

// New creates a Server over the given dependencies.
func New(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:  cfg,
		deps: deps,
		negotiator: handshake.New(handshake.Config{
			ServerVersion:         cfg.ServerVersion,
			SupportedCapabilities: cfg.Capabilities,
		}),
		conns:    make(map[string]*connection),
		sessions: make(map[string]string),
	}
}

// Serve listens on the configured socket and runs the accept loop
// until ctx is cancelled or a completed hot reload shuts the server
// down. It removes any stale socket file before listening.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = l
	s.accepting.Store(true)
	defer os.Remove(s.cfg.SocketPath)

	s.cfg.Logger.WithField("socket", s.cfg.SocketPath).Info("serving")

	if s.deps.Coordinator != nil {
		go s.reloadLoop(ctx)
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || !s.accepting.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.accepting.Load() {
			conn.Close()
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

// StopAccepting makes the accept loop drop new connections without
// closing the listener, so the socket file stays in place for the
// successor to take over.
func (s *Server) StopAccepting() { s.accepting.Store(false) }

// handleConnection runs one connection's handshake gate and
// read/dispatch/write cycle. Frame decode failures on a single
// request keep the connection alive; IO errors close it.
func (s *Server) handleConnection(ctx context.Context, netConn net.Conn) {
	c := &connection{
		id:      uuid.New().String(),
		conn:    netConn,
		pending: make(map[uint64]struct{}),
	}
	c.state = model.ConnectionState{
		ID:            c.id,
		EstablishedAt: time.Now(),
		LastActivity:  time.Now(),
	}
	if addr := netConn.RemoteAddr(); addr != nil {
		c.state.RemoteAddr = addr.String()
	}
	c.streams = streaming.NewManager(streaming.Config{
		ChunkSize: s.cfg.StreamChunkSize,
		Logger:    s.cfg.Logger,
	})

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.trackConnection(c)

	log := s.cfg.Logger.WithField("connection_id", c.id)
	log.Debug("connection accepted")

	defer func() {
		netConn.Close()
		s.mu.Lock()
		delete(s.conns, c.id)
		delete(s.sessions, c.id)
		s.mu.Unlock()
		if s.deps.Coordinator != nil {
			s.deps.Coordinator.RemoveConnection(c.id)
		}
		log.Debug("connection closed")
	}()

	var writeMu sync.Mutex
	handshaken := false

	for {
		req, err := codec.DecodeRequest(netConn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var rpcErr *model.RpcError
			if errors.As(err, &rpcErr) {
				// Oversized and malformed frames are recoverable: report
				// and keep serving, per the error-handling contract.
				s.writeResponse(&writeMu, netConn, &model.RpcResponse{
					Version: handshake.ProtocolVersion,
					Error:   rpcErr,
				})
				if rpcErr.Kind == model.ErrRequestTooLarge || rpcErr.Kind == model.ErrMalformedParams {
					continue
				}
			}
			return
		}

		if !handshaken {
			if req.Tool != HandshakeTool {
				s.writeResponse(&writeMu, netConn, errResponse(req, model.ErrUnauthorized,
					"handshake required before any tool call", nil))
				continue
			}
			if ok := s.processHandshake(&writeMu, c, req); ok {
				handshaken = true
			}
			continue
		}

		if s.draining.Load() {
			s.writeResponse(&writeMu, netConn, errResponse(req, model.ErrServiceUnavailable,
				"server is draining for hot reload", nil))
			continue
		}

		c.begin(req.ID)
		s.trackConnection(c)
		s.inflight.Add(1)
		go func(req *model.RpcRequest) {
			defer s.inflight.Done()
			s.serveRequest(ctx, &writeMu, c, req)
			c.finish(req.ID)
			s.trackConnection(c)
		}(req)
	}
}

func (s *Server) processHandshake(writeMu *sync.Mutex, c *connection, req *model.RpcRequest) bool {
	var hs model.HandshakeRequest
	if err := decodeParams(req.Params, &hs); err != nil {
		s.writeResponse(writeMu, c.conn, errResponse(req, model.ErrMalformedParams, err.Error(), nil))
		return false
	}

	resp, rpcErr := s.negotiator.Process(&hs)
	if rpcErr != nil {
		s.writeResponse(writeMu, c.conn, &model.RpcResponse{
			Version: req.Version, ID: req.ID, Error: rpcErr,
		})
		return false
	}

	s.mu.Lock()
	s.sessions[c.id] = resp.SessionID
	s.mu.Unlock()

	s.writeResponse(writeMu, c.conn, &model.RpcResponse{
		Version: handshake.ProtocolVersion,
		ID:      req.ID,
		Result:  resp,
	})
	return true
}

// serveRequest dispatches one request and writes its response, going
// through the streaming path when the client asked for it.
func (s *Server) serveRequest(ctx context.Context, writeMu *sync.Mutex, c *connection, req *model.RpcRequest) {
	start := time.Now()
	resp := s.deps.Dispatcher.Dispatch(ctx, req)
	if s.deps.Monitor != nil {
		s.deps.Monitor.RecordQuery(float64(time.Since(start).Milliseconds()), resp.Error == nil)
	}

	if req.Stream && resp.Error == nil {
		if err := s.streamResponse(writeMu, c, req, resp); err != nil {
			s.cfg.Logger.WithError(err).WithField("request_id", req.ID).Warn("stream failed")
		}
		return
	}
	s.writeResponse(writeMu, c.conn, resp)
}

// streamResponse splits a successful result's bytes into chunk frames
// sharing the originating request's id. A stream that cannot be
// created is reported as an error response instead.
func (s *Server) streamResponse(writeMu *sync.Mutex, c *connection, req *model.RpcRequest, resp *model.RpcResponse) error {
	payload, err := resultBytes(resp.Result)
	if err != nil {
		s.writeResponse(writeMu, c.conn, errResponse(req, model.ErrInternal, err.Error(), nil))
		return err
	}

	total := uint64(len(payload))
	sender, receiver, streamID, rpcErr := c.streams.CreateStream(&total, model.CompressionLz4)
	if rpcErr != nil {
		s.writeResponse(writeMu, c.conn, &model.RpcResponse{Version: req.Version, ID: req.ID, Error: rpcErr})
		return rpcErr
	}

	streamState := model.StreamState{
		ID:           streamID,
		ConnectionID: c.id,
		RequestID:    req.ID,
		Tool:         req.Tool,
		StartedAt:    time.Now(),
	}
	if s.deps.Coordinator != nil {
		s.deps.Coordinator.TrackStream(streamState)
		defer s.deps.Coordinator.RemoveStream(streamID)
	}

	go func() {
		sender.SendAll(payload)
		sender.Finish()
	}()

	// Drain the sender's channel, forwarding each chunk as a framed
	// response on the wire. Chunk bodies were compressed by the
	// sender; they pass through untouched here.
	for chunk := range receiver.Chunks() {
		s.writeResponse(writeMu, c.conn, &model.RpcResponse{
			Version: req.Version,
			ID:      req.ID,
			Chunk:   &chunk,
		})
		if !chunk.IsFinal {
			streamState.ChunksSent++
			streamState.BytesSent += uint64(len(chunk.Data))
			if s.deps.Coordinator != nil {
				s.deps.Coordinator.TrackStream(streamState)
			}
		}
	}
	return nil
}

// resultBytes turns a handler result into the stream payload: byte
// slices pass through untouched, anything else is JSON.
func resultBytes(result any) ([]byte, error) {
	switch v := result.(type) {
	case []byte:
		return v, nil
	case nil:
		return nil, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal stream result: %w", err)
		}
		return b, nil
	}
}

func (s *Server) writeResponse(writeMu *sync.Mutex, conn net.Conn, resp *model.RpcResponse) {
	frame, err := codec.EncodeResponse(resp)
	if err != nil {
		s.cfg.Logger.WithError(err).Error("encode response")
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		s.cfg.Logger.WithError(err).Debug("write response")
	}
}

func (c *connection) begin(reqID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[reqID] = struct{}{}
	c.state.LastActivity = time.Now()
	c.syncStateLocked()
}

func (c *connection) finish(reqID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, reqID)
	c.state.RequestsProcessed++
	c.state.LastActivity = time.Now()
	c.syncStateLocked()
}

func (c *connection) syncStateLocked() {
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.state.PendingRequestIDs = ids
}

func (c *connection) snapshot() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (s *Server) trackConnection(c *connection) {
	if s.deps.Coordinator != nil {
		s.deps.Coordinator.TrackConnection(c.snapshot())
	}
}

func errResponse(req *model.RpcRequest, kind model.ErrorKind, msg string, data map[string]any) *model.RpcResponse {
	return &model.RpcResponse{
		Version: req.Version,
		ID:      req.ID,
		Error:   model.NewError(kind, msg, data),
	}
}

// decodeParams re-marshals a request's already-parsed params into a
// concrete type.
func decodeParams(params any, out any) error {
	if params == nil {
		return fmt.Errorf("params must not be null")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
