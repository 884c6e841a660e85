// Package streaming splits large RPC responses into a sequence of
// framed chunks and reassembles them on the receiving side, bounding
// how many streams a single connection may have open at once.
package streaming

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"meridian.dev/server/internal/codec"
	"meridian.dev/server/internal/model"
)

// DefaultChunkSize is the default chunk body size before compression.
const DefaultChunkSize = 64 * 1024

// DefaultChannelBuffer is the default bounded channel depth for a
// stream's chunk channel.
const DefaultChannelBuffer = 100

// DefaultMaxActiveStreams is the default ceiling on concurrently open
// streams per connection.
const DefaultMaxActiveStreams = 10

// ProgressFunc is invoked as a stream makes progress, so callers (the
// monitor) can observe throughput without the manager depending on
// them.
type ProgressFunc func(streamID string, chunksSent uint64, bytesSent uint64)

// Config configures a Manager.
type Config struct {
	ChunkSize        int
	ChannelBuffer    int
	MaxActiveStreams int
	OnProgress       ProgressFunc
	Logger           *logrus.Entry
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChannelBuffer <= 0 {
		out.ChannelBuffer = DefaultChannelBuffer
	}
	if out.MaxActiveStreams <= 0 {
		out.MaxActiveStreams = DefaultMaxActiveStreams
	}
	if out.Logger == nil {
		out.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return out
}

// Manager creates and tracks streams for a single connection.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	streams map[string]*Sender
}

// NewManager creates a Manager from cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		streams: make(map[string]*Sender),
	}
}

// Sender is the write side of one stream.
type Sender struct {
	id          string
	manager     *Manager
	cfg         Config
	compression model.CompressionAlgo
	totalChunks *uint64
	chunks      chan model.StreamChunk
	seq         uint64
	chunksSent  uint64
	bytesSent   uint64
	lastReport  time.Time
	mu          sync.Mutex
	done        bool
}

// Receiver is the read side of one stream.
type Receiver struct {
	chunks <-chan model.StreamChunk
}

// ActiveStreams returns the number of currently open streams.
func (m *Manager) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// HasStream reports whether id is a currently tracked stream.
func (m *Manager) HasStream(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[id]
	return ok
}

// CreateStream allocates a new stream, returning its sender, receiver
// and id. It fails with ResourceExhausted once MaxActiveStreams is
// reached.
func (m *Manager) CreateStream(totalSize *uint64, compression model.CompressionAlgo) (*Sender, *Receiver, string, *model.RpcError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.streams) >= m.cfg.MaxActiveStreams {
		return nil, nil, "", model.NewError(model.ErrResourceExhausted, "too many active streams on this connection", map[string]any{
			"limit": m.cfg.MaxActiveStreams,
		})
	}

	id := uuid.New().String()
	ch := make(chan model.StreamChunk, m.cfg.ChannelBuffer)
	s := &Sender{
		id:          id,
		manager:     m,
		cfg:         m.cfg,
		compression: compression,
		chunks:      ch,
		lastReport:  time.Now(),
	}
	if totalSize != nil {
		n := (*totalSize + uint64(m.cfg.ChunkSize) - 1) / uint64(m.cfg.ChunkSize)
		s.totalChunks = &n
	}
	m.streams[id] = s
	return s, &Receiver{chunks: ch}, id, nil
}

// RemoveStream releases a stream's bookkeeping. It is a no-op if the
// stream is already gone.
func (m *Manager) RemoveStream(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
}

// ID returns the stream's id.
func (s *Sender) ID() string { return s.id }

// SendChunk enqueues one chunk of raw (uncompressed) data.
func (s *Sender) SendChunk(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}

	algo, body, err := codec.ShouldCompress(data, s.compression)
	if err != nil {
		return err
	}

	seq := s.seq
	s.seq++
	s.chunksSent++
	s.bytesSent += uint64(len(data))

	chunk := model.StreamChunk{
		Sequence:    seq,
		Data:        body,
		IsFinal:     false,
		TotalChunks: s.totalChunks,
		Compression: algo,
	}
	s.chunks <- chunk
	s.maybeReport()
	return nil
}

// SendAll splits data into chunks of the manager's configured chunk
// size and enqueues each.
func (s *Sender) SendAll(data []byte) error {
	size := s.cfg.ChunkSize
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		if err := s.SendChunk(data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// Finish enqueues the final empty chunk and releases the stream id.
func (s *Sender) Finish() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	seq := s.seq
	s.chunks <- model.StreamChunk{
		Sequence: seq,
		Data:     []byte{},
		IsFinal:  true,
	}
	close(s.chunks)
	s.mu.Unlock()

	s.manager.RemoveStream(s.id)
}

func (s *Sender) maybeReport() {
	if s.cfg.OnProgress == nil {
		return
	}
	if s.chunksSent%10 == 0 || time.Since(s.lastReport) >= 500*time.Millisecond {
		s.lastReport = time.Now()
		s.cfg.OnProgress(s.id, s.chunksSent, s.bytesSent)
	}
}

// Chunks exposes the raw chunk channel for forwarders that relay
// chunks verbatim (the server's wire path) instead of reassembling
// them. The channel closes after the final chunk.
func (r *Receiver) Chunks() <-chan model.StreamChunk { return r.chunks }

// ReceiveChunk returns the next chunk's decompressed data, or nil,
// false once the final chunk has been observed or the channel closed
// unexpectedly.
func (r *Receiver) ReceiveChunk() ([]byte, bool, error) {
	chunk, ok := <-r.chunks
	if !ok {
		return nil, false, nil
	}
	data, err := codec.Decompress(chunk.Data, chunk.Compression)
	if err != nil {
		return nil, false, err
	}
	if chunk.IsFinal {
		return data, false, nil
	}
	return data, true, nil
}

// ReceiveAll concatenates every non-final chunk's data in sequence
// order.
func (r *Receiver) ReceiveAll() ([]byte, error) {
	var out []byte
	for {
		data, more, err := r.ReceiveChunk()
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		if !more {
			break
		}
	}
	return out, nil
}
