// Package model holds the shared data-model types that cross subsystem
// boundaries: RPC frames, episodes, working-memory entries and the
// hot-reload state envelope. Subsystems own their private state;
// anything they hand to another subsystem is one of these types.
package model

import "time"

// CompressionAlgo names a stream-chunk or state-envelope compression
// scheme.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = ""
	CompressionLz4  CompressionAlgo = "lz4"
	CompressionZstd CompressionAlgo = "zstd"
)

// Outcome is the terminal result of a recorded episode.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Episode is a record of a completed agent task.
type Episode struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	TaskDescription string    `json:"task_description"`
	ActiveFiles     []string  `json:"active_files"`
	ActiveSymbolIDs []string  `json:"active_symbol_ids"`
	WorkingDir      string    `json:"working_dir,omitempty"`
	Queries         []string  `json:"queries"`
	TouchedFiles    []string  `json:"touched_files"`
	SolutionPath    string    `json:"solution_path"`
	Outcome         Outcome   `json:"outcome"`
	TokensUsed      uint32    `json:"tokens_used"`
	AccessCount     uint32    `json:"access_count"`
	PatternValue    float32   `json:"pattern_value"`
	SchemaVersion   uint16    `json:"schema_version"`
}

// VectorRecord is the embedding attached to an episode.
type VectorRecord struct {
	EpisodeID string    `json:"episode_id"`
	Vector    []float32 `json:"vector"`
}

// Pattern is advisory output from episodic pattern extraction.
type Pattern struct {
	Name       string   `json:"name"`
	EpisodeIDs []string `json:"episode_ids"`
}

// WorkingMemoryEntry is one resident symbol in working memory.
type WorkingMemoryEntry struct {
	SymbolID        string    `json:"symbol_id"`
	TokenCost       int       `json:"token_cost"`
	AttentionWeight float32   `json:"attention_weight"`
	LastTouched     time.Time `json:"last_touched"`
}

// AttentionPattern is the input to Memory.Update: a focus map plus a
// list of symbols predicted to be needed next.
type AttentionPattern struct {
	Focused       map[string]float32 `json:"focused"`
	PredictedNext []string           `json:"predicted_next"`
}

// Priority is the executor's scheduling hint for a submitted task.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// RpcRequest is a single framed request.
type RpcRequest struct {
	Version   uint8       `json:"version"`
	ID        uint64      `json:"id"`
	Tool      string      `json:"tool"`
	Params    interface{} `json:"params"`
	Stream    bool        `json:"stream"`
	MaxSize   *uint64     `json:"max_size,omitempty"`
	TimeoutMs *uint64     `json:"timeout_ms,omitempty"`
	Auth      *string     `json:"auth,omitempty"`
}

// RpcResponse is a single framed response. Exactly one of Result, Error
// or Chunk is populated.
type RpcResponse struct {
	Version uint8          `json:"version"`
	ID      uint64         `json:"id"`
	Result  interface{}    `json:"result,omitempty"`
	Error   *RpcError      `json:"error,omitempty"`
	Chunk   *StreamChunk   `json:"chunk,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// StreamChunk is a single piece of a streamed RPC response.
type StreamChunk struct {
	Sequence    uint64          `json:"sequence"`
	Data        []byte          `json:"data"`
	IsFinal     bool            `json:"is_final"`
	TotalChunks *uint64         `json:"total_chunks,omitempty"`
	Compression CompressionAlgo `json:"compression,omitempty"`
}

// HandshakeRequest is the first frame a client sends on a new
// connection.
type HandshakeRequest struct {
	ClientVersion   string   `json:"client_version"`
	ProtocolVersion uint8    `json:"protocol_version"`
	ClientID        string   `json:"client_id"`
	Capabilities    []string `json:"capabilities"`
	ProjectPath     string   `json:"project_path,omitempty"`
}

// HandshakeResponse negotiates protocol version, capabilities and a
// session id.
type HandshakeResponse struct {
	ServerVersion   string    `json:"server_version"`
	Capabilities    []string  `json:"capabilities"`
	SessionID       string    `json:"session_id"`
	MaxRequestSize  uint64    `json:"max_request_size"`
	MaxResponseSize uint64    `json:"max_response_size"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	ProjectPath     string    `json:"project_path,omitempty"`
}

// ConnectionState is the hot-reload-visible snapshot of a live
// connection.
type ConnectionState struct {
	ID                string    `json:"id"`
	RemoteAddr        string    `json:"remote_addr,omitempty"`
	EstablishedAt     time.Time `json:"established_at"`
	RequestsProcessed uint64    `json:"requests_processed"`
	LastActivity      time.Time `json:"last_activity"`
	PendingRequestIDs []uint64  `json:"pending_request_ids"`
}

// StreamState is the hot-reload-visible snapshot of an active stream.
type StreamState struct {
	ID               string    `json:"id"`
	ConnectionID     string    `json:"connection_id"`
	RequestID        uint64    `json:"request_id"`
	Tool             string    `json:"tool"`
	StartedAt        time.Time `json:"started_at"`
	ChunksSent       uint64    `json:"chunks_sent"`
	BytesSent        uint64    `json:"bytes_sent"`
	ResumptionCursor *uint64   `json:"resumption_cursor,omitempty"`
}

// ServerStatePayload is what a ServerStateEnvelope decompresses and
// deserializes into.
type ServerStatePayload struct {
	PID           int                    `json:"pid"`
	ServerVersion string                 `json:"server_version"`
	Connections   []ConnectionState      `json:"connections"`
	Streams       map[string]StreamState `json:"streams"`
	Metrics       map[string]any         `json:"metrics"`
	Config        map[string]any         `json:"config"`
}

// ServerStateEnvelope is the framed, checksummed, compressed message
// sent from an old server to its successor during a hot reload.
type ServerStateEnvelope struct {
	ProtocolVersion  uint8           `json:"protocol_version"`
	Checksum         string          `json:"checksum"`
	Compression      CompressionAlgo `json:"compression"`
	UncompressedSize uint64          `json:"uncompressed_size"`
	CompressedSize   uint64          `json:"compressed_size"`
	Timestamp        time.Time       `json:"timestamp"`
	Payload          []byte          `json:"payload"`
}

// ToolMetadata describes one registered tool.
type ToolMetadata struct {
	Name                 string   `json:"name"`
	Version              string   `json:"version"`
	Description          string   `json:"description"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	OptionalCapabilities []string `json:"optional_capabilities,omitempty"`
	SupportsStreaming    bool     `json:"supports_streaming"`
	ExpectedLatencyMs    uint64   `json:"expected_latency_ms,omitempty"`
	MaxResultSize        *uint64  `json:"max_result_size,omitempty"`
}
