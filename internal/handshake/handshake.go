// Package handshake negotiates protocol version and capabilities on a
// freshly accepted connection and issues a session id.
package handshake

import (
	"time"

	"github.com/google/uuid"

	"meridian.dev/server/internal/model"
)

// ProtocolVersion is the version this build of the server speaks.
const ProtocolVersion uint8 = 1

// Config configures a Negotiator.
type Config struct {
	ServerVersion         string
	SupportedCapabilities []string
	MaxRequestSize        uint64
	MaxResponseSize       uint64
}

// Negotiator processes handshake requests.
type Negotiator struct {
	cfg Config
}

// New creates a Negotiator from the given config, filling in sane
// defaults for anything left zero.
func New(cfg Config) *Negotiator {
	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = 10 * 1024 * 1024
	}
	if cfg.MaxResponseSize == 0 {
		cfg.MaxResponseSize = 100 * 1024 * 1024
	}
	return &Negotiator{cfg: cfg}
}

// Process validates the handshake request and returns either a
// negotiated response or an RpcError.
func (n *Negotiator) Process(req *model.HandshakeRequest) (*model.HandshakeResponse, *model.RpcError) {
	if req.ClientVersion == "" {
		return nil, model.NewError(model.ErrInvalidRequest, "client_version must not be empty", nil)
	}
	if req.ProtocolVersion == 0 {
		return nil, model.NewError(model.ErrInvalidRequest, "protocol_version must not be zero", nil)
	}
	if req.ClientID == "" {
		return nil, model.NewError(model.ErrInvalidRequest, "client_id must not be empty", nil)
	}
	if req.ProtocolVersion != ProtocolVersion {
		return nil, model.NewError(model.ErrUnsupportedVersion, "protocol version mismatch", map[string]any{
			"client_version": req.ProtocolVersion,
			"server_version": ProtocolVersion,
		})
	}

	negotiated := intersect(req.Capabilities, n.cfg.SupportedCapabilities)

	return &model.HandshakeResponse{
		ServerVersion:   n.cfg.ServerVersion,
		Capabilities:    negotiated,
		SessionID:       uuid.New().String(),
		MaxRequestSize:  n.cfg.MaxRequestSize,
		MaxResponseSize: n.cfg.MaxResponseSize,
		ServerTimestamp: time.Now(),
		ProjectPath:     req.ProjectPath,
	}, nil
}

// intersect returns the capabilities present in both requested and
// supported, in the order they appear in requested. Unknown
// capabilities requested by the client are silently dropped.
func intersect(requested, supported []string) []string {
	supportedSet := make(map[string]struct{}, len(supported))
	for _, c := range supported {
		supportedSet[c] = struct{}{}
	}

	out := make([]string, 0, len(requested))
	for _, c := range requested {
		if _, ok := supportedSet[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
