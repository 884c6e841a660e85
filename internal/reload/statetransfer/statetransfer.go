// Package statetransfer moves a live server-state snapshot from an
// exiting server to its successor over a dedicated Unix domain
// socket: serialize, compress, checksum with BLAKE3, frame, send,
// verify on the far side.
package statetransfer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"meridian.dev/server/internal/codec"
	"meridian.dev/server/internal/model"
)

// ProtocolVersion is the state-envelope protocol version. A successor
// built against a different version must not attempt to interpret the
// payload.
const ProtocolVersion uint8 = 1

// DefaultHandoverTimeout bounds how long the old server waits for the
// successor to connect before aborting the reload.
const DefaultHandoverTimeout = 30 * time.Second

// Checksum returns the hex BLAKE3 digest of b.
func Checksum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// BuildEnvelope serializes payload, compresses it with the preferred
// algorithm (falling back to none when compression does not help) and
// wraps it with its checksum. The checksum always covers the
// uncompressed bytes.
func BuildEnvelope(payload *model.ServerStatePayload, preferred model.CompressionAlgo) (*model.ServerStateEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal state payload: %w", err)
	}

	algo, body, err := codec.ShouldCompress(raw, preferred)
	if err != nil {
		return nil, fmt.Errorf("compress state payload: %w", err)
	}

	return &model.ServerStateEnvelope{
		ProtocolVersion:  ProtocolVersion,
		Checksum:         Checksum(raw),
		Compression:      algo,
		UncompressedSize: uint64(len(raw)),
		CompressedSize:   uint64(len(body)),
		Timestamp:        time.Now(),
		Payload:          body,
	}, nil
}

// OpenEnvelope verifies env's protocol version and checksum and
// returns the deserialized payload. Any mismatch is fatal for the
// successor.
func OpenEnvelope(env *model.ServerStateEnvelope) (*model.ServerStatePayload, error) {
	if env.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("state envelope protocol version %d, expected %d", env.ProtocolVersion, ProtocolVersion)
	}

	raw, err := codec.Decompress(env.Payload, env.Compression)
	if err != nil {
		return nil, fmt.Errorf("decompress state payload: %w", err)
	}
	if uint64(len(raw)) != env.UncompressedSize {
		return nil, fmt.Errorf("state payload is %d bytes after decompression, envelope says %d", len(raw), env.UncompressedSize)
	}
	if got := Checksum(raw); got != env.Checksum {
		return nil, fmt.Errorf("state payload checksum mismatch: got %s, envelope says %s", got, env.Checksum)
	}

	var payload model.ServerStatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal state payload: %w", err)
	}
	return &payload, nil
}

// Sender owns the old server's side of the transfer: a Unix socket
// listener awaiting a single successor connection.
type Sender struct {
	path     string
	listener net.Listener
	logger   *logrus.Entry
}

// NewSender opens the transfer socket at path, removing any stale
// socket file left by a previous process.
func NewSender(path string, logger *logrus.Entry) (*Sender, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "statetransfer")
	}

	// A stale file from a crashed predecessor would make Listen fail.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale transfer socket: %w", err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on transfer socket: %w", err)
	}
	return &Sender{path: path, listener: l, logger: logger}, nil
}

// Send waits up to timeout for the successor to connect, then writes
// the framed envelope. The caller decides what a timeout means (abort
// the reload and return to Running).
func (s *Sender) Send(ctx context.Context, env *model.ServerStateEnvelope, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandoverTimeout
	}

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := s.listener.Accept()
		ch <- accepted{conn, err}
	}()

	var conn net.Conn
	select {
	case a := <-ch:
		if a.err != nil {
			return fmt.Errorf("accept successor: %w", a.err)
		}
		conn = a.conn
	case <-time.After(timeout):
		return fmt.Errorf("no successor connected within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	defer conn.Close()

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal state envelope: %w", err)
	}
	frame, err := codec.Frame(body)
	if err != nil {
		return fmt.Errorf("frame state envelope: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write state envelope: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"compressed_size":   env.CompressedSize,
		"uncompressed_size": env.UncompressedSize,
		"compression":       string(env.Compression),
	}).Info("state envelope handed to successor")
	return nil
}

// Close shuts the listener and removes the socket file.
func (s *Sender) Close() error {
	err := s.listener.Close()
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// Receive is the successor's side: dial the transfer socket (retrying
// with exponential backoff while the old server is still opening it),
// read one framed envelope and verify it. Any verification failure is
// returned to the caller, which must exit non-zero without disturbing
// the old server.
func Receive(ctx context.Context, path string, timeout time.Duration) (*model.ServerStatePayload, error) {
	if timeout <= 0 {
		timeout = DefaultHandoverTimeout
	}

	dial := func() (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.MaxInterval = time.Second

	conn, err := backoff.Retry(ctx, dial,
		backoff.WithBackOff(expo),
		backoff.WithMaxElapsedTime(timeout))
	if err != nil {
		return nil, fmt.Errorf("dial transfer socket: %w", err)
	}
	defer conn.Close()

	body, err := codec.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read state envelope: %w", err)
	}

	var env model.ServerStateEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unmarshal state envelope: %w", err)
	}
	return OpenEnvelope(&env)
}
