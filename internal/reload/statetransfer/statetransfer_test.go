package statetransfer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian.dev/server/internal/model"
)

func samplePayload() *model.ServerStatePayload {
	return &model.ServerStatePayload{
		PID:           1234,
		ServerVersion: "1.0.0-test",
		Connections: []model.ConnectionState{
			{
				ID:                "conn-1",
				EstablishedAt:     time.Now().Add(-time.Minute).UTC(),
				RequestsProcessed: 17,
				LastActivity:      time.Now().UTC(),
				PendingRequestIDs: []uint64{41, 42},
			},
		},
		Streams: map[string]model.StreamState{
			"stream-1": {
				ID:           "stream-1",
				ConnectionID: "conn-1",
				RequestID:    42,
				Tool:         "specs.get_section",
				StartedAt:    time.Now().UTC(),
				ChunksSent:   40,
				BytesSent:    40 * 64 * 1024,
			},
		},
		Metrics: map[string]any{"requests": float64(17)},
		Config:  map[string]any{"drain_timeout_secs": float64(30)},
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	for _, algo := range []model.CompressionAlgo{model.CompressionNone, model.CompressionLz4, model.CompressionZstd} {
		t.Run(string(algo)+"_algo", func(t *testing.T) {
			env, err := BuildEnvelope(samplePayload(), algo)
			require.NoError(t, err)
			assert.Equal(t, ProtocolVersion, env.ProtocolVersion)
			assert.NotEmpty(t, env.Checksum)

			payload, err := OpenEnvelope(env)
			require.NoError(t, err)
			assert.Equal(t, 1234, payload.PID)
			assert.Len(t, payload.Connections, 1)
			assert.Equal(t, uint64(40), payload.Streams["stream-1"].ChunksSent)
		})
	}
}

func TestOpenEnvelopeRejectsVersionMismatch(t *testing.T) {
	env, err := BuildEnvelope(samplePayload(), model.CompressionNone)
	require.NoError(t, err)
	env.ProtocolVersion = 99

	_, err = OpenEnvelope(env)
	assert.ErrorContains(t, err, "protocol version")
}

func TestOpenEnvelopeRejectsCorruptPayload(t *testing.T) {
	env, err := BuildEnvelope(samplePayload(), model.CompressionNone)
	require.NoError(t, err)
	env.Payload[0] ^= 0xff

	_, err = OpenEnvelope(env)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestSendReceiveOverUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meridian-reload.sock")

	sender, err := NewSender(path, nil)
	require.NoError(t, err)
	defer sender.Close()

	env, err := BuildEnvelope(samplePayload(), model.CompressionZstd)
	require.NoError(t, err)

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- sender.Send(context.Background(), env, 5*time.Second)
	}()

	payload, err := Receive(context.Background(), path, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	assert.Equal(t, 1234, payload.PID)
	assert.Equal(t, "1.0.0-test", payload.ServerVersion)
	assert.Equal(t, uint64(42), payload.Streams["stream-1"].RequestID)
}

func TestSendTimesOutWithoutSuccessor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meridian-reload.sock")

	sender, err := NewSender(path, nil)
	require.NoError(t, err)
	defer sender.Close()

	env, err := BuildEnvelope(samplePayload(), model.CompressionNone)
	require.NoError(t, err)

	err = sender.Send(context.Background(), env, 50*time.Millisecond)
	assert.ErrorContains(t, err, "no successor connected")
}
