package handshake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian.dev/server/internal/model"
)

func newTestNegotiator() *Negotiator {
	return New(Config{
		ServerVersion:         "1.0.0",
		SupportedCapabilities: []string{"streaming", "episodic", "working_memory"},
	})
}

func TestProcessSuccess(t *testing.T) {
	n := newTestNegotiator()
	resp, rpcErr := n.Process(&model.HandshakeRequest{
		ClientVersion:   "0.9.0",
		ProtocolVersion: ProtocolVersion,
		ClientID:        "agent-1",
		Capabilities:    []string{"streaming", "unknown_cap"},
	})
	require.Nil(t, rpcErr)
	require.NotNil(t, resp)
	assert.Equal(t, []string{"streaming"}, resp.Capabilities)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "1.0.0", resp.ServerVersion)
}

func TestProcessRejectsEmptyFields(t *testing.T) {
	n := newTestNegotiator()

	cases := []*model.HandshakeRequest{
		{ClientVersion: "", ProtocolVersion: ProtocolVersion, ClientID: "x"},
		{ClientVersion: "1", ProtocolVersion: 0, ClientID: "x"},
		{ClientVersion: "1", ProtocolVersion: ProtocolVersion, ClientID: ""},
	}
	for _, req := range cases {
		_, rpcErr := n.Process(req)
		require.NotNil(t, rpcErr)
		assert.Equal(t, model.ErrInvalidRequest, rpcErr.Kind)
	}
}

func TestProcessVersionMismatch(t *testing.T) {
	n := newTestNegotiator()
	_, rpcErr := n.Process(&model.HandshakeRequest{
		ClientVersion:   "1.0",
		ProtocolVersion: ProtocolVersion + 1,
		ClientID:        "agent-1",
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, model.ErrUnsupportedVersion, rpcErr.Kind)
	assert.Equal(t, ProtocolVersion+1, rpcErr.Data["client_version"])
	assert.Equal(t, ProtocolVersion, rpcErr.Data["server_version"])
}

func TestSessionIDsAreUnique(t *testing.T) {
	n := newTestNegotiator()
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		resp, rpcErr := n.Process(&model.HandshakeRequest{
			ClientVersion:   "1.0",
			ProtocolVersion: ProtocolVersion,
			ClientID:        "agent-1",
		})
		require.Nil(t, rpcErr)
		assert.False(t, seen[resp.SessionID])
		seen[resp.SessionID] = true
	}
}
