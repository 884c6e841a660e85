package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian.dev/server/internal/model"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{"empty", []byte{}},
		{"small", []byte("hello meridian")},
		{"binary", bytes.Repeat([]byte{0xAB, 0x00, 0xFF}, 1000)},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			framed, err := Frame(tt.body)
			require.NoError(t, err)

			got, err := ReadFrame(bytes.NewReader(framed))
			require.NoError(t, err)
			assert.Equal(t, tt.body, got)
		})
	}
}

func TestFrameRejectsOversized(t *testing.T) {
	oversized := make([]byte, MaxFrameSize+1)
	_, err := Frame(oversized)
	require.Error(t, err)

	rpcErr, ok := err.(*model.RpcError)
	require.True(t, ok)
	assert.Equal(t, model.ErrRequestTooLarge, rpcErr.Kind)
}

func TestReadFrameShortHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2}))
	require.Error(t, err)
	rpcErr, ok := err.(*model.RpcError)
	require.True(t, ok)
	assert.Equal(t, model.ErrInvalidRequest, rpcErr.Kind)
}

func TestReadFrameShortBody(t *testing.T) {
	framed, err := Frame([]byte("0123456789"))
	require.NoError(t, err)
	truncated := framed[:len(framed)-3]

	_, err = ReadFrame(bytes.NewReader(truncated))
	require.Error(t, err)
	rpcErr, ok := err.(*model.RpcError)
	require.True(t, ok)
	assert.Equal(t, model.ErrInvalidRequest, rpcErr.Kind)
}

func TestProtocolRoundTripRequest(t *testing.T) {
	maxSize := uint64(4096)
	timeout := uint64(1000)
	req := &model.RpcRequest{
		Version:   1,
		ID:        42,
		Tool:      "code.search",
		Params:    map[string]any{"query": "foo"},
		Stream:    true,
		MaxSize:   &maxSize,
		TimeoutMs: &timeout,
	}

	framed, err := EncodeRequest(req)
	require.NoError(t, err)

	got, err := DecodeRequest(bytes.NewReader(framed))
	require.NoError(t, err)

	assert.Equal(t, req.Version, got.Version)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, req.Tool, got.Tool)
	assert.Equal(t, req.Stream, got.Stream)
	assert.Equal(t, *req.MaxSize, *got.MaxSize)
	assert.Equal(t, *req.TimeoutMs, *got.TimeoutMs)
}

func TestProtocolRoundTripResponse(t *testing.T) {
	resp := &model.RpcResponse{
		Version: 1,
		ID:      7,
		Result:  map[string]any{"ok": true},
	}

	framed, err := EncodeResponse(resp)
	require.NoError(t, err)

	got, err := DecodeResponse(bytes.NewReader(framed))
	require.NoError(t, err)
	assert.Equal(t, resp.ID, got.ID)
	assert.Nil(t, got.Error)
}

func TestCompressionRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 200))

	for _, algo := range []model.CompressionAlgo{model.CompressionNone, model.CompressionLz4, model.CompressionZstd} {
		t.Run(string(algo)+"_or_none", func(t *testing.T) {
			if algo == "" {
				t.Skip()
			}
			compressed, err := Compress(payload, algo)
			require.NoError(t, err)

			out, err := Decompress(compressed, algo)
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestShouldCompressBelowThresholdStaysUncompressed(t *testing.T) {
	small := []byte("tiny")
	algo, out, err := ShouldCompress(small, model.CompressionZstd)
	require.NoError(t, err)
	assert.Equal(t, model.CompressionNone, algo)
	assert.Equal(t, small, out)
}

func TestShouldCompressAboveThresholdCompresses(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 4096)
	algo, out, err := ShouldCompress(big, model.CompressionZstd)
	require.NoError(t, err)
	assert.Equal(t, model.CompressionZstd, algo)
	assert.Less(t, len(out), len(big))
}
