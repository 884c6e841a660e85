// Package codec implements Meridian's wire framing: a 4-byte
// little-endian length prefix followed by a JSON body, plus the
// chunk/envelope compression helpers shared by the streaming and
// hot-reload subsystems.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"meridian.dev/server/internal/model"
)

// MaxFrameSize is the hard ceiling on a single frame's body, per the
// wire protocol contract. Anything larger must go through streaming.
const MaxFrameSize = 10 * 1024 * 1024

// FrameHeaderSize is the length of the length-prefix header.
const FrameHeaderSize = 4

// Frame encodes a JSON body with its 4-byte LE length prefix.
func Frame(body []byte) ([]byte, error) {
	if len(body) > MaxFrameSize {
		return nil, model.NewError(model.ErrRequestTooLarge, fmt.Sprintf("body of %d bytes exceeds %d byte limit", len(body), MaxFrameSize), nil)
	}
	out := make([]byte, FrameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[:FrameHeaderSize], uint32(len(body)))
	copy(out[FrameHeaderSize:], body)
	return out, nil
}

// ReadFrame reads one length-prefixed frame body from r. A short read
// on the header or body is reported as ErrInvalidRequest with the
// observed vs expected lengths in Data.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, FrameHeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, err
		}
		return nil, model.NewError(model.ErrInvalidRequest, "short read on frame header", map[string]any{
			"expected": FrameHeaderSize,
			"observed": n,
		})
	}

	length := binary.LittleEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, model.NewError(model.ErrRequestTooLarge, fmt.Sprintf("frame length %d exceeds %d byte limit", length, MaxFrameSize), nil)
	}

	body := make([]byte, length)
	n, err = io.ReadFull(r, body)
	if err != nil {
		return nil, model.NewError(model.ErrInvalidRequest, "short read on frame body", map[string]any{
			"expected": length,
			"observed": n,
		})
	}
	return body, nil
}

// EncodeRequest marshals an RpcRequest to JSON and frames it.
func EncodeRequest(req *model.RpcRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return Frame(body)
}

// DecodeRequest unframes and unmarshals a single RpcRequest from r.
func DecodeRequest(r io.Reader) (*model.RpcRequest, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var req model.RpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, model.NewError(model.ErrMalformedParams, err.Error(), nil)
	}
	return &req, nil
}

// EncodeResponse marshals an RpcResponse to JSON and frames it.
func EncodeResponse(resp *model.RpcResponse) ([]byte, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return Frame(body)
}

// DecodeResponse unframes and unmarshals a single RpcResponse from r.
func DecodeResponse(r io.Reader) (*model.RpcResponse, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var resp model.RpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, model.NewError(model.ErrMalformedParams, err.Error(), nil)
	}
	return &resp, nil
}
