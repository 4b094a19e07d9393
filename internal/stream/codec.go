// Package stream implements the subscription side of the protocol: frame
// encoding, type-tag normalization, and the WebSocket engine that drives
// subscription producers.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"

	"github.com/pitabwire/xrpc/model"
)

// Frame operations carried in the frame header.
const (
	OpMessage = 1
	OpError   = -1
)

type header struct {
	Op int    `json:"op"`
	T  string `json:"t,omitempty"`
}

// EncodeFrame renders a frame as uvarint(len(header)) || header || body,
// where header and body are JSON documents.
func EncodeFrame(f model.Frame) ([]byte, error) {
	var (
		h    header
		body any
	)
	switch f := f.(type) {
	case *model.MessageFrame:
		h = header{Op: OpMessage, T: f.Type}
		body = f.Body
	case *model.ErrorFrame:
		h = header{Op: OpError}
		body = model.ErrorBody{Error: f.Error, Message: f.Message}
	default:
		return nil, fmt.Errorf("unsupported frame %T", f)
	}

	hb, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding frame header: %w", err)
	}
	bb, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding frame body: %w", err)
	}

	out := make([]byte, 0, varint.UvarintSize(uint64(len(hb)))+len(hb)+len(bb))
	out = append(out, varint.ToUvarint(uint64(len(hb)))...)
	out = append(out, hb...)
	out = append(out, bb...)
	return out, nil
}

// DecodeFrame parses a frame produced by EncodeFrame. Message bodies decode
// into generic JSON values.
func DecodeFrame(b []byte) (model.Frame, error) {
	n, size, err := varint.FromUvarint(b)
	if err != nil {
		return nil, fmt.Errorf("decoding frame header length: %w", err)
	}
	if uint64(len(b)-size) < n {
		return nil, errors.New("frame header exceeds frame length")
	}
	hb := b[size : size+int(n)]
	bb := b[size+int(n):]

	var h header
	if err := json.Unmarshal(hb, &h); err != nil {
		return nil, fmt.Errorf("decoding frame header: %w", err)
	}

	switch h.Op {
	case OpMessage:
		var body any
		dec := json.NewDecoder(bytes.NewReader(bb))
		if err := dec.Decode(&body); err != nil {
			return nil, fmt.Errorf("decoding message body: %w", err)
		}
		return &model.MessageFrame{Type: h.T, Body: body}, nil
	case OpError:
		var body model.ErrorBody
		if err := json.Unmarshal(bb, &body); err != nil {
			return nil, fmt.Errorf("decoding error body: %w", err)
		}
		if body.Error == "" {
			return nil, errors.New("error frame without error kind")
		}
		return &model.ErrorFrame{Error: body.Error, Message: body.Message}, nil
	default:
		return nil, fmt.Errorf("unknown frame op %d", h.Op)
	}
}
