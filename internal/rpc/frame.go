// Package rpc implements the meta server and chunk server RPC transports
// over websocket framing: one JSON control frame per request or reply, with
// an optional binary payload frame (zstd-compressed above a threshold)
// following a request that carries data.
package rpc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/chunkfs/chunkfs/internal/protocol"
)

// compressThreshold is the payload size above which frames are compressed.
const compressThreshold = 4 * 1024

// requestFrame is the control frame preceding an optional payload frame.
type requestFrame struct {
	Seq        int64           `json:"seq"`
	Kind       string          `json:"kind"`
	ShortRPC   bool            `json:"short_rpc,omitempty"`
	PayloadLen int             `json:"payload_len,omitempty"`
	Compressed bool            `json:"compressed,omitempty"`
	Body       json.RawMessage `json:"body"`
}

// replyFrame carries one op completion.
type replyFrame struct {
	Seq      int64             `json:"seq"`
	Response protocol.Response `json:"response"`
}

func encodeRequest(op protocol.Op, payloadLen int, compressed, shortRPC bool) ([]byte, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", op.Kind(), err)
	}
	return json.Marshal(requestFrame{
		Seq:        op.Base().Seq,
		Kind:       op.Kind().String(),
		ShortRPC:   shortRPC,
		PayloadLen: payloadLen,
		Compressed: compressed,
		Body:       body,
	})
}

// Compression encoder/decoder pools for reuse.
var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
)

// compressPayload compresses p when it is worth it. The second return
// reports whether compression was applied.
func compressPayload(p []byte) ([]byte, bool) {
	if len(p) < compressThreshold {
		return p, false
	}
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	out := enc.EncodeAll(p, make([]byte, 0, len(p)/2))
	if len(out) >= len(p) {
		return p, false
	}
	return out, true
}

// DecompressPayload reverses compressPayload; used by servers and tests.
func DecompressPayload(p []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return p, nil
	}
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)
	return dec.DecodeAll(p, nil)
}
