package sqlstore

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/user/convoy/internal/types"
)

// Shared by all stores. EncodeAll and DecodeAll are safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sqlstore: zstd encoder: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sqlstore: zstd decoder: " + err.Error())
	}
}

func encodeCheckpoint(cp *types.Checkpoint) (payload, digest []byte, err error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	sum := blake3.Sum256(raw)
	return encoder.EncodeAll(raw, nil), sum[:], nil
}

func decodeCheckpoint(payload, digest []byte) (*types.Checkpoint, error) {
	raw, err := decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress checkpoint: %w", err)
	}
	sum := blake3.Sum256(raw)
	if !bytes.Equal(sum[:], digest) {
		return nil, fmt.Errorf("checkpoint digest mismatch")
	}
	var cp types.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
