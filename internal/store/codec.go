package store

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// encodingZstd tags values written by the remote backends.
const encodingZstd = "zstd"

// Encoders and decoders are safe for concurrent EncodeAll/DecodeAll use and
// expensive to build, so one of each is shared.
var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func initCodec() error {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return codecErr
}

// compress zstd-encodes a snapshot payload.
func compress(data []byte) ([]byte, error) {
	if err := initCodec(); err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// decompress reverses compress. A frame that fails to decode is reported as
// ErrCorrupt.
func decompress(data []byte) ([]byte, error) {
	if err := initCodec(); err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	return out, nil
}
