package server

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nupi-ai/plugin-asr-local-transducer/internal/recognizer"
)

// MaxFeatureChunkBytes limits a single request payload. 1 MB is about
// 40 seconds of 80-dim features at 100 frames per second. It is also
// enforced at the transport level via MaxRecvMsgSize.
const MaxFeatureChunkBytes = 1 << 20

// DecodeFeatures splits a little-endian float32 payload into frames of dim
// values.
func DecodeFeatures(payload []byte, dim int) ([][]float32, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("%w: payload length %d is not a multiple of 4", recognizer.ErrInvalidInput, len(payload))
	}
	n := len(payload) / 4
	if dim <= 0 || n%dim != 0 {
		return nil, fmt.Errorf("%w: %d values do not form whole frames of %d", recognizer.ErrInvalidInput, n, dim)
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
	}
	frames := make([][]float32, n/dim)
	for i := range frames {
		frames[i] = values[i*dim : (i+1)*dim : (i+1)*dim]
	}
	return frames, nil
}

// EncodeFeatures is the inverse of DecodeFeatures.
func EncodeFeatures(frames ...[]float32) []byte {
	size := 0
	for _, f := range frames {
		size += 4 * len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range frames {
		for _, v := range f {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return out
}
