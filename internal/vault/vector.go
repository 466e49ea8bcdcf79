package vault

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/andresmejia3/facegate/internal/types"
)

// EncodedVectorLen is the canonical byte size of a face vector.
const EncodedVectorLen = types.VectorLen * 8

// EncodeVector writes vec as big-endian IEEE-754 doubles.
func EncodeVector(vec []float64) ([]byte, error) {
	if len(vec) != types.VectorLen {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVectorLength, len(vec), types.VectorLen)
	}
	buf := make([]byte, EncodedVectorLen)
	for i, v := range vec {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf, nil
}

// DecodeVector is the exact inverse of EncodeVector.
func DecodeVector(buf []byte) ([]float64, error) {
	if len(buf) != EncodedVectorLen {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrVectorLength, len(buf), EncodedVectorLen)
	}
	vec := make([]float64, types.VectorLen)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[i*8:]))
	}
	return vec, nil
}
