package embedding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Dimension is the vector width produced by the embedder and assumed by
// storage. gemini-embedding-001 outputs 3072 dimensions by default but
// supports truncation via OutputDimensionality.
const Dimension = 768

var (
	// ErrDimensionMismatch indicates two vectors of different lengths were
	// compared. Programmer error, never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidEncoding indicates serialized embedding bytes of invalid length.
	ErrInvalidEncoding = errors.New("invalid embedding encoding")
)

// CosineSimilarity returns dot(a,b) / (|a||b|), range [-1, 1].
// Returns 0 if either vector has zero magnitude.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Serialize encodes a vector as little-endian float32 bytes.
// The result is always 4 bytes per component.
func Serialize(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Deserialize decodes little-endian float32 bytes back into a vector.
func Deserialize(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of 4", ErrInvalidEncoding, len(data))
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v, nil
}
