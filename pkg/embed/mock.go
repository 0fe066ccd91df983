package embed

import (
	"context"
	"encoding/binary"
	"math"

	"golang.org/x/crypto/blake2b"

	"github.com/ettio/forest/pkg/math/vector"
)

// MockEmbedder produces deterministic hashed embeddings for offline mode.
//
// The vector is derived from a BLAKE2b XOF over the input text, so the same
// text always embeds to the same unit vector and different texts land far
// apart. It carries no semantic signal; it exists so the whole pipeline
// (capture, linking, search) can run end to end without a provider, and so
// tests are reproducible.
type MockEmbedder struct {
	dims int
}

// NewMock returns a hashed embedder of the given dimension (384 by default
// through NewEmbedder).
func NewMock(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = MockDimensions
	}
	return &MockEmbedder{dims: dims}
}

// Embed derives an L2-normalized vector from the text hash. Never fails.
func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	xof, err := blake2b.NewXOF(uint32(m.dims*4), nil)
	if err != nil {
		return nil, err
	}
	xof.Write([]byte(text))

	buf := make([]byte, m.dims*4)
	if _, err := xof.Read(buf); err != nil {
		return nil, err
	}

	vec := make([]float32, m.dims)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(buf[i*4:])
		// Map the 32-bit hash word onto [-1, 1)
		vec[i] = float32(int32(bits)) / float32(math.MaxInt32)
	}
	vector.NormalizeInPlace(vec)
	return vec, nil
}

// Dimensions returns the configured dimension.
func (m *MockEmbedder) Dimensions() int { return m.dims }

// Model returns the mock model label.
func (m *MockEmbedder) Model() string { return "mock-hash" }
