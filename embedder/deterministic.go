package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Deterministic is a content-hashed Embedder for tests and offline
// development. Equal inputs always produce equal unit vectors.
type Deterministic struct {
	dimension int
}

// NewDeterministic builds a Deterministic embedder of the given dimension.
func NewDeterministic(dimension int) *Deterministic {
	return &Deterministic{dimension: dimension}
}

func (d *Deterministic) Dimension() int { return d.dimension }

func (d *Deterministic) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = d.vectorFor(text)
	}
	return out, nil
}

func (d *Deterministic) vectorFor(text string) []float32 {
	v := make([]float32, d.dimension)
	seed := sha256.Sum256([]byte(text))
	state := seed[:]
	var norm float64
	for i := 0; i < d.dimension; i++ {
		if i%8 == 0 && i > 0 {
			next := sha256.Sum256(state)
			state = next[:]
		}
		bits := binary.BigEndian.Uint32(state[(i%8)*4 : (i%8)*4+4])
		f := float32(bits)/float32(math.MaxUint32)*2 - 1
		v[i] = f
		norm += float64(f) * float64(f)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}

var _ Embedder = (*Deterministic)(nil)
