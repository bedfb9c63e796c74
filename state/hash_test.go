package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/statelog/model"
)

func TestComputeHashDeterministic(t *testing.T) {
	v := Vector{0.1, 0.2, 0.3}

	for _, algo := range []Algorithm{AlgCRC32C, AlgMurmur3, AlgHighway} {
		t.Run(algo.String(), func(t *testing.T) {
			a, err := ComputeHash(v, algo)
			require.NoError(t, err)
			b, err := ComputeHash(Vector{0.1, 0.2, 0.3}, algo)
			require.NoError(t, err)
			assert.Equal(t, a, b)
		})
	}
}

func TestComputeHashDigestSizes(t *testing.T) {
	v := Vector{1}

	d, err := ComputeHash(v, AlgCRC32C)
	require.NoError(t, err)
	assert.Len(t, d, 4)

	d, err = ComputeHash(v, AlgMurmur3)
	require.NoError(t, err)
	assert.Len(t, d, 8)

	d, err = ComputeHash(v, AlgHighway)
	require.NoError(t, err)
	assert.Len(t, d, 32)
}

func TestComputeHashDivergence(t *testing.T) {
	a, err := ComputeHash(Vector{0.1, 0.2, 0.3}, AlgHighway)
	require.NoError(t, err)
	b, err := ComputeHash(Vector{0.1, 0.2, 0.30000001}, AlgHighway)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "a single changed element must change the digest")
}

func TestComputeHashDistinguishesShapes(t *testing.T) {
	// Same elements, different structure: vector vs grid, and grids of
	// transposed shapes, must not collide.
	vec := Vector{1, 2, 3, 4}
	g23, err := NewGrid([]int{2, 2}, model.RowMajor, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	g41, err := NewGrid([]int{4, 1}, model.RowMajor, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	dv, err := ComputeHash(vec, AlgHighway)
	require.NoError(t, err)
	d22, err := ComputeHash(g23, AlgHighway)
	require.NoError(t, err)
	d41, err := ComputeHash(g41, AlgHighway)
	require.NoError(t, err)

	assert.NotEqual(t, dv, d22)
	assert.NotEqual(t, d22, d41)
}

func TestVerifyIntegrity(t *testing.T) {
	v := Vector{5, 6, 7}
	digest, err := ComputeHash(v, AlgMurmur3)
	require.NoError(t, err)

	ok, err := VerifyIntegrity(v, digest, AlgMurmur3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyIntegrity(Vector{5, 6, 8}, digest, AlgMurmur3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAlgorithmByName(t *testing.T) {
	for _, name := range []string{"crc32c", "murmur3", "highway256"} {
		algo, ok := AlgorithmByName(name)
		require.True(t, ok)
		assert.Equal(t, name, algo.String())
	}
	_, ok := AlgorithmByName("sha1")
	assert.False(t, ok)
}
