package state

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/statelog/model"
)

func TestNewGridShapeMismatch(t *testing.T) {
	_, err := NewGrid([]int{2, 3}, model.RowMajor, make([]float32, 5))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = NewGrid([]int{2, 0}, model.RowMajor, nil)
	require.ErrorAs(t, err, &verr)

	_, err = NewGrid(nil, model.RowMajor, nil)
	require.ErrorAs(t, err, &verr)
}

func TestGridAt(t *testing.T) {
	g, err := NewGrid([]int{2, 3}, model.RowMajor, []float32{
		1, 2, 3,
		4, 5, 6,
	})
	require.NoError(t, err)

	v, err := g.At(0, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(1), v)

	v, err = g.At(1, 2)
	require.NoError(t, err)
	assert.Equal(t, float32(6), v)

	_, err = g.At(2, 0)
	assert.Error(t, err)
	_, err = g.At(0)
	assert.Error(t, err)
}

func TestFlattenRowMajor(t *testing.T) {
	g, err := NewGrid([]int{2, 3}, model.RowMajor, []float32{
		1, 2, 3,
		4, 5, 6,
	})
	require.NoError(t, err)
	assert.Equal(t, Vector{1, 2, 3, 4, 5, 6}, g.Flatten())
}

func TestFlattenColumnMajor(t *testing.T) {
	g, err := NewGrid([]int{2, 3}, model.ColumnMajor, []float32{
		1, 2, 3,
		4, 5, 6,
	})
	require.NoError(t, err)
	// First axis varies fastest: column by column.
	assert.Equal(t, Vector{1, 4, 2, 5, 3, 6}, g.Flatten())
}

func TestRoundTripLaw(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
		order model.Order
	}{
		{"vector-like row", []int{7}, model.RowMajor},
		{"vector-like col", []int{7}, model.ColumnMajor},
		{"matrix row", []int{3, 4}, model.RowMajor},
		{"matrix col", []int{3, 4}, model.ColumnMajor},
		{"cube row", []int{2, 3, 4}, model.RowMajor},
		{"cube col", []int{2, 3, 4}, model.ColumnMajor},
		{"rank4 col", []int{2, 2, 3, 2}, model.ColumnMajor},
		{"degenerate axes", []int{1, 5, 1}, model.ColumnMajor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := 1
			for _, d := range tt.shape {
				n *= d
			}
			data := make([]float32, n)
			for i := range data {
				data[i] = float32(i) * 0.5
			}

			g, err := NewGrid(tt.shape, tt.order, data)
			require.NoError(t, err)

			back, err := Reconstruct(g.Flatten(), tt.shape, tt.order)
			require.NoError(t, err)
			assert.True(t, g.Equal(back), "reconstruct(flatten(g)) must equal g")
			assert.Equal(t, data, back.Data())
		})
	}
}

func TestRoundTripExactBits(t *testing.T) {
	// Values that would change under any numeric coercion.
	data := []float32{
		math.SmallestNonzeroFloat32,
		math.MaxFloat32,
		-0.0,
		1.0000001,
		float32(1) / 3,
	}
	g, err := NewGrid([]int{5}, model.ColumnMajor, data)
	require.NoError(t, err)

	back, err := Reconstruct(g.Flatten(), []int{5}, model.ColumnMajor)
	require.NoError(t, err)
	for i, want := range data {
		got, err := back.At(i)
		require.NoError(t, err)
		assert.Equal(t, math.Float32bits(want), math.Float32bits(got), "element %d", i)
	}
}

func TestReconstructLengthMismatch(t *testing.T) {
	_, err := Reconstruct(Vector{1, 2, 3}, []int{2, 2}, model.RowMajor)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestTag(t *testing.T) {
	assert.Equal(t, model.KindVector, Tag(Vector{1}).Kind)

	g, err := NewGrid([]int{2, 2}, model.ColumnMajor, make([]float32, 4))
	require.NoError(t, err)
	tag := Tag(g)
	assert.Equal(t, model.KindGrid, tag.Kind)
	assert.Equal(t, []int{2, 2}, tag.Shape)
	assert.Equal(t, model.ColumnMajor, tag.FlattenOrder)
}

func TestVectorContract(t *testing.T) {
	c := VectorContract{Dim: 3}

	require.NoError(t, c.Validate(Vector{1, 2, 3}))

	// Never coerce: wrong lengths are errors, not truncations or paddings.
	var verr *ValidationError
	require.ErrorAs(t, c.Validate(Vector{1, 2}), &verr)
	require.ErrorAs(t, c.Validate(Vector{1, 2, 3, 4}), &verr)

	// Any length when dimension is unpinned.
	free := VectorContract{}
	require.NoError(t, free.Validate(Vector{1}))
	require.NoError(t, free.Validate(make(Vector, 100)))
}

func TestVectorContractNonFinite(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	c := VectorContract{Dim: 2}
	var verr *ValidationError
	require.ErrorAs(t, c.Validate(Vector{1, nan}), &verr)
	require.ErrorAs(t, c.Validate(Vector{inf, 1}), &verr)

	allow := VectorContract{Dim: 2, AllowNonFinite: true}
	require.NoError(t, allow.Validate(Vector{1, nan}))
}

func TestGridContract(t *testing.T) {
	c, err := NewGridContract([]int{2, 3}, model.ColumnMajor, false)
	require.NoError(t, err)

	ok, err := NewGrid([]int{2, 3}, model.ColumnMajor, make([]float32, 6))
	require.NoError(t, err)
	require.NoError(t, c.Validate(ok))

	var verr *ValidationError

	wrongShape, err := NewGrid([]int{3, 2}, model.ColumnMajor, make([]float32, 6))
	require.NoError(t, err)
	require.ErrorAs(t, c.Validate(wrongShape), &verr)

	wrongOrder, err := NewGrid([]int{2, 3}, model.RowMajor, make([]float32, 6))
	require.NoError(t, err)
	require.ErrorAs(t, c.Validate(wrongOrder), &verr)

	require.ErrorAs(t, c.Validate(Vector{1, 2, 3, 4, 5, 6}), &verr)
}

func TestGridContractRejectsDegenerateShape(t *testing.T) {
	_, err := NewGridContract([]int{0}, model.RowMajor, false)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = NewGridContract(nil, model.RowMajor, false)
	require.ErrorAs(t, err, &verr)
}

func TestRestore(t *testing.T) {
	v, err := Restore(Vector{1, 2}, model.ShapeTag{Kind: model.KindVector})
	require.NoError(t, err)
	assert.Equal(t, Vector{1, 2}, v)

	g, err := NewGrid([]int{2, 2}, model.ColumnMajor, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	back, err := Restore(g.Flatten(), Tag(g))
	require.NoError(t, err)
	got, ok := back.(*Grid)
	require.True(t, ok)
	assert.True(t, g.Equal(got))
}
