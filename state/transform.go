package state

// Transform evolves a snapshot deterministically from (value, seed) alone.
// The same inputs always yield the same output: per-element noise is derived
// from a splitmix64 stream keyed by the seed and the element index, with no
// hidden state, wall clock or call-order dependence. The input value is
// never mutated.
//
// The evolution is a damped drift: x' = decay*x + scale*u, with u uniform in
// [-1, 1). It keeps values bounded for repeated application, which is what
// synthetic state evolution in tests and simulations needs.
func Transform(v StateValue, seed uint64) StateValue {
	const (
		decay = 0.9
		scale = 0.1
	)

	evolve := func(data []float32) []float32 {
		out := make([]float32, len(data))
		for i, x := range data {
			u := unitNoise(seed, uint64(i))
			out[i] = float32(decay*float64(x) + scale*u)
		}
		return out
	}

	switch val := v.(type) {
	case Vector:
		return Vector(evolve(val))
	case *Grid:
		return &Grid{
			shape: append([]int(nil), val.shape...),
			order: val.order,
			data:  evolve(val.data),
		}
	default:
		return v
	}
}

// unitNoise maps (seed, index) to a uniform value in [-1, 1).
func unitNoise(seed, index uint64) float64 {
	u := splitmix64(seed ^ (index+1)*0x9e3779b97f4a7c15)
	return float64(u>>11)/float64(1<<52) - 1.0
}

// splitmix64 is the finalizer from Steele et al.'s SplitMix64 generator.
// It is a bijection on uint64, so distinct inputs never collide.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
