package game

// rng is the seed-derived generator for food placement: FNV-1a (32-bit) folds
// the seed into the initial state, xorshift32 (13, 17, 5) advances it.
type rng struct {
	state uint32
}

const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
	zeroState   = 0x9E3779B9 // xorshift never leaves 0
)

func newRNG(seed []byte) *rng {
	h := uint32(fnvOffset32)
	for _, b := range seed {
		h ^= uint32(b)
		h *= fnvPrime32
	}
	if h == 0 {
		h = zeroState
	}
	return &rng{state: h}
}

func (r *rng) next() uint32 {
	x := r.state
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	r.state = x
	return x
}
