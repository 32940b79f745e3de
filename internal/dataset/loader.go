package dataset

import "math/rand/v2"

// Batch is a slice of consecutive loader positions. Sequences are not
// padded; the model pads them to the batch maximum.
type Batch struct {
	Index  []int
	Source [][]int32
	Target [][]int32
}

// Size is the number of examples in the batch.
func (b Batch) Size() int { return len(b.Source) }

// Loader cuts encoded examples into batches. With shuffling, epoch e
// visits examples in a permutation drawn from (seed, e) alone, so any
// epoch can be replayed exactly.
type Loader struct {
	data      []Encoded
	batchSize int
	shuffle   bool
	seed      int64
}

// NewLoader creates a loader. batchSize below 1 is treated as 1.
func NewLoader(data []Encoded, batchSize int, shuffle bool, seed int64) *Loader {
	return &Loader{data: data, batchSize: max(1, batchSize), shuffle: shuffle, seed: seed}
}

// Len is the number of batches per epoch.
func (l *Loader) Len() int {
	return (len(l.data) + l.batchSize - 1) / l.batchSize
}

// Order is the example order for an epoch.
func (l *Loader) Order(epoch int) []int {
	if !l.shuffle {
		order := make([]int, len(l.data))
		for i := range order {
			order[i] = i
		}
		return order
	}
	rng := rand.New(rand.NewPCG(uint64(l.seed), uint64(epoch))) //nolint:gosec // reproducible shuffling, not security
	return rng.Perm(len(l.data))
}

// Epoch returns the batches of an epoch in visiting order.
func (l *Loader) Epoch(epoch int) []Batch {
	order := l.Order(epoch)
	batches := make([]Batch, 0, l.Len())
	for start := 0; start < len(order); start += l.batchSize {
		end := min(start+l.batchSize, len(order))
		b := Batch{
			Index:  make([]int, 0, end-start),
			Source: make([][]int32, 0, end-start),
			Target: make([][]int32, 0, end-start),
		}
		for _, i := range order[start:end] {
			b.Index = append(b.Index, i)
			b.Source = append(b.Source, l.data[i].Source)
			b.Target = append(b.Target, l.data[i].Target)
		}
		batches = append(batches, b)
	}
	return batches
}
