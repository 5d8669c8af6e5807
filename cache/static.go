package cache

import (
	"fmt"

	"github.com/gencache/gencache/ml"
	"github.com/gencache/gencache/model"
)

// Static is a fixed-size cache backed by a single buffer allocated up
// front, addressed by explicit position indices. Unlike the other
// strategies it holds one layer's state per instance; callers keep one
// Static per layer.
//
// The buffer cannot tell an unwritten slot from a real zero, so callers
// track position externally and mask unwritten slots out of attention.
type Static struct {
	maxBatch int
	maxLen   int
	key      *ml.Tensor
	value    *ml.Tensor
}

// NewStaticCache allocates the zero-filled buffer with shape
// (maxBatch, kvHeads, maxLen, headDim). maxLen defaults to the model's
// maximum position embeddings when zero.
func NewStaticCache(config model.Config, maxBatch, maxLen int, dtype ml.DType) *Static {
	if maxLen <= 0 {
		maxLen = config.MaxPositionEmbeddings
	}

	shape := []int{maxBatch, config.KVHeads(), maxLen, config.HeadDimension()}
	return &Static{
		maxBatch: maxBatch,
		maxLen:   maxLen,
		key:      ml.Zeros(dtype, shape...),
		value:    ml.Zeros(dtype, shape...),
	}
}

// Update writes the incoming states into the buffer in place at the slots
// named by opts.CachePosition, then returns the entire buffer, unwritten
// zero slots included.
func (c *Static) Update(key, value *ml.Tensor, _ int, opts *UpdateOptions) (*ml.Tensor, *ml.Tensor, error) {
	if opts == nil || opts.CachePosition == nil {
		return nil, nil, fmt.Errorf("static cache update requires cache positions")
	}

	positions := opts.CachePosition.Ints()
	if len(positions) != key.Dim(2) {
		return nil, nil, fmt.Errorf("got %d cache positions for %d tokens", len(positions), key.Dim(2))
	}

	c.key.SetRows(2, positions, key)
	c.value.SetRows(2, positions, value)

	return c.key, c.value, nil
}

// SeqLen is unsupported: the buffer cannot distinguish unwritten slots
// from cached zeros.
func (c *Static) SeqLen(int) (int, error) {
	return 0, fmt.Errorf("seq length of a static cache: %w", ErrNotSupported)
}

func (c *Static) MaxLen() (int, bool) { return c.maxLen, true }

// UsableLen is unsupported for the same reason as SeqLen.
func (c *Static) UsableLen(int, int) (int, error) {
	return 0, fmt.Errorf("usable length of a static cache: %w", ErrNotSupported)
}

func (c *Static) Reorder(beamIdx []int32) {
	c.key = c.key.IndexSelect(0, beamIdx)
	c.value = c.value.IndexSelect(0, beamIdx)
}

// ToLegacy always returns nil. It exists so calling code that
// unconditionally flattens a cache keeps working.
func (c *Static) ToLegacy() []LegacyEntry { return nil }
