// Package cache implements the key/value cache strategies used during
// autoregressive decoding. A cache holds the accumulated key and value
// projections for every layer of a model so that attention at each step
// runs over the whole context without recomputing the prefix.
//
// One cache instance belongs to exactly one generation call. Nothing here
// is safe for concurrent use.
package cache

import (
	"errors"
	"fmt"

	"github.com/gencache/gencache/ml"
)

var ErrNotSupported = errors.New("cache does not support operation")

// UpdateOptions carries the per-strategy extras for Update. Dynamic caches
// ignore it entirely.
type UpdateOptions struct {
	// Sin and Cos are the rotary embedding tables for the positions the
	// model was run with, of shape [seq, rotationDim]. Sink caches use
	// them to re-rotate keys whose absolute position changes on eviction.
	Sin, Cos *ml.Tensor

	// PartialRotationSize limits rotation to the leading slice of the
	// head dimension, for models with partially rotated embeddings.
	// Zero rotates the full head dimension.
	PartialRotationSize int

	// CachePosition gives the absolute slot index of each incoming
	// token, as an int tensor of shape [seq]. Required by static
	// caches, ignored by the others.
	CachePosition *ml.Tensor
}

// Cache is the contract shared by every caching strategy.
type Cache interface {
	// Update merges the freshly projected key and value states for one
	// layer at one decoding step, and returns the full accumulated key
	// and value tensors for that layer. Tensors are of shape
	// [batch, kvHeads, seq, headDim].
	Update(key, value *ml.Tensor, layer int, opts *UpdateOptions) (*ml.Tensor, *ml.Tensor, error)

	// SeqLen returns the number of tokens currently cached for a layer,
	// 0 if the layer has not been written yet.
	SeqLen(layer int) (int, error)

	// MaxLen returns the hard capacity of the cache. The second return
	// is false for unbounded caches.
	MaxLen() (int, bool)

	// UsableLen reports how much of the existing cache remains usable
	// when a chunk of newSeqLen tokens arrives, given the capacity.
	UsableLen(newSeqLen, layer int) (int, error)

	// Reorder permutes the batch axis of all cached state to match the
	// surviving hypotheses after a beam search pruning step.
	Reorder(beamIdx []int32)
}

// LegacyEntry is one layer's key/value pair in the flat nested-tuple
// format older calling code passes around.
type LegacyEntry struct {
	Key   *ml.Tensor
	Value *ml.Tensor
}

// LegacyExporter is implemented by caches that can flatten themselves into
// the legacy format. Caches that cannot return nil.
type LegacyExporter interface {
	ToLegacy() []LegacyEntry
}

// layerSlot is one arena entry. Slots are lazily populated: a slot holds
// no tensors until the first Update for its layer.
type layerSlot struct {
	key, value *ml.Tensor
	populated  bool
}

func layerRangeError(populated, layer int) error {
	return fmt.Errorf("cache only has %d layers, attempted to access layer with index %d", populated, layer)
}

// usableLen implements the shared capacity formula: with a bounded cache
// about to overflow, only max-new positions of the existing cache can be
// kept; otherwise everything already cached is usable.
func usableLen(c Cache, newSeqLen, layer int) (int, error) {
	prev, err := c.SeqLen(layer)
	if err != nil {
		return 0, err
	}

	if maxLen, bounded := c.MaxLen(); bounded && prev+newSeqLen > maxLen {
		return maxLen - newSeqLen, nil
	}

	return prev, nil
}
