package cache

import "github.com/gencache/gencache/ml"

// Dynamic is an unbounded cache that grows as tokens are generated. Each
// layer's entry is replaced with the concatenation of the old entry and
// the incoming chunk; nothing is ever evicted.
type Dynamic struct {
	slots []layerSlot

	// seenTokens tallies how many tokens layer 0 has ingested. Every
	// layer sees the same sequence, so counting one layer is enough.
	seenTokens int
}

func NewDynamicCache(numLayers int) *Dynamic {
	return &Dynamic{slots: make([]layerSlot, numLayers)}
}

// DynamicFromLegacy reconstructs a dynamic cache from the legacy
// nested-tuple format by replaying one update per layer.
func DynamicFromLegacy(entries []LegacyEntry) *Dynamic {
	c := NewDynamicCache(len(entries))
	for i, e := range entries {
		c.Update(e.Key, e.Value, i, nil)
	}
	return c
}

// NumLayers returns the number of populated layers.
func (c *Dynamic) NumLayers() int {
	var n int
	for i := range c.slots {
		if c.slots[i].populated {
			n++
		}
	}
	return n
}

// SeenTokens returns the total number of tokens the cache has ingested.
func (c *Dynamic) SeenTokens() int { return c.seenTokens }

// Layer returns the cached key and value tensors for one layer.
func (c *Dynamic) Layer(layer int) (*ml.Tensor, *ml.Tensor, error) {
	if layer < 0 || layer >= len(c.slots) || !c.slots[layer].populated {
		return nil, nil, layerRangeError(c.NumLayers(), layer)
	}
	return c.slots[layer].key, c.slots[layer].value, nil
}

func (c *Dynamic) Update(key, value *ml.Tensor, layer int, _ *UpdateOptions) (*ml.Tensor, *ml.Tensor, error) {
	if layer < 0 || layer >= len(c.slots) {
		return nil, nil, layerRangeError(c.NumLayers(), layer)
	}

	if layer == 0 {
		c.seenTokens += key.Dim(2)
	}

	s := &c.slots[layer]
	if !s.populated {
		s.key, s.value, s.populated = key, value, true
	} else {
		s.key = ml.Concat(2, s.key, key)
		s.value = ml.Concat(2, s.value, value)
	}

	return s.key, s.value, nil
}

func (c *Dynamic) SeqLen(layer int) (int, error) {
	if layer < 0 || layer >= len(c.slots) || !c.slots[layer].populated {
		return 0, nil
	}
	return c.slots[layer].key.Dim(2), nil
}

func (c *Dynamic) MaxLen() (int, bool) { return 0, false }

func (c *Dynamic) UsableLen(newSeqLen, layer int) (int, error) {
	return usableLen(c, newSeqLen, layer)
}

func (c *Dynamic) Reorder(beamIdx []int32) {
	for i := range c.slots {
		if !c.slots[i].populated {
			continue
		}
		c.slots[i].key = c.slots[i].key.IndexSelect(0, beamIdx)
		c.slots[i].value = c.slots[i].value.IndexSelect(0, beamIdx)
	}
}

// ToLegacy flattens the populated layers into the legacy nested-tuple
// format. The round trip through DynamicFromLegacy is lossless.
func (c *Dynamic) ToLegacy() []LegacyEntry {
	var entries []LegacyEntry
	for i := range c.slots {
		if !c.slots[i].populated {
			break
		}
		entries = append(entries, LegacyEntry{Key: c.slots[i].key, Value: c.slots[i].value})
	}
	return entries
}
