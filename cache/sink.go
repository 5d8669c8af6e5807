package cache

import "github.com/gencache/gencache/ml"

// Sink is a bounded sliding-window cache that always preserves a short
// prefix of "sink" tokens, after the attention sinks approach
// (https://arxiv.org/abs/2309.17453). When the window fills, the middle of
// the cache is evicted; the kept keys are re-rotated because their
// absolute position inside the window has changed.
type Sink struct {
	slots      []layerSlot
	windowLen  int
	numSink    int
	seenTokens int

	// cosSinCache memoizes the rerotation correction per incoming chunk
	// length. The same chunk length recurs every decoding step, and the
	// correction only depends on it.
	cosSinCache map[int]cosSinPair
}

type cosSinPair struct {
	cos, sin *ml.Tensor
}

func NewSinkCache(numLayers, windowLen, numSink int) *Sink {
	return &Sink{
		slots:       make([]layerSlot, numLayers),
		windowLen:   windowLen,
		numSink:     numSink,
		cosSinCache: make(map[int]cosSinPair),
	}
}

// SeenTokens returns the total number of tokens the cache has ingested,
// including tokens that have since been evicted.
func (c *Sink) SeenTokens() int { return c.seenTokens }

func rotateHalf(x *ml.Tensor) *ml.Tensor {
	d := x.Dim(x.Rank() - 1)
	x1 := x.Narrow(-1, 0, d/2)
	x2 := x.Narrow(-1, d/2, d-d/2)
	return ml.Concat(-1, x2.Neg(), x1)
}

func applyKeyRotary(key, cos, sin *ml.Tensor) *ml.Tensor {
	return key.Mul(cos).Add(rotateHalf(key).Mul(sin))
}

// rerotation returns the (cos, sin) correction that moves a key rotated at
// its original position back to its shifted position, chunkLen places
// earlier. By the angle subtraction identity:
//
//	cos(a-b) = cos(a)cos(b) + sin(a)sin(b)
//	sin(a-b) = -sin(a)cos(b) + cos(a)sin(b)
//
// computed in float32 and cast back to the key dtype.
func (c *Sink) rerotation(chunkLen int, cos, sin *ml.Tensor, dtype ml.DType) (*ml.Tensor, *ml.Tensor) {
	if pair, ok := c.cosSinCache[chunkLen]; ok {
		return pair.cos, pair.sin
	}

	cosF := cos.Cast(ml.DTypeF32)
	sinF := sin.Cast(ml.DTypeF32)

	keep := cosF.Dim(0) - c.numSink - chunkLen

	originalCos := cosF.Narrow(0, c.numSink+chunkLen, keep)
	shiftedCos := cosF.Narrow(0, c.numSink, keep)
	originalSin := sinF.Narrow(0, c.numSink+chunkLen, keep)
	shiftedSin := sinF.Narrow(0, c.numSink, keep)

	rerotCos := originalCos.Mul(shiftedCos).Add(originalSin.Mul(shiftedSin))
	rerotSin := originalSin.Neg().Mul(shiftedCos).Add(originalCos.Mul(shiftedSin))

	// unsqueeze so the correction broadcasts over batch and heads
	pair := cosSinPair{
		cos: rerotCos.Cast(dtype).Unsqueeze(0),
		sin: rerotSin.Cast(dtype).Unsqueeze(0),
	}
	c.cosSinCache[chunkLen] = pair

	return pair.cos, pair.sin
}

func (c *Sink) Update(key, value *ml.Tensor, layer int, opts *UpdateOptions) (*ml.Tensor, *ml.Tensor, error) {
	if layer < 0 || layer >= len(c.slots) {
		return nil, nil, layerRangeError(c.numPopulated(), layer)
	}

	var sin, cos *ml.Tensor
	partial := 0
	if opts != nil {
		sin, cos, partial = opts.Sin, opts.Cos, opts.PartialRotationSize
	}
	usingRope := sin != nil && cos != nil

	incoming := key.Dim(2)
	if layer == 0 {
		c.seenTokens += incoming
	}

	s := &c.slots[layer]
	switch {
	case !s.populated:
		s.key, s.value, s.populated = key, value, true

	case incoming+s.key.Dim(2) < c.windowLen:
		s.key = ml.Concat(2, s.key, key)
		s.value = ml.Concat(2, s.value, value)

	default:
		cur := s.key.Dim(2)
		sinkCount := min(c.numSink, cur)

		// A chunk longer than the non-sink window can only contribute
		// its tail; the rest would be evicted immediately anyway.
		if room := c.windowLen - c.numSink; incoming > room {
			key = key.Narrow(2, incoming-room, room)
			value = value.Narrow(2, incoming-room, room)
			incoming = room
		}

		keep := c.windowLen - c.numSink - incoming
		keysToKeep := s.key.Narrow(2, cur-keep, keep)
		valuesToKeep := s.value.Narrow(2, cur-keep, keep)

		if usingRope && keep > 0 {
			window := min(c.windowLen, cos.Dim(0))
			rerotCos, rerotSin := c.rerotation(incoming,
				cos.Narrow(0, 0, window), sin.Narrow(0, 0, window), key.DType())

			if partial > 0 {
				// partially rotated models only encode position in
				// the leading slice of the head dimension
				headDim := keysToKeep.Dim(keysToKeep.Rank() - 1)
				pass := keysToKeep.Narrow(-1, partial, headDim-partial)
				rotated := applyKeyRotary(keysToKeep.Narrow(-1, 0, partial), rerotCos, rerotSin)
				keysToKeep = ml.Concat(-1, rotated, pass)
			} else {
				keysToKeep = applyKeyRotary(keysToKeep, rerotCos, rerotSin)
			}
		}

		// values carry no positional encoding, so they are sliced the
		// same way but never rotated
		sinkKeys := s.key.Narrow(2, 0, sinkCount)
		sinkValues := s.value.Narrow(2, 0, sinkCount)
		s.key = ml.Concat(2, sinkKeys, keysToKeep, key)
		s.value = ml.Concat(2, sinkValues, valuesToKeep, value)
	}

	return s.key, s.value, nil
}

func (c *Sink) numPopulated() int {
	var n int
	for i := range c.slots {
		if c.slots[i].populated {
			n++
		}
	}
	return n
}

func (c *Sink) SeqLen(layer int) (int, error) {
	if layer < 0 || layer >= len(c.slots) || !c.slots[layer].populated {
		return 0, nil
	}
	return c.slots[layer].key.Dim(2), nil
}

func (c *Sink) MaxLen() (int, bool) { return c.windowLen, true }

func (c *Sink) UsableLen(newSeqLen, layer int) (int, error) {
	return usableLen(c, newSeqLen, layer)
}

func (c *Sink) Reorder(beamIdx []int32) {
	for i := range c.slots {
		if !c.slots[i].populated {
			continue
		}
		c.slots[i].key = c.slots[i].key.IndexSelect(0, beamIdx)
		c.slots[i].value = c.slots[i].value.IndexSelect(0, beamIdx)
	}
}
