package cache

import (
	"errors"
	"slices"
	"testing"

	"github.com/gencache/gencache/ml"
	"github.com/gencache/gencache/model"
)

var testConfig = model.Config{
	NumHiddenLayers:       2,
	NumAttentionHeads:     2,
	HiddenSize:            4,
	MaxPositionEmbeddings: 8,
}

func TestStaticAllocation(t *testing.T) {
	tests := []struct {
		name   string
		config model.Config
		maxLen int
		shape  []int
	}{
		{
			name:   "DefaultsFromConfig",
			config: testConfig,
			maxLen: 0,
			shape:  []int{1, 2, 8, 2},
		},
		{
			name: "GroupedQueryHeads",
			config: model.Config{
				NumAttentionHeads:     8,
				NumKeyValueHeads:      2,
				HiddenSize:            16,
				MaxPositionEmbeddings: 8,
			},
			maxLen: 4,
			shape:  []int{1, 2, 4, 2},
		},
		{
			name: "ExplicitHeadDim",
			config: model.Config{
				NumAttentionHeads:     2,
				HiddenSize:            4,
				HeadDim:               6,
				MaxPositionEmbeddings: 8,
			},
			maxLen: 4,
			shape:  []int{1, 2, 4, 6},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewStaticCache(tt.config, 1, tt.maxLen, ml.DTypeF32)
			key, value, err := c.Update(ml.Zeros(ml.DTypeF32, tt.shape[0], tt.shape[1], 1, tt.shape[3]),
				ml.Zeros(ml.DTypeF32, tt.shape[0], tt.shape[1], 1, tt.shape[3]), 0,
				&UpdateOptions{CachePosition: ml.FromInts([]int32{0}, 1)})
			if err != nil {
				t.Fatalf("update: %v", err)
			}

			if !slices.Equal(key.Shape(), tt.shape) {
				t.Errorf("have key shape %v; want %v", key.Shape(), tt.shape)
			}
			if !slices.Equal(value.Shape(), tt.shape) {
				t.Errorf("have value shape %v; want %v", value.Shape(), tt.shape)
			}
		})
	}
}

func TestStaticAddressing(t *testing.T) {
	c := NewStaticCache(testConfig, 1, 0, ml.DTypeF32)

	src := ml.FromFloats([]float32{
		1, 2, 3, 4, 5, 6, // head 0, positions 5..7
		7, 8, 9, 10, 11, 12, // head 1
	}, 1, 2, 3, 2)

	key, _, err := c.Update(src, src, 0, &UpdateOptions{CachePosition: ml.FromInts([]int32{5, 6, 7}, 3)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	vals := key.Floats()
	headLen := 8 * 2

	// positions outside the written range stay zero
	for h := 0; h < 2; h++ {
		for i := 0; i < 5*2; i++ {
			if vals[h*headLen+i] != 0 {
				t.Fatalf("unwritten slot %d of head %d: have %v; want 0", i, h, vals[h*headLen+i])
			}
		}
	}

	// written positions carry the written values
	if have := vals[5*2 : 8*2]; !slices.Equal(have, []float32{1, 2, 3, 4, 5, 6}) {
		t.Errorf("head 0: have %v; want [1 2 3 4 5 6]", have)
	}
	if have := vals[headLen+5*2 : headLen+8*2]; !slices.Equal(have, []float32{7, 8, 9, 10, 11, 12}) {
		t.Errorf("head 1: have %v; want [7 8 9 10 11 12]", have)
	}

	// later writes overwrite in place and leave the rest alone
	one := ml.FromFloats([]float32{100, 100, 200, 200}, 1, 2, 1, 2)
	key, _, err = c.Update(one, one, 0, &UpdateOptions{CachePosition: ml.FromInts([]int32{6}, 1)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	vals = key.Floats()
	if vals[6*2] != 100 || vals[7*2] != 5 {
		t.Errorf("in-place write: have (%v, %v); want (100, 5)", vals[6*2], vals[7*2])
	}
}

func TestStaticSeqLenUnsupported(t *testing.T) {
	c := NewStaticCache(testConfig, 1, 0, ml.DTypeF32)

	if _, err := c.SeqLen(0); !errors.Is(err, ErrNotSupported) {
		t.Errorf("seq len: have %v; want ErrNotSupported", err)
	}
	if _, err := c.UsableLen(1, 0); !errors.Is(err, ErrNotSupported) {
		t.Errorf("usable len: have %v; want ErrNotSupported", err)
	}
}

func TestStaticRequiresCachePosition(t *testing.T) {
	c := NewStaticCache(testConfig, 1, 0, ml.DTypeF32)
	in := ml.Zeros(ml.DTypeF32, 1, 2, 1, 2)

	if _, _, err := c.Update(in, in, 0, nil); err == nil {
		t.Errorf("update without cache positions did not fail")
	}
	if _, _, err := c.Update(in, in, 0, &UpdateOptions{CachePosition: ml.FromInts([]int32{0, 1}, 2)}); err == nil {
		t.Errorf("update with mismatched cache positions did not fail")
	}
}

func TestStaticMaxLen(t *testing.T) {
	c := NewStaticCache(testConfig, 1, 0, ml.DTypeF32)
	if maxLen, bounded := c.MaxLen(); !bounded || maxLen != 8 {
		t.Errorf("have (%d, %v); want (8, true)", maxLen, bounded)
	}

	c = NewStaticCache(testConfig, 1, 16, ml.DTypeF32)
	if maxLen, _ := c.MaxLen(); maxLen != 16 {
		t.Errorf("have %d; want 16", maxLen)
	}
}

func TestStaticReorder(t *testing.T) {
	config := model.Config{
		NumAttentionHeads:     1,
		HiddenSize:            1,
		MaxPositionEmbeddings: 2,
	}
	c := NewStaticCache(config, 2, 0, ml.DTypeF32)

	src := ml.FromFloats([]float32{1, 2, 3, 4}, 2, 1, 2, 1)
	c.Update(src, src, 0, &UpdateOptions{CachePosition: ml.FromInts([]int32{0, 1}, 2)})

	c.Reorder([]int32{1, 0})

	key, _, err := c.Update(ml.Zeros(ml.DTypeF32, 2, 1, 0, 1), ml.Zeros(ml.DTypeF32, 2, 1, 0, 1), 0,
		&UpdateOptions{CachePosition: ml.FromInts([]int32{}, 0)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if want := []float32{3, 4, 1, 2}; !slices.Equal(key.Floats(), want) {
		t.Errorf("have %v; want %v", key.Floats(), want)
	}
}

func TestStaticLegacyUnsupported(t *testing.T) {
	c := NewStaticCache(testConfig, 1, 0, ml.DTypeF32)
	if entries := c.ToLegacy(); entries != nil {
		t.Errorf("have %v; want nil", entries)
	}

	// Static still satisfies the exporter contract callers assert on
	var _ LegacyExporter = c
	var _ Cache = c
}
