package checkpoint

import (
	"fmt"
	"regexp"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/gencache/gencache/model"
)

var (
	queryWeight = regexp.MustCompile(`self_attn\.q_proj\.weight$`)
	keyWeight   = regexp.MustCompile(`self_attn\.k_proj\.weight$`)
)

// AttachRepackers marks the attention query and key projections of a
// llama-family checkpoint for head un-interleaving. Those weights are
// stored with each head's rotary halves interleaved; decoding expects
// the halves contiguous.
func AttachRepackers(ts []Tensor, config model.Config) {
	for _, t := range ts {
		switch {
		case queryWeight.MatchString(t.Name()):
			t.SetRepacker(headRepacker(config.NumAttentionHeads))
		case keyWeight.MatchString(t.Name()):
			t.SetRepacker(headRepacker(config.KVHeads()))
		}
	}
}

func headRepacker(heads int) Repacker {
	return func(name string, data []float32, shape []uint64) ([]float32, error) {
		if len(shape) != 2 {
			return nil, fmt.Errorf("repack %s: want a matrix, got shape %v", name, shape)
		}

		dims := []int{int(shape[0]), int(shape[1])}
		if dims[0]%(heads*2) != 0 {
			return nil, fmt.Errorf("repack %s: %d rows not divisible by %d heads", name, dims[0], heads)
		}

		n := tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data))
		if err := n.Reshape(heads, 2, dims[0]/heads/2, dims[1]); err != nil {
			return nil, err
		}

		if err := n.T(0, 2, 1, 3); err != nil {
			return nil, err
		}

		if err := n.Reshape(dims...); err != nil {
			return nil, err
		}

		if err := n.Transpose(); err != nil {
			return nil, err
		}

		rows, err := native.SelectF32(n, 1)
		if err != nil {
			return nil, err
		}

		f32s := make([]float32, 0, dims[0]*dims[1])
		for _, row := range rows {
			f32s = append(f32s, row...)
		}

		return f32s, nil
	}
}
