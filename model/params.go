package model

import "fmt"

// ParamShapes derives the named parameter set of a llama-family causal
// language model from its configuration, keyed by checkpoint tensor name.
// It returns nil when the configuration lacks the fields needed to derive
// the set. MLP projections are included only when intermediate_size is
// declared.
func (c Config) ParamShapes() map[string][]int {
	if c.HiddenSize == 0 || c.NumAttentionHeads == 0 || c.NumHiddenLayers == 0 || c.VocabSize == 0 {
		return nil
	}

	headDim := c.HeadDimension()
	qDim := c.NumAttentionHeads * headDim
	kvDim := c.KVHeads() * headDim

	shapes := map[string][]int{
		"model.embed_tokens.weight": {c.VocabSize, c.HiddenSize},
		"model.norm.weight":         {c.HiddenSize},
		"lm_head.weight":            {c.VocabSize, c.HiddenSize},
	}

	for i := 0; i < c.NumHiddenLayers; i++ {
		layer := func(suffix string) string {
			return fmt.Sprintf("model.layers.%d.%s", i, suffix)
		}

		shapes[layer("self_attn.q_proj.weight")] = []int{qDim, c.HiddenSize}
		shapes[layer("self_attn.k_proj.weight")] = []int{kvDim, c.HiddenSize}
		shapes[layer("self_attn.v_proj.weight")] = []int{kvDim, c.HiddenSize}
		shapes[layer("self_attn.o_proj.weight")] = []int{c.HiddenSize, qDim}
		shapes[layer("input_layernorm.weight")] = []int{c.HiddenSize}
		shapes[layer("post_attention_layernorm.weight")] = []int{c.HiddenSize}

		if c.IntermediateSize > 0 {
			shapes[layer("mlp.gate_proj.weight")] = []int{c.IntermediateSize, c.HiddenSize}
			shapes[layer("mlp.up_proj.weight")] = []int{c.IntermediateSize, c.HiddenSize}
			shapes[layer("mlp.down_proj.weight")] = []int{c.HiddenSize, c.IntermediateSize}
		}
	}

	return shapes
}
