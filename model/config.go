// Package model holds the configuration contract shared by the cache and
// checkpoint packages: the handful of fields a pretrained model's
// config.json declares that shape its key/value state.
package model

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gencache/gencache/ml"
)

type Config struct {
	Architectures         []string `json:"architectures"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	NumKeyValueHeads      int      `json:"num_key_value_heads"`
	HiddenSize            int      `json:"hidden_size"`
	IntermediateSize      int      `json:"intermediate_size"`
	HeadDim               int      `json:"head_dim"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	VocabSize             int      `json:"vocab_size"`
	TorchDtype            string   `json:"torch_dtype"`
}

// KVHeads returns the number of key/value heads, falling back to the
// attention head count for models without grouped-query attention.
func (c Config) KVHeads() int {
	if c.NumKeyValueHeads > 0 {
		return c.NumKeyValueHeads
	}
	return c.NumAttentionHeads
}

// HeadDimension returns the per-head width. Some models declare a custom
// head_dim that differs from hidden_size / num_attention_heads.
func (c Config) HeadDimension() int {
	if c.HeadDim > 0 {
		return c.HeadDim
	}
	return c.HiddenSize / c.NumAttentionHeads
}

// DType maps the declared torch_dtype to a tensor dtype, defaulting to
// float32 when absent or unrecognized.
func (c Config) DType() ml.DType {
	switch c.TorchDtype {
	case "float16":
		return ml.DTypeF16
	case "bfloat16":
		return ml.DTypeBF16
	default:
		return ml.DTypeF32
	}
}

// LoadConfig reads config.json from a checkpoint directory.
func LoadConfig(dir string) (*Config, error) {
	f, err := os.Open(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var config Config
	if err := json.NewDecoder(f).Decode(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
