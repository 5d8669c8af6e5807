package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gencache/gencache/ml"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"), []fixtureTensor{
		{"model.norm.weight", "F32", []uint64{4}, []float32{1, 2, 3, 4}},
		{"model.embed_tokens.weight", "F32", []uint64{2, 3}, []float32{1, 2, 3, 4, 5, 6}},
	})

	params, err := Load(DirFS(dir))
	require.NoError(t, err)
	require.Len(t, params, 2)

	assert.Equal(t, []int{4}, params["model.norm.weight"].Shape())
	assert.Equal(t, []int{2, 3}, params["model.embed_tokens.weight"].Shape())
	assert.Equal(t, []float32{1, 2, 3, 4}, params["model.norm.weight"].Floats())
}

func TestLoadInto(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"), []fixtureTensor{
		{"model.norm.weight", "F32", []uint64{4}, []float32{1, 2, 3, 4}},
		{"rotary.inv_freq", "F32", []uint64{2}, []float32{1, 0.1}},
	})

	params := map[string]*ml.Tensor{
		"model.norm.weight": ml.Zeros(ml.DTypeF32, 4),
		"lm_head.weight":    ml.Zeros(ml.DTypeF32, 2, 2),
	}

	res, err := LoadInto(DirFS(dir), params)
	require.NoError(t, err)

	assert.Equal(t, []string{"model.norm.weight"}, res.Loaded)
	assert.Equal(t, []string{"lm_head.weight"}, res.Missing)
	assert.Equal(t, []string{"rotary.inv_freq"}, res.Unexpected)

	assert.Equal(t, []float32{1, 2, 3, 4}, params["model.norm.weight"].Floats())
}

func TestLoadIntoShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"), []fixtureTensor{
		{"model.norm.weight", "F32", []uint64{4}, []float32{1, 2, 3, 4}},
	})

	params := map[string]*ml.Tensor{
		"model.norm.weight": ml.Zeros(ml.DTypeF32, 8),
	}

	_, err := LoadInto(DirFS(dir), params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestLoadDecodesHalfPrecision(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"), []fixtureTensor{
		{"w", "F16", []uint64{2}, []float32{0.5, -2}},
	})

	params, err := Load(DirFS(dir))
	require.NoError(t, err)

	w := params["w"]
	require.NotNil(t, w)
	assert.Equal(t, ml.DTypeF16, w.DType())
	assert.Equal(t, []float32{0.5, -2}, w.Floats())
}
