package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/d4l3k/go-bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gencache/gencache/ml"
)

type fixtureTensor struct {
	name  string
	dtype string
	shape []uint64
	data  []float32
}

func encodePayload(t *testing.T, dtype string, data []float32) []byte {
	t.Helper()

	var buf bytes.Buffer
	switch dtype {
	case "F32":
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, data))
	case "F16":
		u16s := make([]uint16, len(data))
		for i, v := range data {
			u16s[i] = float16.Fromfloat32(v).Bits()
		}
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, u16s))
	case "BF16":
		buf.Write(bfloat16.EncodeFloat32(data))
	default:
		t.Fatalf("unknown dtype %s", dtype)
	}

	return buf.Bytes()
}

func writeSafetensors(t *testing.T, path string, tensors []fixtureTensor) {
	t.Helper()

	headers := make(map[string]safetensorMetadata, len(tensors))
	var payload bytes.Buffer
	for _, ft := range tensors {
		bts := encodePayload(t, ft.dtype, ft.data)
		start := int64(payload.Len())
		payload.Write(bts)
		headers[ft.name] = safetensorMetadata{
			Type:    ft.dtype,
			Shape:   ft.shape,
			Offsets: []int64{start, start + int64(len(bts))},
		}
	}

	header, err := json.Marshal(headers)
	require.NoError(t, err)

	var f bytes.Buffer
	require.NoError(t, binary.Write(&f, binary.LittleEndian, int64(len(header))))
	f.Write(header)
	f.Write(payload.Bytes())

	require.NoError(t, os.WriteFile(path, f.Bytes(), 0o666))
}

func TestParseSafetensors(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"), []fixtureTensor{
		{"model.norm.weight", "F32", []uint64{4}, []float32{1, 2, 3, 4}},
		{"model.embed_tokens.weight", "F16", []uint64{2, 2}, []float32{0.5, 1, 1.5, 2}},
		{"lm_head.weight", "BF16", []uint64{2, 2}, []float32{1, 2, 3, 4}},
	})

	ts, err := ParseTensors(DirFS(dir))
	require.NoError(t, err)
	require.Len(t, ts, 3)

	// header keys come back sorted
	assert.Equal(t, "lm_head.weight", ts[0].Name())
	assert.Equal(t, "model.embed_tokens.weight", ts[1].Name())
	assert.Equal(t, "model.norm.weight", ts[2].Name())

	assert.Equal(t, ml.DTypeBF16, ts[0].DType())
	assert.Equal(t, ml.DTypeF16, ts[1].DType())
	assert.Equal(t, ml.DTypeF32, ts[2].DType())

	norm, err := ts[2].Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, norm)

	embed, err := ts[1].Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 1, 1.5, 2}, embed)

	head, err := ts[0].Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, head)
	assert.Equal(t, []uint64{2, 2}, ts[0].Shape())
}

func TestParseSafetensorsSharded(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model-00001-of-00002.safetensors"), []fixtureTensor{
		{"a.weight", "F32", []uint64{2}, []float32{1, 2}},
	})
	writeSafetensors(t, filepath.Join(dir, "model-00002-of-00002.safetensors"), []fixtureTensor{
		{"b.weight", "F32", []uint64{2}, []float32{3, 4}},
	})

	ts, err := ParseTensors(DirFS(dir))
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, "a.weight", ts[0].Name())
	assert.Equal(t, "b.weight", ts[1].Name())
}

func TestParseUnknownFormat(t *testing.T) {
	_, err := ParseTensors(DirFS(t.TempDir()))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestParseSafetensorsMetadataEntry(t *testing.T) {
	dir := t.TempDir()

	// hand-rolled file with a __metadata__ entry, which has no dtype
	header, err := json.Marshal(map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"w": safetensorMetadata{
			Type:    "F32",
			Shape:   []uint64{1},
			Offsets: []int64{0, 4},
		},
	})
	require.NoError(t, err)

	var f bytes.Buffer
	require.NoError(t, binary.Write(&f, binary.LittleEndian, int64(len(header))))
	f.Write(header)
	require.NoError(t, binary.Write(&f, binary.LittleEndian, []float32{7}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.safetensors"), f.Bytes(), 0o666))

	ts, err := ParseTensors(DirFS(dir))
	require.NoError(t, err)
	require.Len(t, ts, 1)

	data, err := ts[0].Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{7}, data)
}
