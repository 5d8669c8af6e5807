// Package checkpoint reads pretrained-model checkpoint directories in the
// two formats the hub distributes: safetensors and torch pickle, either as
// a single file or sharded with a JSON weight index. Shards decode into
// float32 and install into a live parameter set, with a reconciliation
// report of what was missing or unexpected.
package checkpoint

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gencache/gencache/ml"
)

// Tensor describes one entry of a checkpoint shard. Payload bytes are not
// read until Floats is called.
type Tensor interface {
	Name() string
	Shape() []uint64
	DType() ml.DType
	SetRepacker(Repacker)
	Floats() ([]float32, error)
}

// Repacker rewrites a decoded payload before it is installed, for weights
// stored in a fused or permuted layout.
type Repacker func(name string, data []float32, shape []uint64) ([]float32, error)

type tensorBase struct {
	name     string
	shape    []uint64
	dtype    ml.DType
	repacker Repacker
}

func (t tensorBase) Name() string    { return t.name }
func (t tensorBase) Shape() []uint64 { return t.shape }
func (t tensorBase) DType() ml.DType { return t.dtype }

func (t *tensorBase) SetRepacker(fn Repacker) {
	t.repacker = fn
}

func (t tensorBase) elems() int {
	n := 1
	for _, dim := range t.shape {
		n *= int(dim)
	}
	return n
}

// ErrUnknownFormat reports a directory holding no recognizable checkpoint.
var ErrUnknownFormat = errors.New("unknown checkpoint format")

// DirFS returns a filesystem rooted at dir that also resolves names back
// to disk paths. Torch shards need the disk path because the pickle
// reader opens files itself.
func DirFS(dir string) fs.FS {
	return dirFS(dir)
}

type dirFS string

func (d dirFS) Open(name string) (fs.File, error) {
	return os.DirFS(string(d)).Open(name)
}

func (d dirFS) Path(name string) string {
	return filepath.Join(string(d), name)
}

// ParseTensors scans a checkpoint directory and returns descriptors for
// every tensor it holds. Sharded checkpoints are resolved through their
// weight index when one is present, otherwise by filename pattern.
func ParseTensors(fsys fs.FS) ([]Tensor, error) {
	indexes := []struct {
		name    string
		parseFn func(fs.FS, ...string) ([]Tensor, error)
	}{
		{safetensorsIndex, parseSafetensors},
		{torchIndex, parseTorch},
	}

	for _, index := range indexes {
		shards, err := shardsFromIndex(fsys, index.name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}

		return index.parseFn(fsys, shards...)
	}

	patterns := []struct {
		glob    string
		parseFn func(fs.FS, ...string) ([]Tensor, error)
	}{
		{"model-*-of-*.safetensors", parseSafetensors},
		{"model.safetensors", parseSafetensors},
		{"pytorch_model-*-of-*.bin", parseTorch},
		{"pytorch_model.bin", parseTorch},
		{"consolidated.*.pth", parseTorch},
	}

	for _, p := range patterns {
		matches, err := fs.Glob(fsys, p.glob)
		if err != nil {
			return nil, err
		}

		if len(matches) > 0 {
			return p.parseFn(fsys, matches...)
		}
	}

	return nil, ErrUnknownFormat
}
