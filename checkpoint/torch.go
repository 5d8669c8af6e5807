package checkpoint

import (
	"fmt"
	"io/fs"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/gencache/gencache/ml"
)

func parseTorch(fsys fs.FS, ps ...string) ([]Tensor, error) {
	for _, p := range ps {
		// pytorch.Load opens by path, so the fs must be rooted on disk
		if _, err := fs.Stat(fsys, p); err != nil {
			return nil, err
		}
	}

	root, ok := fsys.(interface{ Path(string) string })
	if !ok {
		return nil, fmt.Errorf("torch checkpoints require a disk-backed directory")
	}

	var ts []Tensor
	for _, p := range ps {
		pt, err := pytorch.Load(root.Path(p))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", p, err)
		}

		dict, ok := pt.(*types.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: expected a state dict, got %T", p, pt)
		}

		for _, k := range dict.Keys() {
			name, ok := k.(string)
			if !ok {
				continue
			}

			t, ok := dict.MustGet(k).(*pytorch.Tensor)
			if !ok {
				continue
			}

			var shape []uint64
			for _, dim := range t.Size {
				shape = append(shape, uint64(dim))
			}

			dtype, err := storageDType(t.Source)
			if err != nil {
				return nil, fmt.Errorf("tensor %q in %s: %w", name, p, err)
			}

			ts = append(ts, &torch{
				storage: t.Source,
				tensorBase: &tensorBase{
					name:  name,
					shape: shape,
					dtype: dtype,
				},
			})
		}
	}

	return ts, nil
}

func storageDType(s pytorch.StorageInterface) (ml.DType, error) {
	switch s.(type) {
	case *pytorch.FloatStorage:
		return ml.DTypeF32, nil
	case *pytorch.HalfStorage:
		return ml.DTypeF16, nil
	case *pytorch.BFloat16Storage:
		return ml.DTypeBF16, nil
	default:
		return 0, fmt.Errorf("unknown storage type: %T", s)
	}
}

type torch struct {
	storage pytorch.StorageInterface
	*tensorBase
}

func (pt *torch) Floats() ([]float32, error) {
	var f32s []float32
	switch s := pt.storage.(type) {
	case *pytorch.FloatStorage:
		f32s = s.Data
	case *pytorch.HalfStorage:
		f32s = s.Data
	case *pytorch.BFloat16Storage:
		f32s = s.Data
	default:
		return nil, fmt.Errorf("unknown storage type: %T", s)
	}

	if pt.repacker != nil {
		return pt.repacker(pt.Name(), f32s, pt.Shape())
	}

	return f32s, nil
}
