package checkpoint

import (
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/gencache/gencache/ml"
)

// Result reports how a checkpoint reconciled against the parameter set it
// was loaded into.
type Result struct {
	// Loaded names the parameters filled from the checkpoint.
	Loaded []string
	// Missing names the parameters the checkpoint did not provide.
	Missing []string
	// Unexpected names checkpoint tensors with no matching parameter.
	Unexpected []string
}

// Load reads every tensor a checkpoint directory holds into a fresh
// parameter set, decoding shards concurrently.
func Load(fsys fs.FS) (map[string]*ml.Tensor, error) {
	ts, err := ParseTensors(fsys)
	if err != nil {
		return nil, err
	}

	params := make(map[string]*ml.Tensor, len(ts))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(4)
	for _, t := range ts {
		g.Go(func() error {
			data, err := t.Floats()
			if err != nil {
				return fmt.Errorf("read %s: %w", t.Name(), err)
			}

			shape := make([]int, len(t.Shape()))
			elems := 1
			for i, dim := range t.Shape() {
				shape[i] = int(dim)
				elems *= int(dim)
			}
			if len(data) != elems {
				return fmt.Errorf("tensor %q: decoded %d elements for shape %v", t.Name(), len(data), shape)
			}

			mu.Lock()
			defer mu.Unlock()
			if _, ok := params[t.Name()]; ok {
				return fmt.Errorf("duplicate tensor %q", t.Name())
			}
			params[t.Name()] = ml.FromFloats(data, shape...).Cast(t.DType())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return params, nil
}

// LoadInto fills a live parameter set from a checkpoint directory. Only
// names already present in params are written; each write requires the
// checkpoint shape to match the parameter shape exactly. The returned
// Result lists what was loaded, what the checkpoint lacked and what it
// carried that params has no slot for.
func LoadInto(fsys fs.FS, params map[string]*ml.Tensor) (*Result, error) {
	ts, err := ParseTensors(fsys)
	if err != nil {
		return nil, err
	}

	return Install(ts, params)
}

// Install decodes parsed tensors into a live parameter set. Callers that
// need repacking attach repackers to the tensors first.
func Install(ts []Tensor, params map[string]*ml.Tensor) (*Result, error) {
	var res Result
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(4)
	for _, t := range ts {
		dst, ok := params[t.Name()]
		if !ok {
			res.Unexpected = append(res.Unexpected, t.Name())
			continue
		}

		g.Go(func() error {
			shape := make([]int, len(t.Shape()))
			for i, dim := range t.Shape() {
				shape[i] = int(dim)
			}
			if !slices.Equal(shape, dst.Shape()) {
				return fmt.Errorf("tensor %q: checkpoint shape %v does not match parameter shape %v",
					t.Name(), shape, dst.Shape())
			}

			data, err := t.Floats()
			if err != nil {
				return fmt.Errorf("read %s: %w", t.Name(), err)
			}

			if err := dst.CopyFrom(data); err != nil {
				return fmt.Errorf("install %s: %w", t.Name(), err)
			}

			mu.Lock()
			res.Loaded = append(res.Loaded, t.Name())
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	loaded := make(map[string]struct{}, len(res.Loaded))
	for _, name := range res.Loaded {
		loaded[name] = struct{}{}
	}
	for _, name := range maps.Keys(params) {
		if _, ok := loaded[name]; !ok {
			res.Missing = append(res.Missing, name)
		}
	}

	slices.Sort(res.Loaded)
	slices.Sort(res.Missing)
	slices.Sort(res.Unexpected)

	if len(res.Missing) > 0 {
		slog.Warn("checkpoint is missing parameters", "count", len(res.Missing), "first", res.Missing[0])
	}
	if len(res.Unexpected) > 0 {
		slog.Warn("checkpoint holds unexpected tensors", "count", len(res.Unexpected), "first", res.Unexpected[0])
	}

	return &res, nil
}
