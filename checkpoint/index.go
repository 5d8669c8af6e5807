package checkpoint

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"slices"

	"golang.org/x/exp/maps"
)

const (
	safetensorsIndex = "model.safetensors.index.json"
	torchIndex       = "pytorch_model.bin.index.json"
)

type weightIndex struct {
	Metadata struct {
		TotalSize int64 `json:"total_size"`
	} `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

func readIndex(fsys fs.FS, name string) (*weightIndex, error) {
	bts, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}

	var index weightIndex
	if err := json.Unmarshal(bts, &index); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	return &index, nil
}

// shardsFromIndex returns the sorted, deduplicated shard filenames an
// index refers to, verifying each one exists.
func shardsFromIndex(fsys fs.FS, name string) ([]string, error) {
	index, err := readIndex(fsys, name)
	if err != nil {
		return nil, err
	}

	shards := maps.Values(index.WeightMap)
	slices.Sort(shards)
	shards = slices.Compact(shards)

	for _, shard := range shards {
		if _, err := fs.Stat(fsys, shard); err != nil {
			return nil, fmt.Errorf("%s refers to %s: %w", name, shard, err)
		}
	}

	return shards, nil
}

// VerifyIndex cross-checks a shard index against the tensors actually
// present in its shards: every indexed weight must appear in the shard
// the index names, and no shard may carry weights the index omits.
func VerifyIndex(fsys fs.FS) error {
	var indexName string
	var parseFn func(fs.FS, ...string) ([]Tensor, error)
	for _, candidate := range []struct {
		name    string
		parseFn func(fs.FS, ...string) ([]Tensor, error)
	}{
		{safetensorsIndex, parseSafetensors},
		{torchIndex, parseTorch},
	} {
		if _, err := fs.Stat(fsys, candidate.name); err == nil {
			indexName, parseFn = candidate.name, candidate.parseFn
			break
		}
	}

	if indexName == "" {
		return fmt.Errorf("no shard index: %w", fs.ErrNotExist)
	}

	index, err := readIndex(fsys, indexName)
	if err != nil {
		return err
	}

	seen := make(map[string]string)
	shards, err := shardsFromIndex(fsys, indexName)
	if err != nil {
		return err
	}

	for _, shard := range shards {
		ts, err := parseFn(fsys, shard)
		if err != nil {
			return err
		}

		for _, t := range ts {
			seen[t.Name()] = shard
		}
	}

	keys := maps.Keys(index.WeightMap)
	slices.Sort(keys)
	for _, key := range keys {
		shard, ok := seen[key]
		if !ok {
			return fmt.Errorf("indexed weight %q not found in any shard", key)
		}
		if shard != index.WeightMap[key] {
			return fmt.Errorf("weight %q indexed in %s but stored in %s", key, index.WeightMap[key], shard)
		}
	}

	for name, shard := range seen {
		if _, ok := index.WeightMap[name]; !ok {
			return fmt.Errorf("shard %s holds unindexed weight %q", shard, name)
		}
	}

	return nil
}
