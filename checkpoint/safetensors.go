package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/gencache/gencache/ml"
)

type safetensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

func parseSafetensors(fsys fs.FS, ps ...string) ([]Tensor, error) {
	var ts []Tensor
	for _, p := range ps {
		f, err := fsys.Open(p)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		var n int64
		if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
			return nil, err
		}

		b := bytes.NewBuffer(make([]byte, 0, n))
		if _, err = io.CopyN(b, f, n); err != nil {
			return nil, err
		}

		var headers map[string]safetensorMetadata
		if err := json.NewDecoder(b).Decode(&headers); err != nil {
			return nil, err
		}

		keys := maps.Keys(headers)
		slices.Sort(keys)

		for _, key := range keys {
			value := headers[key]
			if value.Type == "" {
				// the __metadata__ entry
				continue
			}

			if len(value.Shape) == 0 {
				return nil, fmt.Errorf("tensor %q in %s has no shape", key, p)
			}

			dtype, err := ml.ParseDType(value.Type)
			if err != nil {
				return nil, fmt.Errorf("tensor %q in %s: %w", key, p, err)
			}

			ts = append(ts, &safetensor{
				fs:     fsys,
				path:   p,
				dtype:  value.Type,
				offset: safetensorsPad(n, value.Offsets[0]),
				size:   safetensorsPad(n, value.Offsets[1]) - safetensorsPad(n, value.Offsets[0]),
				tensorBase: &tensorBase{
					name:  key,
					shape: value.Shape,
					dtype: dtype,
				},
			})
		}
	}

	return ts, nil
}

// safetensorsPad returns the absolute file offset for a payload offset,
// past the 8-byte length prefix and the n-byte JSON header.
func safetensorsPad(n, offset int64) int64 {
	return 8 + n + offset
}

type safetensor struct {
	fs     fs.FS
	path   string
	dtype  string
	offset int64
	size   int64
	*tensorBase
}

func (st *safetensor) Floats() ([]float32, error) {
	f, err := st.fs.Open(st.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if seeker, ok := f.(io.Seeker); ok {
		if _, err := seeker.Seek(st.offset, io.SeekStart); err != nil {
			return nil, err
		}
	} else {
		if _, err := io.CopyN(io.Discard, f, st.offset); err != nil {
			return nil, err
		}
	}

	var f32s []float32
	switch st.dtype {
	case "F32":
		f32s = make([]float32, st.size/4)
		if err = binary.Read(f, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case "F16":
		u16s := make([]uint16, st.size/2)
		if err = binary.Read(f, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		u8s := make([]uint8, st.size)
		if err = binary.Read(f, binary.LittleEndian, u8s); err != nil {
			return nil, err
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	default:
		return nil, fmt.Errorf("unknown data type: %s", st.dtype)
	}

	if want := st.elems(); len(f32s) != want {
		return nil, fmt.Errorf("tensor %q: decoded %d elements for shape %v", st.name, len(f32s), st.shape)
	}

	if st.repacker != nil {
		return st.repacker(st.Name(), f32s, st.Shape())
	}

	return f32s, nil
}
