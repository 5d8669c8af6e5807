// Package ml provides the dense CPU tensors that back generation-time
// state. Values are stored as float32 regardless of the declared dtype;
// Cast rounds values through the declared precision so that numeric
// behavior matches what a narrower type would produce.
package ml

import (
	"fmt"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Tensor is a dense row-major tensor. Shape mismatches panic; callers are
// expected to hand in tensors whose shapes already agree, the same way a
// numerical backend would assert on malformed graphs.
type Tensor struct {
	dtype DType
	shape []int
	data  []float32
}

func numElems(shape []int) int {
	n := 1
	for _, s := range shape {
		if s < 0 {
			panic(fmt.Errorf("invalid tensor shape %v", shape))
		}
		n *= s
	}
	return n
}

func Zeros(dtype DType, shape ...int) *Tensor {
	return &Tensor{
		dtype: dtype,
		shape: slices.Clone(shape),
		data:  make([]float32, numElems(shape)),
	}
}

func FromFloats(s []float32, shape ...int) *Tensor {
	if len(s) != numElems(shape) {
		panic(fmt.Errorf("shape %v does not match %d elements", shape, len(s)))
	}

	t := Zeros(DTypeF32, shape...)
	copy(t.data, s)
	return t
}

func FromInts(s []int32, shape ...int) *Tensor {
	f := make([]float32, len(s))
	for i := range s {
		f[i] = float32(s[i])
	}

	t := FromFloats(f, shape...)
	t.dtype = DTypeI32
	return t
}

func (t *Tensor) DType() DType { return t.dtype }

func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

func (t *Tensor) Rank() int { return len(t.shape) }

func (t *Tensor) Dim(n int) int { return t.shape[n] }

// Elems returns the number of elements in the tensor.
func (t *Tensor) Elems() int { return len(t.data) }

// Bytes returns the serialized size of the tensor for its declared dtype.
func (t *Tensor) Bytes() int64 { return int64(len(t.data)) * int64(t.dtype.ElementSize()) }

func (t *Tensor) Floats() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *Tensor) Ints() []int32 {
	out := make([]int32, len(t.data))
	for i, v := range t.data {
		out[i] = int32(v)
	}
	return out
}

func (t *Tensor) Clone() *Tensor {
	out := Zeros(t.dtype, t.shape...)
	copy(out.data, t.data)
	return out
}

// CopyFrom overwrites the tensor's contents in place.
func (t *Tensor) CopyFrom(s []float32) error {
	if len(s) != len(t.data) {
		return fmt.Errorf("cannot copy %d elements into tensor of shape %v", len(s), t.shape)
	}

	copy(t.data, s)
	return nil
}

// Cast returns a copy with the requested dtype. Narrowing to F16 or BF16
// rounds every value through the narrower representation.
func (t *Tensor) Cast(dtype DType) *Tensor {
	out := t.Clone()
	out.dtype = dtype

	switch dtype {
	case DTypeF16:
		for i, v := range out.data {
			out.data[i] = float16.Fromfloat32(v).Float32()
		}
	case DTypeBF16:
		rounded := bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(out.data))
		copy(out.data, rounded)
	case DTypeI32:
		for i, v := range out.data {
			out.data[i] = float32(int32(v))
		}
	}

	return out
}

func (t *Tensor) axis(n int) int {
	if n < 0 {
		n += len(t.shape)
	}
	if n < 0 || n >= len(t.shape) {
		panic(fmt.Errorf("axis %d out of range for shape %v", n, t.shape))
	}
	return n
}

// blocks returns the element counts before and after an axis: the number of
// outer repetitions and the size of one inner row.
func (t *Tensor) blocks(axis int) (outer, inner int) {
	outer, inner = 1, 1
	for _, s := range t.shape[:axis] {
		outer *= s
	}
	for _, s := range t.shape[axis+1:] {
		inner *= s
	}
	return outer, inner
}

// Concat concatenates tensors along the given axis. All other dimensions
// must agree.
func Concat(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("concat of no tensors")
	}

	axis = ts[0].axis(axis)

	total := 0
	for _, t := range ts {
		if len(t.shape) != len(ts[0].shape) {
			panic(fmt.Errorf("concat rank mismatch: %v vs %v", ts[0].shape, t.shape))
		}
		for i := range t.shape {
			if i != axis && t.shape[i] != ts[0].shape[i] {
				panic(fmt.Errorf("concat shape mismatch on axis %d: %v vs %v", axis, ts[0].shape, t.shape))
			}
		}
		total += t.shape[axis]
	}

	shape := slices.Clone(ts[0].shape)
	shape[axis] = total
	out := Zeros(ts[0].dtype, shape...)

	outer, inner := out.blocks(axis)
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			n := t.shape[axis] * inner
			copy(out.data[pos:pos+n], t.data[o*n:(o+1)*n])
			pos += n
		}
	}

	return out
}

// Narrow returns a copy of the slice [start, start+length) along axis.
func (t *Tensor) Narrow(axis, start, length int) *Tensor {
	axis = t.axis(axis)
	if start < 0 || length < 0 || start+length > t.shape[axis] {
		panic(fmt.Errorf("narrow [%d, %d) out of range for axis %d of shape %v", start, start+length, axis, t.shape))
	}

	shape := slices.Clone(t.shape)
	shape[axis] = length
	out := Zeros(t.dtype, shape...)

	outer, inner := t.blocks(axis)
	row := t.shape[axis] * inner
	for o := 0; o < outer; o++ {
		src := t.data[o*row+start*inner : o*row+(start+length)*inner]
		copy(out.data[o*length*inner:], src)
	}

	return out
}

// IndexSelect gathers the given indices along axis, in order. Used for
// beam reordering, where axis 0 is the batch dimension.
func (t *Tensor) IndexSelect(axis int, idx []int32) *Tensor {
	axis = t.axis(axis)

	shape := slices.Clone(t.shape)
	shape[axis] = len(idx)
	out := Zeros(t.dtype, shape...)

	outer, inner := t.blocks(axis)
	row := t.shape[axis] * inner
	for o := 0; o < outer; o++ {
		for j, ix := range idx {
			if ix < 0 || int(ix) >= t.shape[axis] {
				panic(fmt.Errorf("index %d out of range for axis %d of shape %v", ix, axis, t.shape))
			}
			src := t.data[o*row+int(ix)*inner : o*row+(int(ix)+1)*inner]
			copy(out.data[(o*len(idx)+j)*inner:], src)
		}
	}

	return out
}

// SetRows writes src into the tensor in place at the given positions along
// axis. src must match the tensor's shape except on axis, where its length
// must equal len(rows).
func (t *Tensor) SetRows(axis int, rows []int32, src *Tensor) {
	axis = t.axis(axis)
	if len(src.shape) != len(t.shape) || src.shape[axis] != len(rows) {
		panic(fmt.Errorf("set rows: source shape %v does not match %d rows of %v", src.shape, len(rows), t.shape))
	}
	for i := range t.shape {
		if i != axis && src.shape[i] != t.shape[i] {
			panic(fmt.Errorf("set rows shape mismatch on axis %d: %v vs %v", axis, t.shape, src.shape))
		}
	}

	outer, inner := t.blocks(axis)
	row := t.shape[axis] * inner
	srcRow := len(rows) * inner
	for o := 0; o < outer; o++ {
		for j, ix := range rows {
			if ix < 0 || int(ix) >= t.shape[axis] {
				panic(fmt.Errorf("row %d out of range for axis %d of shape %v", ix, axis, t.shape))
			}
			dst := t.data[o*row+int(ix)*inner : o*row+(int(ix)+1)*inner]
			copy(dst, src.data[o*srcRow+j*inner:o*srcRow+(j+1)*inner])
		}
	}
}

// Unsqueeze returns a copy with a new axis of length 1 inserted.
func (t *Tensor) Unsqueeze(axis int) *Tensor {
	if axis < 0 {
		axis += len(t.shape) + 1
	}
	if axis < 0 || axis > len(t.shape) {
		panic(fmt.Errorf("axis %d out of range for shape %v", axis, t.shape))
	}

	shape := slices.Insert(slices.Clone(t.shape), axis, 1)
	out := t.Clone()
	out.shape = shape
	return out
}

func (t *Tensor) Neg() *Tensor {
	out := t.Clone()
	for i := range out.data {
		out.data[i] = -out.data[i]
	}
	return out
}

func (t *Tensor) Add(t2 *Tensor) *Tensor {
	return broadcast(t, t2, func(x, y float32) float32 { return x + y })
}

func (t *Tensor) Mul(t2 *Tensor) *Tensor {
	return broadcast(t, t2, func(x, y float32) float32 { return x * y })
}

// broadcastShape aligns shapes from the trailing axis, expanding length-1
// dimensions the way a numerical library would.
func broadcastShape(a, b []int) []int {
	rank := max(len(a), len(b))
	shape := make([]int, rank)
	for i := 0; i < rank; i++ {
		ad, bd := 1, 1
		if i >= rank-len(a) {
			ad = a[i-(rank-len(a))]
		}
		if i >= rank-len(b) {
			bd = b[i-(rank-len(b))]
		}
		switch {
		case ad == bd:
			shape[i] = ad
		case ad == 1:
			shape[i] = bd
		case bd == 1:
			shape[i] = ad
		default:
			panic(fmt.Errorf("cannot broadcast shapes %v and %v", a, b))
		}
	}
	return shape
}

// broadcastStrides computes per-axis element strides of t over the
// broadcast output shape, with stride 0 on expanded axes.
func broadcastStrides(t *Tensor, shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	offset := len(shape) - len(t.shape)
	for i := len(shape) - 1; i >= 0; i-- {
		if i < offset || t.shape[i-offset] == 1 {
			strides[i] = 0
		} else {
			strides[i] = stride
			stride *= t.shape[i-offset]
		}
	}
	return strides
}

func broadcast(a, b *Tensor, op func(x, y float32) float32) *Tensor {
	shape := broadcastShape(a.shape, b.shape)

	dtype := a.dtype
	if b.dtype != a.dtype {
		dtype = DTypeF32
	}
	out := Zeros(dtype, shape...)

	as := broadcastStrides(a, shape)
	bs := broadcastStrides(b, shape)

	idx := make([]int, len(shape))
	var ai, bi int
	for i := range out.data {
		out.data[i] = op(a.data[ai], b.data[bi])

		for k := len(shape) - 1; k >= 0; k-- {
			idx[k]++
			ai += as[k]
			bi += bs[k]
			if idx[k] < shape[k] {
				break
			}
			idx[k] = 0
			ai -= as[k] * shape[k]
			bi -= bs[k] * shape[k]
		}
	}

	return out
}
