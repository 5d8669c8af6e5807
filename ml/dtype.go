package ml

import "fmt"

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeI32:
		return "I32"
	default:
		return fmt.Sprintf("DType(%d)", int(t))
	}
}

// ElementSize returns the serialized size of one element in bytes.
func (t DType) ElementSize() int {
	switch t {
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 4
	}
}

// ParseDType maps a safetensors dtype string to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "F32":
		return DTypeF32, nil
	case "F16":
		return DTypeF16, nil
	case "BF16":
		return DTypeBF16, nil
	case "I32":
		return DTypeI32, nil
	default:
		return 0, fmt.Errorf("unknown data type: %s", s)
	}
}
