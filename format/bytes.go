// Package format renders sizes and tensor shapes for CLI output.
package format

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	Byte     = 1
	KiloByte = Byte * 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000
	TeraByte = GigaByte * 1000
)

func HumanBytes(b int64) string {
	switch {
	case b > TeraByte:
		return fmt.Sprintf("%.1f TB", float64(b)/TeraByte)
	case b > GigaByte:
		return fmt.Sprintf("%.1f GB", float64(b)/GigaByte)
	case b > MegaByte:
		return fmt.Sprintf("%.1f MB", float64(b)/MegaByte)
	case b > KiloByte:
		return fmt.Sprintf("%.1f KB", float64(b)/KiloByte)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// Shape renders a tensor shape the way checkpoint headers print it,
// e.g. [4096, 11008].
func Shape(shape []uint64) string {
	dims := make([]string, len(shape))
	for i, dim := range shape {
		dims[i] = strconv.FormatUint(dim, 10)
	}

	return "[" + strings.Join(dims, ", ") + "]"
}
