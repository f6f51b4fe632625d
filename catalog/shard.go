package catalog

import (
	"fmt"
	"strings"
)

// DefaultChunkWidths bounds leaf directories to 10 entries at the first level
// and 100 at the second.
var DefaultChunkWidths = []int{1, 2}

// ShardPath converts a sequence number into a nested directory path. Each
// width consumes the least significant remaining digits, zero padded, and
// appends them as the next path segment:
//
//	ShardPath(0)  == "0/00"
//	ShardPath(23) == "3/02"
func ShardPath(n int, widths ...int) string {
	if len(widths) == 0 {
		widths = DefaultChunkWidths
	}

	segments := make([]string, 0, len(widths))
	last := n
	for _, w := range widths {
		mod := pow10(w)
		segments = append(segments, fmt.Sprintf("%0*d", w, last%mod))
		last /= mod
	}

	return strings.Join(segments, "/")
}

func pow10(w int) int {
	p := 1
	for i := 0; i < w; i++ {
		p *= 10
	}
	return p
}
