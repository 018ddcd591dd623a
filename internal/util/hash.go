// Package util provides logging, statistics and small shared helpers.
package util

import (
	"hash/fnv"
)

// Hash32 computes a 4-byte FNV-1a hash over the given parts. A zero byte is
// written between parts so that ("ab", "c") and ("a", "bc") differ. The hash
// is used solely for identification and does not need to be reversible.
func Hash32(parts ...string) uint32 {
	h := fnv.New32a()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return h.Sum32()
}
