package pool

import (
	"math/bits"
	"sync"
)

const (
	minSizeBits = 6 // 64 B
	classes     = 16
)

var pools [classes]sync.Pool

// Get returns a zero-length slice with capacity of at least size.
func Get(size int) []byte {
	idx := classIndex(size)
	if idx >= classes {
		return make([]byte, 0, size)
	}

	if v := pools[idx].Get(); v != nil {
		return v.([]byte)[:0]
	}

	return make([]byte, 0, 1<<(idx+minSizeBits))
}

// Put recycles a buffer obtained from Get. The caller must not use buf
// afterwards.
func Put(buf []byte) {
	if buf == nil {
		return
	}

	idx := classIndex(cap(buf))
	if idx >= classes {
		return
	}

	if cap(buf) < 1<<(idx+minSizeBits) {
		if idx == 0 {
			return
		}
		idx--
	}

	pools[idx].Put(buf[:0]) //nolint:staticcheck
}

func classIndex(size int) int {
	if size <= 1<<minSizeBits {
		return 0
	}
	return bits.Len(uint(size-1)) - minSizeBits
}
