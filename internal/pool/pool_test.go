package pool_test

import (
	"testing"

	"github.com/plumemq/plume/internal/pool"
	"github.com/stretchr/testify/assert"
)

func TestGetPut(t *testing.T) {
	buf := pool.Get(100)
	assert.Equal(t, 0, len(buf))
	assert.GreaterOrEqual(t, cap(buf), 100)

	buf = append(buf, []byte("hello")...)
	pool.Put(buf)

	buf2 := pool.Get(100)
	assert.Equal(t, 0, len(buf2))
	assert.GreaterOrEqual(t, cap(buf2), 100)
}

func TestGetLarge(t *testing.T) {
	buf := pool.Get(32 << 20)
	assert.GreaterOrEqual(t, cap(buf), 32<<20)
	pool.Put(buf)
}

func TestPutGrownBuffer(t *testing.T) {
	buf := pool.Get(64)
	buf = append(buf, make([]byte, 200)...)
	pool.Put(buf)

	// Whatever class the grown buffer landed in, Get must keep its
	// capacity contract.
	got := pool.Get(256)
	assert.GreaterOrEqual(t, cap(got), 256)
}
