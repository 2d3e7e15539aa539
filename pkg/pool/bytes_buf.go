package pool

import (
	"bytes"
	"math/bits"
	"sync"
)

// Buffers are pooled in power-of-two size classes from 512B to 4MB.
// Larger requests are allocated and dropped on Release.
const (
	minShift = 9
	maxShift = 22
)

var bufPools [maxShift - minShift + 1]sync.Pool

// Buffer is a pooled byte slice. The caller MUST call Release after use
// and MUST NOT touch the bytes afterwards.
type Buffer struct {
	b     []byte
	class int // -1 for non-pooled buffers
}

// GetBuf returns a Buffer whose Bytes() has length size.
func GetBuf(size int) *Buffer {
	class := sizeClass(size)
	if class < 0 {
		return &Buffer{b: make([]byte, size), class: -1}
	}
	if v, ok := bufPools[class].Get().(*Buffer); ok {
		v.b = v.b[:size]
		return v
	}
	return &Buffer{b: make([]byte, size, 1<<(class+minShift)), class: class}
}

func (b *Buffer) Bytes() []byte {
	return b.b
}

// AllBytes returns the full capacity of the buffer.
func (b *Buffer) AllBytes() []byte {
	return b.b[:cap(b.b)]
}

func (b *Buffer) Release() {
	if b.class < 0 {
		return
	}
	bufPools[b.class].Put(b)
}

func sizeClass(size int) int {
	if size <= 1<<minShift {
		return 0
	}
	shift := bits.Len(uint(size - 1))
	if shift > maxShift {
		return -1
	}
	return shift - minShift
}

var bytesBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// GetBytesBuf returns an empty *bytes.Buffer. Release it with ReleaseBytesBuf.
func GetBytesBuf() *bytes.Buffer {
	return bytesBufPool.Get().(*bytes.Buffer)
}

// ReleaseBytesBuf resets b and returns it to the pool. Very large buffers
// are dropped so a single big response does not pin memory.
func ReleaseBytesBuf(b *bytes.Buffer) {
	if b.Cap() > 1<<maxShift {
		return
	}
	b.Reset()
	bytesBufPool.Put(b)
}
