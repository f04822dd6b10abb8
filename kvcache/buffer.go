package kvcache

import (
	"fmt"
	"sync"
)

// Locality tells whether a buffer can be addressed from host code
type Locality int

const (
	LocalityHost Locality = iota
	// LocalityDevice buffers live in device-exclusive memory
	LocalityDevice
)

func (l Locality) String() string {
	if l == LocalityDevice {
		return "device"
	}
	return "host"
}

// Buffer is a cache tensor whose leading dimension is the block count
type Buffer interface {
	Precision() Precision
	Shape() []int
	Locality() Locality
}

// HostAddressable is implemented by buffers whose bytes live in host memory
type HostAddressable interface {
	Buffer
	Bytes() []byte
}

// Releaser is implemented by buffers that hold resources beyond the Go heap
type Releaser interface {
	Release() error
}

// NumElements returns the logical element count of a buffer
func NumElements(b Buffer) int {
	n := 1
	for _, d := range b.Shape() {
		n *= d
	}
	return n
}

// NumBlocksOf returns the leading dimension of a buffer
func NumBlocksOf(b Buffer) int {
	shape := b.Shape()
	if len(shape) == 0 {
		return 0
	}
	return shape[0]
}

// BlockStride returns the bytes occupied by one block of b
func BlockStride(b Buffer) int {
	shape := b.Shape()
	n := 1
	for _, d := range shape[1:] {
		n *= d
	}
	return b.Precision().ByteSize(n)
}

// HostBuffer is a buffer backed by a contiguous host byte slice
type HostBuffer struct {
	precision Precision
	shape     []int
	data      []byte
}

// NewHostBuffer allocates a zeroed host buffer
func NewHostBuffer(precision Precision, shape []int) *HostBuffer {
	b := &HostBuffer{
		precision: precision,
		shape:     append([]int(nil), shape...),
	}
	b.data = make([]byte, precision.ByteSize(NumElements(b)))
	return b
}

func (b *HostBuffer) Precision() Precision { return b.precision }
func (b *HostBuffer) Shape() []int         { return append([]int(nil), b.shape...) }
func (b *HostBuffer) Locality() Locality   { return LocalityHost }
func (b *HostBuffer) Bytes() []byte        { return b.data }

// Block returns the bytes of one block
func (b *HostBuffer) Block(block int) []byte {
	stride := BlockStride(b)
	return b.data[block*stride : (block+1)*stride]
}

// Region is a byte range inside a buffer
type Region struct {
	Buffer Buffer
	Offset int
	Length int
}

// BlockRegion returns the region covering count blocks starting at block
func BlockRegion(b Buffer, block, count int) Region {
	stride := BlockStride(b)
	return Region{Buffer: b, Offset: block * stride, Length: count * stride}
}

// PrefixRegion returns the flat region covering the first elements values
func PrefixRegion(b Buffer, elements int) Region {
	return Region{Buffer: b, Length: b.Precision().ByteSize(elements)}
}

// Copier copies bytes between regions of equal length
type Copier interface {
	Copy(dst, src Region) error
}

// HostCopier copies between host addressable buffers
type HostCopier struct{}

// Copy performs a raw byte copy
func (HostCopier) Copy(dst, src Region) error {
	if dst.Length != src.Length {
		return fmt.Errorf("copy length mismatch: dst %d, src %d", dst.Length, src.Length)
	}
	d, ok := dst.Buffer.(HostAddressable)
	if !ok || dst.Buffer.Locality() != LocalityHost {
		return ErrNotHostAddressable
	}
	s, ok := src.Buffer.(HostAddressable)
	if !ok || src.Buffer.Locality() != LocalityHost {
		return ErrNotHostAddressable
	}
	dstBytes, srcBytes := d.Bytes(), s.Bytes()
	if dst.Offset+dst.Length > len(dstBytes) || src.Offset+src.Length > len(srcBytes) {
		return fmt.Errorf("copy of %d bytes overruns buffer (dst offset %d of %d, src offset %d of %d)",
			dst.Length, dst.Offset, len(dstBytes), src.Offset, len(srcBytes))
	}
	copy(dstBytes[dst.Offset:dst.Offset+dst.Length], srcBytes[src.Offset:src.Offset+src.Length])
	return nil
}

// Allocator creates cache buffers
type Allocator interface {
	Allocate(precision Precision, shape []int) (Buffer, error)
}

// HostAllocator allocates host buffers, optionally within a byte budget
type HostAllocator struct {
	// Limit is the maximum number of live bytes, 0 means unlimited
	Limit int64

	mu   sync.Mutex
	used int64
}

// Allocate returns a new zeroed host buffer
func (a *HostAllocator) Allocate(precision Precision, shape []int) (Buffer, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	size := int64(precision.ByteSize(n))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Limit > 0 && a.used+size > a.Limit {
		return nil, fmt.Errorf("%w: requested %d bytes with %d of %d in use", ErrOutOfMemory, size, a.used, a.Limit)
	}
	a.used += size
	return &trackedHostBuffer{HostBuffer: NewHostBuffer(precision, shape), owner: a}, nil
}

// InUse returns the number of live bytes handed out
func (a *HostAllocator) InUse() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

type trackedHostBuffer struct {
	*HostBuffer
	owner    *HostAllocator
	released bool
}

func (b *trackedHostBuffer) Release() error {
	if b.released {
		return nil
	}
	b.released = true
	b.owner.mu.Lock()
	b.owner.used -= int64(len(b.data))
	b.owner.mu.Unlock()
	return nil
}
