package kvcache

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedDevices is returned when the execution devices are neither a
	// single device nor a homogeneous accelerator set.
	ErrUnsupportedDevices = errors.New("execution devices must be a single device or only accelerators")

	// ErrLayerCountMismatch is returned when the model declares a different
	// number of key and value cache inputs.
	ErrLayerCountMismatch = errors.New("different number of key and value caches")

	// ErrNoCacheInputs is returned when the model declares no cache inputs.
	ErrNoCacheInputs = errors.New("model has no key_cache/value_cache inputs")

	// ErrInvalidBlockCount is returned for a negative block count.
	ErrInvalidBlockCount = errors.New("block count must be non-negative")

	// ErrOutOfMemory is returned when an allocator cannot satisfy a request.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrNoDeviceContext is returned when accelerator execution has no device context.
	ErrNoDeviceContext = errors.New("accelerator execution requires a device context")

	// ErrNotHostAddressable is returned when a host copy touches device memory.
	ErrNotHostAddressable = errors.New("buffer is not host addressable")
)

// ErrInvalidCacheShape indicates a cache input whose shape cannot be paged.
type ErrInvalidCacheShape struct {
	Name  string
	Shape PartialShape
}

func (e *ErrInvalidCacheShape) Error() string {
	return fmt.Sprintf("cache input %s has unsupported shape %v", e.Name, e.Shape)
}

// ErrBlockOutOfRange indicates a block id outside the allocated capacity.
type ErrBlockOutOfRange struct {
	Block     int
	NumBlocks int
}

func (e *ErrBlockOutOfRange) Error() string {
	return fmt.Sprintf("block %d out of range [0, %d)", e.Block, e.NumBlocks)
}

// ErrCopyChain indicates a copy map where a destination is also a source.
type ErrCopyChain struct {
	Block int
}

func (e *ErrCopyChain) Error() string {
	return fmt.Sprintf("block %d is both a copy source and a copy destination", e.Block)
}
