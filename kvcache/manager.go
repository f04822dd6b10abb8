// Package kvcache owns the paged key/value cache buffers of a compiled
// model. It derives the cache geometry from the model inputs, grows every
// layer's buffers block by block while preserving their content, duplicates
// blocks when sequences fork and rebinds the buffers into the live request.
//
// A Manager is driven by a single scheduler between inference executions
// and performs no locking of its own.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithAllocator overrides the buffer allocator
func WithAllocator(a Allocator) Option {
	return func(m *Manager) {
		m.alloc = a
	}
}

// WithMemoryLimit caps the bytes the default host allocator may hand out
func WithMemoryLimit(bytes int64) Option {
	return func(m *Manager) {
		m.memoryLimit = bytes
	}
}

// WithGrowthParallelism sets how many layers are reallocated concurrently
func WithGrowthParallelism(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.parallelism = n
		}
	}
}

// Manager is the paged KV cache store of one inference request
type Manager struct {
	desc   *Descriptor
	req    InferRequest
	ctx    DeviceContext
	alloc  Allocator
	binder binder
	logger *log.Logger

	memoryLimit int64
	parallelism int

	keys      []Buffer
	values    []Buffer
	numBlocks int

	// err is set when a commit failed half way; the store is unusable after
	err error
}

// New creates an empty cache manager for req
func New(req InferRequest, opts ...Option) (*Manager, error) {
	desc, err := Describe(req.Inputs(), req.ExecutionDevices())
	if err != nil {
		return nil, fmt.Errorf("describe cache: %w", err)
	}

	m := &Manager{
		desc:        desc,
		req:         req,
		binder:      binder{req: req},
		parallelism: 1,
		keys:        make([]Buffer, desc.NumLayers()),
		values:      make([]Buffer, desc.NumLayers()),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = log.Default().WithPrefix("kvcache")
	}

	if desc.Class() == DeviceClassAccelerator {
		m.ctx = req.DeviceContext()
		if m.ctx == nil {
			return nil, ErrNoDeviceContext
		}
	}
	if m.alloc == nil {
		if m.ctx != nil {
			m.alloc = m.ctx
		} else {
			m.alloc = &HostAllocator{Limit: m.memoryLimit}
		}
	}

	m.logger.Debug("cache descriptor",
		"device", desc.Device(),
		"class", desc.Class(),
		"layers", desc.NumLayers(),
		"block_size", desc.BlockSize(),
		"block_bytes", humanize.IBytes(uint64(desc.BlockSizeInBytes())),
	)
	return m, nil
}

// Descriptor returns the cache geometry
func (m *Manager) Descriptor() *Descriptor { return m.desc }

// Device returns the execution device identifier
func (m *Manager) Device() string { return m.desc.Device() }

// DeviceClass returns whether the cache lives on the host or an accelerator
func (m *Manager) DeviceClass() DeviceClass { return m.desc.Class() }

// BlockSize returns the number of tokens per block
func (m *Manager) BlockSize() int { return m.desc.BlockSize() }

// BlockSizeInBytes returns the bytes of one block over all layers
func (m *Manager) BlockSizeInBytes() int { return m.desc.BlockSizeInBytes() }

// NumDecoderLayers returns the number of decoder layers
func (m *Manager) NumDecoderLayers() int { return m.desc.NumLayers() }

// NumBlocks returns the current block capacity
func (m *Manager) NumBlocks() int { return m.numBlocks }

// LayerBlockBytes returns the key plus value bytes of one block of layer
func (m *Manager) LayerBlockBytes(layer int) int {
	return m.desc.Layer(layer).BlockBytes()
}

// KeyPrecision returns the key cache precision of layer
func (m *Manager) KeyPrecision(layer int) Precision {
	return m.desc.Layer(layer).Key.Precision
}

// ValuePrecision returns the value cache precision of layer
func (m *Manager) ValuePrecision(layer int) Precision {
	return m.desc.Layer(layer).Value.Precision
}

// KeyCache returns the current key buffer of layer, nil before the first allocation
func (m *Manager) KeyCache(layer int) Buffer {
	m.desc.Layer(layer)
	return m.keys[layer]
}

// ValueCache returns the current value buffer of layer, nil before the first allocation
func (m *Manager) ValueCache(layer int) Buffer {
	m.desc.Layer(layer)
	return m.values[layer]
}

// TotalBytes returns the bytes currently held by all buffers
func (m *Manager) TotalBytes() int64 {
	return int64(m.numBlocks) * int64(m.desc.BlockSizeInBytes())
}

type stagedLayer struct {
	key, value Buffer
}

// EnsureCapacity grows every layer to at least numBlocks blocks. Existing
// blocks keep their content. Requests at or below the current capacity do
// nothing. On error no layer is changed.
func (m *Manager) EnsureCapacity(numBlocks int) error {
	if m.err != nil {
		return m.err
	}
	if numBlocks < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBlockCount, numBlocks)
	}
	if numBlocks <= m.numBlocks {
		return nil
	}

	staged := make([]stagedLayer, m.desc.NumLayers())
	g := new(errgroup.Group)
	g.SetLimit(m.parallelism)
	for layer := range staged {
		g.Go(func() error {
			s, err := m.growLayer(layer, numBlocks)
			staged[layer] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range staged {
			release(s.key)
			release(s.value)
		}
		return fmt.Errorf("grow cache to %d blocks: %w", numBlocks, err)
	}

	for layer, s := range staged {
		if err := m.releaseLayer(layer); err != nil {
			m.logger.Warn("release of replaced buffers failed", "err", err)
		}
		m.keys[layer] = s.key
		m.values[layer] = s.value

		if err := m.binder.rebind(m.desc.Layer(layer), s.key, s.value); err != nil {
			m.err = fmt.Errorf("rebind layer %d after growth: %w", layer, err)
			var errs []error
			for _, rest := range staged[layer+1:] {
				errs = append(errs, release(rest.key), release(rest.value))
			}
			if err := errors.Join(errs...); err != nil {
				m.logger.Warn("release of staged buffers failed", "err", err)
			}
			return m.err
		}
	}

	m.logger.Debug("cache grown",
		"from", m.numBlocks,
		"to", numBlocks,
		"bytes", humanize.IBytes(uint64(numBlocks)*uint64(m.desc.BlockSizeInBytes())),
	)
	m.numBlocks = numBlocks
	return nil
}

func (m *Manager) growLayer(layer, numBlocks int) (stagedLayer, error) {
	spec := m.desc.Layer(layer)

	var s stagedLayer
	var err error
	s.key, err = m.growTensor(spec.Key, m.keys[layer], numBlocks)
	if err != nil {
		return s, fmt.Errorf("layer %d: %w", layer, err)
	}
	s.value, err = m.growTensor(spec.Value, m.values[layer], numBlocks)
	if err != nil {
		return s, fmt.Errorf("layer %d: %w", layer, err)
	}
	return s, nil
}

func (m *Manager) growTensor(spec TensorSpec, old Buffer, numBlocks int) (Buffer, error) {
	buf, err := m.alloc.Allocate(spec.Precision, spec.Shape.WithBlocks(numBlocks))
	if err != nil {
		return nil, fmt.Errorf("allocate %s: %w", spec.Name, err)
	}
	if old == nil {
		return buf, nil
	}
	if err := m.preserve(buf, old); err != nil {
		release(buf)
		return nil, fmt.Errorf("preserve %s: %w", spec.Name, err)
	}
	return buf, nil
}

// preserve copies the full content of old into the prefix of buf. Packed
// precisions have no sub-element views, so they are copied as a flat byte
// range of the old element count.
func (m *Manager) preserve(buf, old Buffer) error {
	var dst, src Region
	if buf.Precision().IsPacked() {
		n := NumElements(old)
		dst, src = PrefixRegion(buf, n), PrefixRegion(old, n)
	} else {
		n := NumBlocksOf(old)
		dst, src = BlockRegion(buf, 0, n), BlockRegion(old, 0, n)
	}

	c, ok := selectCopier(m.ctx, buf, old)
	if !ok {
		return fmt.Errorf("no copy path between %s and %s memory", buf.Locality(), old.Locality())
	}
	return c.Copy(dst, src)
}

// Close releases every buffer owned by the manager
func (m *Manager) Close() error {
	var errs []error
	for layer := range m.keys {
		errs = append(errs, m.releaseLayer(layer))
		m.keys[layer] = nil
		m.values[layer] = nil
	}
	m.numBlocks = 0
	return errors.Join(errs...)
}

func (m *Manager) releaseLayer(layer int) error {
	if err := errors.Join(release(m.keys[layer]), release(m.values[layer])); err != nil {
		return fmt.Errorf("release layer %d: %w", layer, err)
	}
	return nil
}

func release(b Buffer) error {
	if r, ok := b.(Releaser); ok {
		return r.Release()
	}
	return nil
}
