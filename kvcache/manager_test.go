package kvcache

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func newHostManager(t *testing.T, inputs []InputInfo, opts ...Option) (*Manager, *MemoryRequest) {
	t.Helper()
	req := NewMemoryRequest(inputs, []string{"CPU"}, nil)
	m, err := New(req, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return m, req
}

// fillBlock writes a recognisable pattern into one block of a host buffer
func fillBlock(t *testing.T, buf Buffer, block int, seed float32) []byte {
	t.Helper()
	hb, ok := buf.(HostAddressable)
	require.True(t, ok)

	region := BlockRegion(buf, block, 1)
	data := hb.Bytes()[region.Offset : region.Offset+region.Length]
	if buf.Precision() == PrecisionF16 {
		for i := 0; i+1 < len(data); i += 2 {
			binary.LittleEndian.PutUint16(data[i:], float16.Fromfloat32(seed+float32(i)/8).Bits())
		}
	} else {
		for i := range data {
			data[i] = byte(int(seed)*31 + i*7 + 1)
		}
	}
	return append([]byte(nil), data...)
}

func blockBytes(t *testing.T, buf Buffer, block int) []byte {
	t.Helper()
	hb, ok := buf.(HostAddressable)
	require.True(t, ok)
	region := BlockRegion(buf, block, 1)
	return append([]byte(nil), hb.Bytes()[region.Offset:region.Offset+region.Length]...)
}

func TestEndToEndAccelerator(t *testing.T) {
	dev := &SimDevice{}
	req := NewMemoryRequest(DecoderInputs(2, PrecisionF16, 2, 8, 64), []string{"GPU"}, dev)

	m, err := New(req, WithLogger(quietLogger()))
	require.NoError(t, err)

	assert.Equal(t, "GPU", m.Device())
	assert.Equal(t, 16, m.BlockSize())
	assert.Equal(t, 2, m.NumDecoderLayers())
	assert.Equal(t, 2*8*64*2*2, m.LayerBlockBytes(0))
	assert.Equal(t, PrecisionF16, m.KeyPrecision(1))
	assert.Equal(t, PrecisionF16, m.ValuePrecision(1))
	assert.Equal(t, 0, m.NumBlocks())

	require.NoError(t, m.EnsureCapacity(4))
	assert.Equal(t, 4, m.NumBlocks())

	for layer := 0; layer < 2; layer++ {
		key := m.KeyCache(layer)
		require.NotNil(t, key)
		assert.Equal(t, []int{4, 2, 8, 64}, key.Shape())
		assert.Equal(t, LocalityDevice, key.Locality())

		bound, ok := req.Tensor(RoleKey.InputName(layer))
		require.True(t, ok)
		assert.Same(t, key, bound)

		bound, ok = req.Tensor(RoleValue.InputName(layer))
		require.True(t, ok)
		assert.Same(t, m.ValueCache(layer), bound)
	}
	assert.Equal(t, 4, req.NumBinds())
	assert.Equal(t, int64(4*m.BlockSizeInBytes()), dev.InUse())
	assert.Equal(t, dev.InUse(), m.TotalBytes())
}

func TestEnsureCapacityNoOp(t *testing.T) {
	m, req := newHostManager(t, DecoderInputs(2, PrecisionF16, 2, 8))
	require.NoError(t, m.EnsureCapacity(8))

	key, value := m.KeyCache(1), m.ValueCache(1)
	binds := req.NumBinds()

	for _, n := range []int{8, 5, 0} {
		require.NoError(t, m.EnsureCapacity(n))
		assert.Equal(t, 8, m.NumBlocks())
		assert.Same(t, key, m.KeyCache(1))
		assert.Same(t, value, m.ValueCache(1))
	}
	assert.Equal(t, binds, req.NumBinds())
}

func TestEnsureCapacityNegative(t *testing.T) {
	m, _ := newHostManager(t, DecoderInputs(1, PrecisionF16, 2, 8))
	require.ErrorIs(t, m.EnsureCapacity(-1), ErrInvalidBlockCount)
}

func TestEnsureCapacityPreservesContent(t *testing.T) {
	for _, precision := range []Precision{PrecisionF16, PrecisionF32, PrecisionU4, PrecisionI4, PrecisionI8} {
		t.Run(precision.String(), func(t *testing.T) {
			m, req := newHostManager(t, DecoderInputs(2, precision, 2, 4, 8))
			require.NoError(t, m.EnsureCapacity(3))

			want := make(map[int][]byte)
			for k := 0; k < 3; k++ {
				want[k] = fillBlock(t, m.KeyCache(1), k, float32(k+1))
			}
			oldValue := fillBlock(t, m.ValueCache(0), 2, 9)

			require.NoError(t, m.EnsureCapacity(7))
			assert.Equal(t, 7, m.NumBlocks())

			for k, pattern := range want {
				assert.Equal(t, pattern, blockBytes(t, m.KeyCache(1), k), "block %d", k)
			}
			assert.Equal(t, oldValue, blockBytes(t, m.ValueCache(0), 2))

			// nothing spills past the preserved prefix
			zero := make([]byte, BlockStride(m.KeyCache(1)))
			for k := 3; k < 7; k++ {
				assert.Equal(t, zero, blockBytes(t, m.KeyCache(1), k), "block %d", k)
			}

			bound, ok := req.Tensor("key_cache.1")
			require.True(t, ok)
			assert.Same(t, m.KeyCache(1), bound)
		})
	}
}

func TestEnsureCapacityPackedCopiesHalfTheElements(t *testing.T) {
	m, _ := newHostManager(t, DecoderInputs(1, PrecisionU4, 4, 16))
	require.NoError(t, m.EnsureCapacity(2))

	const elementsPerBlock = 4 * 16
	assert.Equal(t, elementsPerBlock/2, BlockStride(m.KeyCache(0)))

	old := m.KeyCache(0).(HostAddressable).Bytes()
	require.Len(t, old, 2*elementsPerBlock/2)
	for i := range old {
		old[i] = 0xAB
	}

	require.NoError(t, m.EnsureCapacity(3))
	grown := m.KeyCache(0).(HostAddressable).Bytes()
	require.Len(t, grown, 3*elementsPerBlock/2)

	for i := 0; i < len(old); i++ {
		assert.Equal(t, byte(0xAB), grown[i])
	}
	for i := len(old); i < len(grown); i++ {
		assert.Equal(t, byte(0), grown[i], "byte %d", i)
	}
}

func TestEnsureCapacityOutOfMemory(t *testing.T) {
	inputs := DecoderInputs(4, PrecisionF16, 2, 8)
	alloc := &HostAllocator{}
	m, req := newHostManager(t, inputs, WithAllocator(alloc))

	require.NoError(t, m.EnsureCapacity(2))
	inUse := alloc.InUse()
	key := m.KeyCache(3)
	binds := req.NumBinds()

	// room for the old buffers plus part of the new ones only
	alloc.Limit = inUse + int64(m.BlockSizeInBytes())

	err := m.EnsureCapacity(16)
	require.ErrorIs(t, err, ErrOutOfMemory)

	assert.Equal(t, 2, m.NumBlocks())
	assert.Same(t, key, m.KeyCache(3))
	assert.Equal(t, inUse, alloc.InUse())
	assert.Equal(t, binds, req.NumBinds())

	alloc.Limit = 0
	require.NoError(t, m.EnsureCapacity(16))
	assert.Equal(t, int64(16*m.BlockSizeInBytes()), alloc.InUse())
}

func TestEnsureCapacityParallel(t *testing.T) {
	m, _ := newHostManager(t, DecoderInputs(8, PrecisionF16, 2, 8), WithGrowthParallelism(4))
	require.NoError(t, m.EnsureCapacity(2))

	want := make([][]byte, m.NumDecoderLayers())
	for layer := range want {
		want[layer] = fillBlock(t, m.ValueCache(layer), 1, float32(layer))
	}

	require.NoError(t, m.EnsureCapacity(5))
	for layer := range want {
		assert.Equal(t, want[layer], blockBytes(t, m.ValueCache(layer), 1))
	}
}

func TestEnsureCapacityDeviceNativePreserve(t *testing.T) {
	dev := &SimDevice{NativeCopy: true}
	req := NewMemoryRequest(DecoderInputs(1, PrecisionU4, 2, 8), []string{"GPU.0", "GPU.1"}, dev)
	m, err := New(req, WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, m.EnsureCapacity(2))
	stride := BlockStride(m.KeyCache(0))
	pattern := make([]byte, stride)
	for i := range pattern {
		pattern[i] = byte(i + 1)
	}
	require.NoError(t, dev.Upload(m.KeyCache(0), stride, pattern))

	require.NoError(t, m.EnsureCapacity(4))
	got, err := dev.Download(m.KeyCache(0), stride, stride)
	require.NoError(t, err)
	assert.Equal(t, pattern, got)
	assert.Equal(t, int64(4*m.BlockSizeInBytes()), dev.InUse())
}

func TestEnsureCapacityDeviceWithoutCopyPath(t *testing.T) {
	dev := &SimDevice{}
	req := NewMemoryRequest(DecoderInputs(1, PrecisionF16, 2, 8), []string{"GPU"}, dev)
	m, err := New(req, WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, m.EnsureCapacity(2))
	key := m.KeyCache(0)

	require.Error(t, m.EnsureCapacity(4))
	assert.Equal(t, 2, m.NumBlocks())
	assert.Same(t, key, m.KeyCache(0))
	assert.Equal(t, int64(2*m.BlockSizeInBytes()), dev.InUse())
}

func TestNewAcceleratorWithoutContext(t *testing.T) {
	req := NewMemoryRequest(DecoderInputs(1, PrecisionF16, 2, 8), []string{"GPU"}, nil)
	_, err := New(req, WithLogger(quietLogger()))
	require.ErrorIs(t, err, ErrNoDeviceContext)
}

func TestNewUnsupportedDevices(t *testing.T) {
	req := NewMemoryRequest(DecoderInputs(1, PrecisionF16, 2, 8), []string{"CPU", "GPU"}, nil)
	_, err := New(req, WithLogger(quietLogger()))
	require.ErrorIs(t, err, ErrUnsupportedDevices)
}

type failingRequest struct {
	*MemoryRequest
	failOn string
}

func (r *failingRequest) SetTensor(name string, buf Buffer) error {
	if name == r.failOn {
		return errors.New("request is executing")
	}
	return r.MemoryRequest.SetTensor(name, buf)
}

func TestRebindFailurePoisonsManager(t *testing.T) {
	req := &failingRequest{
		MemoryRequest: NewMemoryRequest(DecoderInputs(2, PrecisionF16, 2, 8), []string{"CPU"}, nil),
		failOn:        "value_cache.1",
	}
	m, err := New(req, WithLogger(quietLogger()))
	require.NoError(t, err)

	err = m.EnsureCapacity(2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value_cache.1")
	assert.Equal(t, 0, m.NumBlocks())

	req.failOn = ""
	assert.Equal(t, err, m.EnsureCapacity(4))
	_, copyErr := m.CopyBlocks(CopyMap{0: {1}})
	assert.Equal(t, err, copyErr)
}

func TestRebindFailureReleasesStagedLayers(t *testing.T) {
	alloc := &HostAllocator{}
	req := &failingRequest{
		MemoryRequest: NewMemoryRequest(DecoderInputs(3, PrecisionF16, 2, 8), []string{"CPU"}, nil),
		failOn:        "value_cache.0",
	}
	m, err := New(req, WithLogger(quietLogger()), WithAllocator(alloc))
	require.NoError(t, err)

	require.Error(t, m.EnsureCapacity(2))
	// layer 0 was committed before its rebind failed, layers 1 and 2 never were
	assert.Equal(t, int64(2*m.LayerBlockBytes(0)), alloc.InUse())

	require.NoError(t, m.Close())
	assert.Equal(t, int64(0), alloc.InUse())
}

var errBusy = errors.New("buffer is in use")

type stickyBuffer struct {
	*HostBuffer
}

func (b *stickyBuffer) Release() error { return errBusy }

type stickyAllocator struct{}

func (stickyAllocator) Allocate(precision Precision, shape []int) (Buffer, error) {
	return &stickyBuffer{HostBuffer: NewHostBuffer(precision, shape)}, nil
}

func TestCloseReportsReleaseErrors(t *testing.T) {
	m, _ := newHostManager(t, DecoderInputs(2, PrecisionF16, 2, 8), WithAllocator(stickyAllocator{}))
	require.NoError(t, m.EnsureCapacity(2))

	err := m.Close()
	require.ErrorIs(t, err, errBusy)
	assert.Contains(t, err.Error(), "layer 1")
	assert.Nil(t, m.ValueCache(1))
}

func TestCloseReleasesBuffers(t *testing.T) {
	alloc := &HostAllocator{}
	m, _ := newHostManager(t, DecoderInputs(3, PrecisionBF16, 2, 8), WithAllocator(alloc))

	require.NoError(t, m.EnsureCapacity(4))
	require.NoError(t, m.EnsureCapacity(6))
	assert.Equal(t, int64(6*m.BlockSizeInBytes()), alloc.InUse())

	require.NoError(t, m.Close())
	assert.Equal(t, int64(0), alloc.InUse())
	assert.Nil(t, m.KeyCache(0))
}

func TestAccessorsOutOfRange(t *testing.T) {
	m, _ := newHostManager(t, DecoderInputs(2, PrecisionF16, 2, 8))

	assert.Panics(t, func() { m.KeyPrecision(2) })
	assert.Panics(t, func() { m.ValuePrecision(5) })
	assert.Panics(t, func() { m.LayerBlockBytes(-1) })
	assert.Panics(t, func() { m.KeyCache(2) })
}
