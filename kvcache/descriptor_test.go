package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribeAccelerator(t *testing.T) {
	d, err := Describe(DecoderInputs(2, PrecisionF16, 2, 8, 64), []string{"GPU"})
	require.NoError(t, err)

	assert.Equal(t, "GPU", d.Device())
	assert.Equal(t, DeviceClassAccelerator, d.Class())
	assert.Equal(t, 16, d.BlockSize())
	assert.Equal(t, 2, d.NumLayers())

	for layer := 0; layer < d.NumLayers(); layer++ {
		spec := d.Layer(layer)
		assert.Equal(t, 2*8*64*2*2, spec.BlockBytes())
		assert.Equal(t, RoleKey.InputName(layer), spec.Key.Name)
		assert.Equal(t, RoleValue.InputName(layer), spec.Value.Name)
	}
	assert.Equal(t, 2*(2*8*64*2*2), d.BlockSizeInBytes())
}

func TestDescribeHostBlockSize(t *testing.T) {
	d, err := Describe(DecoderInputs(1, PrecisionF32, 4, 16), []string{"CPU"})
	require.NoError(t, err)

	assert.Equal(t, DeviceClassHost, d.Class())
	assert.Equal(t, 32, d.BlockSize())
	assert.Equal(t, 2*4*16*4, d.BlockSizeInBytes())
}

func TestClassifyDevices(t *testing.T) {
	tests := []struct {
		name    string
		devices []string
		want    DeviceClass
		wantErr bool
	}{
		{name: "single cpu", devices: []string{"CPU"}, want: DeviceClassHost},
		{name: "single gpu", devices: []string{"GPU.0"}, want: DeviceClassAccelerator},
		{name: "multi gpu", devices: []string{"GPU.0", "GPU.1"}, want: DeviceClassAccelerator},
		{name: "single other", devices: []string{"NPU"}, want: DeviceClassHost},
		{name: "mixed", devices: []string{"CPU", "GPU.0"}, wantErr: true},
		{name: "multi cpu", devices: []string{"CPU", "CPU"}, wantErr: true},
		{name: "empty", devices: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClassifyDevices(tt.devices)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnsupportedDevices)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDescribeLayerCountMismatch(t *testing.T) {
	inputs := DecoderInputs(2, PrecisionF16, 2, 8)
	inputs = append(inputs, InputInfo{Name: "key_cache.2", Shape: PartialShape{Dynamic, 2, 8}, Precision: PrecisionF16})

	_, err := Describe(inputs, []string{"CPU"})
	require.ErrorIs(t, err, ErrLayerCountMismatch)
}

func TestDescribeNoCacheInputs(t *testing.T) {
	inputs := []InputInfo{{Name: "input_ids", Shape: PartialShape{Dynamic}}}

	_, err := Describe(inputs, []string{"CPU"})
	require.ErrorIs(t, err, ErrNoCacheInputs)
}

func TestDescribeInvalidShape(t *testing.T) {
	inputs := []InputInfo{
		{Name: "key_cache.0", Shape: PartialShape{Dynamic, Dynamic, 64}, Precision: PrecisionF16},
		{Name: "value_cache.0", Shape: PartialShape{Dynamic, 8, 64}, Precision: PrecisionF16},
	}

	_, err := Describe(inputs, []string{"CPU"})
	var shapeErr *ErrInvalidCacheShape
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, "key_cache.0", shapeErr.Name)
}

func TestDescribeRejectsUnalignedPackedBlocks(t *testing.T) {
	for _, p := range []Precision{PrecisionU4, PrecisionI4} {
		t.Run(p.String(), func(t *testing.T) {
			inputs := []InputInfo{
				{Name: "key_cache.0", Shape: PartialShape{Dynamic, 2, 8}, Precision: PrecisionF16},
				{Name: "value_cache.0", Shape: PartialShape{Dynamic, 1, 3}, Precision: p},
			}

			_, err := Describe(inputs, []string{"CPU"})
			var shapeErr *ErrInvalidCacheShape
			require.ErrorAs(t, err, &shapeErr)
			assert.Equal(t, "value_cache.0", shapeErr.Name)
		})
	}

	// an odd block is fine for byte-wide precisions
	inputs := []InputInfo{
		{Name: "key_cache.0", Shape: PartialShape{Dynamic, 1, 3}, Precision: PrecisionU8},
		{Name: "value_cache.0", Shape: PartialShape{Dynamic, 1, 4}, Precision: PrecisionU4},
	}
	desc, err := Describe(inputs, []string{"CPU"})
	require.NoError(t, err)
	assert.Equal(t, 3+2, desc.BlockSizeInBytes())
}

func TestDescribeMixedPrecisionFootprint(t *testing.T) {
	inputs := []InputInfo{
		{Name: "key_cache.0", Shape: PartialShape{Dynamic, 4, 16, 32}, Precision: PrecisionU4},
		{Name: "value_cache.0", Shape: PartialShape{Dynamic, 4, 16, 32}, Precision: PrecisionF16},
		{Name: "key_cache.1", Shape: PartialShape{Dynamic, 4, 16, 32}, Precision: PrecisionI8},
		{Name: "value_cache.1", Shape: PartialShape{Dynamic, 4, 16, 32}, Precision: PrecisionI4},
	}

	d, err := Describe(inputs, []string{"CPU"})
	require.NoError(t, err)

	const elems = 4 * 16 * 32
	assert.Equal(t, elems/2+elems*2, d.Layer(0).BlockBytes())
	assert.Equal(t, elems+elems/2, d.Layer(1).BlockBytes())
	assert.Equal(t, PrecisionU4, d.Layer(0).Key.Precision)
	assert.Equal(t, PrecisionI4, d.Layer(1).Value.Precision)

	for _, spec := range d.Layers() {
		for _, role := range []Role{RoleKey, RoleValue} {
			ts := spec.Tensor(role)
			assert.Equal(t, ts.Precision.ByteSize(elems), ts.BlockBytes())
		}
	}
}

func TestDescriptorLayerOutOfRange(t *testing.T) {
	d, err := Describe(DecoderInputs(2, PrecisionF16, 2, 8), []string{"CPU"})
	require.NoError(t, err)

	assert.Panics(t, func() { d.Layer(2) })
	assert.Panics(t, func() { d.Layer(-1) })
}

func TestPrecision(t *testing.T) {
	assert.Equal(t, 2, PrecisionU4.PackingMultiplier())
	assert.Equal(t, 2, PrecisionI4.PackingMultiplier())
	assert.Equal(t, 1, PrecisionF16.PackingMultiplier())

	assert.Equal(t, 512, PrecisionU4.ByteSize(1024))
	assert.Equal(t, 2048, PrecisionBF16.ByteSize(1024))
	assert.Equal(t, 4096, PrecisionF32.ByteSize(1024))

	p, err := ParsePrecision("F16")
	require.NoError(t, err)
	assert.Equal(t, PrecisionF16, p)
	assert.Equal(t, "u4", PrecisionU4.String())

	_, err = ParsePrecision("f64")
	assert.Error(t, err)
}
