package kvcache

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// KeyCachePrefix prefixes every key cache input name
	KeyCachePrefix = "key_cache."
	// ValueCachePrefix prefixes every value cache input name
	ValueCachePrefix = "value_cache."

	acceleratorBlockSize = 16
	hostBlockSize        = 32
)

// acceleratorMarker identifies accelerator execution devices by name
const acceleratorMarker = "GPU"

// PartialShape is a tensor shape where -1 marks a dynamic dimension
type PartialShape []int64

// Dynamic is the value of a dynamic dimension in a PartialShape
const Dynamic int64 = -1

// BlockElements returns the element count of the non-block dimensions
func (s PartialShape) BlockElements() (int, bool) {
	if len(s) < 2 {
		return 0, false
	}
	n := 1
	for _, d := range s[1:] {
		if d < 0 {
			return 0, false
		}
		n *= int(d)
	}
	return n, true
}

// WithBlocks returns the concrete shape with the leading dimension set to numBlocks
func (s PartialShape) WithBlocks(numBlocks int) []int {
	shape := make([]int, len(s))
	shape[0] = numBlocks
	for i, d := range s[1:] {
		shape[i+1] = int(d)
	}
	return shape
}

// InputInfo describes one named model input
type InputInfo struct {
	Name      string
	Shape     PartialShape
	Precision Precision
}

// Role distinguishes key and value caches
type Role int

const (
	RoleKey Role = iota
	RoleValue
)

func (r Role) String() string {
	if r == RoleKey {
		return "key"
	}
	return "value"
}

// InputName returns the canonical input name for a layer
func (r Role) InputName(layer int) string {
	if r == RoleKey {
		return KeyCachePrefix + strconv.Itoa(layer)
	}
	return ValueCachePrefix + strconv.Itoa(layer)
}

// DeviceClass is derived from the execution devices of the compiled model
type DeviceClass int

const (
	DeviceClassHost DeviceClass = iota
	DeviceClassAccelerator
)

func (c DeviceClass) String() string {
	if c == DeviceClassAccelerator {
		return "accelerator"
	}
	return "host"
}

// TensorSpec is the static description of one cache tensor
type TensorSpec struct {
	Name      string
	Shape     PartialShape
	Precision Precision
}

// BlockElements returns the logical element count of one block
func (t TensorSpec) BlockElements() int {
	n, _ := t.Shape.BlockElements()
	return n
}

// BlockBytes returns the byte footprint of one block
func (t TensorSpec) BlockBytes() int {
	return t.Precision.ByteSize(t.BlockElements())
}

// LayerSpec holds the key and value tensors of one decoder layer
type LayerSpec struct {
	Key   TensorSpec
	Value TensorSpec
}

// Tensor returns the spec for role
func (l LayerSpec) Tensor(role Role) TensorSpec {
	if role == RoleKey {
		return l.Key
	}
	return l.Value
}

// BlockBytes returns the key plus value footprint of one block
func (l LayerSpec) BlockBytes() int {
	return l.Key.BlockBytes() + l.Value.BlockBytes()
}

// Descriptor is the cache geometry derived from model metadata. It is
// immutable once built.
type Descriptor struct {
	device     string
	class      DeviceClass
	blockSize  int
	layers     []LayerSpec
	blockBytes int
}

// ClassifyDevices returns the device class of the execution devices
func ClassifyDevices(devices []string) (DeviceClass, error) {
	if len(devices) == 0 {
		return DeviceClassHost, fmt.Errorf("%w: no execution devices", ErrUnsupportedDevices)
	}
	allAccelerators := true
	for _, d := range devices {
		if !strings.Contains(d, acceleratorMarker) {
			allAccelerators = false
			break
		}
	}
	if allAccelerators {
		return DeviceClassAccelerator, nil
	}
	if len(devices) != 1 {
		return DeviceClassHost, fmt.Errorf("%w: %v", ErrUnsupportedDevices, devices)
	}
	return DeviceClassHost, nil
}

// Describe builds the cache descriptor from the model inputs and execution
// devices. Cache inputs are assigned to layers by their ordinal position
// among inputs of the same role.
func Describe(inputs []InputInfo, devices []string) (*Descriptor, error) {
	class, err := ClassifyDevices(devices)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		device: devices[0],
		class:  class,
	}
	if class == DeviceClassAccelerator {
		d.blockSize = acceleratorBlockSize
	} else {
		d.blockSize = hostBlockSize
	}

	var keys, values []TensorSpec
	for _, in := range inputs {
		var role Role
		switch {
		case strings.HasPrefix(in.Name, KeyCachePrefix):
			role = RoleKey
		case strings.HasPrefix(in.Name, ValueCachePrefix):
			role = RoleValue
		default:
			continue
		}

		// packed blocks must start on a byte boundary
		n, ok := in.Shape.BlockElements()
		if !ok || n%in.Precision.PackingMultiplier() != 0 {
			return nil, &ErrInvalidCacheShape{Name: in.Name, Shape: in.Shape}
		}
		spec := TensorSpec{Name: in.Name, Shape: in.Shape, Precision: in.Precision}
		d.blockBytes += spec.BlockBytes()

		if role == RoleKey {
			keys = append(keys, spec)
		} else {
			values = append(values, spec)
		}
	}

	if len(keys) != len(values) {
		return nil, fmt.Errorf("%w: %d key, %d value", ErrLayerCountMismatch, len(keys), len(values))
	}
	if len(keys) == 0 {
		return nil, ErrNoCacheInputs
	}

	d.layers = make([]LayerSpec, len(keys))
	for i := range keys {
		d.layers[i] = LayerSpec{Key: keys[i], Value: values[i]}
	}
	return d, nil
}

// Device returns the first execution device identifier
func (d *Descriptor) Device() string {
	return d.device
}

// Class returns the device class
func (d *Descriptor) Class() DeviceClass {
	return d.class
}

// BlockSize returns the number of tokens per block
func (d *Descriptor) BlockSize() int {
	return d.blockSize
}

// NumLayers returns the number of decoder layers
func (d *Descriptor) NumLayers() int {
	return len(d.layers)
}

// BlockSizeInBytes returns the footprint of one block summed over all layers
func (d *Descriptor) BlockSizeInBytes() int {
	return d.blockBytes
}

// Layer returns the spec of a decoder layer. It panics if layer is out of range.
func (d *Descriptor) Layer(layer int) LayerSpec {
	if layer < 0 || layer >= len(d.layers) {
		panic(fmt.Sprintf("decoder layer %d out of range [0, %d)", layer, len(d.layers)))
	}
	return d.layers[layer]
}

// Layers returns a copy of all layer specs
func (d *Descriptor) Layers() []LayerSpec {
	out := make([]LayerSpec, len(d.layers))
	copy(out, d.layers)
	return out
}
