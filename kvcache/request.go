package kvcache

import (
	"fmt"
	"sync"
)

// InferRequest is the live inference request the cache binds into
type InferRequest interface {
	// Inputs returns the compiled model inputs in declaration order
	Inputs() []InputInfo

	// ExecutionDevices returns the ordered execution device identifiers
	ExecutionDevices() []string

	// DeviceContext returns the accelerator context, or nil for host execution
	DeviceContext() DeviceContext

	// SetTensor binds buf as the named input
	SetTensor(name string, buf Buffer) error
}

// binder rebinds a layer's buffers into the request after reallocation
type binder struct {
	req InferRequest
}

func (b binder) rebind(spec LayerSpec, key, value Buffer) error {
	if err := b.req.SetTensor(spec.Key.Name, key); err != nil {
		return fmt.Errorf("bind %s: %w", spec.Key.Name, err)
	}
	if err := b.req.SetTensor(spec.Value.Name, value); err != nil {
		return fmt.Errorf("bind %s: %w", spec.Value.Name, err)
	}
	return nil
}

// MemoryRequest is an in-process InferRequest that records its bindings
type MemoryRequest struct {
	inputs  []InputInfo
	devices []string
	device  DeviceContext

	mu       sync.Mutex
	bound    map[string]Buffer
	numBinds int
}

// NewMemoryRequest creates a request for the given model inputs and devices.
// device may be nil for host execution.
func NewMemoryRequest(inputs []InputInfo, devices []string, device DeviceContext) *MemoryRequest {
	return &MemoryRequest{
		inputs:  append([]InputInfo(nil), inputs...),
		devices: append([]string(nil), devices...),
		device:  device,
		bound:   make(map[string]Buffer),
	}
}

// DecoderInputs builds the cache inputs of a model with numLayers layers
// whose key and value caches share shape [?, dims...] and precision.
func DecoderInputs(numLayers int, precision Precision, dims ...int64) []InputInfo {
	shape := append(PartialShape{Dynamic}, dims...)
	inputs := make([]InputInfo, 0, 2*numLayers+1)
	inputs = append(inputs, InputInfo{Name: "input_ids", Shape: PartialShape{Dynamic}, Precision: PrecisionUndefined})
	for layer := 0; layer < numLayers; layer++ {
		inputs = append(inputs,
			InputInfo{Name: RoleKey.InputName(layer), Shape: shape, Precision: precision},
			InputInfo{Name: RoleValue.InputName(layer), Shape: shape, Precision: precision},
		)
	}
	return inputs
}

func (r *MemoryRequest) Inputs() []InputInfo          { return r.inputs }
func (r *MemoryRequest) ExecutionDevices() []string   { return r.devices }
func (r *MemoryRequest) DeviceContext() DeviceContext { return r.device }

func (r *MemoryRequest) SetTensor(name string, buf Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.inputs {
		if in.Name == name {
			r.bound[name] = buf
			r.numBinds++
			return nil
		}
	}
	return fmt.Errorf("model has no input named %q", name)
}

// Tensor returns the buffer currently bound to name
func (r *MemoryRequest) Tensor(name string) (Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.bound[name]
	return buf, ok
}

// NumBinds returns how many SetTensor calls succeeded
func (r *MemoryRequest) NumBinds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numBinds
}
