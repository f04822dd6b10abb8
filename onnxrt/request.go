// Package onnxrt binds the paged KV cache to an ONNX Runtime session.
package onnxrt

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"nanovllm-kv/kvcache"
)

// ONNX element types without a named constant in the binding
const (
	elementFloat8E4M3FN ort.TensorElementDataType = 17
	elementFloat8E5M2   ort.TensorElementDataType = 19
	elementUint4        ort.TensorElementDataType = 21
	elementInt4         ort.TensorElementDataType = 22
)

var precisionByElement = map[ort.TensorElementDataType]kvcache.Precision{
	ort.TensorElementDataTypeFloat:    kvcache.PrecisionF32,
	ort.TensorElementDataTypeFloat16:  kvcache.PrecisionF16,
	ort.TensorElementDataTypeBFloat16: kvcache.PrecisionBF16,
	ort.TensorElementDataTypeInt8:     kvcache.PrecisionI8,
	ort.TensorElementDataTypeUint8:    kvcache.PrecisionU8,
	elementFloat8E4M3FN:               kvcache.PrecisionF8E4M3,
	elementFloat8E5M2:                 kvcache.PrecisionF8E5M2,
	elementUint4:                      kvcache.PrecisionU4,
	elementInt4:                       kvcache.PrecisionI4,
}

// precisionOf maps an ONNX element type to a cache precision. Types the
// cache cannot hold map to PrecisionUndefined.
func precisionOf(dt ort.TensorElementDataType) kvcache.Precision {
	if p, ok := precisionByElement[dt]; ok {
		return p
	}
	return kvcache.PrecisionUndefined
}

func elementOf(p kvcache.Precision) (ort.TensorElementDataType, error) {
	for dt, q := range precisionByElement {
		if q == p {
			return dt, nil
		}
	}
	return 0, fmt.Errorf("precision %s has no onnx element type", p)
}

// Request is the input side of an ONNX model. Cache tensors bound through
// SetTensor wrap the cache's host memory without copying.
type Request struct {
	modelPath string
	devices   []string
	inputs    []kvcache.InputInfo
	outputs   []string

	mu    sync.Mutex
	bound map[string]ort.Value
}

// NewRequest reads the input and output signature of the model at modelPath.
// The ONNX Runtime environment must be initialized.
func NewRequest(modelPath string, devices []string) (*Request, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model signature: %w", err)
	}
	return newRequest(modelPath, devices, inputs, outputs), nil
}

func newRequest(modelPath string, devices []string, inputs, outputs []ort.InputOutputInfo) *Request {
	r := &Request{
		modelPath: modelPath,
		devices:   append([]string(nil), devices...),
		bound:     make(map[string]ort.Value),
	}
	for _, info := range inputs {
		r.inputs = append(r.inputs, kvcache.InputInfo{
			Name:      info.Name,
			Shape:     kvcache.PartialShape(info.Dimensions),
			Precision: precisionOf(info.DataType),
		})
	}
	for _, info := range outputs {
		r.outputs = append(r.outputs, info.Name)
	}
	return r
}

// ModelPath returns the path of the model file
func (r *Request) ModelPath() string { return r.modelPath }

func (r *Request) Inputs() []kvcache.InputInfo { return r.inputs }
func (r *Request) ExecutionDevices() []string  { return r.devices }

// DeviceContext returns nil. Every tensor handed to the session lives in
// host memory.
func (r *Request) DeviceContext() kvcache.DeviceContext { return nil }

// InputNames returns the model input names in declaration order
func (r *Request) InputNames() []string {
	names := make([]string, len(r.inputs))
	for i, in := range r.inputs {
		names[i] = in.Name
	}
	return names
}

// OutputNames returns the model output names in declaration order
func (r *Request) OutputNames() []string { return r.outputs }

// SetTensor binds buf to the named input. buf must be host addressable and
// stays owned by the caller.
func (r *Request) SetTensor(name string, buf kvcache.Buffer) error {
	if !r.hasInput(name) {
		return fmt.Errorf("model has no input %q", name)
	}
	host, ok := buf.(kvcache.HostAddressable)
	if !ok {
		return fmt.Errorf("bind %s: %w", name, kvcache.ErrNotHostAddressable)
	}
	dt, err := elementOf(buf.Precision())
	if err != nil {
		return fmt.Errorf("bind %s: %w", name, err)
	}

	shape := buf.Shape()
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	tensor, err := ort.NewCustomDataTensor(ort.NewShape(dims...), host.Bytes(), dt)
	if err != nil {
		return fmt.Errorf("bind %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.bound[name]; ok {
		old.Destroy()
	}
	r.bound[name] = tensor
	return nil
}

// Tensor returns the value bound to the named input
func (r *Request) Tensor(name string) (ort.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.bound[name]
	return v, ok
}

// Close destroys every bound tensor
func (r *Request) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, v := range r.bound {
		v.Destroy()
		delete(r.bound, name)
	}
	return nil
}

func (r *Request) hasInput(name string) bool {
	for _, in := range r.inputs {
		if in.Name == name {
			return true
		}
	}
	return false
}
