package onnxrt

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/charmbracelet/log"
	ort "github.com/yalue/onnxruntime_go"

	"nanovllm-kv/nanovllm"
)

// LogitsOutput is the model output sampled from
const LogitsOutput = "logits"

// RunnerOption configures a ModelRunner
type RunnerOption func(*ModelRunner)

// WithIntraOpThreads sets the ONNX Runtime intra-op thread count
func WithIntraOpThreads(n int) RunnerOption {
	return func(m *ModelRunner) {
		m.threads = n
	}
}

// WithRunnerLogger sets the runner logger
func WithRunnerLogger(l *log.Logger) RunnerOption {
	return func(m *ModelRunner) {
		m.logger = l
	}
}

// ModelRunner implements nanovllm.ModelRunner for stateless paged-attention
// models. The KV cache inputs are bound on req by the cache manager.
type ModelRunner struct {
	req     *Request
	session *ort.DynamicAdvancedSession
	threads int
	logger  *log.Logger
}

// Initialize loads the ONNX Runtime shared library once per process
func Initialize(sharedLibraryPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if sharedLibraryPath != "" {
		ort.SetSharedLibraryPath(sharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}
	return nil
}

// NewModelRunner creates a session over req's model
func NewModelRunner(req *Request, opts ...RunnerOption) (*ModelRunner, error) {
	m := &ModelRunner{req: req, threads: 4}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.Default().WithPrefix("onnxrt")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(m.threads); err != nil {
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}

	m.session, err = ort.NewDynamicAdvancedSession(req.ModelPath(), req.InputNames(), []string{LogitsOutput}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	m.logger.Info("session created", "model", req.ModelPath(), "inputs", len(req.Inputs()))
	return m, nil
}

// Run executes one paged step and samples a token per sequence
func (m *ModelRunner) Run(seqs []*nanovllm.Sequence, isPrefill bool) ([]int, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("no sequences to process")
	}

	paged, err := buildPagedInputs(seqs, isPrefill)
	if err != nil {
		return nil, err
	}

	step, err := newStepTensors(paged)
	if err != nil {
		return nil, err
	}
	defer step.destroy()

	inputs := make([]ort.Value, 0, len(m.req.Inputs()))
	for _, name := range m.req.InputNames() {
		v, ok := step.values[name]
		if !ok {
			v, ok = m.req.Tensor(name)
		}
		if !ok {
			return nil, fmt.Errorf("input %s is not bound", name)
		}
		inputs = append(inputs, v)
	}

	outputs := []ort.Value{nil}
	if err := m.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("logits must be float32")
	}
	shape := logits.GetShape()
	vocab := int(shape[len(shape)-1])
	data := logits.GetData()
	if len(data) != paged.NumTokens()*vocab {
		return nil, fmt.Errorf("logits shape %v does not cover %d tokens", shape, paged.NumTokens())
	}

	tokenIDs := make([]int, len(seqs))
	for i, seq := range seqs {
		start := paged.LastToken(i) * vocab
		tokenIDs[i] = sampleToken(data[start:start+vocab], seq.Temperature)
	}
	return tokenIDs, nil
}

// Close destroys the session
func (m *ModelRunner) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}

type stepTensors struct {
	values map[string]ort.Value
}

func newStepTensors(p *pagedInputs) (*stepTensors, error) {
	s := &stepTensors{values: make(map[string]ort.Value)}

	n := int64(p.NumTokens())
	batch := int64(len(p.PastLens))
	err := errors.Join(
		addTensor(s, InputIDs, ort.NewShape(1, n), p.InputIDs),
		addTensor(s, PositionIDs, ort.NewShape(1, n), p.PositionIDs),
		addTensor(s, PastLens, ort.NewShape(batch), p.PastLens),
		addTensor(s, SubsequenceBegins, ort.NewShape(batch+1), p.SubsequenceBegins),
		addTensor(s, BlockIndices, ort.NewShape(int64(len(p.BlockIndices))), p.BlockIndices),
		addTensor(s, BlockIndicesBegins, ort.NewShape(batch+1), p.BlockIndicesBegins),
		addTensor(s, MaxContextLen, ort.NewShape(), []int32{p.MaxContextLen}),
	)
	if err != nil {
		s.destroy()
		return nil, err
	}
	return s, nil
}

func addTensor[T ort.TensorData](s *stepTensors, name string, shape ort.Shape, data []T) error {
	t, err := ort.NewTensor(shape, data)
	if err != nil {
		return fmt.Errorf("failed to create %s tensor: %w", name, err)
	}
	s.values[name] = t
	return nil
}

func (s *stepTensors) destroy() {
	for _, v := range s.values {
		v.Destroy()
	}
}

// sampleToken samples a token from logits using temperature sampling
func sampleToken(logits []float32, temperature float64) int {
	// Make a copy to avoid modifying original
	logitsCopy := make([]float32, len(logits))
	copy(logitsCopy, logits)

	// Apply temperature
	if temperature != 1.0 {
		for i := range logitsCopy {
			logitsCopy[i] /= float32(temperature)
		}
	}

	maxLogit := logitsCopy[0]
	for _, logit := range logitsCopy {
		if logit > maxLogit {
			maxLogit = logit
		}
	}

	var sumExp float32
	probs := make([]float32, len(logitsCopy))
	for i, logit := range logitsCopy {
		probs[i] = float32(math.Exp(float64(logit - maxLogit)))
		sumExp += probs[i]
	}

	for i := range probs {
		probs[i] /= sumExp
	}

	r := rand.Float32()
	var cumProb float32
	for i, prob := range probs {
		cumProb += prob
		if r <= cumProb {
			return i
		}
	}

	return len(probs) - 1
}
