package nanovllm

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/schollz/progressbar/v3"

	"nanovllm-kv/kvcache"
)

// Output represents the output of a generation request
type Output struct {
	RequestID   int64
	SampleIndex int
	Text        string
	TokenIDs    []int
	// Samples holds every parallel sample of the request, ordered by SampleIndex
	Samples []Output
}

// KVCache is the paged cache the engine grows and forks into each step
type KVCache interface {
	BlockSize() int
	EnsureCapacity(numBlocks int) error
	CopyBlocks(copyMap kvcache.CopyMap) (kvcache.CopyReport, error)
}

// EngineStats accumulates KV cache activity over the engine's lifetime
type EngineStats struct {
	Steps         int
	NumBlocks     int
	BlocksCopied  int
	BytesCopied   int64
	SkippedCopies int
}

// EngineOption configures an LLMEngine
type EngineOption func(*LLMEngine)

// WithKVCache routes block growth and fork copies through cache. The
// scheduler adopts the cache's block size.
func WithKVCache(cache KVCache) EngineOption {
	return func(e *LLMEngine) {
		e.cache = cache
	}
}

// WithEngineLogger sets the engine logger
func WithEngineLogger(l *log.Logger) EngineOption {
	return func(e *LLMEngine) {
		e.logger = l
	}
}

// WithProgressOutput sets where the progress bar is drawn
func WithProgressOutput(w io.Writer) EngineOption {
	return func(e *LLMEngine) {
		e.progress = w
	}
}

// LLMEngine is the main inference engine
type LLMEngine struct {
	config      *Config
	modelRunner ModelRunner
	tokenizer   Tokenizer
	scheduler   *Scheduler
	cache       KVCache
	logger      *log.Logger
	progress    io.Writer
	stats       EngineStats
}

// NewLLMEngine creates a new LLM engine
func NewLLMEngine(config *Config, modelRunner ModelRunner, tokenizer Tokenizer, opts ...EngineOption) *LLMEngine {
	e := &LLMEngine{
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.Default().WithPrefix("engine")
	}

	cfg := *config
	if e.cache != nil {
		cfg.KVCacheBlockSize = e.cache.BlockSize()
	}
	e.config = &cfg
	e.scheduler = NewScheduler(e.config)
	return e
}

// Close cleans up resources
func (e *LLMEngine) Close() error {
	return e.modelRunner.Close()
}

// Stats returns the accumulated KV cache statistics
func (e *LLMEngine) Stats() EngineStats {
	return e.stats
}

// AddRequest adds a generation request to the engine and returns its id
func (e *LLMEngine) AddRequest(prompt interface{}, samplingParams *SamplingParams) (int64, error) {
	var tokenIDs []int
	var err error

	switch p := prompt.(type) {
	case string:
		tokenIDs, err = e.tokenizer.Encode(p)
		if err != nil {
			return 0, fmt.Errorf("failed to encode prompt: %w", err)
		}
	case []int:
		tokenIDs = p
	default:
		return 0, fmt.Errorf("prompt must be string or []int")
	}
	if len(tokenIDs) == 0 {
		return 0, fmt.Errorf("prompt must not be empty")
	}

	seq := NewSequence(tokenIDs, samplingParams)
	e.scheduler.Add(seq)
	return seq.GroupID, nil
}

// Step performs one inference step
func (e *LLMEngine) Step() ([]Output, int, error) {
	out := e.scheduler.Schedule()

	if err := e.syncCache(out); err != nil {
		return nil, 0, err
	}

	// Counted before postprocessing appends the sampled tokens
	numTokens := 0
	if out.IsPrefill {
		for _, seq := range out.Seqs {
			numTokens += seq.Len()
		}
	} else {
		numTokens = -len(out.Seqs) // Negative for decode phase
	}

	tokenIDs, err := e.modelRunner.Run(out.Seqs, out.IsPrefill)
	if err != nil {
		return nil, 0, fmt.Errorf("model inference failed: %w", err)
	}

	forked := e.scheduler.Postprocess(out.Seqs, tokenIDs)
	e.stats.Steps++

	stepped := make([]*Sequence, 0, len(out.Seqs)+len(forked))
	stepped = append(append(stepped, out.Seqs...), forked...)

	outputs := make([]Output, 0)
	for _, seq := range stepped {
		if seq.IsFinished() {
			text, err := e.tokenizer.Decode(seq.CompletionTokenIDs())
			if err != nil {
				return nil, 0, fmt.Errorf("failed to decode tokens: %w", err)
			}
			outputs = append(outputs, Output{
				RequestID:   seq.GroupID,
				SampleIndex: seq.SampleIndex,
				Text:        text,
				TokenIDs:    seq.CompletionTokenIDs(),
			})
		}
	}

	return outputs, numTokens, nil
}

// syncCache grows the KV cache and applies fork copies before the model runs
func (e *LLMEngine) syncCache(out ScheduleOutput) error {
	if e.cache == nil {
		return nil
	}

	if err := e.cache.EnsureCapacity(out.NumBlocks); err != nil {
		return fmt.Errorf("failed to grow kv cache: %w", err)
	}
	if out.NumBlocks > e.stats.NumBlocks {
		e.stats.NumBlocks = out.NumBlocks
	}

	if len(out.BlocksToCopy) == 0 {
		return nil
	}
	report, err := e.cache.CopyBlocks(out.BlocksToCopy)
	if err != nil {
		return fmt.Errorf("failed to copy kv blocks: %w", err)
	}
	e.stats.BlocksCopied += out.BlocksToCopy.Len()
	e.stats.BytesCopied += report.Bytes
	e.stats.SkippedCopies += len(report.Skipped)
	if !report.Complete() {
		e.logger.Warn("fork copies not applied", "skipped", len(report.Skipped))
	}
	return nil
}

// IsFinished returns true if all requests have been processed
func (e *LLMEngine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// Generate generates completions for the given prompts
func (e *LLMEngine) Generate(prompts []interface{}, samplingParams interface{}, useTqdm bool) ([]Output, error) {
	// Convert sampling params
	var spList []*SamplingParams
	switch sp := samplingParams.(type) {
	case *SamplingParams:
		spList = make([]*SamplingParams, len(prompts))
		for i := range spList {
			spList[i] = sp
		}
	case []*SamplingParams:
		if len(sp) != len(prompts) {
			return nil, fmt.Errorf("number of sampling params must match number of prompts")
		}
		spList = sp
	default:
		return nil, fmt.Errorf("samplingParams must be *SamplingParams or []*SamplingParams")
	}

	// Add all requests
	requestIndex := make(map[int64]int, len(prompts))
	for i, prompt := range prompts {
		id, err := e.AddRequest(prompt, spList[i])
		if err != nil {
			return nil, err
		}
		requestIndex[id] = i
	}

	// Set up progress bar
	var bar *progressbar.ProgressBar
	if useTqdm {
		opts := []progressbar.Option{
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		}
		if e.progress != nil {
			opts = append(opts, progressbar.OptionSetWriter(e.progress))
		}
		bar = progressbar.NewOptions(len(prompts), opts...)
	}

	samples := make([][]Output, len(prompts))
	var prefillThroughput, decodeThroughput float64

	for !e.IsFinished() {
		start := time.Now()
		stepOutputs, numTokens, err := e.Step()
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		if useTqdm {
			if numTokens > 0 {
				prefillThroughput = float64(numTokens) / elapsed
			} else {
				decodeThroughput = float64(-numTokens) / elapsed
			}
			bar.Describe(fmt.Sprintf("Generating [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillThroughput), int(decodeThroughput)))
		}

		for _, output := range stepOutputs {
			i := requestIndex[output.RequestID]
			samples[i] = append(samples[i], output)
			if useTqdm && len(samples[i]) == spList[i].N {
				bar.Add(1)
			}
		}
	}

	if useTqdm {
		bar.Finish()
	}

	outputs := make([]Output, len(prompts))
	for i, group := range samples {
		sort.Slice(group, func(a, b int) bool { return group[a].SampleIndex < group[b].SampleIndex })
		if len(group) == 0 {
			return nil, fmt.Errorf("request %d produced no output", i)
		}
		outputs[i] = group[0]
		outputs[i].Samples = group
	}

	return outputs, nil
}
