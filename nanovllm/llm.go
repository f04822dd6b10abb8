package nanovllm

import (
	"errors"
	"fmt"

	"nanovllm-kv/kvcache"
)

// LLM is the user-facing API for the inference engine
type LLM struct {
	*LLMEngine

	// cache is set when the LLM built its own KV cache and must close it
	cache *kvcache.Manager
}

// NewLLM creates a new LLM with default components
func NewLLM(config *Config) *LLM {
	// Set up EOS token
	if config.EOS == -1 {
		config.EOS = 2 // Default EOS token
	}

	// Create tokenizer
	tokenizer := NewMockTokenizer(config.EOS)

	// Create model runner
	modelRunner := NewMockModelRunner(config)

	// Create engine
	engine := NewLLMEngine(config, modelRunner, tokenizer)

	return &LLM{
		LLMEngine: engine,
	}
}

// NewLLMWithComponents creates a new LLM with custom components
func NewLLMWithComponents(config *Config, modelRunner ModelRunner, tokenizer Tokenizer, opts ...EngineOption) *LLM {
	engine := NewLLMEngine(config, modelRunner, tokenizer, opts...)
	return &LLM{
		LLMEngine: engine,
	}
}

// NewCachedLLM builds a KV cache over req and an engine that drives it.
// Config.KVCacheMemoryLimit caps the host allocator, 0 leaves it unbounded.
func NewCachedLLM(config *Config, req kvcache.InferRequest, modelRunner ModelRunner, tokenizer Tokenizer, opts ...EngineOption) (*LLM, error) {
	cache, err := kvcache.New(req, kvcache.WithMemoryLimit(config.KVCacheMemoryLimit))
	if err != nil {
		return nil, fmt.Errorf("create kv cache: %w", err)
	}
	opts = append(opts, WithKVCache(cache))
	return &LLM{
		LLMEngine: NewLLMEngine(config, modelRunner, tokenizer, opts...),
		cache:     cache,
	}, nil
}

// KVCache returns the cache built by NewCachedLLM, nil otherwise
func (llm *LLM) KVCache() *kvcache.Manager {
	return llm.cache
}

// Close closes the model runner and any cache the LLM owns
func (llm *LLM) Close() error {
	err := llm.LLMEngine.Close()
	if llm.cache != nil {
		err = errors.Join(err, llm.cache.Close())
	}
	return err
}

// GenerateSimple is a convenience method for generating from string prompts
func (llm *LLM) GenerateSimple(prompts []string, samplingParams *SamplingParams, useTqdm bool) ([]Output, error) {
	promptsInterface := make([]interface{}, len(prompts))
	for i, p := range prompts {
		promptsInterface[i] = p
	}
	return llm.Generate(promptsInterface, samplingParams, useTqdm)
}
