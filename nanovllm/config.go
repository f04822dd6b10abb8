package nanovllm

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// Config holds the configuration for the LLM engine
type Config struct {
	Model                string  `env:"MODEL"`
	MaxNumBatchedTokens  int     `env:"MAX_NUM_BATCHED_TOKENS"`
	MaxNumSeqs           int     `env:"MAX_NUM_SEQS"`
	MaxModelLen          int     `env:"MAX_MODEL_LEN"`
	GPUMemoryUtilization float64 `env:"GPU_MEMORY_UTILIZATION"`
	TensorParallelSize   int     `env:"TENSOR_PARALLEL_SIZE"`
	EnforceEager         bool    `env:"ENFORCE_EAGER"`
	EOS                  int     `env:"EOS"`
	KVCacheBlockSize     int     `env:"KV_CACHE_BLOCK_SIZE"`
	// NumKVCacheBlocks caps the block pool, -1 selects the default
	NumKVCacheBlocks int `env:"NUM_KV_CACHE_BLOCKS"`
	// KVCacheMemoryLimit caps host cache memory in bytes, 0 is unlimited
	KVCacheMemoryLimit int64 `env:"KV_CACHE_MEMORY_LIMIT"`
}

// EnvPrefix prefixes every environment variable read by LoadConfig
const EnvPrefix = "NANOVLLM_"

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

func defaultConfig(modelPath string) *Config {
	return &Config{
		Model:                modelPath,
		MaxNumBatchedTokens:  16384,
		MaxNumSeqs:           512,
		MaxModelLen:          4096,
		GPUMemoryUtilization: 0.9,
		TensorParallelSize:   1,
		EnforceEager:         false,
		EOS:                  -1,
		KVCacheBlockSize:     32,
		NumKVCacheBlocks:     -1,
	}
}

// NewConfig creates a new Config with default values
func NewConfig(modelPath string, opts ...ConfigOption) *Config {
	c := defaultConfig(modelPath)

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		panic(err)
	}

	return c
}

// LoadConfig builds a Config from defaults, NANOVLLM_* environment
// variables and opts, in that order of precedence
func LoadConfig(modelPath string, opts ...ConfigOption) (*Config, error) {
	c := defaultConfig(modelPath)
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if _, err := os.Stat(c.Model); os.IsNotExist(err) {
		return fmt.Errorf("model directory does not exist: %s", c.Model)
	}

	if c.KVCacheBlockSize <= 0 || c.KVCacheBlockSize&(c.KVCacheBlockSize-1) != 0 {
		return fmt.Errorf("kvcache_block_size must be a positive power of two")
	}

	if c.NumKVCacheBlocks == 0 || c.NumKVCacheBlocks < -1 {
		return fmt.Errorf("num_kvcache_blocks must be positive or -1")
	}

	if c.TensorParallelSize < 1 || c.TensorParallelSize > 8 {
		return fmt.Errorf("tensor_parallel_size must be between 1 and 8")
	}

	if c.MaxNumBatchedTokens < c.MaxModelLen {
		return fmt.Errorf("max_num_batched_tokens must be >= max_model_len")
	}

	if c.KVCacheMemoryLimit < 0 {
		return fmt.Errorf("kvcache_memory_limit must be non-negative")
	}

	return nil
}

// WithMaxNumBatchedTokens sets the maximum number of batched tokens
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumBatchedTokens = n
	}
}

// WithMaxNumSeqs sets the maximum number of sequences
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithMaxModelLen sets the maximum model length
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithGPUMemoryUtilization sets the GPU memory utilization
func WithGPUMemoryUtilization(f float64) ConfigOption {
	return func(c *Config) {
		c.GPUMemoryUtilization = f
	}
}

// WithTensorParallelSize sets the tensor parallel size
func WithTensorParallelSize(n int) ConfigOption {
	return func(c *Config) {
		c.TensorParallelSize = n
	}
}

// WithEnforceEager sets whether to enforce eager mode
func WithEnforceEager(b bool) ConfigOption {
	return func(c *Config) {
		c.EnforceEager = b
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithKVCacheBlockSize sets the KV cache block size
func WithKVCacheBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.KVCacheBlockSize = n
	}
}

// WithNumKVCacheBlocks sets the number of KV cache blocks
func WithNumKVCacheBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumKVCacheBlocks = n
	}
}

// WithKVCacheMemoryLimit caps the bytes the host KV cache may allocate
func WithKVCacheMemoryLimit(bytes int64) ConfigOption {
	return func(c *Config) {
		c.KVCacheMemoryLimit = bytes
	}
}
