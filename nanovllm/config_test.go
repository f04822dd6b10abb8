package nanovllm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("NANOVLLM_KV_CACHE_BLOCK_SIZE", "64")
	t.Setenv("NANOVLLM_MAX_NUM_SEQS", "8")
	t.Setenv("NANOVLLM_KV_CACHE_MEMORY_LIMIT", "1048576")

	c, err := LoadConfig(".")
	require.NoError(t, err)
	assert.Equal(t, 64, c.KVCacheBlockSize)
	assert.Equal(t, 8, c.MaxNumSeqs)
	assert.Equal(t, int64(1<<20), c.KVCacheMemoryLimit)
	assert.Equal(t, -1, c.NumKVCacheBlocks)
}

func TestLoadConfigOptionsOverrideEnvironment(t *testing.T) {
	t.Setenv("NANOVLLM_KV_CACHE_BLOCK_SIZE", "64")

	c, err := LoadConfig(".", WithKVCacheBlockSize(16))
	require.NoError(t, err)
	assert.Equal(t, 16, c.KVCacheBlockSize)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"block size not a power of two", "NANOVLLM_KV_CACHE_BLOCK_SIZE", "48"},
		{"zero blocks", "NANOVLLM_NUM_KV_CACHE_BLOCKS", "0"},
		{"negative memory limit", "NANOVLLM_KV_CACHE_MEMORY_LIMIT", "-1"},
		{"unparsable", "NANOVLLM_MAX_NUM_SEQS", "many"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := LoadConfig(".")
			assert.Error(t, err)
		})
	}
}

func TestNewConfigPanicsOnMissingModel(t *testing.T) {
	assert.Panics(t, func() { NewConfig("does-not-exist") })
}
