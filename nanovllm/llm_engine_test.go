package nanovllm

import (
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanovllm-kv/kvcache"
)

func newCachedEngine(t *testing.T) (*LLMEngine, *kvcache.Manager) {
	t.Helper()

	req := kvcache.NewMemoryRequest(kvcache.DecoderInputs(2, kvcache.PrecisionF16, 2, 8), []string{"CPU"}, nil)
	cache, err := kvcache.New(req, kvcache.WithLogger(log.New(io.Discard)))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	config := NewConfig(".", WithNumKVCacheBlocks(64))
	engine := NewLLMEngine(config, NewMockModelRunner(config), NewMockTokenizer(config.EOS),
		WithKVCache(cache),
		WithEngineLogger(log.New(io.Discard)),
	)
	return engine, cache
}

func prompt(n int) []int {
	tokenIDs := make([]int, n)
	for i := range tokenIDs {
		tokenIDs[i] = i + 1
	}
	return tokenIDs
}

func TestEngineAdoptsCacheBlockSize(t *testing.T) {
	engine, cache := newCachedEngine(t)
	assert.Equal(t, 32, cache.BlockSize())
	assert.Equal(t, cache.BlockSize(), engine.config.KVCacheBlockSize)
}

func TestEngineGrowsCacheWithSchedule(t *testing.T) {
	engine, cache := newCachedEngine(t)

	_, err := engine.AddRequest(prompt(70), NewSamplingParams(WithMaxTokens(2), WithIgnoreEOS(true)))
	require.NoError(t, err)

	_, numTokens, err := engine.Step()
	require.NoError(t, err)
	assert.Equal(t, 70, numTokens)
	assert.Equal(t, 3, cache.NumBlocks())
	assert.Equal(t, []int{3, 2, 8}, cache.KeyCache(1).Shape())

	_, numTokens, err = engine.Step()
	require.NoError(t, err)
	assert.Equal(t, -1, numTokens)
}

func TestStepCountsPrefillTokensOfEveryPrompt(t *testing.T) {
	engine, _ := newCachedEngine(t)

	sp := NewSamplingParams(WithMaxTokens(4), WithIgnoreEOS(true))
	for _, n := range []int{5, 33, 64} {
		_, err := engine.AddRequest(prompt(n), sp)
		require.NoError(t, err)
	}

	_, numTokens, err := engine.Step()
	require.NoError(t, err)
	assert.Equal(t, 5+33+64, numTokens)
}

func TestEngineAppliesForkCopies(t *testing.T) {
	engine, cache := newCachedEngine(t)

	_, err := engine.AddRequest(prompt(40), NewSamplingParams(WithN(2), WithMaxTokens(8), WithIgnoreEOS(true)))
	require.NoError(t, err)

	_, _, err = engine.Step()
	require.NoError(t, err)
	require.Equal(t, 2, cache.NumBlocks())

	// Stand in for the attention kernel writing the prompt's tail block
	key := cache.KeyCache(0).(kvcache.HostAddressable)
	stride := kvcache.BlockStride(key)
	tail := key.Bytes()[stride : 2*stride]
	for i := range tail {
		tail[i] = byte(i%250 + 1)
	}
	want := append([]byte(nil), tail...)

	_, _, err = engine.Step()
	require.NoError(t, err)
	require.Equal(t, 3, cache.NumBlocks())

	key = cache.KeyCache(0).(kvcache.HostAddressable)
	assert.Equal(t, want, key.Bytes()[stride:2*stride])
	assert.Equal(t, want, key.Bytes()[2*stride:3*stride])

	stats := engine.Stats()
	assert.Equal(t, 1, stats.BlocksCopied)
	assert.Equal(t, int64(cache.BlockSizeInBytes()), stats.BytesCopied)
	assert.Zero(t, stats.SkippedCopies)
}

func TestEngineGenerateParallelSamples(t *testing.T) {
	engine, cache := newCachedEngine(t)

	prompts := []interface{}{prompt(40), prompt(12)}
	sp := NewSamplingParams(WithN(3), WithMaxTokens(30), WithIgnoreEOS(true))
	outputs, err := engine.Generate(prompts, sp, false)
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	for _, out := range outputs {
		require.Len(t, out.Samples, 3)
		for i, sample := range out.Samples {
			assert.Equal(t, i, sample.SampleIndex)
			assert.Equal(t, out.RequestID, sample.RequestID)
			assert.Len(t, sample.TokenIDs, 30)
		}
	}

	stats := engine.Stats()
	assert.Equal(t, cache.NumBlocks(), stats.NumBlocks)
	assert.Positive(t, stats.BlocksCopied)
	assert.Zero(t, stats.SkippedCopies)
	assert.True(t, engine.IsFinished())
}

func TestEngineSurfacesSkippedCopies(t *testing.T) {
	dev := &kvcache.SimDevice{}
	req := kvcache.NewMemoryRequest(kvcache.DecoderInputs(1, kvcache.PrecisionF16, 2, 8), []string{"GPU.0"}, dev)
	cache, err := kvcache.New(req, kvcache.WithLogger(log.New(io.Discard)))
	require.NoError(t, err)
	defer cache.Close()

	// Device buffers cannot be grown without a copy path, so reserve up front
	require.NoError(t, cache.EnsureCapacity(8))

	config := NewConfig(".", WithNumKVCacheBlocks(64))
	engine := NewLLMEngine(config, NewMockModelRunner(config), NewMockTokenizer(config.EOS),
		WithKVCache(cache),
		WithEngineLogger(log.New(io.Discard)),
	)

	// A 20 token prompt fits one 16 token block and a partial one, so the
	// first decode step shares the tail block between samples
	_, err = engine.AddRequest(prompt(20), NewSamplingParams(WithN(2), WithMaxTokens(2), WithIgnoreEOS(true)))
	require.NoError(t, err)

	_, _, err = engine.Step()
	require.NoError(t, err)
	assert.Equal(t, 8, cache.NumBlocks())

	outputs, _, err := engine.Step()
	require.NoError(t, err)
	assert.Len(t, outputs, 2)
	assert.Equal(t, 2, engine.Stats().SkippedCopies)
}

func TestAddRequestRejectsEmptyPrompt(t *testing.T) {
	engine, _ := newCachedEngine(t)
	_, err := engine.AddRequest([]int{}, NewSamplingParams())
	require.Error(t, err)
	_, err = engine.AddRequest(3.5, NewSamplingParams())
	require.Error(t, err)
}

func TestMockRunnerRejectsUncoveredContext(t *testing.T) {
	config := NewConfig(".")
	seq := seqOf(40, 0, 32, NewSamplingParams())
	seq.BlockTable = []int{0}

	_, err := NewMockModelRunner(config).Run([]*Sequence{seq}, true)
	require.Error(t, err)

	seq.BlockTable = []int{0, 1}
	tokens, err := NewMockModelRunner(config).Run([]*Sequence{seq}, true)
	require.NoError(t, err)
	assert.Len(t, tokens, 1)
}
