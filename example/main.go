package main

import (
	"fmt"
	"log"
	"strings"

	"nanovllm-kv/kvcache"
	"nanovllm-kv/nanovllm"
)

func main() {
	// Create a config (using current directory as model path for demo)
	config := nanovllm.NewConfig(
		".",
		nanovllm.WithMaxNumSeqs(64),
		nanovllm.WithMaxNumBatchedTokens(16384),
		nanovllm.WithEOS(2),
		nanovllm.WithKVCacheMemoryLimit(256<<20),
	)

	// A four layer decoder on the host with fp16 keys and packed u4 values
	inputs := kvcache.DecoderInputs(4, kvcache.PrecisionF16, 8, 16, 64)
	for i := range inputs {
		if strings.HasPrefix(inputs[i].Name, kvcache.ValueCachePrefix) {
			inputs[i].Precision = kvcache.PrecisionU4
		}
	}
	llm, err := nanovllm.NewCachedLLM(config,
		kvcache.NewMemoryRequest(inputs, []string{"CPU"}, nil),
		nanovllm.NewMockModelRunner(config),
		nanovllm.NewMockTokenizer(config.EOS),
	)
	if err != nil {
		log.Fatalf("Failed to create LLM: %v", err)
	}
	defer llm.Close()

	// Three samples per prompt share the prompt blocks until they diverge
	samplingParams := nanovllm.NewSamplingParams(
		nanovllm.WithTemperature(0.6),
		nanovllm.WithMaxTokens(48),
		nanovllm.WithN(3),
	)

	prompts := []string{
		"Hello, Nano-vLLM-Go!",
		"What is the meaning of life?",
		"Explain quantum computing in simple terms.",
	}

	fmt.Println("Starting generation...")
	fmt.Println()

	outputs, err := llm.GenerateSimple(prompts, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, output := range outputs {
		fmt.Printf("\nPrompt %d: %s\n", i+1, prompts[i])
		for _, sample := range output.Samples {
			fmt.Printf("  Sample %d: %d tokens\n", sample.SampleIndex, len(sample.TokenIDs))
		}
	}

	stats := llm.Stats()
	fmt.Println("\nKV cache:")
	fmt.Printf("  Blocks: %d of %d bytes each\n", stats.NumBlocks, llm.KVCache().BlockSizeInBytes())
	fmt.Printf("  Fork copies: %d (%d bytes)\n", stats.BlocksCopied, stats.BytesCopied)
}
