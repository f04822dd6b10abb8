package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"nanovllm-kv/kvcache"
	"nanovllm-kv/nanovllm"
)

type workload struct {
	requests     int
	minInputLen  int
	maxInputLen  int
	minOutputLen int
	maxOutputLen int
	samples      int
	seed         int64
}

func (w *workload) register(cmd *cobra.Command, requests, minIn, maxIn, minOut, maxOut int) {
	cmd.Flags().IntVar(&w.requests, "requests", requests, "number of requests")
	cmd.Flags().IntVar(&w.minInputLen, "min-input", minIn, "minimum prompt length")
	cmd.Flags().IntVar(&w.maxInputLen, "max-input", maxIn, "maximum prompt length")
	cmd.Flags().IntVar(&w.minOutputLen, "min-output", minOut, "minimum completion length")
	cmd.Flags().IntVar(&w.maxOutputLen, "max-output", maxOut, "maximum completion length")
	cmd.Flags().IntVar(&w.samples, "samples", 1, "parallel samples per request")
	cmd.Flags().Int64Var(&w.seed, "seed", 0, "random seed, 0 picks one")
}

// build returns random prompts and sampling params
func (w *workload) build() ([]interface{}, []*nanovllm.SamplingParams, int) {
	seed := w.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	prompts := make([]interface{}, w.requests)
	params := make([]*nanovllm.SamplingParams, w.requests)
	expected := 0
	for i := 0; i < w.requests; i++ {
		inputLen := w.minInputLen + rng.Intn(w.maxInputLen-w.minInputLen+1)
		outputLen := w.minOutputLen + rng.Intn(w.maxOutputLen-w.minOutputLen+1)

		tokens := make([]int, inputLen)
		for j := range tokens {
			tokens[j] = rng.Intn(32000)
		}
		prompts[i] = tokens
		params[i] = nanovllm.NewSamplingParams(
			nanovllm.WithTemperature(0.6),
			nanovllm.WithMaxTokens(outputLen),
			nanovllm.WithIgnoreEOS(true),
			nanovllm.WithN(w.samples),
		)
		expected += outputLen * w.samples
	}
	return prompts, params, expected
}

func NewSimulateCmd() *cobra.Command {
	var flags cacheFlags
	var load workload
	var progress bool
	var reserve int

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a mock engine over the cache and report cache activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.Default()
			cache, err := flags.newManager(logger)
			if err != nil {
				return err
			}
			defer cache.Close()

			if reserve > 0 {
				if err := cache.EnsureCapacity(reserve); err != nil {
					return err
				}
			}

			stats, elapsed, tokens, err := runWorkload(cmd, cache, &load, progress, logger)
			if err != nil {
				return err
			}
			renderStats(cmd, cache, stats, elapsed, tokens)
			return nil
		},
	}
	flags.register(cmd)
	load.register(cmd, 16, 20, 200, 10, 100)
	cmd.Flags().BoolVar(&progress, "progress", true, "draw a progress bar")
	cmd.Flags().IntVar(&reserve, "reserve", 0, "blocks to allocate before the first step")
	return cmd
}

func runWorkload(cmd *cobra.Command, cache *kvcache.Manager, load *workload, progress bool, logger *log.Logger) (nanovllm.EngineStats, time.Duration, int, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nanovllm.EngineStats{}, 0, 0, err
	}
	config, err := nanovllm.LoadConfig(wd, nanovllm.WithEOS(2))
	if err != nil {
		return nanovllm.EngineStats{}, 0, 0, err
	}

	llm := nanovllm.NewLLMWithComponents(config,
		nanovllm.NewMockModelRunner(config),
		nanovllm.NewMockTokenizer(config.EOS),
		nanovllm.WithKVCache(cache),
		nanovllm.WithEngineLogger(logger.WithPrefix("engine")),
		nanovllm.WithProgressOutput(cmd.ErrOrStderr()),
	)
	defer llm.Close()

	prompts, params, _ := load.build()
	start := time.Now()
	outputs, err := llm.Generate(prompts, params, progress)
	if err != nil {
		return nanovllm.EngineStats{}, 0, 0, fmt.Errorf("generation failed: %w", err)
	}
	elapsed := time.Since(start)

	tokens := 0
	for _, out := range outputs {
		for _, sample := range out.Samples {
			tokens += len(sample.TokenIDs)
		}
	}
	return llm.Stats(), elapsed, tokens, nil
}

func renderStats(cmd *cobra.Command, cache *kvcache.Manager, stats nanovllm.EngineStats, elapsed time.Duration, tokens int) {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"METRIC", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk([][]string{
		{"device", fmt.Sprintf("%s (%s)", cache.Device(), cache.DeviceClass())},
		{"block size", strconv.Itoa(cache.BlockSize())},
		{"steps", humanize.Comma(int64(stats.Steps))},
		{"blocks", humanize.Comma(int64(stats.NumBlocks))},
		{"cache size", humanize.IBytes(uint64(cache.TotalBytes()))},
		{"blocks copied", humanize.Comma(int64(stats.BlocksCopied))},
		{"bytes copied", humanize.IBytes(uint64(stats.BytesCopied))},
		{"skipped copies", humanize.Comma(int64(stats.SkippedCopies))},
		{"output tokens", humanize.Comma(int64(tokens))},
		{"elapsed", elapsed.Round(time.Millisecond).String()},
		{"throughput", fmt.Sprintf("%.2f tok/s", float64(tokens)/elapsed.Seconds())},
	})
	table.Render()
}
