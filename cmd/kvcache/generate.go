package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"nanovllm-kv/kvcache"
	"nanovllm-kv/nanovllm"
	"nanovllm-kv/onnxrt"
)

func NewGenerateCmd() *cobra.Command {
	var model, ortLib, devices string
	var eos, maxTokens, samples, threads int
	var temperature float64

	cmd := &cobra.Command{
		Use:   "generate [token ids...]",
		Short: "Generate from a paged-attention ONNX model",
		Long:  "Generate completions for prompts given as comma separated token ids, one prompt per argument.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompts := make([]interface{}, len(args))
			for i, arg := range args {
				ids, err := parseTokenIDs(arg)
				if err != nil {
					return err
				}
				prompts[i] = ids
			}

			if err := onnxrt.Initialize(ortLib); err != nil {
				return err
			}
			req, err := onnxrt.NewRequest(model, strings.Split(devices, ","))
			if err != nil {
				return err
			}
			defer req.Close()

			logger := log.Default()
			cache, err := kvcache.New(req, kvcache.WithLogger(logger.WithPrefix("kvcache")))
			if err != nil {
				return err
			}
			defer cache.Close()

			runner, err := onnxrt.NewModelRunner(req,
				onnxrt.WithIntraOpThreads(threads),
				onnxrt.WithRunnerLogger(logger.WithPrefix("onnxrt")),
			)
			if err != nil {
				return err
			}

			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			config, err := nanovllm.LoadConfig(wd, nanovllm.WithEOS(eos))
			if err != nil {
				return err
			}

			llm := nanovllm.NewLLMWithComponents(config, runner, nanovllm.NewMockTokenizer(eos),
				nanovllm.WithKVCache(cache),
				nanovllm.WithEngineLogger(logger.WithPrefix("engine")),
				nanovllm.WithProgressOutput(cmd.ErrOrStderr()),
			)
			defer llm.Close()

			sp := nanovllm.NewSamplingParams(
				nanovllm.WithTemperature(temperature),
				nanovllm.WithMaxTokens(maxTokens),
				nanovllm.WithN(samples),
			)
			outputs, err := llm.Generate(prompts, sp, true)
			if err != nil {
				return fmt.Errorf("generation failed: %w", err)
			}

			out := cmd.OutOrStdout()
			for i, output := range outputs {
				for _, sample := range output.Samples {
					fmt.Fprintf(out, "prompt %d sample %d: %s\n", i, sample.SampleIndex, formatTokenIDs(sample.TokenIDs))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "path to the ONNX model")
	cmd.Flags().StringVar(&ortLib, "ort-lib", "", "path to the ONNX Runtime shared library")
	cmd.Flags().StringVar(&devices, "devices", "CPU", "comma separated execution devices")
	cmd.Flags().IntVar(&eos, "eos", 2, "end of sequence token id")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 64, "maximum completion length")
	cmd.Flags().IntVar(&samples, "samples", 1, "parallel samples per prompt")
	cmd.Flags().IntVar(&threads, "threads", 4, "intra-op threads")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "sampling temperature")
	cmd.MarkFlagRequired("model")
	return cmd
}

func parseTokenIDs(s string) ([]int, error) {
	var ids []int
	for _, f := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", f, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func formatTokenIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
