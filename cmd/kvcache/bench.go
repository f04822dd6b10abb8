package main

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/x448/float16"

	"nanovllm-kv/kvcache"
)

func NewBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark the engine or the cache on its own",
	}
	cmd.AddCommand(newBenchEngineCmd(), newBenchCacheCmd())
	return cmd
}

func newBenchEngineCmd() *cobra.Command {
	var flags cacheFlags
	var load workload

	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Measure mock engine throughput with the cache wired in",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.Default()
			cache, err := flags.newManager(logger)
			if err != nil {
				return err
			}
			defer cache.Close()

			logger.Info("starting benchmark",
				"requests", load.requests,
				"input", fmt.Sprintf("%d-%d", load.minInputLen, load.maxInputLen),
				"output", fmt.Sprintf("%d-%d", load.minOutputLen, load.maxOutputLen),
				"samples", load.samples,
			)
			stats, elapsed, tokens, err := runWorkload(cmd, cache, &load, true, logger)
			if err != nil {
				return err
			}
			renderStats(cmd, cache, stats, elapsed, tokens)
			fmt.Fprintf(cmd.OutOrStdout(), "\naverage latency: %.2f ms/request\n", float64(elapsed.Milliseconds())/float64(load.requests))
			return nil
		},
	}
	flags.register(cmd)
	load.register(cmd, 256, 100, 1024, 100, 1024)
	return cmd
}

func newBenchCacheCmd() *cobra.Command {
	var flags cacheFlags
	var rounds, forks int
	var seed int64

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Measure block growth and fork copies, checking content survives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := flags.newManager(log.Default())
			if err != nil {
				return err
			}
			defer cache.Close()

			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			b := &cacheBench{cache: cache, rng: rand.New(rand.NewSource(seed))}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"BLOCKS", "CACHE", "GROW", "FORKS", "FORK"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)

			numBlocks := 1
			for round := 0; round < rounds; round++ {
				numBlocks *= 2
				grow, err := b.grow(numBlocks)
				if err != nil {
					return err
				}
				fork, copied, err := b.fork(forks)
				if err != nil {
					return err
				}
				table.Append([]string{
					strconv.Itoa(numBlocks),
					humanize.IBytes(uint64(cache.TotalBytes())),
					grow.String(),
					strconv.Itoa(copied),
					fork.String(),
				})
			}
			table.Render()
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&rounds, "rounds", 8, "number of doublings")
	cmd.Flags().IntVar(&forks, "forks", 16, "fork copies per round")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed, 0 picks one")
	return cmd
}

// cacheBench stamps every block with its id so growth and fork copies can be
// checked after the fact
type cacheBench struct {
	cache *kvcache.Manager
	rng   *rand.Rand
	// stamp is the id each block currently holds
	stamp []int
}

func (b *cacheBench) grow(numBlocks int) (time.Duration, error) {
	start := time.Now()
	if err := b.cache.EnsureCapacity(numBlocks); err != nil {
		return 0, err
	}
	elapsed := time.Since(start)

	if err := b.verify(); err != nil {
		return 0, fmt.Errorf("after growth to %d blocks: %w", numBlocks, err)
	}
	for block := len(b.stamp); block < numBlocks; block++ {
		if err := b.write(block, block); err != nil {
			return 0, err
		}
		b.stamp = append(b.stamp, block)
	}
	return elapsed, nil
}

func (b *cacheBench) fork(n int) (time.Duration, int, error) {
	numBlocks := b.cache.NumBlocks()
	if numBlocks < 2 {
		return 0, 0, nil
	}

	copyMap := kvcache.CopyMap{}
	src := b.rng.Intn(numBlocks)
	for i := 0; i < n; i++ {
		dst := b.rng.Intn(numBlocks)
		if dst != src {
			copyMap.Add(src, dst)
		}
	}

	start := time.Now()
	report, err := b.cache.CopyBlocks(copyMap)
	if err != nil {
		return 0, 0, err
	}
	elapsed := time.Since(start)

	for _, dsts := range copyMap {
		for _, dst := range dsts {
			b.stamp[dst] = b.stamp[src]
		}
	}
	if report.Complete() {
		if err := b.verify(); err != nil {
			return 0, 0, fmt.Errorf("after fork of block %d: %w", src, err)
		}
	}
	return elapsed, report.Copied, nil
}

// write fills block with a float16 stamp for f16 tensors and a byte stamp
// otherwise
func (b *cacheBench) write(block, stamp int) error {
	for layer := 0; layer < b.cache.NumDecoderLayers(); layer++ {
		for _, buf := range []kvcache.Buffer{b.cache.KeyCache(layer), b.cache.ValueCache(layer)} {
			host, ok := buf.(kvcache.HostAddressable)
			if !ok {
				return nil
			}
			stride := kvcache.BlockStride(buf)
			fillStamp(host.Bytes()[block*stride:(block+1)*stride], buf.Precision(), stamp)
		}
	}
	return nil
}

func (b *cacheBench) verify() error {
	for block, stamp := range b.stamp {
		for layer := 0; layer < b.cache.NumDecoderLayers(); layer++ {
			for _, buf := range []kvcache.Buffer{b.cache.KeyCache(layer), b.cache.ValueCache(layer)} {
				host, ok := buf.(kvcache.HostAddressable)
				if !ok {
					return nil
				}
				stride := kvcache.BlockStride(buf)
				want := make([]byte, stride)
				fillStamp(want, buf.Precision(), stamp)
				got := host.Bytes()[block*stride : (block+1)*stride]
				if string(got) != string(want) {
					return fmt.Errorf("layer %d block %d lost its content", layer, block)
				}
			}
		}
	}
	return nil
}

func fillStamp(dst []byte, p kvcache.Precision, stamp int) {
	if p == kvcache.PrecisionF16 {
		bits := float16.Fromfloat32(float32(stamp) + 0.5).Bits()
		for i := 0; i+1 < len(dst); i += 2 {
			binary.LittleEndian.PutUint16(dst[i:], bits)
		}
		return
	}
	for i := range dst {
		dst[i] = byte(stamp*31 + 7)
	}
}
