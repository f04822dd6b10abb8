package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"nanovllm-kv/kvcache"
)

func main() {
	cobra.CheckErr(NewCLI().ExecuteContext(context.Background()))
}

// NewCLI builds the kvcache command tree
func NewCLI() *cobra.Command {
	var level string

	root := &cobra.Command{
		Use:          "kvcache",
		Short:        "Inspect and exercise a paged KV cache",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(level)
			if err != nil {
				return err
			}
			log.SetOutput(cmd.ErrOrStderr())
			log.SetLevel(lvl)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		NewDescribeCmd(),
		NewSimulateCmd(),
		NewBenchCmd(),
		NewGenerateCmd(),
	)
	return root
}

// cacheFlags describe a synthetic decoder model
type cacheFlags struct {
	layers         int
	keyPrecision   string
	valuePrecision string
	dims           string
	devices        string
	nativeCopy     bool
	memoryLimit    int64
}

func (f *cacheFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.layers, "layers", 4, "number of decoder layers")
	cmd.Flags().StringVar(&f.keyPrecision, "key-precision", "f16", "key cache precision")
	cmd.Flags().StringVar(&f.valuePrecision, "value-precision", "f16", "value cache precision")
	cmd.Flags().StringVar(&f.dims, "dims", "8,16,64", "per-block cache dimensions")
	cmd.Flags().StringVar(&f.devices, "devices", "CPU", "comma separated execution devices")
	cmd.Flags().BoolVar(&f.nativeCopy, "native-copy", false, "enable device-native copies on accelerators")
	cmd.Flags().Int64Var(&f.memoryLimit, "memory-limit", 0, "cache memory limit in bytes, 0 is unlimited")
}

func (f *cacheFlags) inputs() ([]kvcache.InputInfo, error) {
	kp, err := kvcache.ParsePrecision(f.keyPrecision)
	if err != nil {
		return nil, err
	}
	vp, err := kvcache.ParsePrecision(f.valuePrecision)
	if err != nil {
		return nil, err
	}

	shape := kvcache.PartialShape{kvcache.Dynamic}
	for _, s := range strings.Split(f.dims, ",") {
		d, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid dimension %q: %w", s, err)
		}
		shape = append(shape, d)
	}

	inputs := []kvcache.InputInfo{{Name: "input_ids", Shape: kvcache.PartialShape{1, kvcache.Dynamic}, Precision: kvcache.PrecisionUndefined}}
	for layer := 0; layer < f.layers; layer++ {
		inputs = append(inputs,
			kvcache.InputInfo{Name: kvcache.RoleKey.InputName(layer), Shape: shape, Precision: kp},
			kvcache.InputInfo{Name: kvcache.RoleValue.InputName(layer), Shape: shape, Precision: vp},
		)
	}
	return inputs, nil
}

func (f *cacheFlags) deviceList() []string {
	var devices []string
	for _, d := range strings.Split(f.devices, ",") {
		if d = strings.TrimSpace(d); d != "" {
			devices = append(devices, d)
		}
	}
	return devices
}

// newManager builds a cache manager over an in-memory request. Accelerator
// device lists get a simulated device.
func (f *cacheFlags) newManager(logger *log.Logger) (*kvcache.Manager, error) {
	inputs, err := f.inputs()
	if err != nil {
		return nil, err
	}
	devices := f.deviceList()

	var dev kvcache.DeviceContext
	if class, err := kvcache.ClassifyDevices(devices); err == nil && class == kvcache.DeviceClassAccelerator {
		dev = &kvcache.SimDevice{NativeCopy: f.nativeCopy, Limit: f.memoryLimit}
	}
	req := kvcache.NewMemoryRequest(inputs, devices, dev)

	return kvcache.New(req,
		kvcache.WithLogger(logger.WithPrefix("kvcache")),
		kvcache.WithMemoryLimit(f.memoryLimit),
		kvcache.WithGrowthParallelism(4),
	)
}
