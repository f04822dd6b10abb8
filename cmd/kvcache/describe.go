package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"nanovllm-kv/kvcache"
	"nanovllm-kv/onnxrt"
)

func NewDescribeCmd() *cobra.Command {
	var flags cacheFlags
	var model, ortLib string
	var blocks int

	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Print the cache geometry of a model",
		RunE: func(cmd *cobra.Command, args []string) error {
			var desc *kvcache.Descriptor
			var err error
			if model != "" {
				desc, err = describeModel(model, ortLib, flags.deviceList())
			} else {
				var inputs []kvcache.InputInfo
				if inputs, err = flags.inputs(); err == nil {
					desc, err = kvcache.Describe(inputs, flags.deviceList())
				}
			}
			if err != nil {
				return err
			}
			renderDescriptor(cmd, desc, blocks)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&model, "model", "", "describe the cache inputs of an ONNX model instead")
	cmd.Flags().StringVar(&ortLib, "ort-lib", "", "path to the ONNX Runtime shared library")
	cmd.Flags().IntVar(&blocks, "blocks", 1024, "block count to size the cache for")
	return cmd
}

func describeModel(path, ortLib string, devices []string) (*kvcache.Descriptor, error) {
	if err := onnxrt.Initialize(ortLib); err != nil {
		return nil, err
	}
	req, err := onnxrt.NewRequest(path, devices)
	if err != nil {
		return nil, err
	}
	defer req.Close()
	return kvcache.Describe(req.Inputs(), req.ExecutionDevices())
}

func renderDescriptor(cmd *cobra.Command, desc *kvcache.Descriptor, blocks int) {
	out := cmd.OutOrStdout()

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"LAYER", "KEY", "VALUE", "KEY PRECISION", "VALUE PRECISION", "BLOCK BYTES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for i, layer := range desc.Layers() {
		table.Append([]string{
			strconv.Itoa(i),
			fmt.Sprint(layer.Key.Shape),
			fmt.Sprint(layer.Value.Shape),
			layer.Key.Precision.String(),
			layer.Value.Precision.String(),
			humanize.IBytes(uint64(layer.BlockBytes())),
		})
	}
	table.Render()

	fmt.Fprintf(out, "\ndevice:       %s (%s)\n", desc.Device(), desc.Class())
	fmt.Fprintf(out, "block size:   %d tokens\n", desc.BlockSize())
	fmt.Fprintf(out, "block bytes:  %s\n", humanize.IBytes(uint64(desc.BlockSizeInBytes())))
	fmt.Fprintf(out, "%d blocks:  %s (%s tokens)\n", blocks,
		humanize.IBytes(uint64(blocks)*uint64(desc.BlockSizeInBytes())),
		humanize.Comma(int64(blocks*desc.BlockSize())))
}
