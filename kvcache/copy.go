package kvcache

import (
	"fmt"
	"maps"
	"slices"
)

// CopyMap maps a source block id to the blocks that receive a copy of it
type CopyMap map[int][]int

// Add records a copy of src into dst
func (c CopyMap) Add(src, dst int) {
	c[src] = append(c[src], dst)
}

// Len returns the number of block copies, per layer and role
func (c CopyMap) Len() int {
	n := 0
	for _, dsts := range c {
		n += len(dsts)
	}
	return n
}

// Validate checks that no block is both a source and a destination, so
// every destination reads the source content as it was before the copy.
func (c CopyMap) Validate() error {
	for _, dsts := range c {
		for _, dst := range dsts {
			if _, ok := c[dst]; ok {
				return &ErrCopyChain{Block: dst}
			}
		}
	}
	return nil
}

// SkippedCopy is a block copy that had no usable copy path
type SkippedCopy struct {
	Layer int
	Role  Role
	Src   int
	Dst   int
}

// CopyReport is the outcome of CopyBlocks
type CopyReport struct {
	// Copied counts the block copies performed over all layers and roles
	Copied int
	// Bytes is the total number of bytes copied
	Bytes int64
	// Skipped lists copies left undone because an endpoint is
	// device-exclusive memory and the device offers no native copy
	Skipped []SkippedCopy
}

// Complete reports whether every requested copy was performed
func (r CopyReport) Complete() bool {
	return len(r.Skipped) == 0
}

// CopyBlocks duplicates the content of every source block into its
// destination blocks, for every layer and for both keys and values.
func (m *Manager) CopyBlocks(copyMap CopyMap) (CopyReport, error) {
	var report CopyReport
	if m.err != nil {
		return report, m.err
	}
	if len(copyMap) == 0 {
		return report, nil
	}

	for src, dsts := range copyMap {
		if err := m.checkBlock(src); err != nil {
			return report, err
		}
		for _, dst := range dsts {
			if err := m.checkBlock(dst); err != nil {
				return report, err
			}
		}
	}

	for _, src := range slices.Sorted(maps.Keys(copyMap)) {
		for _, dst := range copyMap[src] {
			for layer := 0; layer < m.desc.NumLayers(); layer++ {
				for _, role := range []Role{RoleKey, RoleValue} {
					buf := m.buffer(layer, role)
					n, err := m.copyBlock(buf, src, dst)
					if err != nil {
						return report, fmt.Errorf("copy block %d to %d, layer %d %s: %w", src, dst, layer, role, err)
					}
					if n < 0 {
						report.Skipped = append(report.Skipped, SkippedCopy{Layer: layer, Role: role, Src: src, Dst: dst})
						continue
					}
					report.Copied++
					report.Bytes += int64(n)
				}
			}
		}
	}

	if !report.Complete() {
		m.logger.Warn("block copies skipped for device-exclusive memory",
			"skipped", len(report.Skipped),
			"copied", report.Copied,
		)
	}
	return report, nil
}

// copyBlock copies one block inside buf. It returns the bytes copied, or -1
// when no copy path exists.
func (m *Manager) copyBlock(buf Buffer, src, dst int) (int, error) {
	c, ok := selectCopier(m.ctx, buf, buf)
	if !ok {
		return -1, nil
	}
	dstRegion, srcRegion := BlockRegion(buf, dst, 1), BlockRegion(buf, src, 1)
	if err := c.Copy(dstRegion, srcRegion); err != nil {
		return 0, err
	}
	return srcRegion.Length, nil
}

func (m *Manager) buffer(layer int, role Role) Buffer {
	if role == RoleKey {
		return m.keys[layer]
	}
	return m.values[layer]
}

func (m *Manager) checkBlock(block int) error {
	if block < 0 || block >= m.numBlocks {
		return &ErrBlockOutOfRange{Block: block, NumBlocks: m.numBlocks}
	}
	return nil
}
