package kvcache

import (
	"fmt"
	"strings"
)

// Precision is the element type of a cache tensor
type Precision int

const (
	PrecisionUndefined Precision = iota
	PrecisionF32
	PrecisionF16
	PrecisionBF16
	PrecisionF8E4M3
	PrecisionF8E5M2
	PrecisionI8
	PrecisionU8
	PrecisionI4
	PrecisionU4
)

var precisionNames = map[Precision]string{
	PrecisionUndefined: "undefined",
	PrecisionF32:       "f32",
	PrecisionF16:       "f16",
	PrecisionBF16:      "bf16",
	PrecisionF8E4M3:    "f8e4m3",
	PrecisionF8E5M2:    "f8e5m2",
	PrecisionI8:        "i8",
	PrecisionU8:        "u8",
	PrecisionI4:        "i4",
	PrecisionU4:        "u4",
}

// ParsePrecision converts a name such as "f16" or "u4" into a Precision
func ParsePrecision(s string) (Precision, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range precisionNames {
		if p != PrecisionUndefined && name == s {
			return p, nil
		}
	}
	return PrecisionUndefined, fmt.Errorf("unknown precision %q", s)
}

func (p Precision) String() string {
	if name, ok := precisionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("precision(%d)", int(p))
}

// Bits returns the element width in bits
func (p Precision) Bits() int {
	switch p {
	case PrecisionF32:
		return 32
	case PrecisionF16, PrecisionBF16:
		return 16
	case PrecisionF8E4M3, PrecisionF8E5M2, PrecisionI8, PrecisionU8:
		return 8
	case PrecisionI4, PrecisionU4:
		return 4
	default:
		return 0
	}
}

// PackingMultiplier returns how many elements share one byte
func (p Precision) PackingMultiplier() int {
	if p == PrecisionI4 || p == PrecisionU4 {
		return 2
	}
	return 1
}

// IsPacked reports whether elements are narrower than a byte
func (p Precision) IsPacked() bool {
	return p.PackingMultiplier() > 1
}

// ByteSize returns the number of bytes occupied by elements values.
// Packed precisions address whole bytes only, so elements must be a
// multiple of the packing multiplier.
func (p Precision) ByteSize(elements int) int {
	if p.IsPacked() {
		return elements / p.PackingMultiplier()
	}
	return elements * p.Bits() / 8
}
