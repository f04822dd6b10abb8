package kvcache

import (
	"fmt"
	"sync"
)

// DeviceContext allocates device-resident buffers for accelerator execution
type DeviceContext interface {
	Allocator
}

// DeviceCopier is implemented by device contexts that can copy between
// device-exclusive regions without going through host memory
type DeviceCopier interface {
	CanCopyRegion(dst, src Buffer) bool
	CopyRegion(dst, src Region) error
}

type deviceCopier struct {
	dc DeviceCopier
}

func (c deviceCopier) Copy(dst, src Region) error {
	if dst.Length != src.Length {
		return fmt.Errorf("copy length mismatch: dst %d, src %d", dst.Length, src.Length)
	}
	return c.dc.CopyRegion(dst, src)
}

// selectCopier picks the copy path for a pair of buffers by locality. It
// returns false when no path exists.
func selectCopier(ctx DeviceContext, dst, src Buffer) (Copier, bool) {
	if dst.Locality() == LocalityHost && src.Locality() == LocalityHost {
		return HostCopier{}, true
	}
	if dc, ok := ctx.(DeviceCopier); ok && dc.CanCopyRegion(dst, src) {
		return deviceCopier{dc: dc}, true
	}
	return nil, false
}

// SimDevice is an in-process stand-in for an accelerator context. Its
// buffers report LocalityDevice and are only reachable through the device.
type SimDevice struct {
	// NativeCopy enables the device-native copy path
	NativeCopy bool
	// Limit is the maximum number of live bytes, 0 means unlimited
	Limit int64

	mu   sync.Mutex
	used int64
}

// DeviceBuffer is a buffer allocated by SimDevice
type DeviceBuffer struct {
	precision Precision
	shape     []int
	mem       []byte
	dev       *SimDevice
	released  bool
}

func (b *DeviceBuffer) Precision() Precision { return b.precision }
func (b *DeviceBuffer) Shape() []int         { return append([]int(nil), b.shape...) }
func (b *DeviceBuffer) Locality() Locality   { return LocalityDevice }

func (b *DeviceBuffer) Release() error {
	if b.released {
		return nil
	}
	b.released = true
	b.dev.mu.Lock()
	b.dev.used -= int64(len(b.mem))
	b.dev.mu.Unlock()
	return nil
}

// Allocate returns a zeroed device buffer
func (d *SimDevice) Allocate(precision Precision, shape []int) (Buffer, error) {
	b := &DeviceBuffer{precision: precision, shape: append([]int(nil), shape...), dev: d}
	size := int64(precision.ByteSize(NumElements(b)))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Limit > 0 && d.used+size > d.Limit {
		return nil, fmt.Errorf("%w: device requested %d bytes with %d of %d in use", ErrOutOfMemory, size, d.used, d.Limit)
	}
	d.used += size
	b.mem = make([]byte, size)
	return b, nil
}

// InUse returns the number of live device bytes
func (d *SimDevice) InUse() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// CanCopyRegion reports whether both buffers belong to the device and native
// copies are enabled
func (d *SimDevice) CanCopyRegion(dst, src Buffer) bool {
	if !d.NativeCopy {
		return false
	}
	_, dstErr := d.memory(dst)
	_, srcErr := d.memory(src)
	return dstErr == nil && srcErr == nil
}

// CopyRegion copies between device buffers when NativeCopy is enabled
func (d *SimDevice) CopyRegion(dst, src Region) error {
	if !d.NativeCopy {
		return fmt.Errorf("device-native copy is disabled")
	}
	dstMem, err := d.memory(dst.Buffer)
	if err != nil {
		return err
	}
	srcMem, err := d.memory(src.Buffer)
	if err != nil {
		return err
	}
	if dst.Offset+dst.Length > len(dstMem) || src.Offset+src.Length > len(srcMem) {
		return fmt.Errorf("device copy of %d bytes overruns buffer", dst.Length)
	}
	copy(dstMem[dst.Offset:dst.Offset+dst.Length], srcMem[src.Offset:src.Offset+src.Length])
	return nil
}

// Upload writes host bytes into a device buffer at offset
func (d *SimDevice) Upload(buf Buffer, offset int, data []byte) error {
	mem, err := d.memory(buf)
	if err != nil {
		return err
	}
	if offset+len(data) > len(mem) {
		return fmt.Errorf("upload of %d bytes at %d overruns buffer of %d", len(data), offset, len(mem))
	}
	copy(mem[offset:], data)
	return nil
}

// Download reads length bytes from a device buffer at offset
func (d *SimDevice) Download(buf Buffer, offset, length int) ([]byte, error) {
	mem, err := d.memory(buf)
	if err != nil {
		return nil, err
	}
	if offset+length > len(mem) {
		return nil, fmt.Errorf("download of %d bytes at %d overruns buffer of %d", length, offset, len(mem))
	}
	return append([]byte(nil), mem[offset:offset+length]...), nil
}

func (d *SimDevice) memory(buf Buffer) ([]byte, error) {
	db, ok := buf.(*DeviceBuffer)
	if !ok || db.dev != d {
		return nil, fmt.Errorf("buffer was not allocated by this device")
	}
	if db.released {
		return nil, fmt.Errorf("buffer has been released")
	}
	return db.mem, nil
}
