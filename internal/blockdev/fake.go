package blockdev

import (
	"context"
	"sync"

	"github.com/tee-os/pagecache/internal/ports"
)

// FakeDevice is an in-memory ports.DevicePort over a single byte slice,
// for exercising BlockDeviceExt without a real disk.
type FakeDevice struct {
	mu   sync.Mutex
	data []byte

	// FlushCount records how many BioFlush requests this device has
	// completed, for tests asserting the flusher actually reaches the
	// device.
	FlushCount int
}

// NewFakeDevice creates a device of totalBytes capacity, zero-filled.
func NewFakeDevice(totalBytes int64) *FakeDevice {
	return &FakeDevice{data: make([]byte, totalBytes)}
}

// TotalBytes implements ports.DevicePort.
func (d *FakeDevice) TotalBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.data))
}

// Submit implements ports.DevicePort, completing synchronously on a
// buffered channel of size 1.
func (d *FakeDevice) Submit(ctx context.Context, req *ports.BioReq) <-chan ports.BioCompletion {
	ch := make(chan ports.BioCompletion, 1)

	d.mu.Lock()
	var retval int32
	switch req.Type {
	case ports.BioRead:
		retval = d.doReadLocked(req)
	case ports.BioWrite:
		retval = d.doWriteLocked(req)
	case ports.BioFlush:
		d.FlushCount++
		retval = 0
	}
	d.mu.Unlock()

	ch <- ports.BioCompletion{Req: req, Retval: retval}
	return ch
}

func (d *FakeDevice) doReadLocked(req *ports.BioReq) int32 {
	pos := req.BlockIdx * BlockSize
	var n int32
	for _, buf := range req.Bufs {
		end := pos + int64(len(buf))
		if end > int64(len(d.data)) {
			end = int64(len(d.data))
		}
		if pos < end {
			copy(buf, d.data[pos:end])
		}
		n += int32(len(buf))
		pos += int64(len(buf))
	}
	return n
}

func (d *FakeDevice) doWriteLocked(req *ports.BioReq) int32 {
	pos := req.BlockIdx * BlockSize
	var n int32
	for _, buf := range req.Bufs {
		need := pos + int64(len(buf))
		if need > int64(len(d.data)) {
			grown := make([]byte, need)
			copy(grown, d.data)
			d.data = grown
		}
		copy(d.data[pos:], buf)
		n += int32(len(buf))
		pos += int64(len(buf))
	}
	return n
}

// Bytes returns a copy of the device's current contents.
func (d *FakeDevice) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.data))
	copy(out, d.data)
	return out
}

var _ ports.DevicePort = (*FakeDevice)(nil)
