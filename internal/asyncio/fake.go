package asyncio

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// FakeBackend is an in-memory ports.AsyncIOPort over a map of fd ->
// byte slice, standing in for a real file during tests. It completes
// synchronously from Submit's own caller, which is adequate for
// exercising the retry/state-machine logic above it without needing a
// real file descriptor.
type FakeBackend struct {
	mu    sync.Mutex
	files map[int32][]byte

	// FailNext holds the retval armed by ArmFailure: the next Submit call
	// (read or write) reports it instead of performing the operation, for
	// exercising error paths. Assigning FailNext directly arms nothing.
	FailNext int32
	failSet  bool
}

// NewFakeBackend creates an empty fake backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{files: make(map[int32][]byte)}
}

// SetFile installs or replaces the backing bytes for fd.
func (f *FakeBackend) SetFile(fd int32, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[fd] = data
}

// File returns a copy of the current backing bytes for fd.
func (f *FakeBackend) File(fd int32) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.files[fd]))
	copy(out, f.files[fd])
	return out
}

// ArmFailure makes the next Submit call report retval without touching
// the backing file.
func (f *FakeBackend) ArmFailure(retval int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailNext = retval
	f.failSet = true
}

func (f *FakeBackend) takeFailure() (int32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.failSet {
		return 0, false
	}
	f.failSet = false
	return f.FailNext, true
}

// SubmitReadV copies from the backing file into bufs, zero-filling any
// range past end-of-file, matching the short-read semantics the fetch
// path in internal/asyncfile relies on.
func (f *FakeBackend) SubmitReadV(ctx context.Context, fd int32, bufs [][]byte, offset int64, id uuid.UUID, done func(retval int32)) {
	if retval, ok := f.takeFailure(); ok {
		done(retval)
		return
	}
	f.mu.Lock()
	data := f.files[fd]
	f.mu.Unlock()

	pos := offset
	var total int32
	for _, buf := range bufs {
		n := copy(buf, sliceAt(data, pos, len(buf)))
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		total += int32(len(buf))
		pos += int64(len(buf))
	}
	done(total)
}

// SubmitWriteV copies bufs into the backing file, growing it as needed.
func (f *FakeBackend) SubmitWriteV(ctx context.Context, fd int32, bufs [][]byte, offset int64, id uuid.UUID, done func(retval int32)) {
	if retval, ok := f.takeFailure(); ok {
		done(retval)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	pos := offset
	var total int32
	for _, buf := range bufs {
		need := pos + int64(len(buf))
		if need > int64(len(f.files[fd])) {
			grown := make([]byte, need)
			copy(grown, f.files[fd])
			f.files[fd] = grown
		}
		copy(f.files[fd][pos:], buf)
		total += int32(len(buf))
		pos += int64(len(buf))
	}
	done(total)
}

func sliceAt(data []byte, pos int64, n int) []byte {
	if pos >= int64(len(data)) {
		return nil
	}
	end := pos + int64(n)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[pos:end]
}
