// Package cacheerr defines the error vocabulary shared by the page cache,
// async file, flusher, and block-device adapter.
//
// What: a small closed set of error kinds plus a wrapping type.
// How: byte-granular callers check ErrKind via Kind(err); internal callers
// use errors.Is against the package-level sentinels.
// Why: spec.md classifies errors at the core boundary into a handful of
// kinds (InvalidArgument, BadFd, WouldBlock, DeviceIO, CacheSaturated) and
// every byte-granular API returns -errno, never a Go error value.
package cacheerr

import (
	"github.com/pkg/errors"
)

// ErrKind classifies an error observed at the core boundary.
type ErrKind int

const (
	// KindNone means the error is nil or does not belong to this taxonomy.
	KindNone ErrKind = iota
	// KindInvalidArgument covers unaligned offsets, overflow-prone lengths,
	// and null handles. Never retried.
	KindInvalidArgument
	// KindBadFd covers an operation incompatible with the file's open
	// permissions (read on a write-only file, etc).
	KindBadFd
	// KindWouldBlock is EAGAIN: the caller must retry after a wake. The
	// slow path handles this internally; it is only surfaced to a caller
	// of read_at/write_at if the final attempt also fails.
	KindWouldBlock
	// KindDeviceIO is a device-reported I/O failure, bubbled up with the
	// device's own errno.
	KindDeviceIO
	// KindCacheSaturated means PageCache.Acquire returned no handle: the
	// cache is full of non-evictable pages and the caller must wait for
	// the flusher to make progress.
	KindCacheSaturated
)

func (k ErrKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindBadFd:
		return "bad file descriptor"
	case KindWouldBlock:
		return "would block"
	case KindDeviceIO:
		return "device I/O error"
	case KindCacheSaturated:
		return "cache saturated"
	default:
		return "none"
	}
}

// Errno values the byte-granular APIs translate ErrKind to/from. These
// mirror the POSIX errnos the original implementation surfaces, not the
// platform's own errno table, so tests stay portable across OSes.
const (
	EINVAL = 22
	EBADF  = 9
	EAGAIN = 11
	EIO    = 5
)

// kindError is the concrete error type returned by this package's
// constructors. It carries a kind, an errno, and an optional wrapped cause.
type kindError struct {
	kind  ErrKind
	errno int32
	cause error
}

func (e *kindError) Error() string {
	if e.cause != nil {
		return e.kind.String() + ": " + e.cause.Error()
	}
	return e.kind.String()
}

func (e *kindError) Unwrap() error { return e.cause }

// New builds an error of the given kind with no wrapped cause.
func New(kind ErrKind, errno int32) error {
	return &kindError{kind: kind, errno: errno}
}

// Wrap builds an error of the given kind that wraps cause, recording a
// stack trace via github.com/pkg/errors so device-I/O failures retain
// their origin across the submit/complete boundary.
func Wrap(kind ErrKind, errno int32, cause error, msg string) error {
	if cause == nil {
		return New(kind, errno)
	}
	return &kindError{kind: kind, errno: errno, cause: errors.Wrap(cause, msg)}
}

// Kind extracts the ErrKind from err, returning KindNone if err does not
// originate from this package.
func Kind(err error) ErrKind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindNone
}

// Errno extracts the errno this error should surface as -errno from a
// byte-granular API. Returns EIO for errors not recognized as kindError.
func Errno(err error) int32 {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.errno
	}
	return EIO
}

// IsWouldBlock reports whether err is the WouldBlock sentinel kind.
func IsWouldBlock(err error) bool {
	return Kind(err) == KindWouldBlock
}

// Sentinel instances for errors.Is-style comparisons where no wrapped
// cause or custom errno is needed.
var (
	ErrInvalidArgument = New(KindInvalidArgument, EINVAL)
	ErrBadFd           = New(KindBadFd, EBADF)
	ErrWouldBlock      = New(KindWouldBlock, EAGAIN)
	ErrCacheSaturated  = New(KindCacheSaturated, EAGAIN)
)
