package pool

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// FDSetSize is the number of descriptors a select(2) set can hold. Descriptors at or
// above it can never be polled, and it bounds the pool's capacity.
const FDSetSize = int(unsafe.Sizeof(unix.FdSet{})) * 8

// Interest is the readiness interest of one cycle. It is rebuilt from scratch by
// every PrepareReadiness call and owned by the caller.
type Interest struct {
	Read  unix.FdSet
	Write unix.FdSet
	// MaxFD is the largest descriptor marked in either set.
	MaxFD int
	// Pending lists connections whose transport already holds readable bytes; the
	// wait must not block while it is non-empty.
	Pending []int
}

func (in *Interest) markRead(fd int) {
	in.Read.Set(fd)
	in.MaxFD = max(in.MaxFD, fd)
}

func (in *Interest) markWrite(fd int) {
	in.Write.Set(fd)
	in.MaxFD = max(in.MaxFD, fd)
}

// Readable reports whether fd is in the read set.
func (in *Interest) Readable(fd int) bool { return in.Read.IsSet(fd) }

// Writable reports whether fd is in the write set.
func (in *Interest) Writable(fd int) bool { return in.Write.IsSet(fd) }
