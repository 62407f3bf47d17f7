//go:build linux || darwin || freebsd || netbsd || openbsd

package provider

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/segheap/memutils"
	"golang.org/x/sys/unix"
)

// MmapProvider is a Provider backed by an anonymous private mapping. The whole reservation is
// mapped at creation time and pages are only committed by the kernel when first touched.
type MmapProvider struct {
	data     []byte
	brk      int
	pageSize int
}

var _ Provider = &MmapProvider{}

// NewMmapProvider maps a reservation of at least maxHeap bytes, rounded up to the page size.
// A maxHeap of 0 or less uses DefaultMaxHeap. The mapping must be released with Close.
func NewMmapProvider(maxHeap int) (*MmapProvider, error) {
	if maxHeap <= 0 {
		maxHeap = DefaultMaxHeap
	}

	pageSize := unix.Getpagesize()
	err := memutils.CheckPow2(uint(pageSize), "page size")
	if err != nil {
		return nil, err
	}

	size := memutils.AlignUp(maxHeap, uint(pageSize))
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map a %d byte heap reservation", size)
	}

	return &MmapProvider{data: data, pageSize: pageSize}, nil
}

func (p *MmapProvider) Extend(n int) (int, error) {
	if p.data == nil {
		return 0, errors.New("the heap reservation has already been unmapped")
	}
	return extend(p.data, &p.brk, n)
}

func (p *MmapProvider) Low() int {
	return 0
}

func (p *MmapProvider) High() int {
	return p.brk
}

func (p *MmapProvider) Bytes() []byte {
	return p.data[:p.brk]
}

// Reset empties the region and hands its touched pages back to the kernel
func (p *MmapProvider) Reset() {
	if p.brk > 0 {
		touched := memutils.AlignUp(p.brk, uint(p.pageSize))
		// Failure only means the pages stay resident
		_ = unix.Madvise(p.data[:touched], unix.MADV_DONTNEED)
	}
	p.brk = 0
}

// Reserved returns the maximum size the region can grow to
func (p *MmapProvider) Reserved() int {
	return len(p.data)
}

// Close unmaps the reservation. The provider cannot be used afterward.
func (p *MmapProvider) Close() error {
	if p.data == nil {
		return nil
	}

	err := unix.Munmap(p.data)
	p.data = nil
	p.brk = 0
	if err != nil {
		return errors.Wrap(err, "failed to unmap the heap reservation")
	}
	return nil
}
