package provider

import (
	"github.com/cockroachdb/errors"
)

// SliceProvider is a Provider backed by a Go byte slice that is reserved in full up front, so
// the bytes of the region never move while it grows
type SliceProvider struct {
	data []byte
	brk  int
}

var _ Provider = &SliceProvider{}

// NewSliceProvider reserves maxHeap bytes. A maxHeap of 0 or less uses DefaultMaxHeap.
func NewSliceProvider(maxHeap int) *SliceProvider {
	if maxHeap <= 0 {
		maxHeap = DefaultMaxHeap
	}
	return &SliceProvider{data: make([]byte, maxHeap)}
}

func (p *SliceProvider) Extend(n int) (int, error) {
	return extend(p.data, &p.brk, n)
}

func (p *SliceProvider) Low() int {
	return 0
}

func (p *SliceProvider) High() int {
	return p.brk
}

func (p *SliceProvider) Bytes() []byte {
	return p.data[:p.brk]
}

func (p *SliceProvider) Reset() {
	p.brk = 0
}

// Reserved returns the maximum size the region can grow to
func (p *SliceProvider) Reserved() int {
	return len(p.data)
}

func extend(data []byte, brk *int, n int) (int, error) {
	if n < 0 {
		return 0, errors.Newf("cannot extend the heap by a negative amount (%d)", n)
	}
	if n > len(data)-*brk {
		return 0, errors.Wrapf(ExhaustedError, "extending the heap by %d bytes would exceed its %d byte reservation (%d in use)",
			n, len(data), *brk)
	}

	old := *brk
	*brk += n
	return old, nil
}
