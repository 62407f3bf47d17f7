//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package provider

// MmapProvider falls back to a slice reservation on platforms without anonymous mappings
type MmapProvider struct {
	*SliceProvider
}

var _ Provider = &MmapProvider{}

func NewMmapProvider(maxHeap int) (*MmapProvider, error) {
	return &MmapProvider{SliceProvider: NewSliceProvider(maxHeap)}, nil
}

func (p *MmapProvider) Close() error {
	return nil
}
