package provider_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/segheap/memutils/provider"
)

func TestSliceProviderExtend(t *testing.T) {
	p := provider.NewSliceProvider(64)
	require.Equal(t, 64, p.Reserved())
	require.Zero(t, p.Low())
	require.Zero(t, p.High())

	base, err := p.Extend(16)
	require.NoError(t, err)
	require.Zero(t, base)
	require.Equal(t, 16, p.High())

	p.Bytes()[15] = 0xAB

	base, err = p.Extend(48)
	require.NoError(t, err)
	require.Equal(t, 16, base)
	require.Len(t, p.Bytes(), 64)
	require.Equal(t, byte(0xAB), p.Bytes()[15])

	_, err = p.Extend(1)
	require.Error(t, err)
	require.True(t, errors.Is(err, provider.ExhaustedError))
	require.Equal(t, 64, p.High())

	_, err = p.Extend(-8)
	require.Error(t, err)
}

func TestSliceProviderReset(t *testing.T) {
	p := provider.NewSliceProvider(0)
	require.Equal(t, provider.DefaultMaxHeap, p.Reserved())

	_, err := p.Extend(4096)
	require.NoError(t, err)

	p.Reset()
	require.Zero(t, p.High())
	require.Empty(t, p.Bytes())

	base, err := p.Extend(8)
	require.NoError(t, err)
	require.Zero(t, base)
}

func TestMmapProvider(t *testing.T) {
	p, err := provider.NewMmapProvider(1 << 16)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, p.Close())
	}()

	require.GreaterOrEqual(t, p.Reserved(), 1<<16)

	base, err := p.Extend(4096)
	require.NoError(t, err)
	require.Zero(t, base)

	data := p.Bytes()
	data[0] = 1
	data[4095] = 2

	base, err = p.Extend(4096)
	require.NoError(t, err)
	require.Equal(t, 4096, base)
	require.Equal(t, byte(2), p.Bytes()[4095])

	_, err = p.Extend(p.Reserved())
	require.True(t, errors.Is(err, provider.ExhaustedError))

	p.Reset()
	require.Zero(t, p.High())
}
