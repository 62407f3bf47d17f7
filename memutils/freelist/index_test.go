package freelist_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/segheap/memutils/block"
	"github.com/vkngwrapper/segheap/memutils/freelist"
)

type freeBlockSpec struct {
	handle block.Handle
	size   uint32
}

func newIndexFixture(t *testing.T, config freelist.SizeClassConfig, blocks ...freeBlockSpec) (*freelist.Index, block.View) {
	t.Helper()

	table, err := freelist.NewTable(config)
	require.NoError(t, err)

	view := block.View(make([]byte, 1<<16))
	for _, entry := range blocks {
		view.WriteHeader(entry.handle, entry.size, false, true)
		view.WriteFooter(entry.handle, entry.size)
	}

	return freelist.NewIndex(table), view
}

func listContents(view block.View, index *freelist.Index, bucket int) []block.Handle {
	var handles []block.Handle
	for h := index.Head(bucket); h != block.Nil; h = view.NextFree(h) {
		handles = append(handles, h)
	}
	return handles
}

func TestIndexInsertIsLIFO(t *testing.T) {
	index, view := newIndexFixture(t, freelist.ConfigPow2,
		freeBlockSpec{handle: 16, size: 32},
		freeBlockSpec{handle: 64, size: 40},
		freeBlockSpec{handle: 128, size: 48},
	)

	index.Insert(view, 16)
	index.Insert(view, 64)
	index.Insert(view, 128)

	bucket := index.BucketFor(32)
	require.Equal(t, []block.Handle{128, 64, 16}, listContents(view, index, bucket))
	require.Equal(t, block.Nil, view.PrevFree(128))
	require.Equal(t, block.Handle(128), view.PrevFree(64))
	require.Equal(t, block.Handle(64), view.PrevFree(16))
	require.True(t, index.IsMarkedNonEmpty(bucket))
	require.Equal(t, 3, index.FreeCount())
	require.Equal(t, 120, index.FreeBytes())
}

func TestIndexRemove(t *testing.T) {
	index, view := newIndexFixture(t, freelist.ConfigPow2,
		freeBlockSpec{handle: 16, size: 32},
		freeBlockSpec{handle: 64, size: 40},
		freeBlockSpec{handle: 128, size: 48},
	)

	index.Insert(view, 16)
	index.Insert(view, 64)
	index.Insert(view, 128)
	bucket := index.BucketFor(32)

	// middle
	index.Remove(view, 64)
	require.Equal(t, []block.Handle{128, 16}, listContents(view, index, bucket))
	require.Equal(t, block.Handle(128), view.PrevFree(16))

	// head
	index.Remove(view, 128)
	require.Equal(t, []block.Handle{16}, listContents(view, index, bucket))
	require.Equal(t, block.Nil, view.PrevFree(16))

	// last
	index.Remove(view, 16)
	require.Empty(t, listContents(view, index, bucket))
	require.False(t, index.IsMarkedNonEmpty(bucket))
	require.Zero(t, index.FreeCount())
	require.Zero(t, index.FreeBytes())
}

func TestIndexFindFit(t *testing.T) {
	index, view := newIndexFixture(t, freelist.ConfigPow2,
		freeBlockSpec{handle: 16, size: 40},
		freeBlockSpec{handle: 64, size: 56},
		freeBlockSpec{handle: 256, size: 512},
		freeBlockSpec{handle: 1024, size: 4096},
	)

	index.Insert(view, 16)
	index.Insert(view, 64)
	index.Insert(view, 256)
	index.Insert(view, 1024)

	// First fit in list order within the starting bucket: 64 is at the head and fits
	require.Equal(t, block.Handle(64), index.FindFit(view, 40))
	// Nothing in the 32-63 bucket is large enough, so move on without visiting empty buckets
	require.Equal(t, block.Handle(256), index.FindFit(view, 57))
	require.Equal(t, block.Handle(256), index.FindFit(view, 64))
	require.Equal(t, block.Handle(256), index.FindFit(view, 512))
	require.Equal(t, block.Handle(1024), index.FindFit(view, 520))
	require.Equal(t, block.Nil, index.FindFit(view, 8192))
}

func TestIndexFindFitSkipsSmallBlocksInBucket(t *testing.T) {
	index, view := newIndexFixture(t, freelist.ConfigSegregated,
		freeBlockSpec{handle: 16, size: 104},
		freeBlockSpec{handle: 256, size: 64},
	)

	index.Insert(view, 16)
	index.Insert(view, 256)

	require.Equal(t, block.Handle(16), index.FindFit(view, 72))
	require.Equal(t, block.Nil, index.FindFit(view, 112))
}

func TestIndexReset(t *testing.T) {
	index, view := newIndexFixture(t, freelist.ConfigFineGrained,
		freeBlockSpec{handle: 16, size: 64},
	)

	index.Insert(view, 16)
	index.Reset()

	for bucket := 0; bucket < index.Buckets(); bucket++ {
		require.Equal(t, block.Nil, index.Head(bucket))
		require.False(t, index.IsMarkedNonEmpty(bucket))
	}
	require.Zero(t, index.FreeCount())
}
