package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/segheap/memutils"
)

// HeapJsonData populates a json object with summary information about this heap
func (h *Heap) HeapJsonData(json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	json.Name("SizeClasses").String(h.index.Table().Name())
	json.Name("TotalBytes").Int(stats.HeapBytes)
	json.Name("UnusedBytes").Int(stats.FreeBytes)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRanges").Int(stats.FreeBlockCount)
}

// PrintDetailedMap writes the heap summary, the occupancy of each bucket, and every physical
// block to writer as a single json object
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	h.HeapJsonData(&objState)
	h.printDetailedMapBuckets(&objState)
	h.printDetailedMapBlocks(&objState)
}

func (h *Heap) printDetailedMapBuckets(json *jwriter.ObjectState) {
	arrayState := json.Name("Buckets").Array()
	defer arrayState.End()

	view := h.view()
	for bucket := 0; bucket < h.index.Buckets(); bucket++ {
		count := 0
		bytes := 0
		for cur := h.index.Head(bucket); cur != Null; cur = view.NextFree(cur) {
			count++
			bytes += int(view.Size(cur))
		}

		obj := arrayState.Object()
		obj.Name("Index").Int(bucket)
		if bound, ok := h.index.Table().UpperBound(bucket); ok {
			obj.Name("UpperBound").Int(int(bound))
		}
		obj.Name("Blocks").Int(count)
		obj.Name("Bytes").Int(bytes)
		obj.End()
	}
}

func (h *Heap) printDetailedMapBlocks(json *jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = h.VisitAllRegions(func(p Ptr, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(p))
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("ALLOCATED")
			obj.Name("UsableSize").Int(h.UsableSize(p))
		}
		return nil
	})
}
