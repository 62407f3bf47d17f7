package trace

import (
	"fmt"
	"math/rand"
)

// GenerateOptions shapes a randomly generated trace
type GenerateOptions struct {
	Seed int64
	// NumIDs is the number of distinct blocks that will be allocated
	NumIDs int
	// MaxSize is the largest request size
	MaxSize int
	// ReallocPercent is the chance, out of 100, that a step which does not allocate resizes a
	// live block instead of releasing one. It is capped at 90 so that every trace ends.
	ReallocPercent int
}

// Generate builds a well-formed random trace: every id is allocated exactly once, may be resized
// any number of times, and is released before the trace ends
func Generate(options GenerateOptions) *Trace {
	rng := rand.New(rand.NewSource(options.Seed))
	maxSize := max(options.MaxSize, 1)
	reallocPercent := min(options.ReallocPercent, 90)

	t := &Trace{
		Name:   fmt.Sprintf("random-%d", options.Seed),
		NumIDs: options.NumIDs,
		Weight: 1,
	}

	var live []int
	nextID := 0
	for nextID < options.NumIDs || len(live) > 0 {
		switch {
		case nextID < options.NumIDs && (len(live) == 0 || rng.Intn(2) == 0):
			t.Ops = append(t.Ops, Op{Kind: OpAlloc, ID: nextID, Size: 1 + rng.Intn(maxSize)})
			live = append(live, nextID)
			nextID++

		case rng.Intn(100) < reallocPercent:
			id := live[rng.Intn(len(live))]
			t.Ops = append(t.Ops, Op{Kind: OpRealloc, ID: id, Size: 1 + rng.Intn(maxSize)})

		default:
			idx := rng.Intn(len(live))
			t.Ops = append(t.Ops, Op{Kind: OpFree, ID: live[idx]})
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		}
	}

	t.SuggestedHeapSize = options.NumIDs * maxSize
	return t
}
