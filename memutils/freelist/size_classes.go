package freelist

import (
	"fmt"
	"math"
	"sort"

	"github.com/cockroachdb/errors"
)

// SizeClassConfig describes how block sizes are partitioned into free-list buckets.
//
// A configuration either lists its bucket boundaries explicitly or derives them: linear steps
// of SmallIncrement from SmallMin up to SmallMax, then geometric growth by GrowthFactor up to
// MediumMax. Every boundary is an inclusive upper bound. Sizes above the last boundary fall into
// a final catch-all bucket.
type SizeClassConfig struct {
	// Name for this configuration, used in logs and reports
	Name string

	// Boundaries, if non-empty, are used as-is and the remaining fields are ignored
	Boundaries []uint32

	SmallMin       uint32
	SmallMax       uint32
	SmallIncrement uint32

	MediumMax    uint32
	GrowthFactor float64
}

var (
	// ConfigPow2 doubles the bucket range per class: 16-31, 32-63, ... 16K-32K, then everything larger
	ConfigPow2 = SizeClassConfig{
		Name:           "Pow2",
		SmallMin:       16,
		SmallMax:       32,
		SmallIncrement: 16,
		MediumMax:      32768,
		GrowthFactor:   2.0,
	}

	// ConfigSegregated uses a dozen hand-picked cut points tuned for mixed trace workloads
	ConfigSegregated = SizeClassConfig{
		Name:       "Segregated",
		Boundaries: []uint32{200, 400, 800, 1000, 2500, 5000, 12000, 24000, 30000, 40000, 60000},
	}

	// ConfigFineGrained keeps one bucket per 16 bytes up to 512, then grows by half
	ConfigFineGrained = SizeClassConfig{
		Name:           "FineGrained",
		SmallMin:       16,
		SmallMax:       512,
		SmallIncrement: 16,
		MediumMax:      16384,
		GrowthFactor:   1.5,
	}

	// DefaultConfig is used when no configuration is provided
	DefaultConfig = ConfigPow2
)

// Validate reports whether the configuration can produce a usable table
func (c SizeClassConfig) Validate() error {
	if len(c.Boundaries) > 0 {
		for i, bound := range c.Boundaries {
			if bound == 0 {
				return errors.Newf("size class config %q: boundary %d is zero", c.Name, i)
			}
			if i > 0 && bound <= c.Boundaries[i-1] {
				return errors.Newf("size class config %q: boundary %d (%d) does not exceed the previous boundary (%d)",
					c.Name, i, bound, c.Boundaries[i-1])
			}
		}
		return nil
	}

	if c.SmallIncrement == 0 {
		return errors.Newf("size class config %q: SmallIncrement must be greater than 0", c.Name)
	}
	if c.SmallMin == 0 || c.SmallMin > c.SmallMax {
		return errors.Newf("size class config %q: SmallMin must be in [1, SmallMax], but is %d", c.Name, c.SmallMin)
	}
	if c.SmallMax < c.MediumMax && !(c.GrowthFactor > 1) {
		return errors.Newf("size class config %q: GrowthFactor must be greater than 1, but is %f", c.Name, c.GrowthFactor)
	}

	return nil
}

// Table holds the computed bucket boundaries of a SizeClassConfig
type Table struct {
	config     SizeClassConfig
	boundaries []uint32
}

// NewTable computes bucket boundaries from config
func NewTable(config SizeClassConfig) (*Table, error) {
	err := config.Validate()
	if err != nil {
		return nil, err
	}

	table := &Table{config: config}

	if len(config.Boundaries) > 0 {
		table.boundaries = append([]uint32(nil), config.Boundaries...)
		return table, nil
	}

	table.boundaries = make([]uint32, 0, 64)
	for size := config.SmallMin; size < config.SmallMax; size += config.SmallIncrement {
		table.boundaries = append(table.boundaries, size+config.SmallIncrement-1)
	}

	size := config.SmallMax
	for size < config.MediumMax {
		next := uint32(math.Ceil(float64(size) * config.GrowthFactor))
		if next <= size {
			next = size + 1
		}
		table.boundaries = append(table.boundaries, next-1)
		size = next
	}

	return table, nil
}

// BucketFor maps a block size to its bucket. Sizes larger than every boundary map to the
// catch-all bucket, Buckets()-1.
func (t *Table) BucketFor(size uint32) int {
	return sort.Search(len(t.boundaries), func(i int) bool {
		return size <= t.boundaries[i]
	})
}

// Buckets returns the number of buckets, the catch-all included
func (t *Table) Buckets() int {
	return len(t.boundaries) + 1
}

// UpperBound returns the inclusive upper bound of a bucket. The catch-all bucket has none.
func (t *Table) UpperBound(bucket int) (uint32, bool) {
	if bucket < 0 || bucket >= len(t.boundaries) {
		return 0, false
	}
	return t.boundaries[bucket], true
}

func (t *Table) Name() string {
	return t.config.Name
}

func (t *Table) String() string {
	return fmt.Sprintf("%s (%d buckets)", t.config.Name, t.Buckets())
}
