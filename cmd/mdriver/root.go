package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/segheap/memutils/freelist"
	"github.com/vkngwrapper/segheap/memutils/heap"
	"github.com/vkngwrapper/segheap/memutils/provider"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose   bool
	jsonOut   bool
	chunkSize int
	classes   string
	inPlace   bool
	checkHeap bool
	useMmap   bool
	maxHeap   int
)

var rootCmd = &cobra.Command{
	Use:   "mdriver",
	Short: "Replay allocation traces against a segregated-fit heap",
	Long: `mdriver replays allocation trace files against a segregated-fit heap,
checking every block the heap hands out, and reports peak utilization and
throughput for each trace.`,
	SilenceUsage: true,
}

var sizeClassLayouts = []freelist.SizeClassConfig{
	freelist.ConfigPow2,
	freelist.ConfigSegregated,
	freelist.ConfigFineGrained,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every heap operation to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().IntVar(&chunkSize, "chunk", heap.DefaultChunkSize, "Minimum heap extension in bytes")
	rootCmd.PersistentFlags().StringVar(&classes, "classes", freelist.DefaultConfig.Name,
		"Size class layout: "+layoutNames())
	rootCmd.PersistentFlags().BoolVar(&inPlace, "in-place", false, "Let resize shrink or grow blocks where they stand")
	rootCmd.PersistentFlags().BoolVar(&checkHeap, "check", false, "Check heap consistency after every operation")
	rootCmd.PersistentFlags().BoolVar(&useMmap, "mmap", false, "Reserve the heap with mmap instead of a Go slice")
	rootCmd.PersistentFlags().IntVar(&maxHeap, "max-heap", provider.DefaultMaxHeap, "Largest heap in bytes")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func layoutNames() string {
	names := make([]string, 0, len(sizeClassLayouts))
	for _, layout := range sizeClassLayouts {
		names = append(names, layout.Name)
	}
	return strings.Join(names, ", ")
}

func lookupLayout(name string) (freelist.SizeClassConfig, error) {
	for _, layout := range sizeClassLayouts {
		if strings.EqualFold(layout.Name, name) {
			return layout, nil
		}
	}
	return freelist.SizeClassConfig{}, errors.Newf("unknown size class layout %q, expected one of %s", name, layoutNames())
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))
}

// newHeap builds a heap from the global flags. The returned function releases the heap's
// region and must be called once the heap is no longer used.
func newHeap(logger *slog.Logger) (*heap.Heap, func() error, error) {
	layout, err := lookupLayout(classes)
	if err != nil {
		return nil, nil, err
	}

	var flags heap.CreateFlags
	if inPlace {
		flags |= heap.HeapCreateResizeInPlace
	}

	options := heap.CreateOptions{
		Flags:       flags,
		SizeClasses: &layout,
		ChunkSize:   chunkSize,
		Logger:      logger,
	}

	closer := func() error { return nil }
	if useMmap {
		mmapProvider, err := provider.NewMmapProvider(maxHeap)
		if err != nil {
			return nil, nil, err
		}
		options.Provider = mmapProvider
		closer = mmapProvider.Close
	} else {
		options.Provider = provider.NewSliceProvider(maxHeap)
	}

	h, err := heap.New(options)
	if err != nil {
		return nil, nil, errors.CombineErrors(err, closer())
	}
	return h, closer, nil
}
