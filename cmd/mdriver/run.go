package main

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/segheap/memutils/heap"
	"github.com/vkngwrapper/segheap/trace"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <trace...>",
		Short: "Replay trace files and report utilization and throughput",
		Long: `The run command replays each trace file against a fresh heap. Every block
the heap returns is checked for alignment, bounds and overlap, and its contents
are verified before it is resized or released.

Example:
  mdriver run traces/*.rep
  mdriver run --classes Segregated --in-place --check short.rep
  mdriver run --json short.rep`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraces(cmd.OutOrStdout(), args)
		},
	}
}

type traceReport struct {
	result   *trace.Result
	weight   int
	counters heap.Counters
}

func runTraces(out io.Writer, paths []string) error {
	logger := newLogger()
	h, closeHeap, err := newHeap(logger)
	if err != nil {
		return err
	}

	reports := make([]traceReport, 0, len(paths))
	for _, path := range paths {
		t, err := trace.ParseFile(path)
		if err != nil {
			return errors.CombineErrors(err, closeHeap())
		}

		result, err := trace.Run(h, t, trace.RunOptions{CheckHeap: checkHeap, Logger: logger})
		if err != nil {
			return errors.CombineErrors(err, closeHeap())
		}

		reports = append(reports, traceReport{result: result, weight: t.Weight, counters: h.Counters()})
	}

	if err := closeHeap(); err != nil {
		return err
	}

	if jsonOut {
		return writeJSONReport(out, h, reports)
	}
	return writeTextReport(out, h, reports)
}

// weightedUtilization averages utilization across traces by their declared weights. Traces
// with weight 0 are reported but not averaged.
func weightedUtilization(reports []traceReport) float64 {
	var total float64
	var weights int
	for _, report := range reports {
		total += report.result.Utilization() * float64(report.weight)
		weights += report.weight
	}
	if weights == 0 {
		return 0
	}
	return total / float64(weights)
}

func writeTextReport(out io.Writer, h *heap.Heap, reports []traceReport) error {
	printer := message.NewPrinter(language.English)

	printer.Fprintf(out, "Size classes: %s\n\n", h.SizeClasses())
	printer.Fprintf(out, "%-24s %10s %12s %12s %8s %14s\n", "trace", "ops", "peak bytes", "heap bytes", "util", "ops/sec")

	var ops int
	var seconds float64
	for _, report := range reports {
		result := report.result
		printer.Fprintf(out, "%-24s %10d %12d %12d %7.1f%% %14.0f\n",
			result.Trace, result.Ops, result.PeakPayloadBytes, result.HeapBytes,
			result.Utilization()*100, result.OpsPerSecond())
		ops += result.Ops
		seconds += result.Elapsed.Seconds()
	}

	var throughput float64
	if seconds > 0 {
		throughput = float64(ops) / seconds
	}
	_, err := printer.Fprintf(out, "\n%-24s %10d %38.1f%% %14.0f\n", "total", ops, weightedUtilization(reports)*100, throughput)
	return err
}

func writeJSONReport(out io.Writer, h *heap.Heap, reports []traceReport) error {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("SizeClasses").String(h.SizeClasses().Name())
	obj.Name("Utilization").Float64(weightedUtilization(reports))

	arr := obj.Name("Traces").Array()
	for _, report := range reports {
		result := report.result
		traceObj := arr.Object()
		traceObj.Name("Name").String(result.Trace)
		traceObj.Name("Weight").Int(report.weight)
		traceObj.Name("Ops").Int(result.Ops)
		traceObj.Name("PeakPayloadBytes").Int(result.PeakPayloadBytes)
		traceObj.Name("HeapBytes").Int(result.HeapBytes)
		traceObj.Name("Utilization").Float64(result.Utilization())
		traceObj.Name("OpsPerSecond").Float64(result.OpsPerSecond())
		writeCounters(&traceObj, report.counters)
		traceObj.End()
	}
	arr.End()
	obj.End()

	if err := writer.Error(); err != nil {
		return err
	}
	_, err := out.Write(append(writer.Bytes(), '\n'))
	return err
}

func writeCounters(json *jwriter.ObjectState, counters heap.Counters) {
	obj := json.Name("Counters").Object()
	defer obj.End()

	obj.Name("ExtendCalls").Int(counters.ExtendCalls)
	obj.Name("ExtendBytes").Int(counters.ExtendBytes)
	obj.Name("FreeListHits").Int(counters.FreeListHits)
	obj.Name("FreeListMisses").Int(counters.FreeListMisses)
	obj.Name("Splits").Int(counters.Splits)
	obj.Name("ForwardMerges").Int(counters.ForwardMerges)
	obj.Name("BackwardMerges").Int(counters.BackwardMerges)
	obj.Name("InPlaceResizes").Int(counters.InPlaceResizes)
	obj.Name("CopyResizes").Int(counters.CopyResizes)
}
