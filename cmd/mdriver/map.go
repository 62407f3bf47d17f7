package main

import (
	"io"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/segheap/trace"
)

var mapStop int

func init() {
	cmd := newMapCmd()
	cmd.Flags().IntVar(&mapStop, "stop", -1, "Replay only this many operations before dumping")
	rootCmd.AddCommand(cmd)
}

func newMapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "map <trace>",
		Short: "Replay a trace and dump the resulting heap as JSON",
		Long: `The map command replays a trace, optionally stopping early, and prints
every bucket and every physical block of the heap as a JSON document.

Example:
  mdriver map --stop 100 short.rep`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMap(cmd.OutOrStdout(), args[0])
		},
	}
}

func runMap(out io.Writer, path string) error {
	t, err := trace.ParseFile(path)
	if err != nil {
		return err
	}
	if mapStop >= 0 && mapStop < len(t.Ops) {
		t.Ops = t.Ops[:mapStop]
	}

	logger := newLogger()
	h, closeHeap, err := newHeap(logger)
	if err != nil {
		return err
	}
	defer closeHeap()

	_, err = trace.Run(h, t, trace.RunOptions{CheckHeap: checkHeap, Logger: logger})
	if err != nil {
		return err
	}

	writer := jwriter.NewWriter()
	h.PrintDetailedMap(&writer)
	if err := writer.Error(); err != nil {
		return err
	}

	_, err = out.Write(append(writer.Bytes(), '\n'))
	return err
}
