package main

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/segheap/trace"
)

var (
	genSeed    int64
	genIDs     int
	genMaxSize int
	genRealloc int
)

func init() {
	cmd := newGenCmd()
	cmd.Flags().Int64Var(&genSeed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&genIDs, "ids", 1000, "Number of distinct blocks to allocate")
	cmd.Flags().IntVar(&genMaxSize, "max-size", 4096, "Largest request size in bytes")
	cmd.Flags().IntVar(&genRealloc, "realloc", 20, "Percent chance that a step resizes instead of releasing")
	rootCmd.AddCommand(cmd)
}

func newGenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen <out>",
		Short: "Write a random trace file",
		Long: `The gen command writes a random but well-formed trace: every block is
allocated once, may be resized, and is released before the trace ends. Pass "-"
to write to stdout.

Example:
  mdriver gen --seed 42 --ids 5000 random.rep`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGen(cmd.OutOrStdout(), args[0])
		},
	}
}

func runGen(stdout io.Writer, path string) error {
	if genIDs <= 0 {
		return errors.Newf("--ids must be positive, got %d", genIDs)
	}

	t := trace.Generate(trace.GenerateOptions{
		Seed:           genSeed,
		NumIDs:         genIDs,
		MaxSize:        genMaxSize,
		ReallocPercent: genRealloc,
	})

	if path == "-" {
		return t.Write(stdout)
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}

	err = t.Write(file)
	return errors.CombineErrors(err, file.Close())
}
