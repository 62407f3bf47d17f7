// Package trace reads, writes and generates allocation trace files and replays them against a
// heap.
//
// A trace file starts with four header lines: the suggested heap size, the number of distinct
// block ids, the number of operations, and a weight. Each following non-blank line is one
// operation:
//
//	a <id> <bytes>   allocate a block for id
//	r <id> <bytes>   resize the block held by id
//	f <id>           release the block held by id
package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

type OpKind int

const (
	OpAlloc OpKind = iota
	OpRealloc
	OpFree
)

func (k OpKind) String() string {
	switch k {
	case OpAlloc:
		return "a"
	case OpRealloc:
		return "r"
	case OpFree:
		return "f"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Op is a single trace operation. Size is unused for OpFree.
type Op struct {
	Kind OpKind
	ID   int
	Size int
}

type Trace struct {
	Name              string
	SuggestedHeapSize int
	NumIDs            int
	Weight            int
	Ops               []Op
}

// ParseFile reads a trace from disk. The trace is named after the file.
func ParseFile(path string) (*Trace, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open trace %s", path)
	}
	defer file.Close()

	t, err := Parse(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse trace %s", path)
	}
	t.Name = filepath.Base(path)
	return t, nil
}

// Parse reads a trace. Every id must be below the declared id count and the number of
// operations must match the header.
func Parse(r io.Reader) (*Trace, error) {
	scanner := bufio.NewScanner(r)
	lineNumber := 0

	var header [4]int
	for i := 0; i < len(header); {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			return nil, errors.Newf("trace ended after %d of %d header lines", i, len(header))
		}
		lineNumber++

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		value, err := strconv.Atoi(line)
		if err != nil || value < 0 {
			return nil, errors.Newf("line %d: header value %q is not a non-negative integer", lineNumber, line)
		}
		header[i] = value
		i++
	}

	t := &Trace{
		SuggestedHeapSize: header[0],
		NumIDs:            header[1],
		Weight:            header[3],
		Ops:               make([]Op, 0, header[2]),
	}

	for scanner.Scan() {
		lineNumber++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		op, err := t.parseOp(fields)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNumber)
		}
		t.Ops = append(t.Ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(t.Ops) != header[2] {
		return nil, errors.Newf("header declares %d operations but the trace holds %d", header[2], len(t.Ops))
	}

	return t, nil
}

func (t *Trace) parseOp(fields []string) (Op, error) {
	var op Op
	var wantFields int

	switch fields[0] {
	case "a":
		op.Kind = OpAlloc
		wantFields = 3
	case "r":
		op.Kind = OpRealloc
		wantFields = 3
	case "f":
		op.Kind = OpFree
		wantFields = 2
	default:
		return op, errors.Newf("unknown operation %q", fields[0])
	}

	if len(fields) != wantFields {
		return op, errors.Newf("operation %q takes %d fields but has %d", fields[0], wantFields, len(fields))
	}

	id, err := strconv.Atoi(fields[1])
	if err != nil || id < 0 || id >= t.NumIDs {
		return op, errors.Newf("id %q is not in [0, %d)", fields[1], t.NumIDs)
	}
	op.ID = id

	if wantFields == 3 {
		size, err := strconv.Atoi(fields[2])
		if err != nil || size < 0 {
			return op, errors.Newf("size %q is not a non-negative integer", fields[2])
		}
		op.Size = size
	}

	return op, nil
}

// Write serializes the trace in the format Parse reads
func (t *Trace) Write(w io.Writer) error {
	buffered := bufio.NewWriter(w)

	_, err := fmt.Fprintf(buffered, "%d\n%d\n%d\n%d\n", t.SuggestedHeapSize, t.NumIDs, len(t.Ops), t.Weight)
	if err != nil {
		return err
	}

	for _, op := range t.Ops {
		if op.Kind == OpFree {
			_, err = fmt.Fprintf(buffered, "%s %d\n", op.Kind, op.ID)
		} else {
			_, err = fmt.Fprintf(buffered, "%s %d %d\n", op.Kind, op.ID, op.Size)
		}
		if err != nil {
			return err
		}
	}

	return buffered.Flush()
}
