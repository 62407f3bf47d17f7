package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfMemoryError is returned when the heap provider refuses to grow the heap far enough to
// satisfy a request. Errors returned by allocators match it with errors.Is, and
// still match the provider's own error when one caused the failure.
var OutOfMemoryError error = errors.New("out of memory")

// InvalidSizeError is returned when a negative size is passed to an allocation method
var InvalidSizeError error = errors.New("invalid allocation size")

// SizeOverflowError is returned when an element count multiplied by an element size cannot be
// represented
var SizeOverflowError error = errors.New("allocation size overflows")

// CorruptHeapError is the error that heap validation failures wrap
var CorruptHeapError error = errors.New("heap consistency check failed")
