// Package provider supplies the raw, contiguous, growable byte region that a heap lives in.
package provider

import "github.com/pkg/errors"

//go:generate mockgen -source provider.go -destination ./mocks/provider.go -package mocks

// DefaultMaxHeap is the reservation used when no explicit maximum is requested (20 MiB)
const DefaultMaxHeap = 20 * 1024 * 1024

// ExhaustedError is returned by Extend when a provider's reservation cannot grow any further
var ExhaustedError error = errors.New("heap provider reservation exhausted")

// Provider is a contiguous region that only grows at its high end, in the manner of sbrk.
// Offsets are relative to Low, which is always 0, so a heap can address its bytes with
// plain integers that stay valid as the region grows.
type Provider interface {
	// Extend grows the region by n bytes and returns the previous High, which is the offset
	// of the first new byte. The region is left untouched on failure.
	Extend(n int) (int, error)
	// Low returns the offset of the first byte of the region
	Low() int
	// High returns the offset one past the last byte of the region
	High() int
	// Bytes returns the region [Low, High). The returned slice must be fetched again after
	// Extend or Reset.
	Bytes() []byte
	// Reset empties the region so that High equals Low
	Reset()
}
