// Package mem provides the public API for memory-format descriptors.
package mem

import (
	"github.com/fathom-ml/fathom/internal/mem"
)

// Format enumerates physical memory layouts.
type Format = mem.Format

// Layout constants.
const (
	Any     Format = mem.Any
	NC      Format = mem.NC
	NCHW    Format = mem.NCHW
	NHWC    Format = mem.NHWC
	OIHW    Format = mem.OIHW
	GOIHW   Format = mem.GOIHW
	NChw8c  Format = mem.NChw8c
	NChw16c Format = mem.NChw16c
	TNC     Format = mem.TNC
	NTC     Format = mem.NTC
)

// Desc describes a tensor layout for an accelerated primitive.
type Desc = mem.Desc

// NewDesc creates a descriptor with no quantization parameters.
var NewDesc = mem.NewDesc

// NeedReorder reports whether a reorder must bridge producer and consumer.
var NeedReorder = mem.NeedReorder

// NegotiateFormats reports, per descriptor slot, whether a reorder is needed.
var NegotiateFormats = mem.NegotiateFormats

// Quantization precondition errors.
var (
	ErrMaskNotSet       = mem.ErrMaskNotSet
	ErrScalesNotSet     = mem.ErrScalesNotSet
	ErrScaleLenMismatch = mem.ErrScaleLenMismatch
)
