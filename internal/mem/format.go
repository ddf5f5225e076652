// Package mem declares memory-format descriptors: a tensor's logical shape
// plus the physical layout, element type and optional quantization parameters
// an accelerated primitive expects. Adjacent operators compare descriptors to
// decide whether a reorder must bridge them.
package mem

// Format enumerates the physical memory layouts understood by the primitive
// backend.
type Format int

const (
	// Any matches every layout; operators use it to accept whatever the
	// producer emits.
	Any Format = iota
	// NC is plain [batch, channel] row-major.
	NC
	// NCHW is channels-first image layout.
	NCHW
	// NHWC is channels-last image layout.
	NHWC
	// OIHW is the plain convolution weight layout.
	OIHW
	// GOIHW is the grouped convolution weight layout.
	GOIHW
	// NChw8c is NCHW with channels blocked by 8.
	NChw8c
	// NChw16c is NCHW with channels blocked by 16.
	NChw16c
	// TNC is time-major sequence layout [time, batch, channel].
	TNC
	// NTC is batch-major sequence layout [batch, time, channel].
	NTC
)

// String returns the layout tag name.
func (f Format) String() string {
	switch f {
	case Any:
		return "any"
	case NC:
		return "nc"
	case NCHW:
		return "nchw"
	case NHWC:
		return "nhwc"
	case OIHW:
		return "oihw"
	case GOIHW:
		return "goihw"
	case NChw8c:
		return "nChw8c"
	case NChw16c:
		return "nChw16c"
	case TNC:
		return "tnc"
	case NTC:
		return "ntc"
	default:
		return "unknown"
	}
}

// BlockSize returns the channel block width for blocked layouts, 1 otherwise.
func (f Format) BlockSize() int {
	switch f {
	case NChw8c:
		return 8
	case NChw16c:
		return 16
	default:
		return 1
	}
}
