package serialization

import (
	"errors"
	"fmt"
)

// Container format constants.
const (
	MagicBytes      = "FTHM"
	FormatVersion   = 1
	HeaderAlignment = 64 // attribute payloads start 64-byte aligned
	ChecksumSize    = 32 // SHA-256

	maxHeaderSize = 100 * 1024 * 1024
)

// Container errors.
var (
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrHeaderTooLarge     = errors.New("header exceeds maximum size")
	ErrChecksumMismatch   = errors.New("checksum mismatch: file may be corrupted")
	ErrNegativeOffset     = errors.New("negative attribute offset or size")
	ErrOutOfBounds        = errors.New("attribute extends beyond data section")
	ErrOffsetOverlap      = errors.New("attribute payloads overlap")
	ErrLayerNotFound      = errors.New("layer not found in container")
)

// Header is the JSON header of a container file.
type Header struct {
	FormatVersion int         `json:"format_version"`
	Layers        []LayerMeta `json:"layers"`
}

// LayerMeta describes one serialized model description.
type LayerMeta struct {
	Name      string     `json:"name"`
	LayerType string     `json:"layer_type"`
	Attrs     []AttrMeta `json:"attrs"`
}

// AttrMeta locates one attribute's payload in the data section. String
// attributes live inline in the header and carry no payload.
type AttrMeta struct {
	Name   string   `json:"name"`
	Kind   AttrKind `json:"kind"`
	Count  int      `json:"count"`
	Offset int64    `json:"offset"`
	Size   int64    `json:"size"`
	Str    string   `json:"str,omitempty"`
}

// elemSize returns the payload bytes per element for an attribute kind.
func elemSize(k AttrKind) int64 {
	switch k {
	case AttrFloat32s:
		return 4
	case AttrFloat64s, AttrInts:
		return 8
	default:
		return 0
	}
}

// validateHeader checks structural sanity of the attribute table against the
// data section size: no negative ranges, nothing out of bounds, no overlaps.
func validateHeader(h *Header, dataSize int64) error {
	type span struct {
		name     string
		from, to int64
	}
	var spans []span
	for _, l := range h.Layers {
		for _, a := range l.Attrs {
			if a.Kind == AttrString {
				continue
			}
			if a.Offset < 0 || a.Size < 0 {
				return fmt.Errorf("%w: %s.%s", ErrNegativeOffset, l.Name, a.Name)
			}
			if a.Offset+a.Size > dataSize {
				return fmt.Errorf("%w: %s.%s ends at %d, data section is %d bytes",
					ErrOutOfBounds, l.Name, a.Name, a.Offset+a.Size, dataSize)
			}
			if want := int64(a.Count) * elemSize(a.Kind); want != a.Size {
				return fmt.Errorf("serialization: %s.%s declares %d elements but %d bytes", l.Name, a.Name, a.Count, a.Size)
			}
			spans = append(spans, span{l.Name + "." + a.Name, a.Offset, a.Offset + a.Size})
		}
	}

	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			a, b := spans[i], spans[j]
			if a.from < b.to && b.from < a.to {
				return fmt.Errorf("%w: %s and %s", ErrOffsetOverlap, a.name, b.name)
			}
		}
	}
	return nil
}
