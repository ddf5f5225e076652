package serialization

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

// Writer persists model descriptions to a container file. Layout:
//
//	magic(4) version(4) headerSize(8) checksum(32) headerJSON pad data
//
// The checksum is SHA-256 over the data section; attribute payloads are
// little-endian and start 64-byte aligned.
type Writer struct {
	file   *os.File
	closed bool
}

// NewWriter creates a container file, truncating any existing one.
func NewWriter(path string) (*Writer, error) {
	file, err := os.Create(path) //nolint:gosec // model paths come from the caller
	if err != nil {
		return nil, fmt.Errorf("serialization: create: %w", err)
	}
	return &Writer{file: file}, nil
}

// WriteModel writes the given model descriptions and finishes the file.
// Layers are written in sorted name order so output is deterministic.
func (w *Writer) WriteModel(models map[string]*ModelDescription) error {
	if w.closed {
		return fmt.Errorf("serialization: writer is closed")
	}

	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)

	// Lay out payloads and build the data section.
	header := Header{FormatVersion: FormatVersion}
	var data []byte
	for _, name := range names {
		md := models[name]
		meta := LayerMeta{Name: name, LayerType: md.LayerType}

		attrNames := make([]string, 0, len(md.Attributes))
		for an := range md.Attributes {
			attrNames = append(attrNames, an)
		}
		sort.Strings(attrNames)

		for _, an := range attrNames {
			a := md.Attributes[an]
			am := AttrMeta{Name: an, Kind: a.Kind, Offset: int64(len(data))}
			switch a.Kind {
			case AttrFloat32s:
				am.Count = len(a.F32)
				for _, v := range a.F32 {
					data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
				}
			case AttrFloat64s:
				am.Count = len(a.F64)
				for _, v := range a.F64 {
					data = binary.LittleEndian.AppendUint64(data, math.Float64bits(v))
				}
			case AttrInts:
				am.Count = len(a.Ints)
				for _, v := range a.Ints {
					data = binary.LittleEndian.AppendUint64(data, uint64(v))
				}
			case AttrString:
				am.Str = a.Str
			}
			am.Size = int64(len(data)) - am.Offset
			meta.Attrs = append(meta.Attrs, am)
		}
		header.Layers = append(header.Layers, meta)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("serialization: marshal header: %w", err)
	}
	if len(headerJSON) > maxHeaderSize {
		return ErrHeaderTooLarge
	}
	checksum := sha256.Sum256(data)

	if _, err := w.file.WriteString(MagicBytes); err != nil {
		return fmt.Errorf("serialization: write magic: %w", err)
	}
	if err := binary.Write(w.file, binary.LittleEndian, uint32(FormatVersion)); err != nil {
		return fmt.Errorf("serialization: write version: %w", err)
	}
	if err := binary.Write(w.file, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("serialization: write header size: %w", err)
	}
	if _, err := w.file.Write(checksum[:]); err != nil {
		return fmt.Errorf("serialization: write checksum: %w", err)
	}
	if _, err := w.file.Write(headerJSON); err != nil {
		return fmt.Errorf("serialization: write header: %w", err)
	}

	pos := int64(4+4+8+ChecksumSize) + int64(len(headerJSON))
	if padding := (HeaderAlignment - pos%HeaderAlignment) % HeaderAlignment; padding > 0 {
		if _, err := w.file.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("serialization: write padding: %w", err)
		}
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("serialization: write data: %w", err)
	}
	return nil
}

// Close closes the underlying file. Idempotent.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
