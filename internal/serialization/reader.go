package serialization

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/goccy/go-json"
)

// Reader loads model descriptions from a container file. The header is
// validated and the data-section checksum verified at open time.
type Reader struct {
	file       *os.File
	header     Header
	checksum   [ChecksumSize]byte
	dataOffset int64
	dataSize   int64
	closed     bool
}

// NewReader opens and validates a container file.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path) //nolint:gosec // model paths come from the caller
	if err != nil {
		return nil, fmt.Errorf("serialization: open: %w", err)
	}

	r := &Reader{file: file}
	if err := r.parseHeader(); err != nil {
		_ = file.Close()
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("serialization: stat: %w", err)
	}
	r.dataSize = info.Size() - r.dataOffset

	if err := validateHeader(&r.header, r.dataSize); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := r.verifyChecksum(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) parseHeader() error {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r.file, magic); err != nil {
		return fmt.Errorf("serialization: read magic: %w", err)
	}
	if string(magic) != MagicBytes {
		return ErrInvalidMagic
	}

	var version uint32
	if err := binary.Read(r.file, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("serialization: read version: %w", err)
	}
	if version != FormatVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, version, FormatVersion)
	}

	var headerSize uint64
	if err := binary.Read(r.file, binary.LittleEndian, &headerSize); err != nil {
		return fmt.Errorf("serialization: read header size: %w", err)
	}
	if headerSize > maxHeaderSize {
		return ErrHeaderTooLarge
	}
	if _, err := io.ReadFull(r.file, r.checksum[:]); err != nil {
		return fmt.Errorf("serialization: read checksum: %w", err)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r.file, headerBytes); err != nil {
		return fmt.Errorf("serialization: read header: %w", err)
	}
	if err := json.Unmarshal(headerBytes, &r.header); err != nil {
		return fmt.Errorf("serialization: parse header: %w", err)
	}

	pos := int64(4+4+8+ChecksumSize) + int64(headerSize)
	r.dataOffset = pos + (HeaderAlignment-pos%HeaderAlignment)%HeaderAlignment
	return nil
}

func (r *Reader) verifyChecksum() error {
	if _, err := r.file.Seek(r.dataOffset, io.SeekStart); err != nil {
		return fmt.Errorf("serialization: seek data: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, r.file); err != nil {
		return fmt.Errorf("serialization: hash data: %w", err)
	}
	if !bytes.Equal(h.Sum(nil), r.checksum[:]) {
		return ErrChecksumMismatch
	}
	return nil
}

// Layers returns the names of the stored model descriptions, in file order.
func (r *Reader) Layers() []string {
	names := make([]string, len(r.header.Layers))
	for i, l := range r.header.Layers {
		names[i] = l.Name
	}
	return names
}

// Model reads one model description, decoding every attribute payload.
func (r *Reader) Model(name string) (*ModelDescription, error) {
	if r.closed {
		return nil, fmt.Errorf("serialization: reader is closed")
	}
	var meta *LayerMeta
	for i := range r.header.Layers {
		if r.header.Layers[i].Name == name {
			meta = &r.header.Layers[i]
			break
		}
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: %q", ErrLayerNotFound, name)
	}

	md := NewModelDescription(meta.LayerType)
	for _, am := range meta.Attrs {
		if am.Kind == AttrString {
			md.SetString(am.Name, am.Str)
			continue
		}
		buf := make([]byte, am.Size)
		if _, err := r.file.ReadAt(buf, r.dataOffset+am.Offset); err != nil {
			return nil, fmt.Errorf("serialization: read attribute %s.%s: %w", name, am.Name, err)
		}
		switch am.Kind {
		case AttrFloat32s:
			v := make([]float32, am.Count)
			for i := range v {
				v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
			md.SetFloat32s(am.Name, v)
		case AttrFloat64s:
			v := make([]float64, am.Count)
			for i := range v {
				v[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
			}
			md.SetFloat64s(am.Name, v)
		case AttrInts:
			v := make([]int64, am.Count)
			for i := range v {
				v[i] = int64(binary.LittleEndian.Uint64(buf[i*8:])) //nolint:gosec // round-trips the writer's encoding
			}
			md.SetInts(am.Name, v)
		}
	}
	return md, nil
}

// Close closes the underlying file. Idempotent.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}
