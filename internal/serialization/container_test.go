package serialization

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeContainer(t *testing.T, models map[string]*ModelDescription) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.fthm")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteModel(models))
	require.NoError(t, w.Close())
	return path
}

func TestContainerRoundtrip(t *testing.T) {
	conv := NewModelDescription("SpatialConvolution")
	conv.SetFloat32s("weight", []float32{0.5, -1.25, 3.75, 0})
	conv.SetFloat32s("bias", []float32{0.125})
	conv.SetFloat64s("scales", []float64{1.0 / 3.0, 2.5})
	conv.SetInts("kernel", []int64{3, 3})
	conv.SetString("padding", "explicit")

	rnn := NewModelDescription("Recurrent")
	rnn.SetFloat32s("weight_i", []float32{1, 2, 3, 4, 5, 6})
	rnn.SetInt("hidden_size", 2)

	path := writeContainer(t, map[string]*ModelDescription{
		"conv1": conv,
		"rnn1":  rnn,
	})

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"conv1", "rnn1"}, r.Layers())

	got, err := r.Model("conv1")
	require.NoError(t, err)
	assert.Equal(t, "SpatialConvolution", got.LayerType)

	f32, ok := got.Float32s("weight")
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, -1.25, 3.75, 0}, f32)

	f64, ok := got.Float64s("scales")
	require.True(t, ok)
	assert.Equal(t, []float64{1.0 / 3.0, 2.5}, f64)

	ints, ok := got.Ints("kernel")
	require.True(t, ok)
	assert.Equal(t, []int64{3, 3}, ints)

	str, ok := got.String("padding")
	require.True(t, ok)
	assert.Equal(t, "explicit", str)

	gotRNN, err := r.Model("rnn1")
	require.NoError(t, err)
	hs, ok := gotRNN.Int("hidden_size")
	require.True(t, ok)
	assert.Equal(t, int64(2), hs)
}

func TestContainerLayerNotFound(t *testing.T) {
	md := NewModelDescription("MaxPooling")
	md.SetInts("kernel", []int64{2, 2})
	path := writeContainer(t, map[string]*ModelDescription{"pool": md})

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Model("missing")
	assert.ErrorIs(t, err, ErrLayerNotFound)
}

func TestContainerRejectsCorruptedData(t *testing.T) {
	md := NewModelDescription("SpatialConvolution")
	md.SetFloat32s("weight", []float32{1, 2, 3, 4, 5, 6, 7, 8})
	path := writeContainer(t, map[string]*ModelDescription{"conv": md})

	// Flip one byte in the data section (the last byte of the file).
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = NewReader(path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestContainerRejectsBadMagic(t *testing.T) {
	md := NewModelDescription("MaxPooling")
	path := writeContainer(t, map[string]*ModelDescription{"pool": md})

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	copy(raw, "XXXX")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = NewReader(path)
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestContainerRejectsUnsupportedVersion(t *testing.T) {
	md := NewModelDescription("MaxPooling")
	path := writeContainer(t, map[string]*ModelDescription{"pool": md})

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[4] = 99 // version field follows the 4-byte magic
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = NewReader(path)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestContainerDeterministicOutput(t *testing.T) {
	models := map[string]*ModelDescription{}
	for _, name := range []string{"c", "a", "b"} {
		md := NewModelDescription("SpatialConvolution")
		md.SetFloat32s("weight", []float32{1, 2})
		md.SetFloat32s("bias", []float32{3})
		models[name] = md
	}

	p1 := writeContainer(t, models)
	p2 := writeContainer(t, models)
	b1, err := os.ReadFile(p1)
	require.NoError(t, err)
	b2, err := os.ReadFile(p2)
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "identical input produces identical bytes")

	r, err := NewReader(p1)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []string{"a", "b", "c"}, r.Layers())
}

func TestValidateHeaderRejectsBadSpans(t *testing.T) {
	base := func() Header {
		return Header{
			FormatVersion: FormatVersion,
			Layers: []LayerMeta{{
				Name:      "l",
				LayerType: "SpatialConvolution",
				Attrs: []AttrMeta{
					{Name: "weight", Kind: AttrFloat32s, Count: 4, Offset: 0, Size: 16},
					{Name: "bias", Kind: AttrFloat32s, Count: 2, Offset: 16, Size: 8},
				},
			}},
		}
	}

	h := base()
	assert.NoError(t, validateHeader(&h, 24))

	h = base()
	h.Layers[0].Attrs[0].Offset = -1
	assert.ErrorIs(t, validateHeader(&h, 24), ErrNegativeOffset)

	h = base()
	h.Layers[0].Attrs[1].Size = 16
	assert.ErrorIs(t, validateHeader(&h, 24), ErrOutOfBounds)

	h = base()
	h.Layers[0].Attrs[1].Offset = 8
	assert.ErrorIs(t, validateHeader(&h, 24), ErrOffsetOverlap)

	// Count inconsistent with the byte size.
	h = base()
	h.Layers[0].Attrs[0].Count = 3
	assert.Error(t, validateHeader(&h, 24))
}

func TestModelDescriptionAccessors(t *testing.T) {
	md := NewModelDescription("Reorder")

	// Kind mismatches read as absent.
	md.SetFloat32s("x", []float32{1})
	_, ok := md.Ints("x")
	assert.False(t, ok)

	// Stored arrays are copies.
	src := []float32{1, 2}
	md.SetFloat32s("y", src)
	src[0] = 99
	got, ok := md.Float32s("y")
	require.True(t, ok)
	assert.Equal(t, float32(1), got[0])

	_, err := md.RequireFloat32s("missing", 1)
	assert.Error(t, err)
	_, err = md.RequireFloat32s("y", 3)
	assert.Error(t, err)
	v, err := md.RequireFloat32s("y", 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, v)
}
