package pack_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/parpack/internal/pack"
)

func TestWireIntegers(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := pack.NewStreamWriter(&buf)
	require.NoError(t, w.Byte(0x7f))
	require.NoError(t, w.Bool(true))
	require.NoError(t, w.Bool(false))
	require.NoError(t, w.Int16(-1))
	require.NoError(t, w.Int16(32767))
	require.NoError(t, w.Int32(-123456789))
	require.NoError(t, w.Int64(1<<62))
	require.NoError(t, w.Flush())

	r := pack.NewStreamReader(&buf)

	b, err := r.Byte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x7f), b)

	v, err := r.Bool()
	require.NoError(t, err)
	assert.True(t, v)
	v, err = r.Bool()
	require.NoError(t, err)
	assert.False(t, v)

	s16, err := r.Int16()
	require.NoError(t, err)
	assert.Equal(t, int16(-1), s16)
	s16, err = r.Int16()
	require.NoError(t, err)
	assert.Equal(t, int16(32767), s16)

	s32, err := r.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(-123456789), s32)

	s64, err := r.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<62), s64)
}

func TestWireBigEndian(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := pack.NewStreamWriter(&buf)
	require.NoError(t, w.Int32(2))
	require.NoError(t, w.Flush())
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x02}, buf.Bytes())
}

func TestWireInvalidBool(t *testing.T) {
	t.Parallel()

	r := pack.NewStreamReader(bytes.NewReader([]byte{2}))
	_, err := r.Bool()
	assert.Error(t, err)
}

func TestCompressedUTFRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		values []string
		slot   int
	}{
		{
			name:   "unrelated values",
			values: []string{"/alpha", "/beta", "/gamma"},
			slot:   0,
		},
		{
			name:   "shared prefixes",
			values: []string{"/backup/2024/a", "/backup/2024/b", "/backup/2025/a"},
			slot:   7,
		},
		{
			name:   "symlink targets with spaces and non-ASCII",
			values: []string{"../dir with spaces/tårget", "../dir with spaces/ανδρος"},
			slot:   63,
		},
		{
			name:   "empty string",
			values: []string{"", "/x", ""},
			slot:   3,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			w := pack.NewStreamWriter(&buf)
			for _, v := range tt.values {
				require.NoError(t, w.CompressedUTF(v, tt.slot))
			}
			require.NoError(t, w.Flush())

			r := pack.NewStreamReader(&buf)
			for _, want := range tt.values {
				got, err := r.CompressedUTF()
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestCompressedUTFPrefixSharing(t *testing.T) {
	t.Parallel()

	// The second value shares a long prefix with the first; its framing
	// should carry only the suffix.
	var buf bytes.Buffer
	w := pack.NewStreamWriter(&buf)
	require.NoError(t, w.CompressedUTF("/very/long/shared/directory/prefix/one", 0))
	require.NoError(t, w.Flush())
	first := buf.Len()
	require.NoError(t, w.CompressedUTF("/very/long/shared/directory/prefix/two", 0))
	require.NoError(t, w.Flush())
	second := buf.Len() - first

	// slot + prefix len + suffix len + 3 suffix bytes.
	assert.Equal(t, 1+1+2+len("two"), second)

	r := pack.NewStreamReader(&buf)
	got, err := r.CompressedUTF()
	require.NoError(t, err)
	assert.Equal(t, "/very/long/shared/directory/prefix/one", got)
	got, err = r.CompressedUTF()
	require.NoError(t, err)
	assert.Equal(t, "/very/long/shared/directory/prefix/two", got)
}

func TestCompressedUTFSlotsAreIndependent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := pack.NewStreamWriter(&buf)
	require.NoError(t, w.CompressedUTF("/a/path", 0))
	require.NoError(t, w.CompressedUTF("target", 63))
	require.NoError(t, w.CompressedUTF("/a/path/deeper", 0))
	require.NoError(t, w.Flush())

	r := pack.NewStreamReader(&buf)
	for _, want := range []string{"/a/path", "target", "/a/path/deeper"} {
		got, err := r.CompressedUTF()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestCompressedUTFInvalidSlot(t *testing.T) {
	t.Parallel()

	r := pack.NewStreamReader(bytes.NewReader([]byte{64, 0, 0, 0}))
	_, err := r.CompressedUTF()
	assert.Error(t, err)
}

func TestCompressedUTFPrefixBeyondSlot(t *testing.T) {
	t.Parallel()

	// Claims 10 shared bytes against an empty slot.
	r := pack.NewStreamReader(bytes.NewReader([]byte{0, 10, 0, 0}))
	_, err := r.CompressedUTF()
	assert.Error(t, err)
}
