package dedup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkNameRoundTrip(t *testing.T) {
	t.Parallel()

	rem := strings.Repeat("0123456789abcd", 2) // 28 hex chars

	tests := []struct {
		name string
		n    ChunkName
		want string
	}{
		{
			name: "plain",
			n:    ChunkName{RemHash: rem, Length: 0x1f3, Collision: 0, Link: 0},
			want: rem + "-1f3-0-0",
		},
		{
			name: "kibibyte multiple",
			n:    ChunkName{RemHash: rem, Length: 0x2c00, Collision: 1, Link: 0},
			want: rem + "-bk-1-0",
		},
		{
			name: "mebibyte multiple",
			n:    ChunkName{RemHash: rem, Length: 0x300000, Collision: 0, Link: 2},
			want: rem + "-3M-0-2",
		},
		{
			name: "gzip",
			n:    ChunkName{RemHash: rem, Length: 0x10000, Collision: 0, Link: 0, Gzip: true},
			want: rem + "-40k-0-0.gz",
		},
		{
			name: "corrupt after gz",
			n:    ChunkName{RemHash: rem, Length: 5, Collision: 0xa, Link: 0x1f, Gzip: true, Corrupt: true},
			want: rem + "-5-a-1f.gz.corrupt",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.n.String())

			parsed, ok := ParseChunkName(tt.want)
			require.True(t, ok)
			assert.Equal(t, tt.n, parsed)
		})
	}
}

func TestParseChunkNameRejects(t *testing.T) {
	t.Parallel()

	rem := strings.Repeat("ab", 14)

	tests := []struct {
		name  string
		input string
	}{
		{"lock file", "lock"},
		{"temp file", "tmp-0f2c1d"},
		{"short hash", "abcd-10-0-0"},
		{"uppercase hex", strings.ToUpper(rem) + "-10-0-0"},
		{"leading zero length", rem + "-010-0-0"},
		{"leading zero collision", rem + "-10-00-0"},
		{"missing link", rem + "-10-0"},
		{"negative-ish junk", rem + "-10-0--1"},
		{"empty", ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, ok := ParseChunkName(tt.input)
			assert.False(t, ok)
		})
	}
}

func TestEncodeLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		length int64
		want   string
	}{
		{1, "1"},
		{0x3ff, "3ff"},
		{0x400, "1k"},
		{0x401, "401"},
		{0x100000, "1M"},
		{0x100400, "401k"},
		{0xfff00000, "fffM"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, encodeLength(tt.length), "length %#x", tt.length)
		got, ok := parseLength(tt.want)
		require.True(t, ok, "parse %q", tt.want)
		assert.Equal(t, tt.length, got)
	}
}

func TestHashDirNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0000", hashDirName(0))
	assert.Equal(t, "ab12", hashDirName(0xab12))
	assert.Equal(t, "ffff", hashDirName(0xffff))

	v, ok := parseHashDir("ab12")
	require.True(t, ok)
	assert.Equal(t, 0xab12, v)

	_, ok = parseHashDir("xyz1")
	assert.False(t, ok)
	_, ok = parseHashDir("ab1")
	assert.False(t, ok)
}
