package pack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a    string
		b    string
		want int
	}{
		{"equal", "/a", "/a", 0},
		{"plain lexicographic", "/a/x", "/a/y", -1},
		{"prefix orders after extension", "/a", "/a/x", 1},
		{"extension orders before prefix", "/a/x", "/a", -1},
		{"root after everything", "", "/deep/nested/leaf", 1},
		{"unrelated", "/b", "/a/x", 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
			if tt.want != 0 {
				assert.Equal(t, -tt.want, Compare(tt.b, tt.a))
			}
		})
	}
}

func TestOrderedKeysPostOrder(t *testing.T) {
	t.Parallel()

	var keys orderedKeys
	for _, k := range []string{"", "/d", "/d/y", "/x"} {
		keys.insert(k)
	}

	var got []string
	for {
		k, ok := keys.min()
		if !ok {
			break
		}
		got = append(got, k)
		keys.remove(k)
	}

	// Children drain before their directory; the root ("") drains last.
	assert.Equal(t, []string{"/d/y", "/d", "/x", ""}, got)
}

func TestOrderedKeysDedupesInsert(t *testing.T) {
	t.Parallel()

	var keys orderedKeys
	keys.insert("/a")
	keys.insert("/a")
	k, ok := keys.min()
	assert.True(t, ok)
	assert.Equal(t, "/a", k)
	keys.remove("/a")
	_, ok = keys.min()
	assert.False(t, ok)
}
