package digest

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocKnownAlgorithms(t *testing.T) {
	cases := []struct {
		name string
		size int
	}{
		{"sha256", 32},
		{"sha384", 48},
		{"sha512", 64},
		{"sha3-256", 32},
		{"sha3-384", 48},
		{"blake3-256", 32},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Alloc(tc.name)
			require.NoError(t, err)
			assert.Equal(t, tc.name, d.Name())
			assert.Equal(t, tc.size, d.Size())
			assert.Len(t, d.Zero(), tc.size)
			assert.LessOrEqual(t, d.Size(), MaxSize)
		})
	}
}

func TestAllocUnknownAlgorithm(t *testing.T) {
	_, err := Alloc("md5")
	require.Error(t, err)
}

func TestZeroMatchesEmptySum(t *testing.T) {
	d, err := Alloc("sha256")
	require.NoError(t, err)
	want := sha256.Sum256(nil)
	assert.Equal(t, want[:], d.Zero())
	assert.Equal(t, want[:], d.Sum(nil))
}

func TestSumAllMatchesStreaming(t *testing.T) {
	d, err := Alloc("sha256")
	require.NoError(t, err)

	h := d.New()
	h.Write([]byte("hello "))
	h.Write([]byte("world"))
	want := h.Sum(nil)

	assert.Equal(t, want, d.SumAll([]byte("hello "), []byte("world")))
	assert.Equal(t, want, d.Sum([]byte("hello world")))
}
