package otpcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	for _, n := range []int{4, 6, 10} {
		code, err := Generate(n)
		require.NoError(t, err)
		assert.Len(t, code, n)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9', "non-digit %q", r)
		}
	}

	_, err := Generate(0)
	assert.Error(t, err)
}

func TestHashAndCompare(t *testing.T) {
	h, err := Hash("123456")
	require.NoError(t, err)
	assert.NotEqual(t, "123456", h)
	assert.True(t, Compare(h, "123456"))
	assert.False(t, Compare(h, "654321"))
	assert.False(t, Compare("not-a-hash", "123456"))
}

func TestHashIP(t *testing.T) {
	assert.Equal(t, HashIP("10.0.0.1"), HashIP("10.0.0.1"))
	assert.NotEqual(t, HashIP("10.0.0.1"), HashIP("10.0.0.2"))
	assert.Len(t, HashIP("10.0.0.1"), 64)
}
