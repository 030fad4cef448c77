package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSonyflakeIncreasing(t *testing.T) {
	g, err := New(7)
	require.NoError(t, err)

	prev := int64(0)
	for i := 0; i < 100; i++ {
		id, err := g.NextID()
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}
