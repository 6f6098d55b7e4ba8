package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHash_DeterministicRegardlessOfKeyInsertionOrder(t *testing.T) {
	a := map[string]any{"title": "A", "abstract": "summary"}
	b := map[string]any{"abstract": "summary", "title": "A"}

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestContentHash_DifferentContentDiffers(t *testing.T) {
	ha, err := ContentHash(map[string]any{"title": "A"})
	require.NoError(t, err)
	hb, err := ContentHash(map[string]any{"title": "B"})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}
