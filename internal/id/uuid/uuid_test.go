package uuid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDOrdered(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	require.True(t, Valid(id1))
	require.True(t, Valid(id2))
	require.LessOrEqual(t, id1[:8], id2[:8], "uuid7 ids sort by creation time")
}

func TestValidRejectsGarbage(t *testing.T) {
	t.Parallel()

	require.False(t, Valid("not-a-uuid"))
	require.False(t, Valid(""))
}
