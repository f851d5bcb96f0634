package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHashKnownDigest(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

func TestSumTextEmpty(t *testing.T) {
	t.Parallel()

	require.Empty(t, SumText(""))
	require.Equal(t, Sum([]byte("a b")), SumText("a b"))
	require.NotEqual(t, SumText("a b"), SumText("a  b"))
}
