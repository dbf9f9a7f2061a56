package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestURLCacheNormalizesKeys(t *testing.T) {
	t.Parallel()

	c := NewURLCache()
	_, ok := c.Lookup("http://portal.test/a b.pdf")
	require.False(t, ok)

	c.Remember("http://portal.test/a b.pdf", "up/2020-01-05/1")
	id, ok := c.Lookup("http://portal.test/a%20b.pdf")
	require.True(t, ok)
	require.Equal(t, "up/2020-01-05/1", id)
	require.Equal(t, 1, c.Len())
}
