package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetEvict(t *testing.T) {
	bc := NewBlockCache(2)

	bc.Set(BlockKey{Table: 1, Offset: 0}, []byte("a"))
	bc.Set(BlockKey{Table: 1, Offset: 64}, []byte("b"))

	v, ok := bc.Get(BlockKey{Table: 1, Offset: 0})
	require.True(t, ok)
	require.Equal(t, []byte("a"), v)

	// offset 64 is now LRU; inserting a third evicts it
	bc.Set(BlockKey{Table: 2, Offset: 0}, []byte("c"))

	_, ok = bc.Get(BlockKey{Table: 1, Offset: 64})
	require.False(t, ok)
	_, ok = bc.Get(BlockKey{Table: 1, Offset: 0})
	require.True(t, ok)
	require.Equal(t, 2, bc.Len())
}

func TestDropTable(t *testing.T) {
	bc := NewBlockCache(8)
	bc.Set(BlockKey{Table: 1, Offset: 0}, []byte("a"))
	bc.Set(BlockKey{Table: 1, Offset: 64}, []byte("b"))
	bc.Set(BlockKey{Table: 2, Offset: 0}, []byte("c"))

	bc.DropTable(1)

	require.Equal(t, 1, bc.Len())
	_, ok := bc.Get(BlockKey{Table: 2, Offset: 0})
	require.True(t, ok)
}
