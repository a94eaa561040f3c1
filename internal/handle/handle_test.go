package handle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_InsertGetRemove(t *testing.T) {
	var tbl Table[string]

	h := tbl.Insert("a")
	require.False(t, h.IsZero())

	v, ok := tbl.Get(h)
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 1, tbl.Len())

	v, ok = tbl.Remove(h)
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 0, tbl.Len())

	_, ok = tbl.Get(h)
	assert.False(t, ok)
	_, ok = tbl.Remove(h)
	assert.False(t, ok)
}

func TestTable_StaleHandleAfterReuse(t *testing.T) {
	var tbl Table[int]

	old := tbl.Insert(1)
	tbl.Remove(old)

	fresh := tbl.Insert(2)
	assert.Equal(t, old.index(), fresh.index(), "slot should be reused")
	assert.NotEqual(t, old, fresh)

	_, ok := tbl.Get(old)
	assert.False(t, ok)

	v, ok := tbl.Get(fresh)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestTable_ZeroHandle(t *testing.T) {
	var tbl Table[int]
	tbl.Insert(1)

	_, ok := tbl.Get(0)
	assert.False(t, ok)
}

func TestTable_Range(t *testing.T) {
	var tbl Table[int]
	for i := 0; i < 5; i++ {
		tbl.Insert(i)
	}

	sum := 0
	tbl.Range(func(_ Handle, v int) bool {
		sum += v
		return true
	})
	assert.Equal(t, 10, sum)

	seen := 0
	tbl.Range(func(Handle, int) bool {
		seen++
		return seen < 2
	})
	assert.Equal(t, 2, seen)
}

func TestTable_Concurrent(t *testing.T) {
	var tbl Table[int]
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h := tbl.Insert(g*1000 + i)
				v, ok := tbl.Get(h)
				assert.True(t, ok)
				assert.Equal(t, g*1000+i, v)
				tbl.Remove(h)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 0, tbl.Len())
}
