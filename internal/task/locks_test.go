package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"dot segments", "/src/./a.ts", "/src/a.ts"},
		{"parent segments", "/src/sub/../a.ts", "/src/a.ts"},
		{"collapsed slashes", "/src//a.ts", "/src/a.ts"},
		{"backslashes", "\\src\\a.ts", "/src/a.ts"},
		{"already clean", "/src/a.ts", "/src/a.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, canonicalPath(tt.in))
		})
	}
}

func TestLockTableAllOrNothing(t *testing.T) {
	lt := newLockTable()

	_, _, ok := lt.tryAcquire("t1", []string{"/a", "/b"})
	require.True(t, ok)

	// Second acquire conflicts on /b and must not take /c.
	conflict, holder, ok := lt.tryAcquire("t2", []string{"/c", "/b"})
	assert.False(t, ok)
	assert.Equal(t, "/b", conflict)
	assert.Equal(t, "t1", holder)
	_, held := lt.holder("/c")
	assert.False(t, held)
}

func TestLockTableEquivalentPathsConflict(t *testing.T) {
	lt := newLockTable()

	_, _, ok := lt.tryAcquire("t1", []string{"/src/a.ts"})
	require.True(t, ok)

	_, _, ok = lt.tryAcquire("t2", []string{"/src/sub/../a.ts"})
	assert.False(t, ok)
}

func TestLockTableReacquireByHolder(t *testing.T) {
	lt := newLockTable()

	_, _, ok := lt.tryAcquire("t1", []string{"/a"})
	require.True(t, ok)
	_, _, ok = lt.tryAcquire("t1", []string{"/a"})
	assert.True(t, ok)
}

func TestLockTableRelease(t *testing.T) {
	lt := newLockTable()

	_, _, ok := lt.tryAcquire("t1", []string{"/a", "/b"})
	require.True(t, ok)

	freed := lt.release("t1")
	assert.ElementsMatch(t, []string{"/a", "/b"}, freed)

	_, _, ok = lt.tryAcquire("t2", []string{"/a"})
	assert.True(t, ok)
}
