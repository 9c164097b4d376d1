package fileset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_SortsAndDeduplicates(t *testing.T) {
	s := New("/c", "/a", "/b", "/a")
	assert.Equal(t, []FileID{"/a", "/b", "/c"}, s.IDs())
	assert.Equal(t, 3, s.Len())
	assert.True(t, New().IsEmpty())
	assert.True(t, Set{}.IsEmpty())
}

func TestNew_DoesNotAliasInput(t *testing.T) {
	in := []FileID{"/b", "/a"}
	s := New(in...)
	assert.Equal(t, []FileID{"/b", "/a"}, in)

	out := s.IDs()
	out[0] = "/z"
	assert.Equal(t, []FileID{"/a", "/b"}, s.IDs())
}

func TestSetOperations(t *testing.T) {
	previous := New("/A", "/B")
	current := New("/B", "/C", "/D")

	assert.Equal(t, []FileID{"/C", "/D"}, current.Difference(previous).IDs())
	assert.Equal(t, []FileID{"/A"}, previous.Difference(current).IDs())
	assert.Equal(t, []FileID{"/A", "/B", "/C", "/D"}, previous.Union(current).IDs())
	assert.True(t, current.Contains("/C"))
	assert.False(t, current.Contains("/A"))
}

func TestUnion_Empty(t *testing.T) {
	s := New("/a")
	assert.True(t, s.Union(Set{}).Equal(s))
	assert.True(t, Set{}.Union(s).Equal(s))
	assert.True(t, Set{}.Union(Set{}).IsEmpty())
}

func TestSubsetAndEqual(t *testing.T) {
	assert.True(t, New("/a").IsSubsetOf(New("/a", "/b")))
	assert.False(t, New("/a", "/c").IsSubsetOf(New("/a", "/b")))
	assert.True(t, Set{}.IsSubsetOf(Set{}))
	assert.True(t, New("/b", "/a").Equal(New("/a", "/b")))
	assert.False(t, New("/a").Equal(New("/a", "/b")))
}
