package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterEmptyAcceptsEverything(t *testing.T) {
	f := NewFilter(nil)
	assert.True(t, f.Match("anything.goes"))
}

func TestFilterAcceptsAnyMatchingPrefix(t *testing.T) {
	f := NewFilter([]string{"a.b", "c.d"})
	assert.True(t, f.Match("a.b.c"))
	assert.True(t, f.Match("c.d.e"))
	assert.False(t, f.Match("x.y"))
}

func TestFilterExactPrefixMatches(t *testing.T) {
	f := NewFilter([]string{"a.b"})
	assert.True(t, f.Match("a.b"))
}
