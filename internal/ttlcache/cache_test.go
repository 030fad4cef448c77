package ttlcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheExpires(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.Set("a")
	assert.True(t, c.Get("a"))
	assert.False(t, c.Get("b"))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, c.Get("a"))
}

func TestCacheDel(t *testing.T) {
	c := New(time.Minute)
	c.Set("a")
	c.Del("a")
	assert.False(t, c.Get("a"))
}
