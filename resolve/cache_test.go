package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheRoundTrip(t *testing.T) {
	c := NewCache(time.Minute)
	c.Set("https://tags.example.com/a", []byte("<VAST/>"))

	got, ok := c.Get("https://tags.example.com/a")
	assert.True(t, ok)
	assert.Equal(t, []byte("<VAST/>"), got)

	_, ok = c.Get("https://tags.example.com/other")
	assert.False(t, ok)
}

func TestCacheEmptyKeyNotStored(t *testing.T) {
	c := NewCache(time.Minute)
	c.Set("", []byte("value"))

	_, ok := c.Get("")
	assert.False(t, ok)
}

func TestCacheDisabledByZeroTTL(t *testing.T) {
	c := NewCache(0)
	c.Set("key", []byte("value"))

	_, ok := c.Get("key")
	assert.False(t, ok)
}

func TestCacheSubSecondTTLRoundsUp(t *testing.T) {
	c := NewCache(200 * time.Millisecond)
	c.Set("key", []byte("value"))

	// Rounded up to one second, the entry is immediately readable.
	_, ok := c.Get("key")
	assert.True(t, ok)
}
