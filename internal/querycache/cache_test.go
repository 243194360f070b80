package querycache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)}
}

func TestCache_SetGet(t *testing.T) {
	c := New[string](time.Minute, 10)
	c.Set("jo|{}", []string{"p1", "p2"})

	got, ok := c.Get("jo|{}")
	require.True(t, ok)
	assert.Equal(t, []string{"p1", "p2"}, got)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 50.0, s.HitRate(), 0.001)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := New[string](time.Minute, 10)
	in := []string{"a", "b"}
	c.Set("k", in)
	in[0] = "mutated"

	got, _ := c.Get("k")
	got[1] = "mutated"

	again, _ := c.Get("k")
	assert.Equal(t, []string{"a", "b"}, again)
}

func TestCache_TTL(t *testing.T) {
	clk := newClock()
	c := New[int](time.Minute, 10, WithClock(clk.now))
	c.Set("k", []int{1})

	clk.advance(time.Minute)
	_, ok := c.Get("k")
	assert.True(t, ok, "entry exactly at TTL is still live")

	clk.advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Expired)
}

func TestCache_EvictsOldestFirst(t *testing.T) {
	clk := newClock()
	c := New[int](time.Hour, 3, WithClock(clk.now))

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), []int{i})
		clk.advance(time.Second)
	}

	assert.Equal(t, 3, c.Len())
	for _, k := range []string{"k0", "k1"} {
		_, ok := c.Get(k)
		assert.False(t, ok, k)
	}
	for _, k := range []string{"k2", "k3", "k4"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, uint64(2), c.Stats().Evictions)
}

func TestCache_RefreshMovesEntryToNewest(t *testing.T) {
	clk := newClock()
	c := New[int](time.Hour, 2, WithClock(clk.now))

	c.Set("a", []int{1})
	clk.advance(time.Second)
	c.Set("b", []int{2})
	clk.advance(time.Second)
	c.Set("a", []int{3}) // re-set: now newest
	clk.advance(time.Second)
	c.Set("c", []int{4})

	_, ok := c.Get("b")
	assert.False(t, ok)
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []int{3}, got)
}

func TestCache_EvictionDropsExpiredBeforeLive(t *testing.T) {
	clk := newClock()
	c := New[int](time.Minute, 2, WithClock(clk.now))

	c.Set("old", []int{1})
	clk.advance(2 * time.Minute)
	c.Set("a", []int{2})
	c.Set("b", []int{3})

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(0), c.Stats().Evictions)
	assert.Equal(t, uint64(1), c.Stats().Expired)
}

func TestCache_Clear(t *testing.T) {
	c := New[int](time.Minute, 10)
	c.Set("a", []int{1})
	c.Set("b", []int{2})
	c.Clear()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Clears)
}

func TestCache_Defaults(t *testing.T) {
	c := New[int](0, 0)
	s := c.Stats()
	assert.Equal(t, DefaultCapacity, s.Capacity)
	assert.Equal(t, DefaultTTL, c.ttl)
}

func TestCache_EmptyResultsAreCached(t *testing.T) {
	c := New[int](time.Minute, 10)
	c.Set("none", nil)
	got, ok := c.Get("none")
	assert.True(t, ok)
	assert.Empty(t, got)
}
