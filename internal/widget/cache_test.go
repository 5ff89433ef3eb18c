package widget

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_PutThenGetRoundTrips(t *testing.T) {
	c := NewCache(4, time.Minute)
	c.Put("folderwatch", json.RawMessage(`{"rows":3}`))

	frame, ok := c.Get("folderwatch")
	require.True(t, ok)
	require.JSONEq(t, `{"rows":3}`, string(frame.Data))
}

func TestCache_GetMissingReturnsFalse(t *testing.T) {
	c := NewCache(4, time.Minute)
	_, ok := c.Get("nothing-here")
	require.False(t, ok)
}

func TestCache_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := NewCache(2, time.Minute)
	c.Put("a", json.RawMessage(`1`))
	c.Put("b", json.RawMessage(`2`))
	c.Put("c", json.RawMessage(`3`))

	_, ok := c.Get("a")
	require.False(t, ok, "a should have been evicted as least-recently-used")
	_, ok = c.Get("b")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestCache_GetRefreshesRecency(t *testing.T) {
	c := NewCache(2, time.Minute)
	c.Put("a", json.RawMessage(`1`))
	c.Put("b", json.RawMessage(`2`))

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("c", json.RawMessage(`3`))

	_, ok = c.Get("b")
	require.False(t, ok, "b should be evicted since a was touched more recently")
	_, ok = c.Get("a")
	require.True(t, ok)
}

func TestCache_EntryExpiresAfterTTL(t *testing.T) {
	c := NewCache(4, 10*time.Millisecond)
	c.Put("folderwatch", json.RawMessage(`1`))

	_, ok := c.Get("folderwatch")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("folderwatch")
	require.False(t, ok)
}

func TestCache_LabelsExcludesExpiredEntries(t *testing.T) {
	c := NewCache(4, 10*time.Millisecond)
	c.Put("stale", json.RawMessage(`1`))
	time.Sleep(20 * time.Millisecond)
	c.Put("fresh", json.RawMessage(`2`))

	labels := c.Labels()
	require.Equal(t, []string{"fresh"}, labels)
}

func TestCache_ForgetRemovesEntry(t *testing.T) {
	c := NewCache(4, time.Minute)
	c.Put("folderwatch", json.RawMessage(`1`))
	c.Forget("folderwatch")

	_, ok := c.Get("folderwatch")
	require.False(t, ok)
}
