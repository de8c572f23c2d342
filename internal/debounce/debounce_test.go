package debounce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerCoalescesBurstIntoOneFire(t *testing.T) {
	fired := make(chan []string, 1)
	d := New(20*time.Millisecond, func(items []string) { fired <- items })

	d.Add("a")
	d.Add("b")
	d.Add("c")

	select {
	case items := <-fired:
		assert.Equal(t, []string{"a", "b", "c"}, items)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("debouncer never fired")
	}
}

func TestDebouncerResetsTimerOnEachAdd(t *testing.T) {
	fired := make(chan []string, 1)
	d := New(30*time.Millisecond, func(items []string) { fired <- items })

	d.Add("a")
	time.Sleep(20 * time.Millisecond)
	d.Add("b") // resets the 30ms window before it would have fired

	select {
	case items := <-fired:
		assert.Equal(t, []string{"a", "b"}, items)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("debouncer never fired")
	}
}

func TestDebouncerStopCancelsPendingFire(t *testing.T) {
	fired := make(chan []string, 1)
	d := New(20*time.Millisecond, func(items []string) { fired <- items })

	d.Add("a")
	d.Stop()

	select {
	case <-fired:
		t.Fatal("debouncer fired after Stop")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestDebouncerTwoSeparateBurstsFireTwice(t *testing.T) {
	fired := make(chan []string, 2)
	d := New(15*time.Millisecond, func(items []string) { fired <- items })

	d.Add("a")
	first := requireFire(t, fired)
	assert.Equal(t, []string{"a"}, first)

	d.Add("b")
	second := requireFire(t, fired)
	assert.Equal(t, []string{"b"}, second)
}

func requireFire(t *testing.T, ch chan []string) []string {
	t.Helper()
	select {
	case items := <-ch:
		return items
	case <-time.After(200 * time.Millisecond):
		require.Fail(t, "debouncer never fired")
		return nil
	}
}
