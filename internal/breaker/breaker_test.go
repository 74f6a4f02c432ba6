package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker() (*Breaker, *clock) {
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := New(Opts{
		Scope:  "test",
		Config: Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2},
		Now:    c.Now,
	})
	return b, c
}

func fail() error {
	return errBoom
}

func succeed() error {
	return nil
}

func trip(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(fail), errBoom)
	}
	require.Equal(t, Open, b.State())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	require.ErrorIs(t, b.Execute(fail), errBoom)
	require.ErrorIs(t, b.Execute(fail), errBoom)
	assert.Equal(t, Closed, b.State())

	require.ErrorIs(t, b.Execute(fail), errBoom)
	assert.Equal(t, Open, b.State())
	assert.True(t, b.IsOpen())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker()
	b.Execute(fail)
	b.Execute(fail)
	require.NoError(t, b.Execute(succeed))
	b.Execute(fail)
	b.Execute(fail)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	b, c := newTestBreaker()
	trip(t, b)

	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	c.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Execute(succeed), ErrOpen)
}

func TestBreaker_HalfOpenNeedsTwoSuccesses(t *testing.T) {
	b, c := newTestBreaker()
	trip(t, b)
	c.Advance(30 * time.Second)
	assert.False(t, b.IsOpen())

	require.NoError(t, b.Execute(succeed))
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Execute(succeed))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, c := newTestBreaker()
	trip(t, b)
	c.Advance(31 * time.Second)

	require.NoError(t, b.Execute(succeed))
	require.ErrorIs(t, b.Execute(fail), errBoom)
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Execute(succeed), ErrOpen)
}

func TestBreaker_OnStateChange(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	var transitions []string
	b := New(Opts{
		Scope:  "send:r1",
		Config: Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 1},
		Now:    c.Now,
		OnStateChange: func(scope string, from, to State) {
			transitions = append(transitions, scope+" "+from.String()+"->"+to.String())
		},
	})

	b.Execute(fail)
	c.Advance(time.Second)
	b.Execute(succeed)

	assert.Equal(t, []string{
		"send:r1 closed->open",
		"send:r1 open->half-open",
		"send:r1 half-open->closed",
	}, transitions)
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker()
	trip(t, b)
	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.NoError(t, b.Execute(succeed))
}

func TestRegistry_PerScope(t *testing.T) {
	r := NewRegistry(Opts{Config: Config{FailureThreshold: 1}})
	a := r.Get("send:r1")
	assert.Same(t, a, r.Get("send:r1"))

	a.Execute(fail)
	assert.True(t, r.Get("send:r1").IsOpen())
	assert.False(t, r.Get("send:r2").IsOpen())

	snaps := r.Snapshots()
	assert.Len(t, snaps, 2)
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New(Opts{Config: Config{FailureThreshold: 1000}})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.Execute(fail)
			} else {
				b.Execute(succeed)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, Closed, b.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
