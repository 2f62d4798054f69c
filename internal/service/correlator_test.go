package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCorrelator(t *testing.T) (*Correlator, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	c := NewCorrelator(CorrelatorConfig{Timeout: 30 * time.Second, SweepInterval: time.Hour, QueueSize: 8}, zerolog.Nop(), nil)
	c.now = clock.Now
	return c, clock
}

func TestCorrelator_ResolveCompletesOnce(t *testing.T) {
	c, _ := newTestCorrelator(t)
	ctx := context.Background()

	future, err := c.SendCorrelated(ctx, KindReadAttributes, "", "ns=2;s=Level")
	require.NoError(t, err)
	assert.NotEmpty(t, future.ID())
	assert.Equal(t, 1, c.Pending())

	req := <-c.Requests()
	assert.Equal(t, future.ID(), req.ID)
	assert.Equal(t, KindReadAttributes, req.Kind)
	assert.Equal(t, "ns=2;s=Level", req.Payload)

	assert.True(t, c.Resolve(req.ID, "first", nil))
	assert.False(t, c.Resolve(req.ID, "second", nil), "late response is ignored")

	value, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", value)
	assert.Zero(t, c.Pending())
}

func TestCorrelator_UnknownResponseIgnored(t *testing.T) {
	c, _ := newTestCorrelator(t)
	assert.False(t, c.Resolve("nope", nil, nil))
}

func TestCorrelator_KeyedRequestsJoin(t *testing.T) {
	c, _ := newTestCorrelator(t)
	ctx := context.Background()

	first, err := c.SendCorrelated(ctx, KindBrowse, "browse_i=85", "i=85")
	require.NoError(t, err)
	second, err := c.SendCorrelated(ctx, KindBrowse, "browse_i=85", "i=85")
	require.NoError(t, err)

	assert.False(t, first.Joined())
	assert.True(t, second.Joined())
	assert.Equal(t, 1, c.Pending())
	assert.Len(t, c.Requests(), 1, "a joined request is not dispatched again")

	page := domain.BrowsePage{NodeID: "i=85", Nodes: []domain.NodeDescriptor{{NodeID: "ns=2;s=Reservoir"}}}
	assert.Equal(t, first.ID(), second.ID())
	assert.NotEqual(t, "browse_i=85", first.ID(), "the key is not the request id")
	require.True(t, c.Resolve(first.ID(), page, nil))

	for _, f := range []*Future{first, second} {
		value, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, page, value)
	}

	// Once resolved the key is free again.
	third, err := c.SendCorrelated(ctx, KindBrowse, "browse_i=85", "i=85")
	require.NoError(t, err)
	assert.False(t, third.Joined())
}

func TestCorrelator_ExpiryPerKind(t *testing.T) {
	c, clock := newTestCorrelator(t)
	ctx := context.Background()

	browse, err := c.SendCorrelated(ctx, KindBrowse, "browse_i=85", "i=85")
	require.NoError(t, err)
	next, err := c.SendCorrelated(ctx, KindBrowseNext, "", "Y3AtMQ==")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	attrs, err := c.SendCorrelated(ctx, KindReadAttributes, "", "ns=2;s=Level")
	require.NoError(t, err)

	clock.Advance(25 * time.Second)
	assert.Equal(t, 2, c.expire(clock.Now()))
	assert.Equal(t, 1, c.Pending(), "the younger request is still pending")

	value, err := browse.Wait(ctx)
	require.NoError(t, err, "browse expires with an empty page")
	page := value.(domain.BrowsePage)
	assert.Equal(t, "i=85", page.NodeID)
	assert.NotNil(t, page.Nodes)
	assert.Empty(t, page.Nodes)

	_, err = next.Wait(ctx)
	assert.ErrorIs(t, err, domain.ErrTimeout)

	// A response after expiry has no effect.
	assert.False(t, c.Resolve(next.ID(), domain.BrowsePage{}, nil))

	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, c.expire(clock.Now()))
	_, err = attrs.Wait(ctx)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestCorrelator_LateResponseAfterExpiryDoesNotResolveNewRequest(t *testing.T) {
	c, clock := newTestCorrelator(t)
	ctx := context.Background()

	first, err := c.SendCorrelated(ctx, KindBrowse, "browse_i=85", "i=85")
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	require.Equal(t, 1, c.expire(clock.Now()))

	second, err := c.SendCorrelated(ctx, KindBrowse, "browse_i=85", "i=85")
	require.NoError(t, err)
	assert.False(t, second.Joined(), "an expired request cannot be joined")
	assert.NotEqual(t, first.ID(), second.ID())

	stale := domain.BrowsePage{NodeID: "i=85", Nodes: []domain.NodeDescriptor{{NodeID: "STALE"}}}
	assert.False(t, c.Resolve(first.ID(), stale, nil), "the expired request's response is late")

	select {
	case <-second.Done():
		t.Fatal("new request was completed by a stale response")
	default:
	}

	fresh := domain.BrowsePage{NodeID: "i=85", Nodes: []domain.NodeDescriptor{{NodeID: "ns=2;s=Reservoir"}}}
	require.True(t, c.Resolve(second.ID(), fresh, nil))
	value, err := second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh, value)

	// The key is free again once the newer request completes.
	third, err := c.SendCorrelated(ctx, KindBrowse, "browse_i=85", "i=85")
	require.NoError(t, err)
	assert.False(t, third.Joined())
}

func TestCorrelator_ResolveBeforeExpiryWins(t *testing.T) {
	c, clock := newTestCorrelator(t)
	ctx := context.Background()

	future, err := c.SendCorrelated(ctx, KindBrowseNext, "", "cp")
	require.NoError(t, err)
	require.True(t, c.Resolve(future.ID(), "done", nil))

	clock.Advance(time.Minute)
	assert.Zero(t, c.expire(clock.Now()))

	value, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

func TestCorrelator_SweepRuns(t *testing.T) {
	c := NewCorrelator(CorrelatorConfig{Timeout: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, zerolog.Nop(), nil)
	c.Start(context.Background())
	defer c.Stop()

	future, err := c.SendCorrelated(context.Background(), KindReadAttributes, "", "ns=2;s=Level")
	require.NoError(t, err)

	select {
	case <-future.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("request never expired")
	}
	_, err = future.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestCorrelator_StopFailsPending(t *testing.T) {
	c, _ := newTestCorrelator(t)
	c.Start(context.Background())

	future, err := c.SendCorrelated(context.Background(), KindBrowse, "", "i=84")
	require.NoError(t, err)

	c.Stop()
	c.Stop()

	_, err = future.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCorrelatorStopped)

	_, err = c.SendCorrelated(context.Background(), KindBrowse, "", "i=84")
	assert.ErrorIs(t, err, ErrCorrelatorStopped)
}

func TestCorrelator_DispatchCancelled(t *testing.T) {
	c := NewCorrelator(CorrelatorConfig{QueueSize: 1}, zerolog.Nop(), nil)
	ctx := context.Background()

	_, err := c.SendCorrelated(ctx, KindBrowse, "", "i=84")
	require.NoError(t, err)

	// The queue is full and nobody consumes it.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.SendCorrelated(cancelled, KindBrowse, "", "i=85")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, c.Pending(), "the cancelled request is not left pending")
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	c, _ := newTestCorrelator(t)

	future, err := c.SendCorrelated(context.Background(), KindBrowse, "", "i=84")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = future.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
