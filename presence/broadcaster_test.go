package presence

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentaltruth-server/core"
)

const waitFor = 2 * time.Second

// chanSink hands delivered events to the test through a channel.
type chanSink struct {
	events chan Event
}

func newChanSink() *chanSink {
	return &chanSink{events: make(chan Event, 64)}
}

func (s *chanSink) Deliver(event Event) error {
	s.events <- event
	return nil
}

func (s *chanSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case event := <-s.events:
		return event
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (s *chanSink) none(t *testing.T) {
	t.Helper()
	select {
	case event := <-s.events:
		t.Fatalf("unexpected event %s for %s", event.Name(), event.Property())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterDeliversToRoomOnly(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	b := NewBroadcaster(reg, 0)
	defer b.Close()

	s1, s2, other := newChanSink(), newChanSink(), newChanSink()
	b.Attach("c1", s1)
	b.Attach("c2", s2)
	b.Attach("c3", other)
	require.True(t, b.Subscribe("p1", "c1"))
	require.True(t, b.Subscribe("p1", "c2"))
	require.True(t, b.Subscribe("p2", "c3"))

	b.AvailabilityUpdated("p1", 2, 10)

	for _, s := range []*chanSink{s1, s2} {
		event, ok := s.next(t).(AvailabilityUpdated)
		require.True(t, ok)
		assert.Equal(t, core.PropertyID("p1"), event.PropertyID)
		assert.Equal(t, UrgencyCritical, event.UrgencyLevel)
	}
	other.none(t)
}

func TestBroadcasterViewerCountReadsRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	b := NewBroadcaster(reg, 0)
	defer b.Close()

	sink := newChanSink()
	b.Attach("c1", sink)
	b.Subscribe("p1", "c1")
	reg.Join("p1", "c1")
	reg.Join("p1", "c2")

	event := b.ViewerCountUpdated("p1")
	assert.Equal(t, 2, event.ViewerCount)
	assert.Equal(t, "2 people viewing now", event.Message)
	assert.Equal(t, event, sink.next(t))
}

func TestBroadcasterSubscribeRequiresAttach(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(NewRegistry(), 0)
	defer b.Close()

	assert.False(t, b.Subscribe("p1", "ghost"))
	assert.Empty(t, b.Subscribers("p1"))
}

func TestBroadcasterUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(NewRegistry(), 0)
	defer b.Close()

	sink := newChanSink()
	b.Attach("c1", sink)
	b.Subscribe("p1", "c1")
	b.Unsubscribe("p1", "c1")
	b.Unsubscribe("p1", "c1")

	assert.Zero(t, b.Emit(NewViewerCountUpdated("p1", 0)))
	sink.none(t)
}

// blockingSink never returns until released.
type blockingSink struct {
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) Deliver(Event) error {
	<-s.release
	return nil
}

func (s *blockingSink) unblock() { s.once.Do(func() { close(s.release) }) }

func TestBroadcasterSlowConsumerDoesNotStallRoom(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(NewRegistry(), 2)
	defer b.Close()

	slow := &blockingSink{release: make(chan struct{})}
	defer slow.unblock()
	fast := newChanSink()
	b.Attach("slow", slow)
	b.Attach("fast", fast)
	b.Subscribe("p1", "slow")
	b.Subscribe("p1", "fast")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Emit(NewViewerCountUpdated("p1", i))
			// keep the fast consumer's outbox from filling up
			<-fast.events
		}
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("emit blocked on a slow consumer")
	}
	assert.NotZero(t, b.Stats().Dropped)
}

func TestBroadcasterIsolatesDeliveryFailures(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(NewRegistry(), 0)
	defer b.Close()

	failed := make(chan struct{}, 1)
	b.Attach("broken", SinkFunc(func(Event) error {
		failed <- struct{}{}
		return errors.New("connection reset")
	}))
	healthy := newChanSink()
	b.Attach("healthy", healthy)
	b.Subscribe("p1", "broken")
	b.Subscribe("p1", "healthy")

	b.BookingActivity("p1", 1)

	assert.Equal(t, "1 bed booked!", healthy.next(t).(BookingActivity).Message)
	select {
	case <-failed:
	case <-time.After(waitFor):
		t.Fatal("broken sink never called")
	}
	assert.Eventually(t, func() bool { return b.Stats().Failed == 1 }, waitFor, 10*time.Millisecond)
}

func TestBroadcasterDetachRemovesSubscriptions(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(NewRegistry(), 0)
	defer b.Close()

	sink := newChanSink()
	b.Attach("c1", sink)
	b.Subscribe("p1", "c1")
	b.Subscribe("p2", "c1")

	b.Detach("c1")
	b.Detach("c1")

	assert.Empty(t, b.Subscribers("p1"))
	assert.Empty(t, b.Subscribers("p2"))
	assert.Zero(t, b.Emit(NewViewerCountUpdated("p1", 0)))
}

func TestBroadcasterReattachKeepsSubscriptions(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(NewRegistry(), 0)
	defer b.Close()

	first, second := newChanSink(), newChanSink()
	b.Attach("c1", first)
	b.Subscribe("p1", "c1")
	b.Attach("c1", second)

	b.Emit(NewViewerCountUpdated("p1", 1))
	second.next(t)
	first.none(t)
}
