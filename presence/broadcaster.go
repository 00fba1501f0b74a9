package presence

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"rentaltruth-server/core"
)

const DefaultOutboxSize = 32

// Sink delivers events to one connection. Deliver is only ever called from
// that connection's own outbox goroutine.
type Sink interface {
	Deliver(event Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(event Event) error

func (f SinkFunc) Deliver(event Event) error { return f(event) }

// BroadcastStats counts fan-out outcomes since the broadcaster was created.
type BroadcastStats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// outbox queues events for one connection. The queue is closed under the
// broadcaster's write lock, offers happen under its read lock.
type outbox struct {
	id    core.ConnectionID
	sink  Sink
	queue chan Event
}

// Broadcaster fans out events to the connections subscribed to a property's
// room. It reads the registry but never mutates it.
type Broadcaster struct {
	registry *Registry
	size     int
	now      func() time.Time
	log      *logrus.Entry

	mu       sync.RWMutex
	outboxes map[core.ConnectionID]*outbox
	rooms    map[core.PropertyID]map[core.ConnectionID]struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewBroadcaster creates a broadcaster whose per-connection outboxes hold
// outboxSize events. A non-positive size uses DefaultOutboxSize.
func NewBroadcaster(registry *Registry, outboxSize int) *Broadcaster {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &Broadcaster{
		registry: registry,
		size:     outboxSize,
		now:      time.Now,
		log:      logrus.WithField("component", "broadcaster"),
		outboxes: make(map[core.ConnectionID]*outbox),
		rooms:    make(map[core.PropertyID]map[core.ConnectionID]struct{}),
	}
}

// Attach registers the delivery sink of a connection. Attaching an already
// attached connection replaces its sink.
func (b *Broadcaster) Attach(connectionID core.ConnectionID, sink Sink) {
	box := &outbox{
		id:    connectionID,
		sink:  sink,
		queue: make(chan Event, b.size),
	}

	b.mu.Lock()
	if old, ok := b.outboxes[connectionID]; ok {
		close(old.queue)
	}
	b.outboxes[connectionID] = box
	b.mu.Unlock()

	go b.pump(box)
}

func (b *Broadcaster) pump(box *outbox) {
	for event := range box.queue {
		if err := box.sink.Deliver(event); err != nil {
			b.failed.Add(1)
			b.log.WithError(err).WithFields(logrus.Fields{
				"connection_id": box.id,
				"property_id":   event.Property(),
				"event":         event.Name(),
			}).Warn("Failed to deliver event")
			continue
		}
		b.delivered.Add(1)
	}
}

// Detach removes a connection from every room and stops its outbox. Events
// already queued are still handed to the sink.
func (b *Broadcaster) Detach(connectionID core.ConnectionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for propertyID, subs := range b.rooms {
		if _, ok := subs[connectionID]; ok {
			delete(subs, connectionID)
			if len(subs) == 0 {
				delete(b.rooms, propertyID)
			}
		}
	}
	if box, ok := b.outboxes[connectionID]; ok {
		close(box.queue)
		delete(b.outboxes, connectionID)
	}
}

// Subscribe adds an attached connection to a property's room. It reports
// false when the connection has no sink.
func (b *Broadcaster) Subscribe(propertyID core.PropertyID, connectionID core.ConnectionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.outboxes[connectionID]; !ok {
		return false
	}
	subs, ok := b.rooms[propertyID]
	if !ok {
		subs = make(map[core.ConnectionID]struct{})
		b.rooms[propertyID] = subs
	}
	subs[connectionID] = struct{}{}
	return true
}

func (b *Broadcaster) Unsubscribe(propertyID core.PropertyID, connectionID core.ConnectionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.rooms[propertyID]
	if !ok {
		return
	}
	delete(subs, connectionID)
	if len(subs) == 0 {
		delete(b.rooms, propertyID)
	}
}

// Subscribers returns the connections in a property's room, sorted.
func (b *Broadcaster) Subscribers(propertyID core.PropertyID) []core.ConnectionID {
	b.mu.RLock()
	ids := make([]core.ConnectionID, 0, len(b.rooms[propertyID]))
	for id := range b.rooms[propertyID] {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ViewerCountUpdated broadcasts the current viewer count of a property.
func (b *Broadcaster) ViewerCountUpdated(propertyID core.PropertyID) ViewerCountUpdated {
	event := NewViewerCountUpdated(propertyID, b.registry.Count(propertyID))
	b.Emit(event)
	return event
}

// AvailabilityUpdated broadcasts a bed count change. It does not read the registry.
func (b *Broadcaster) AvailabilityUpdated(propertyID core.PropertyID, bedsAvailable, totalBeds int) AvailabilityUpdated {
	event := NewAvailabilityUpdated(propertyID, bedsAvailable, totalBeds)
	n := b.Emit(event)
	b.log.WithFields(logrus.Fields{
		"property_id":    propertyID,
		"beds_available": bedsAvailable,
		"total_beds":     totalBeds,
		"recipients":     n,
	}).Info("Broadcasted availability update")
	return event
}

// BookingActivity broadcasts that beds were just booked.
func (b *Broadcaster) BookingActivity(propertyID core.PropertyID, bedsBooked int) BookingActivity {
	event := NewBookingActivity(propertyID, bedsBooked, b.now())
	n := b.Emit(event)
	b.log.WithFields(logrus.Fields{
		"property_id": propertyID,
		"beds_booked": bedsBooked,
		"recipients":  n,
	}).Info("Broadcasted booking activity")
	return event
}

// Emit queues event for every connection in its property's room and returns
// how many outboxes accepted it. A full outbox drops the event for that
// connection only.
func (b *Broadcaster) Emit(event Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	queued := 0
	for connectionID := range b.rooms[event.Property()] {
		box, ok := b.outboxes[connectionID]
		if !ok {
			continue
		}
		select {
		case box.queue <- event:
			queued++
		default:
			b.dropped.Add(1)
			b.log.WithFields(logrus.Fields{
				"connection_id": connectionID,
				"property_id":   event.Property(),
				"event":         event.Name(),
			}).Warn("Outbox full, dropping event")
		}
	}
	return queued
}

func (b *Broadcaster) Stats() BroadcastStats {
	return BroadcastStats{
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Failed:    b.failed.Load(),
	}
}

// Close detaches every connection.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, box := range b.outboxes {
		close(box.queue)
		delete(b.outboxes, id)
	}
	b.rooms = make(map[core.PropertyID]map[core.ConnectionID]struct{})
}
