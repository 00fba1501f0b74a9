package presence

import (
	"github.com/sirupsen/logrus"

	"rentaltruth-server/core"
)

// Bridge turns committed business mutations into room notifications and
// activity rows. Callers must only invoke it after the store write succeeded.
type Bridge struct {
	broadcaster *Broadcaster
	recorder    ActivityRecorder
	log         *logrus.Entry
}

// NewBridge creates a bridge. recorder may be nil.
func NewBridge(broadcaster *Broadcaster, recorder ActivityRecorder) *Bridge {
	return &Bridge{
		broadcaster: broadcaster,
		recorder:    recorder,
		log:         logrus.WithField("component", "bridge"),
	}
}

// OnAvailabilityChanged notifies the property's room of a new bed count.
func (b *Bridge) OnAvailabilityChanged(propertyID core.PropertyID, bedsAvailable, totalBeds int) AvailabilityUpdated {
	event := b.broadcaster.AvailabilityUpdated(propertyID, bedsAvailable, totalBeds)
	b.record(propertyID, core.ActivityAvailabilityUpdate, map[string]any{
		"bedsAvailable": bedsAvailable,
		"totalBeds":     totalBeds,
		"urgencyLevel":  string(event.UrgencyLevel),
	})
	return event
}

// OnBookingRecorded notifies the property's room of a booking. When after is
// set, the post-booking availability is broadcast as well.
func (b *Bridge) OnBookingRecorded(propertyID core.PropertyID, bedsBooked int, after *AvailabilitySnapshot) BookingActivity {
	event := b.broadcaster.BookingActivity(propertyID, bedsBooked)
	b.record(propertyID, core.ActivityBooking, map[string]any{
		"bedsBooked": bedsBooked,
	})
	if after != nil {
		b.broadcaster.AvailabilityUpdated(propertyID, after.BedsAvailable, after.TotalBeds)
	}
	return event
}

func (b *Bridge) record(propertyID core.PropertyID, activityType core.ActivityType, metadata map[string]any) {
	if b.recorder == nil {
		b.log.WithField("property_id", propertyID).Debug("No activity recorder configured")
		return
	}
	b.recorder.Record(propertyID, activityType, metadata)
}
