package presence

import (
	"fmt"
	"time"

	"rentaltruth-server/core"
)

// UrgencyLevel drives UI emphasis for the remaining bed count.
type UrgencyLevel string

const (
	UrgencyNormal   UrgencyLevel = "normal"
	UrgencyCritical UrgencyLevel = "critical"

	// criticalBeds is the highest bed count still reported as critical.
	criticalBeds = 2
)

const (
	EventViewerCountUpdated  = "viewer_count_updated"
	EventAvailabilityUpdated = "availability_updated"
	EventBookingActivity     = "booking_activity"
)

// Event is an outbound notification for one property room.
type Event interface {
	Name() string
	Property() core.PropertyID
}

type (
	ViewerCountUpdated struct {
		PropertyID  core.PropertyID `json:"propertyId"`
		ViewerCount int             `json:"viewerCount"`
		Message     string          `json:"message"`
	}

	AvailabilityUpdated struct {
		PropertyID    core.PropertyID `json:"propertyId"`
		BedsAvailable int             `json:"bedsAvailable"`
		TotalBeds     int             `json:"totalBeds"`
		UrgencyLevel  UrgencyLevel    `json:"urgencyLevel"`
		Message       string          `json:"message"`
	}

	BookingActivity struct {
		PropertyID core.PropertyID `json:"propertyId"`
		BedsBooked int             `json:"bedsBooked"`
		Timestamp  time.Time       `json:"timestamp"`
		Message    string          `json:"message"`
	}

	// AvailabilitySnapshot is the bed count of a property as read by the
	// caller after a commit. The core does not validate it.
	AvailabilitySnapshot struct {
		BedsAvailable int `json:"bedsAvailable"`
		TotalBeds     int `json:"totalBeds"`
	}
)

func (ViewerCountUpdated) Name() string                { return EventViewerCountUpdated }
func (e ViewerCountUpdated) Property() core.PropertyID { return e.PropertyID }

func (AvailabilityUpdated) Name() string                { return EventAvailabilityUpdated }
func (e AvailabilityUpdated) Property() core.PropertyID { return e.PropertyID }

func (BookingActivity) Name() string                { return EventBookingActivity }
func (e BookingActivity) Property() core.PropertyID { return e.PropertyID }

// Urgency derives the urgency level from the available bed count.
func Urgency(bedsAvailable int) UrgencyLevel {
	if bedsAvailable <= criticalBeds {
		return UrgencyCritical
	}
	return UrgencyNormal
}

func NewViewerCountUpdated(propertyID core.PropertyID, count int) ViewerCountUpdated {
	message := ""
	if count > 1 {
		message = fmt.Sprintf("%d people viewing now", count)
	}
	return ViewerCountUpdated{
		PropertyID:  propertyID,
		ViewerCount: count,
		Message:     message,
	}
}

func NewAvailabilityUpdated(propertyID core.PropertyID, bedsAvailable, totalBeds int) AvailabilityUpdated {
	level := Urgency(bedsAvailable)
	message := fmt.Sprintf("%d beds available", bedsAvailable)
	if level == UrgencyCritical {
		message = fmt.Sprintf("Only %d beds left!", bedsAvailable)
	}
	return AvailabilityUpdated{
		PropertyID:    propertyID,
		BedsAvailable: bedsAvailable,
		TotalBeds:     totalBeds,
		UrgencyLevel:  level,
		Message:       message,
	}
}

func NewBookingActivity(propertyID core.PropertyID, bedsBooked int, at time.Time) BookingActivity {
	noun := "beds"
	if bedsBooked == 1 {
		noun = "bed"
	}
	return BookingActivity{
		PropertyID: propertyID,
		BedsBooked: bedsBooked,
		Timestamp:  at,
		Message:    fmt.Sprintf("%d %s booked!", bedsBooked, noun),
	}
}
