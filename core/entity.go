package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrPropertyNotFound    = errors.New("property not found")
	ErrInsufficientBeds    = errors.New("insufficient beds available")
	ErrInvalidAvailability = errors.New("invalid availability")
	ErrInvalidProperty     = errors.New("invalid property")
	ErrInvalidActivity     = errors.New("invalid activity")
)

type (
	// PropertyID identifies a listed property. It is opaque to the presence
	// layer and assumed valid upstream.
	PropertyID string

	// ConnectionID identifies one live client connection. It is supplied by
	// the transport and only meaningful for the connection's lifetime.
	ConnectionID string

	ActivityType string

	Property struct {
		ID            PropertyID `json:"id"`
		OwnerID       string     `json:"ownerId"`
		Location      string     `json:"location"`
		Rent          float64    `json:"rent"`
		PropertyType  string     `json:"propertyType"`
		TotalBeds     int        `json:"totalBeds"`
		BedsAvailable int        `json:"bedsAvailable"`
		LastBookedAt  *time.Time `json:"lastBookedAt,omitempty"`
		CreatedAt     time.Time  `json:"createdAt"`
		UpdatedAt     time.Time  `json:"updatedAt"`
	}

	// Activity is one row of the per-property activity log.
	Activity struct {
		ID           string         `json:"id"`
		PropertyID   PropertyID     `json:"propertyId"`
		ActivityType ActivityType   `json:"activityType"`
		Metadata     map[string]any `json:"metadata"`
		CreatedAt    time.Time      `json:"createdAt"`
	}

	PropertyStore interface {
		CreateProperty(ctx context.Context, property *Property) (PropertyID, error)
		GetProperty(ctx context.Context, id PropertyID) (*Property, error)
		// UpdateAvailability sets the bed count of a property owned by ownerID.
		// A property owned by someone else is reported as not found.
		UpdateAvailability(ctx context.Context, id PropertyID, ownerID string, bedsAvailable int) (*Property, error)
		// BookBeds atomically takes beds off the available count.
		BookBeds(ctx context.Context, id PropertyID, beds int) (*Property, error)
	}

	ActivityStore interface {
		AppendActivity(ctx context.Context, activity *Activity) error
		// ListActivity returns the newest activities first.
		ListActivity(ctx context.Context, propertyID PropertyID, limit int) ([]Activity, error)
		// RecentActivity returns activities of one type created at or after since, newest first.
		RecentActivity(ctx context.Context, propertyID PropertyID, activityType ActivityType, since time.Time) ([]Activity, error)
	}

	// Store is the union of everything a storage backend provides.
	Store interface {
		PropertyStore
		ActivityStore
	}
)

const (
	ActivityBooking            ActivityType = "booking"
	ActivityView               ActivityType = "view"
	ActivityAvailabilityUpdate ActivityType = "availability_update"

	DefaultActivityLimit = 10
)

func (t ActivityType) Valid() bool {
	switch t {
	case ActivityBooking, ActivityView, ActivityAvailabilityUpdate:
		return true
	}
	return false
}

// ValidateNew checks a property before it is first stored and defaults the
// available bed count to the total.
func (p *Property) ValidateNew() error {
	if p.TotalBeds <= 0 {
		return fmt.Errorf("%w: total beds must be positive", ErrInvalidProperty)
	}
	if p.BedsAvailable == 0 {
		p.BedsAvailable = p.TotalBeds
	}
	if p.BedsAvailable < 0 || p.BedsAvailable > p.TotalBeds {
		return fmt.Errorf("%w: beds available must be between 0 and total beds", ErrInvalidProperty)
	}
	return nil
}

// CheckAvailability reports whether bedsAvailable is a valid count for p.
func (p *Property) CheckAvailability(bedsAvailable int) error {
	if bedsAvailable < 0 || bedsAvailable > p.TotalBeds {
		return ErrInvalidAvailability
	}
	return nil
}

// Prepare validates an activity before it is appended and fills the id,
// timestamp and metadata when they are unset.
func (a *Activity) Prepare(now time.Time) error {
	if a.PropertyID == "" {
		return fmt.Errorf("%w: property id is required", ErrInvalidActivity)
	}
	if !a.ActivityType.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidActivity, a.ActivityType)
	}
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now.UTC()
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	return nil
}

// ActivityLimit applies the default page size to a requested limit.
func ActivityLimit(limit int) int {
	if limit <= 0 {
		return DefaultActivityLimit
	}
	return limit
}
