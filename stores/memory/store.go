package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"rentaltruth-server/core"
)

type store struct {
	mu         sync.RWMutex
	properties map[core.PropertyID]core.Property
	activities map[core.PropertyID][]core.Activity
}

func NewStore() core.Store {
	return &store{
		properties: make(map[core.PropertyID]core.Property),
		activities: make(map[core.PropertyID][]core.Activity),
	}
}

func (s *store) CreateProperty(ctx context.Context, property *core.Property) (core.PropertyID, error) {
	if err := property.ValidateNew(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	created := *property
	created.ID = core.PropertyID(ulid.Make().String())
	created.CreatedAt = now
	created.UpdatedAt = now
	created.LastBookedAt = nil

	s.mu.Lock()
	s.properties[created.ID] = created
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"property_id": created.ID,
		"total_beds":  created.TotalBeds,
	}).Info("Property created successfully")
	return created.ID, nil
}

func (s *store) GetProperty(ctx context.Context, id core.PropertyID) (*core.Property, error) {
	s.mu.RLock()
	property, ok := s.properties[id]
	s.mu.RUnlock()

	if !ok {
		logrus.WithField("property_id", id).Warn("Property with specified ID not found")
		return nil, fmt.Errorf("property %s: %w", id, core.ErrPropertyNotFound)
	}
	return &property, nil
}

func (s *store) UpdateAvailability(ctx context.Context, id core.PropertyID, ownerID string, bedsAvailable int) (*core.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	property, ok := s.properties[id]
	if !ok || property.OwnerID != ownerID {
		return nil, fmt.Errorf("property %s: %w", id, core.ErrPropertyNotFound)
	}
	if err := property.CheckAvailability(bedsAvailable); err != nil {
		return nil, err
	}

	property.BedsAvailable = bedsAvailable
	property.UpdatedAt = time.Now().UTC()
	s.properties[id] = property
	return &property, nil
}

func (s *store) BookBeds(ctx context.Context, id core.PropertyID, beds int) (*core.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	property, ok := s.properties[id]
	if !ok {
		return nil, fmt.Errorf("property %s: %w", id, core.ErrPropertyNotFound)
	}
	if beds < 1 || property.BedsAvailable < beds {
		return nil, core.ErrInsufficientBeds
	}

	now := time.Now().UTC()
	property.BedsAvailable -= beds
	property.LastBookedAt = &now
	property.UpdatedAt = now
	s.properties[id] = property
	return &property, nil
}

func (s *store) AppendActivity(ctx context.Context, activity *core.Activity) error {
	if err := activity.Prepare(time.Now()); err != nil {
		return err
	}

	s.mu.Lock()
	s.activities[activity.PropertyID] = append(s.activities[activity.PropertyID], *activity)
	s.mu.Unlock()
	return nil
}

func (s *store) ListActivity(ctx context.Context, propertyID core.PropertyID, limit int) ([]core.Activity, error) {
	activities := s.sorted(propertyID)
	if limit = core.ActivityLimit(limit); len(activities) > limit {
		activities = activities[:limit]
	}
	return activities, nil
}

func (s *store) RecentActivity(ctx context.Context, propertyID core.PropertyID, activityType core.ActivityType, since time.Time) ([]core.Activity, error) {
	activities := s.sorted(propertyID)
	recent := make([]core.Activity, 0, len(activities))
	for _, activity := range activities {
		if activity.ActivityType == activityType && !activity.CreatedAt.Before(since) {
			recent = append(recent, activity)
		}
	}
	return recent, nil
}

// sorted copies the activities of a property, newest first.
func (s *store) sorted(propertyID core.PropertyID) []core.Activity {
	s.mu.RLock()
	activities := make([]core.Activity, len(s.activities[propertyID]))
	copy(activities, s.activities[propertyID])
	s.mu.RUnlock()

	sort.SliceStable(activities, func(i, j int) bool {
		return activities[i].CreatedAt.After(activities[j].CreatedAt)
	})
	return activities
}
