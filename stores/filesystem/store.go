package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"rentaltruth-server/core"
)

const (
	propertiesDir = "properties"
	activityDir   = "activity"
)

// fsStore keeps one JSON file per property and an append-only JSON lines
// log of activity per property.
type fsStore struct {
	mu       sync.Mutex
	basePath string
}

// NewStore creates a filesystem store rooted at basePath.
func NewStore(basePath string) (core.Store, error) {
	for _, dir := range []string{propertiesDir, activityDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &fsStore{basePath: basePath}, nil
}

// safeName rejects identifiers that would escape their directory.
func safeName(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid id %q: must be a plain name", id)
	}
	return nil
}

func (s *fsStore) propertyPath(id core.PropertyID) string {
	return filepath.Join(s.basePath, propertiesDir, string(id)+".json")
}

func (s *fsStore) activityPath(id core.PropertyID) string {
	return filepath.Join(s.basePath, activityDir, string(id)+".jsonl")
}

func (s *fsStore) CreateProperty(ctx context.Context, property *core.Property) (core.PropertyID, error) {
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
	defer s.mu.Unlock()
	if err := s.writeProperty(&created); err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"property_id": created.ID,
		"file_path":   s.propertyPath(created.ID),
	}).Info("Property created successfully")
	return created.ID, nil
}

func (s *fsStore) GetProperty(ctx context.Context, id core.PropertyID) (*core.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readProperty(id)
}

func (s *fsStore) UpdateAvailability(ctx context.Context, id core.PropertyID, ownerID string, bedsAvailable int) (*core.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	property, err := s.readProperty(id)
	if err != nil {
		return nil, err
	}
	if property.OwnerID != ownerID {
		return nil, fmt.Errorf("property %s: %w", id, core.ErrPropertyNotFound)
	}
	if err := property.CheckAvailability(bedsAvailable); err != nil {
		return nil, err
	}

	property.BedsAvailable = bedsAvailable
	property.UpdatedAt = time.Now().UTC()
	if err := s.writeProperty(property); err != nil {
		return nil, err
	}
	return property, nil
}

func (s *fsStore) BookBeds(ctx context.Context, id core.PropertyID, beds int) (*core.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	property, err := s.readProperty(id)
	if err != nil {
		return nil, err
	}
	if beds < 1 || property.BedsAvailable < beds {
		return nil, core.ErrInsufficientBeds
	}

	now := time.Now().UTC()
	property.BedsAvailable -= beds
	property.LastBookedAt = &now
	property.UpdatedAt = now
	if err := s.writeProperty(property); err != nil {
		return nil, err
	}
	return property, nil
}

func (s *fsStore) AppendActivity(ctx context.Context, activity *core.Activity) error {
	if err := activity.Prepare(time.Now()); err != nil {
		return err
	}
	if err := safeName(string(activity.PropertyID)); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidActivity, err)
	}
	line, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.activityPath(activity.PropertyID)
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logrus.WithField("file_path", filePath).WithError(err).Error("Failed to open activity log")
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		logrus.WithField("file_path", filePath).WithError(err).Error("Failed to append activity")
		return err
	}
	return nil
}

func (s *fsStore) ListActivity(ctx context.Context, propertyID core.PropertyID, limit int) ([]core.Activity, error) {
	activities, err := s.readActivity(propertyID)
	if err != nil {
		return nil, err
	}
	if limit = core.ActivityLimit(limit); len(activities) > limit {
		activities = activities[:limit]
	}
	return activities, nil
}

func (s *fsStore) RecentActivity(ctx context.Context, propertyID core.PropertyID, activityType core.ActivityType, since time.Time) ([]core.Activity, error) {
	activities, err := s.readActivity(propertyID)
	if err != nil {
		return nil, err
	}
	recent := make([]core.Activity, 0, len(activities))
	for _, activity := range activities {
		if activity.ActivityType == activityType && !activity.CreatedAt.Before(since) {
			recent = append(recent, activity)
		}
	}
	return recent, nil
}

func (s *fsStore) readProperty(id core.PropertyID) (*core.Property, error) {
	log := logrus.WithField("property_id", id)
	if err := safeName(string(id)); err != nil {
		log.WithError(err).Warn("Rejected property ID")
		return nil, fmt.Errorf("property %s: %w", id, core.ErrPropertyNotFound)
	}

	data, err := os.ReadFile(s.propertyPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Property with specified ID not found")
			return nil, fmt.Errorf("property %s: %w", id, core.ErrPropertyNotFound)
		}
		log.WithError(err).Error("Failed to read property")
		return nil, err
	}

	var property core.Property
	if err := json.Unmarshal(data, &property); err != nil {
		return nil, fmt.Errorf("failed to unmarshal property %s: %w", id, err)
	}
	return &property, nil
}

// writeProperty replaces the property file atomically via rename.
func (s *fsStore) writeProperty(property *core.Property) error {
	data, err := json.Marshal(property)
	if err != nil {
		return fmt.Errorf("failed to marshal property: %w", err)
	}

	filePath := s.propertyPath(property.ID)
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logrus.WithField("file_path", tmp).WithError(err).Error("Failed to write property")
		return err
	}
	return os.Rename(tmp, filePath)
}

// readActivity loads the activity log of a property, newest first.
func (s *fsStore) readActivity(propertyID core.PropertyID) ([]core.Activity, error) {
	if err := safeName(string(propertyID)); err != nil {
		return []core.Activity{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.activityPath(propertyID)
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []core.Activity{}, nil
		}
		return nil, err
	}
	defer f.Close()

	log := logrus.WithField("file_path", filePath)
	activities := []core.Activity{}
	decoder := json.NewDecoder(f)
	for {
		var activity core.Activity
		if err := decoder.Decode(&activity); err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Warn("Stopped reading truncated activity log")
			}
			break
		}
		if activity.Metadata == nil {
			activity.Metadata = map[string]any{}
		}
		activities = append(activities, activity)
	}

	sort.SliceStable(activities, func(i, j int) bool {
		return activities[i].CreatedAt.After(activities[j].CreatedAt)
	})
	return activities, nil
}
