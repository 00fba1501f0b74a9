package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"rentaltruth-server/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS properties (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	location TEXT,
	rent REAL,
	property_type TEXT,
	total_beds INTEGER NOT NULL,
	beds_available INTEGER NOT NULL,
	last_booked_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS property_activity (
	id TEXT PRIMARY KEY,
	property_id TEXT NOT NULL,
	activity_type TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_property_activity_property_created
	ON property_activity (property_id, created_at DESC);
`

const propertyColumns = `id, owner_id, location, rent, property_type, total_beds, beds_available, last_booked_at, created_at, updated_at`

type store struct {
	db *sql.DB
}

// NewStore opens the database at dataSourceName and creates the schema.
func NewStore(dataSourceName string) (core.Store, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) CreateProperty(ctx context.Context, property *core.Property) (core.PropertyID, error) {
	if err := property.ValidateNew(); err != nil {
		return "", err
	}

	id := core.PropertyID(ulid.Make().String())
	now := time.Now().UTC().UnixMilli()
	log := logrus.WithFields(logrus.Fields{
		"property_id": id,
		"total_beds":  property.TotalBeds,
	})

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO properties ("+propertyColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)",
		id, property.OwnerID, property.Location, property.Rent, property.PropertyType,
		property.TotalBeds, property.BedsAvailable, now, now)
	if err != nil {
		log.WithField("error", err).Error("Failed to create property")
		return "", err
	}
	log.Info("Property created successfully")
	return id, nil
}

func (s *store) GetProperty(ctx context.Context, id core.PropertyID) (*core.Property, error) {
	log := logrus.WithField("property_id", id)
	log.Debug("Retrieving property by ID")

	property, err := scanProperty(s.db.QueryRowContext(ctx,
		"SELECT "+propertyColumns+" FROM properties WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("Property with specified ID not found")
			return nil, fmt.Errorf("property %s: %w", id, core.ErrPropertyNotFound)
		}
		log.WithField("error", err).Error("Failed to retrieve property")
		return nil, err
	}
	return property, nil
}

func (s *store) UpdateAvailability(ctx context.Context, id core.PropertyID, ownerID string, bedsAvailable int) (*core.Property, error) {
	property, err := s.GetProperty(ctx, id)
	if err != nil {
		return nil, err
	}
	if property.OwnerID != ownerID {
		return nil, fmt.Errorf("property %s: %w", id, core.ErrPropertyNotFound)
	}
	if err := property.CheckAvailability(bedsAvailable); err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE properties SET beds_available = ?, updated_at = ? WHERE id = ? AND owner_id = ? AND ? <= total_beds",
		bedsAvailable, time.Now().UTC().UnixMilli(), id, ownerID, bedsAvailable)
	if err != nil {
		logrus.WithField("property_id", id).WithField("error", err).Error("Failed to update availability")
		return nil, err
	}
	if rows, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if rows == 0 {
		return nil, fmt.Errorf("property %s: %w", id, core.ErrPropertyNotFound)
	}
	return s.GetProperty(ctx, id)
}

func (s *store) BookBeds(ctx context.Context, id core.PropertyID, beds int) (*core.Property, error) {
	if beds < 1 {
		return nil, core.ErrInsufficientBeds
	}

	now := time.Now().UTC().UnixMilli()
	result, err := s.db.ExecContext(ctx,
		"UPDATE properties SET beds_available = beds_available - ?, last_booked_at = ?, updated_at = ? WHERE id = ? AND beds_available >= ?",
		beds, now, now, id, beds)
	if err != nil {
		logrus.WithField("property_id", id).WithField("error", err).Error("Failed to book beds")
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	property, err := s.GetProperty(ctx, id)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, core.ErrInsufficientBeds
	}
	return property, nil
}

func (s *store) AppendActivity(ctx context.Context, activity *core.Activity) error {
	if err := activity.Prepare(time.Now()); err != nil {
		return err
	}
	metadata, err := json.Marshal(activity.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO property_activity (id, property_id, activity_type, metadata, created_at) VALUES (?, ?, ?, ?, ?)",
		activity.ID, activity.PropertyID, activity.ActivityType, string(metadata), activity.CreatedAt.UnixMilli())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"activity_id": activity.ID,
			"property_id": activity.PropertyID,
			"error":       err,
		}).Error("Failed to append activity")
		return err
	}
	return nil
}

func (s *store) ListActivity(ctx context.Context, propertyID core.PropertyID, limit int) ([]core.Activity, error) {
	return s.queryActivity(ctx,
		"SELECT id, property_id, activity_type, metadata, created_at FROM property_activity WHERE property_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		propertyID, core.ActivityLimit(limit))
}

func (s *store) RecentActivity(ctx context.Context, propertyID core.PropertyID, activityType core.ActivityType, since time.Time) ([]core.Activity, error) {
	return s.queryActivity(ctx,
		"SELECT id, property_id, activity_type, metadata, created_at FROM property_activity WHERE property_id = ? AND activity_type = ? AND created_at >= ? ORDER BY created_at DESC, id DESC",
		propertyID, activityType, since.UnixMilli())
}

func (s *store) queryActivity(ctx context.Context, query string, args ...any) ([]core.Activity, error) {
	log := logrus.WithField("property_id", args[0])

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.WithField("error", err).Error("Failed to list activity")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close activity rows")
		}
	}()

	activities := []core.Activity{}
	for rows.Next() {
		var (
			activity  core.Activity
			metadata  string
			createdAt int64
		)
		if err := rows.Scan(&activity.ID, &activity.PropertyID, &activity.ActivityType, &metadata, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &activity.Metadata); err != nil || activity.Metadata == nil {
			activity.Metadata = map[string]any{}
		}
		activity.CreatedAt = time.UnixMilli(createdAt).UTC()
		activities = append(activities, activity)
	}
	return activities, rows.Err()
}

func scanProperty(row *sql.Row) (*core.Property, error) {
	var (
		property             core.Property
		location, kind       sql.NullString
		rent                 sql.NullFloat64
		lastBooked           sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&property.ID, &property.OwnerID, &location, &rent, &kind,
		&property.TotalBeds, &property.BedsAvailable, &lastBooked, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	property.Location = location.String
	property.Rent = rent.Float64
	property.PropertyType = kind.String
	property.CreatedAt = time.UnixMilli(createdAt).UTC()
	property.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if lastBooked.Valid {
		at := time.UnixMilli(lastBooked.Int64).UTC()
		property.LastBookedAt = &at
	}
	return &property, nil
}
