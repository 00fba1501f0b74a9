package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"rentaltruth-server/core"
)

// s3API is the subset of the S3 client the store relies on.
type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// s3Store keeps each property and each activity as its own JSON object.
// Read-modify-write cycles on properties are serialised in process.
type s3Store struct {
	mu       sync.Mutex
	s3Client s3API
	bucket   string
}

// NewStore creates an S3 store using the default AWS credential chain.
func NewStore(ctx context.Context, bucketName string) (core.Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return NewStoreWithClient(s3.NewFromConfig(cfg), bucketName), nil
}

func NewStoreWithClient(client s3API, bucketName string) core.Store {
	return &s3Store{s3Client: client, bucket: bucketName}
}

func objectName(id string) error {
	if id == "" || id == "." || id == ".." || path.Base(id) != id {
		return fmt.Errorf("invalid id %q: must not be a path", id)
	}
	return nil
}

func propertyKey(id core.PropertyID) string {
	return path.Join("properties", string(id)+".json")
}

func activityPrefix(id core.PropertyID) string {
	return path.Join("activity", string(id)) + "/"
}

func (s *s3Store) CreateProperty(ctx context.Context, property *core.Property) (core.PropertyID, error) {
	if err := property.ValidateNew(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	created := *property
	created.ID = core.PropertyID(ulid.Make().String())
	created.CreatedAt = now
	created.UpdatedAt = now
	created.LastBookedAt = nil

	if err := s.putJSON(ctx, propertyKey(created.ID), &created); err != nil {
		return "", fmt.Errorf("failed to save property: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"property_id": created.ID,
		"bucket":      s.bucket,
	}).Info("Property created successfully")
	return created.ID, nil
}

func (s *s3Store) GetProperty(ctx context.Context, id core.PropertyID) (*core.Property, error) {
	if err := objectName(string(id)); err != nil {
		return nil, fmt.Errorf("property %s: %w", id, core.ErrPropertyNotFound)
	}

	var property core.Property
	if err := s.getJSON(ctx, propertyKey(id), &property); err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("property %s: %w", id, core.ErrPropertyNotFound)
		}
		return nil, fmt.Errorf("failed to get property %s: %w", id, err)
	}
	return &property, nil
}

func (s *s3Store) UpdateAvailability(ctx context.Context, id core.PropertyID, ownerID string, bedsAvailable int) (*core.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	property.BedsAvailable = bedsAvailable
	property.UpdatedAt = time.Now().UTC()
	if err := s.putJSON(ctx, propertyKey(id), property); err != nil {
		return nil, fmt.Errorf("failed to save property %s: %w", id, err)
	}
	return property, nil
}

func (s *s3Store) BookBeds(ctx context.Context, id core.PropertyID, beds int) (*core.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	property, err := s.GetProperty(ctx, id)
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
	if err := s.putJSON(ctx, propertyKey(id), property); err != nil {
		return nil, fmt.Errorf("failed to save property %s: %w", id, err)
	}
	return property, nil
}

func (s *s3Store) AppendActivity(ctx context.Context, activity *core.Activity) error {
	if err := activity.Prepare(time.Now()); err != nil {
		return err
	}
	if err := objectName(string(activity.PropertyID)); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidActivity, err)
	}
	if err := objectName(activity.ID); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidActivity, err)
	}

	key := activityPrefix(activity.PropertyID) + activity.ID + ".json"
	if err := s.putJSON(ctx, key, activity); err != nil {
		return fmt.Errorf("failed to save activity %s: %w", activity.ID, err)
	}
	return nil
}

func (s *s3Store) ListActivity(ctx context.Context, propertyID core.PropertyID, limit int) ([]core.Activity, error) {
	activities, err := s.listActivity(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if limit = core.ActivityLimit(limit); len(activities) > limit {
		activities = activities[:limit]
	}
	return activities, nil
}

func (s *s3Store) RecentActivity(ctx context.Context, propertyID core.PropertyID, activityType core.ActivityType, since time.Time) ([]core.Activity, error) {
	activities, err := s.listActivity(ctx, propertyID)
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

// listActivity reads every activity object of a property, newest first.
func (s *s3Store) listActivity(ctx context.Context, propertyID core.PropertyID) ([]core.Activity, error) {
	activities := []core.Activity{}
	if err := objectName(string(propertyID)); err != nil {
		return activities, nil
	}

	log := logrus.WithField("property_id", propertyID)
	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(activityPrefix(propertyID)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list activity for property %s: %w", propertyID, err)
		}
		for _, object := range page.Contents {
			var activity core.Activity
			if err := s.getJSON(ctx, aws.ToString(object.Key), &activity); err != nil {
				log.WithError(err).Warnf("Failed to read activity object %s, skipping", aws.ToString(object.Key))
				continue
			}
			if activity.Metadata == nil {
				activity.Metadata = map[string]any{}
			}
			activities = append(activities, activity)
		}
	}

	sort.SliceStable(activities, func(i, j int) bool {
		return activities[i].CreatedAt.After(activities[j].CreatedAt)
	})
	return activities, nil
}

func (s *s3Store) getJSON(ctx context.Context, key string, v any) error {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return json.Unmarshal(data, v)
}

func (s *s3Store) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}
