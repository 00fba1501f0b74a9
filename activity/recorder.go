package activity

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"rentaltruth-server/core"
)

const (
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 5 * time.Second
)

// Recorder appends activity rows to a store from a single background
// goroutine so callers on the presence and broadcast paths never wait on I/O.
type Recorder struct {
	store        core.ActivityStore
	queue        chan core.Activity
	writeTimeout time.Duration
	now          func() time.Time
	log          *logrus.Entry

	dropped atomic.Uint64
}

// NewRecorder creates a recorder buffering up to queueSize activities.
func NewRecorder(store core.ActivityStore, queueSize int, writeTimeout time.Duration) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Recorder{
		store:        store,
		queue:        make(chan core.Activity, queueSize),
		writeTimeout: writeTimeout,
		now:          time.Now,
		log:          logrus.WithField("component", "activity"),
	}
}

// Record queues an activity. It never blocks: when the queue is full the
// activity is dropped.
func (r *Recorder) Record(propertyID core.PropertyID, activityType core.ActivityType, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	activity := core.Activity{
		ID:           ulid.Make().String(),
		PropertyID:   propertyID,
		ActivityType: activityType,
		Metadata:     metadata,
		CreatedAt:    r.now().UTC(),
	}

	select {
	case r.queue <- activity:
	default:
		r.dropped.Add(1)
		r.log.WithFields(logrus.Fields{
			"property_id":   propertyID,
			"activity_type": activityType,
		}).Warn("Activity queue full, dropping activity")
	}
}

// Run writes queued activities until ctx is done, then drains what is left
// with a fresh deadline.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case activity := <-r.queue:
			r.write(context.Background(), activity)
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case activity := <-r.queue:
			r.write(context.Background(), activity)
		default:
			return
		}
	}
}

func (r *Recorder) write(parent context.Context, activity core.Activity) {
	ctx, cancel := context.WithTimeout(parent, r.writeTimeout)
	defer cancel()

	log := r.log.WithFields(logrus.Fields{
		"activity_id":   activity.ID,
		"property_id":   activity.PropertyID,
		"activity_type": activity.ActivityType,
	})
	if err := r.store.AppendActivity(ctx, &activity); err != nil {
		log.WithError(err).Error("Failed to append activity")
		return
	}
	log.Debug("Activity appended")
}

// Dropped returns how many activities were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}
