package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"rentaltruth-server/core"
)

const DefaultSignalQueueSize = 1024

// ErrInvalidSignal is returned for signals that violate the caller contract:
// missing ids or an unknown kind.
var ErrInvalidSignal = errors.New("invalid presence signal")

// SignalKind names the presence signals a transport may send.
type SignalKind string

const (
	SignalView       SignalKind = "view_property"
	SignalLeave      SignalKind = "leave_property"
	SignalDisconnect SignalKind = "disconnect"
)

// Signal is one inbound presence event of a connection. Property is unused
// for disconnect.
type Signal struct {
	Kind       SignalKind
	Connection core.ConnectionID
	Property   core.PropertyID
}

func (s Signal) validate() error {
	if s.Connection == "" {
		return fmt.Errorf("%w: connection id is required", ErrInvalidSignal)
	}
	switch s.Kind {
	case SignalView, SignalLeave:
		if s.Property == "" {
			return fmt.Errorf("%w: property id is required for %s", ErrInvalidSignal, s.Kind)
		}
	case SignalDisconnect:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, s.Kind)
	}
	return nil
}

// ActivityRecorder appends activity rows without blocking the caller.
type ActivityRecorder interface {
	Record(propertyID core.PropertyID, activityType core.ActivityType, metadata map[string]any)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithQueueSize sets the capacity of the inbound signal queue.
func WithQueueSize(size int) HandlerOption {
	return func(h *Handler) {
		if size > 0 {
			h.signals = make(chan Signal, size)
		}
	}
}

// WithRecorder records a view activity whenever a connection starts viewing.
func WithRecorder(recorder ActivityRecorder) HandlerOption {
	return func(h *Handler) {
		h.recorder = recorder
	}
}

// Handler applies presence signals: it is the only writer of the registry.
type Handler struct {
	registry    *Registry
	broadcaster *Broadcaster
	recorder    ActivityRecorder
	signals     chan Signal
	log         *logrus.Entry

	// Disconnects bypass the bounded signal queue and are never dropped.
	mu      sync.Mutex
	pending []core.ConnectionID
	wake    chan struct{}
}

func NewHandler(registry *Registry, broadcaster *Broadcaster, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry:    registry,
		broadcaster: broadcaster,
		signals:     make(chan Signal, DefaultSignalQueueSize),
		wake:        make(chan struct{}, 1),
		log:         logrus.WithField("component", "presence"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect attaches the delivery sink of a new connection.
func (h *Handler) Connect(connectionID core.ConnectionID, sink Sink) {
	h.broadcaster.Attach(connectionID, sink)
	h.log.WithField("connection_id", connectionID).Debug("Connection attached")
}

// Disconnect queues the removal of a connection from every room. It never
// blocks and never fails, however full the signal queue is.
func (h *Handler) Disconnect(connectionID core.ConnectionID) {
	h.mu.Lock()
	h.pending = append(h.pending, connectionID)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Submit queues a signal for Run. It fails fast on invalid signals and
// returns the context error when the queue stays full. Disconnect signals
// are handed to Disconnect and always accepted.
func (h *Handler) Submit(ctx context.Context, signal Signal) error {
	if err := signal.validate(); err != nil {
		return err
	}
	if signal.Kind == SignalDisconnect {
		h.Disconnect(signal.Connection)
		return nil
	}
	select {
	case h.signals <- signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies queued signals in arrival order until ctx is done. It is the
// only caller of handle, so signals of one connection never interleave.
func (h *Handler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.wake:
			h.applyDisconnects()
		case signal := <-h.signals:
			if err := h.handle(signal); err != nil {
				h.log.WithError(err).Warn("Dropped presence signal")
			}
		}
	}
}

func (h *Handler) applyDisconnects() {
	h.mu.Lock()
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, connectionID := range pending {
		if err := h.handle(Signal{Kind: SignalDisconnect, Connection: connectionID}); err != nil {
			h.log.WithError(err).Warn("Dropped disconnect")
		}
	}
}

// handle applies one signal. Calls must be serialized: registry and
// broadcaster take separate locks.
func (h *Handler) handle(signal Signal) error {
	if err := signal.validate(); err != nil {
		return err
	}

	log := h.log.WithFields(logrus.Fields{
		"connection_id": signal.Connection,
		"property_id":   signal.Property,
	})

	switch signal.Kind {
	case SignalView:
		// A view queued before an applied disconnect finds no sink.
		if !h.broadcaster.Subscribe(signal.Property, signal.Connection) {
			log.Debug("Ignoring view of detached connection")
			return nil
		}
		added := h.registry.Join(signal.Property, signal.Connection)
		event := h.broadcaster.ViewerCountUpdated(signal.Property)
		if added && h.recorder != nil {
			h.recorder.Record(signal.Property, core.ActivityView, map[string]any{
				"connectionId": string(signal.Connection),
			})
		}
		log.WithField("viewers", event.ViewerCount).Info("Connection viewing property")

	case SignalLeave:
		h.broadcaster.Unsubscribe(signal.Property, signal.Connection)
		h.registry.Leave(signal.Property, signal.Connection)
		event := h.broadcaster.ViewerCountUpdated(signal.Property)
		log.WithField("viewers", event.ViewerCount).Info("Connection left property")

	case SignalDisconnect:
		h.broadcaster.Detach(signal.Connection)
		affected := h.registry.LeaveAll(signal.Connection)
		for _, propertyID := range affected {
			h.broadcaster.ViewerCountUpdated(propertyID)
		}
		log.WithField("affected_properties", len(affected)).Info("Connection disconnected")
	}
	return nil
}

// ActiveViewers returns the live viewer count used to enrich property reads.
func (h *Handler) ActiveViewers(propertyID core.PropertyID) int {
	return h.registry.Count(propertyID)
}

// Snapshot returns the viewer count of every property that has viewers.
func (h *Handler) Snapshot() map[core.PropertyID]int {
	return h.registry.Snapshot()
}
