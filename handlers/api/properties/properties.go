package properties

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"rentaltruth-server/core"
	"rentaltruth-server/middleware"
	"rentaltruth-server/presence"
)

const defaultRecentHours = 24

type (
	// ViewerCounter reports live viewers of a property.
	ViewerCounter interface {
		ActiveViewers(propertyID core.PropertyID) int
	}

	// Notifier receives committed mutations. presence.Bridge implements it.
	Notifier interface {
		OnAvailabilityChanged(propertyID core.PropertyID, bedsAvailable, totalBeds int) presence.AvailabilityUpdated
		OnBookingRecorded(propertyID core.PropertyID, bedsBooked int, after *presence.AvailabilitySnapshot) presence.BookingActivity
	}

	PropertyWithActivity struct {
		core.Property
		UrgencyLevel   presence.UrgencyLevel `json:"urgencyLevel"`
		ActiveViewers  int                   `json:"activeViewers"`
		RecentBookings int                   `json:"recentBookings"`
	}

	ViewingCountResponse struct {
		PropertyID   core.PropertyID `json:"propertyId"`
		ViewingCount int             `json:"viewingCount"`
	}

	CreatePropertyRequest struct {
		Location      string  `json:"location"`
		Rent          float64 `json:"rent"`
		PropertyType  string  `json:"propertyType"`
		TotalBeds     int     `json:"totalBeds"`
		BedsAvailable *int    `json:"bedsAvailable"`
	}

	UpdateAvailabilityRequest struct {
		BedsAvailable *int `json:"bedsAvailable"`
	}

	BookingRequest struct {
		BedsToBook *int `json:"bedsToBook"`
	}

	BookingResponse struct {
		Success  bool           `json:"success"`
		Message  string         `json:"message"`
		Property *core.Property `json:"property"`
	}

	MessageResponse struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
)

// Handler serves the property endpoints.
type Handler struct {
	store    core.Store
	viewers  ViewerCounter
	notifier Notifier
	now      func() time.Time
}

func NewHandler(store core.Store, viewers ViewerCounter, notifier Notifier) *Handler {
	return &Handler{store: store, viewers: viewers, notifier: notifier, now: time.Now}
}

// Routes mounts public reads and demo endpoints, and wraps owner writes in auth.
func (h *Handler) Routes(auth *middleware.Authenticator) chi.Router {
	r := chi.NewRouter()
	ownerOnly := chi.Chain(auth.AuthJWT, middleware.RequireRole(middleware.RoleOwner))

	r.With(ownerOnly...).Post("/", h.HandleCreate())
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGet())
		r.Get("/viewing-count", h.HandleViewingCount())
		r.Get("/activity", h.HandleListActivity())
		r.Post("/activity/mock", h.HandleMockActivity())
		r.Get("/bookings/recent", h.HandleRecentBookings())
		r.Post("/bookings", h.HandleBooking())
		r.With(ownerOnly...).Put("/availability", h.HandleUpdateAvailability())
	})
	return r
}

func (h *Handler) HandleCreate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.ClaimsFromContext(r.Context())

		var req CreatePropertyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Warn("Failed to decode create property request")
			renderError(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.Location == "" || req.Rent <= 0 || req.PropertyType == "" || req.TotalBeds <= 0 {
			renderError(w, r, http.StatusBadRequest, "Location, rent, property type, and total beds are required")
			return
		}

		property := &core.Property{
			OwnerID:      claims.Subject,
			Location:     req.Location,
			Rent:         req.Rent,
			PropertyType: req.PropertyType,
			TotalBeds:    req.TotalBeds,
		}
		if req.BedsAvailable != nil {
			property.BedsAvailable = *req.BedsAvailable
		}

		id, err := h.store.CreateProperty(r.Context(), property)
		if err != nil {
			if errors.Is(err, core.ErrInvalidProperty) {
				renderError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			logrus.WithField("error", err).Error("Failed to create property")
			renderError(w, r, http.StatusInternalServerError, "Failed to create property")
			return
		}

		created, err := h.store.GetProperty(r.Context(), id)
		if err != nil {
			logrus.WithField("property_id", id).WithField("error", err).Error("Failed to load created property")
			renderError(w, r, http.StatusInternalServerError, "Failed to create property")
			return
		}
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, created)
	}
}

func (h *Handler) HandleGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := propertyID(r)

		property, err := h.store.GetProperty(r.Context(), id)
		if err != nil {
			h.renderStoreError(w, r, id, err, "Property not found")
			return
		}

		since := h.now().Add(-defaultRecentHours * time.Hour)
		bookings, err := h.store.RecentActivity(r.Context(), id, core.ActivityBooking, since)
		if err != nil {
			logrus.WithField("property_id", id).WithField("error", err).Warn("Failed to count recent bookings")
		}

		render.JSON(w, r, PropertyWithActivity{
			Property:       *property,
			UrgencyLevel:   presence.Urgency(property.BedsAvailable),
			ActiveViewers:  h.viewers.ActiveViewers(id),
			RecentBookings: len(bookings),
		})
	}
}

func (h *Handler) HandleViewingCount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := propertyID(r)
		render.JSON(w, r, ViewingCountResponse{
			PropertyID:   id,
			ViewingCount: h.viewers.ActiveViewers(id),
		})
	}
}

func (h *Handler) HandleListActivity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := propertyID(r)

		limit, err := positiveQuery(r, "limit", core.DefaultActivityLimit)
		if err != nil {
			renderError(w, r, http.StatusBadRequest, err.Error())
			return
		}

		activities, err := h.store.ListActivity(r.Context(), id, limit)
		if err != nil {
			logrus.WithField("property_id", id).WithField("error", err).Error("Failed to list activity")
			renderError(w, r, http.StatusInternalServerError, "Internal server error")
			return
		}
		render.JSON(w, r, nonNil(activities))
	}
}

func (h *Handler) HandleRecentBookings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := propertyID(r)

		hours, err := positiveQuery(r, "hours", defaultRecentHours)
		if err != nil {
			renderError(w, r, http.StatusBadRequest, err.Error())
			return
		}

		since := h.now().Add(-time.Duration(hours) * time.Hour)
		bookings, err := h.store.RecentActivity(r.Context(), id, core.ActivityBooking, since)
		if err != nil {
			logrus.WithField("property_id", id).WithField("error", err).Error("Failed to list recent bookings")
			renderError(w, r, http.StatusInternalServerError, "Internal server error")
			return
		}
		render.JSON(w, r, nonNil(bookings))
	}
}

func (h *Handler) HandleUpdateAvailability() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.ClaimsFromContext(r.Context())
		id := propertyID(r)

		var req UpdateAvailabilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BedsAvailable == nil || *req.BedsAvailable < 0 {
			renderError(w, r, http.StatusBadRequest, "Valid beds available count is required")
			return
		}

		updated, err := h.store.UpdateAvailability(r.Context(), id, claims.Subject, *req.BedsAvailable)
		if err != nil {
			if errors.Is(err, core.ErrInvalidAvailability) {
				renderError(w, r, http.StatusBadRequest, "Beds available cannot exceed total beds")
				return
			}
			h.renderStoreError(w, r, id, err, "Property not found or unauthorized")
			return
		}

		h.notifier.OnAvailabilityChanged(id, updated.BedsAvailable, updated.TotalBeds)
		render.JSON(w, r, updated)
	}
}

// HandleBooking is the demo booking endpoint.
func (h *Handler) HandleBooking() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := propertyID(r)

		var req BookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BedsToBook == nil || *req.BedsToBook < 1 {
			renderError(w, r, http.StatusBadRequest, "Valid number of beds to book is required")
			return
		}
		beds := *req.BedsToBook

		updated, err := h.store.BookBeds(r.Context(), id, beds)
		if err != nil {
			if errors.Is(err, core.ErrInsufficientBeds) {
				renderError(w, r, http.StatusConflict, "Booking failed - insufficient beds available")
				return
			}
			h.renderStoreError(w, r, id, err, "Property not found")
			return
		}

		h.notifier.OnBookingRecorded(id, beds, &presence.AvailabilitySnapshot{
			BedsAvailable: updated.BedsAvailable,
			TotalBeds:     updated.TotalBeds,
		})
		render.JSON(w, r, BookingResponse{
			Success:  true,
			Message:  fmt.Sprintf("%d bed(s) booked successfully", beds),
			Property: updated,
		})
	}
}

// HandleMockActivity seeds a property with backdated demo activity.
func (h *Handler) HandleMockActivity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := propertyID(r)
		log := logrus.WithField("property_id", id)

		now := h.now()
		for _, activity := range MockActivities(id, now) {
			activity := activity
			if err := h.store.AppendActivity(r.Context(), &activity); err != nil {
				log.WithField("error", err).Error("Failed to generate mock activity")
				renderError(w, r, http.StatusInternalServerError, "Internal server error")
				return
			}
		}
		log.Info("Mock activity generated")
		render.JSON(w, r, MessageResponse{Success: true, Message: "Mock activity generated"})
	}
}

// MockActivities returns the demo activity set relative to now.
func MockActivities(propertyID core.PropertyID, now time.Time) []core.Activity {
	mock := []struct {
		activityType core.ActivityType
		metadata     map[string]any
		ago          time.Duration
	}{
		{core.ActivityBooking, map[string]any{"bedsBooked": 2, "userType": "student"}, 5 * time.Minute},
		{core.ActivityBooking, map[string]any{"bedsBooked": 1, "userType": "professional"}, 15 * time.Minute},
		{core.ActivityView, map[string]any{"viewDuration": 120, "source": "search"}, 2 * time.Minute},
		{core.ActivityAvailabilityUpdate, map[string]any{"previousBeds": 8, "newBeds": 6}, 30 * time.Minute},
	}

	activities := make([]core.Activity, 0, len(mock))
	for _, m := range mock {
		activities = append(activities, core.Activity{
			PropertyID:   propertyID,
			ActivityType: m.activityType,
			Metadata:     m.metadata,
			CreatedAt:    now.Add(-m.ago).UTC(),
		})
	}
	return activities
}

func (h *Handler) renderStoreError(w http.ResponseWriter, r *http.Request, id core.PropertyID, err error, notFound string) {
	if errors.Is(err, core.ErrPropertyNotFound) {
		renderError(w, r, http.StatusNotFound, notFound)
		return
	}
	logrus.WithField("property_id", id).WithField("error", err).Error("Property store failure")
	renderError(w, r, http.StatusInternalServerError, "Internal server error")
}

func propertyID(r *http.Request) core.PropertyID {
	return core.PropertyID(chi.URLParam(r, "id"))
}

func positiveQuery(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return value, nil
}

func nonNil(activities []core.Activity) []core.Activity {
	if activities == nil {
		return []core.Activity{}
	}
	return activities
}

func renderError(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": message})
}
