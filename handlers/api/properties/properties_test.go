package properties

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentaltruth-server/core"
	"rentaltruth-server/middleware"
	"rentaltruth-server/presence"
	"rentaltruth-server/stores/memory"
)

type staticViewers map[core.PropertyID]int

func (s staticViewers) ActiveViewers(propertyID core.PropertyID) int { return s[propertyID] }

type notification struct {
	kind  string
	beds  int
	total int
	after *presence.AvailabilitySnapshot
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *recordingNotifier) OnAvailabilityChanged(propertyID core.PropertyID, bedsAvailable, totalBeds int) presence.AvailabilityUpdated {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{kind: "availability", beds: bedsAvailable, total: totalBeds})
	return presence.NewAvailabilityUpdated(propertyID, bedsAvailable, totalBeds)
}

func (n *recordingNotifier) OnBookingRecorded(propertyID core.PropertyID, bedsBooked int, after *presence.AvailabilitySnapshot) presence.BookingActivity {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{kind: "booking", beds: bedsBooked, after: after})
	return presence.NewBookingActivity(propertyID, bedsBooked, time.Now())
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.calls...)
}

type testEnv struct {
	store    core.Store
	viewers  staticViewers
	notifier *recordingNotifier
	auth     *middleware.Authenticator
	router   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    memory.NewStore(),
		viewers:  staticViewers{},
		notifier: &recordingNotifier{},
		auth:     middleware.NewAuthenticator("test-secret"),
	}
	r := chi.NewRouter()
	r.Mount("/api/properties", NewHandler(env.store, env.viewers, env.notifier).Routes(env.auth))
	env.router = r
	return env
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := e.auth.Issue(userID, role, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seed(t *testing.T, owner string, total, available int) core.PropertyID {
	t.Helper()
	id, err := e.store.CreateProperty(context.Background(), &core.Property{
		OwnerID:       owner,
		Location:      "Neukölln",
		Rent:          540,
		PropertyType:  "shared",
		TotalBeds:     total,
		BedsAvailable: available,
	})
	require.NoError(t, err)
	return id
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestCreateProperty(t *testing.T) {
	env := newTestEnv(t)
	owner := env.token(t, "owner-1", middleware.RoleOwner)

	w := env.do(t, http.MethodPost, "/api/properties", map[string]any{
		"location": "Mitte", "rent": 700, "propertyType": "apartment", "totalBeds": 4,
	}, owner)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	created := decode[core.Property](t, w)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "owner-1", created.OwnerID)
	assert.Equal(t, 4, created.BedsAvailable)
}

func TestCreatePropertyValidation(t *testing.T) {
	env := newTestEnv(t)
	owner := env.token(t, "owner-1", middleware.RoleOwner)

	w := env.do(t, http.MethodPost, "/api/properties", map[string]any{"location": "Mitte"}, owner)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/properties", map[string]any{
		"location": "Mitte", "rent": 700, "propertyType": "apartment", "totalBeds": 2, "bedsAvailable": 5,
	}, owner)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreatePropertyRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{"location": "Mitte", "rent": 700, "propertyType": "apartment", "totalBeds": 4}

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/properties", body, "").Code)
	renter := env.token(t, "renter-1", "renter")
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/properties", body, renter).Code)
}

func TestGetPropertyWithActivity(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t, "owner-1", 6, 2)
	env.viewers[id] = 3
	require.NoError(t, env.store.AppendActivity(context.Background(), &core.Activity{PropertyID: id, ActivityType: core.ActivityBooking}))

	w := env.do(t, http.MethodGet, "/api/properties/"+string(id), nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	got := decode[map[string]any](t, w)
	assert.Equal(t, string(id), got["id"])
	assert.Equal(t, "critical", got["urgencyLevel"])
	assert.EqualValues(t, 3, got["activeViewers"])
	assert.EqualValues(t, 1, got["recentBookings"])
	assert.EqualValues(t, 2, got["bedsAvailable"])
}

func TestGetPropertyNotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/properties/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Property not found")
}

func TestViewingCount(t *testing.T) {
	env := newTestEnv(t)
	env.viewers["p1"] = 5

	w := env.do(t, http.MethodGet, "/api/properties/p1/viewing-count", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"propertyId":"p1","viewingCount":5}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/properties/unknown/viewing-count", nil, "")
	assert.JSONEq(t, `{"propertyId":"unknown","viewingCount":0}`, w.Body.String())
}

func TestUpdateAvailabilityNotifiesAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t, "owner-1", 10, 10)
	owner := env.token(t, "owner-1", middleware.RoleOwner)

	w := env.do(t, http.MethodPut, "/api/properties/"+string(id)+"/availability", map[string]any{"bedsAvailable": 1}, owner)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[core.Property](t, w).BedsAvailable)

	calls := env.notifier.all()
	require.Len(t, calls, 1)
	assert.Equal(t, notification{kind: "availability", beds: 1, total: 10}, calls[0])
}

func TestUpdateAvailabilityFailuresDoNotNotify(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t, "owner-1", 4, 4)
	path := "/api/properties/" + string(id) + "/availability"
	owner := env.token(t, "owner-1", middleware.RoleOwner)
	other := env.token(t, "owner-2", middleware.RoleOwner)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, path, map[string]any{"bedsAvailable": -1}, owner).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, path, map[string]any{}, owner).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, path, map[string]any{"bedsAvailable": 9}, owner).Code)

	w := env.do(t, http.MethodPut, path, map[string]any{"bedsAvailable": 1}, other)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not found or unauthorized")

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPut, "/api/properties/missing/availability", map[string]any{"bedsAvailable": 1}, owner).Code)
	assert.Empty(t, env.notifier.all())
}

func TestBooking(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t, "owner-1", 5, 3)

	w := env.do(t, http.MethodPost, "/api/properties/"+string(id)+"/bookings", map[string]any{"bedsToBook": 2}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[BookingResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "2 bed(s) booked successfully", resp.Message)
	assert.Equal(t, 1, resp.Property.BedsAvailable)

	calls := env.notifier.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "booking", calls[0].kind)
	assert.Equal(t, 2, calls[0].beds)
	assert.Equal(t, &presence.AvailabilitySnapshot{BedsAvailable: 1, TotalBeds: 5}, calls[0].after)
}

func TestBookingFailures(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t, "owner-1", 2, 1)
	path := "/api/properties/" + string(id) + "/bookings"

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, path, map[string]any{"bedsToBook": 0}, "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, path, map[string]any{}, "").Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, path, map[string]any{"bedsToBook": 2}, "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/properties/missing/bookings", map[string]any{"bedsToBook": 1}, "").Code)
	assert.Empty(t, env.notifier.all())
}

func TestMockActivityAndListing(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t, "owner-1", 8, 6)
	base := "/api/properties/" + string(id)

	w := env.do(t, http.MethodPost, base+"/activity/mock", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, base+"/activity", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	activities := decode[[]core.Activity](t, w)
	require.Len(t, activities, 4)
	assert.Equal(t, core.ActivityView, activities[0].ActivityType)
	assert.Equal(t, core.ActivityAvailabilityUpdate, activities[3].ActivityType)

	w = env.do(t, http.MethodGet, base+"/activity?limit=2", nil, "")
	assert.Len(t, decode[[]core.Activity](t, w), 2)

	w = env.do(t, http.MethodGet, base+"/bookings/recent", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	bookings := decode[[]core.Activity](t, w)
	require.Len(t, bookings, 2)
	assert.EqualValues(t, 2, bookings[0].Metadata["bedsBooked"])
}

func TestActivityQueryValidation(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/properties/p1/activity?limit=abc", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/properties/p1/bookings/recent?hours=0", nil, "").Code)

	w := env.do(t, http.MethodGet, "/api/properties/p1/activity", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestMockActivities(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	activities := MockActivities("p1", now)

	require.Len(t, activities, 4)
	assert.Equal(t, now.Add(-5*time.Minute), activities[0].CreatedAt)
	assert.Equal(t, core.ActivityBooking, activities[1].ActivityType)
	assert.Equal(t, now.Add(-30*time.Minute), activities[3].CreatedAt)
	for _, a := range activities {
		assert.Equal(t, core.PropertyID("p1"), a.PropertyID)
	}
}
