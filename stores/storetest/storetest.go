// Package storetest holds the behaviour every core.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rentaltruth-server/core"
)

// Run exercises a fresh store returned by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) core.Store) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateValidates", func(t *testing.T) { testCreateValidates(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("UpdateAvailability", func(t *testing.T) { testUpdateAvailability(t, newStore(t)) })
	t.Run("UpdateAvailabilityWrongOwner", func(t *testing.T) { testUpdateAvailabilityWrongOwner(t, newStore(t)) })
	t.Run("BookBeds", func(t *testing.T) { testBookBeds(t, newStore(t)) })
	t.Run("BookBedsConcurrent", func(t *testing.T) { testBookBedsConcurrent(t, newStore(t)) })
	t.Run("ActivityOrdering", func(t *testing.T) { testActivityOrdering(t, newStore(t)) })
	t.Run("RecentActivity", func(t *testing.T) { testRecentActivity(t, newStore(t)) })
	t.Run("AppendFillsDefaults", func(t *testing.T) { testAppendFillsDefaults(t, newStore(t)) })
}

func mustCreate(t *testing.T, store core.Store, totalBeds, bedsAvailable int) core.PropertyID {
	t.Helper()
	id, err := store.CreateProperty(context.Background(), &core.Property{
		OwnerID:       "owner-1",
		Location:      "Kreuzberg",
		Rent:          650,
		PropertyType:  "apartment",
		TotalBeds:     totalBeds,
		BedsAvailable: bedsAvailable,
	})
	if err != nil {
		t.Fatalf("CreateProperty() failed: %v", err)
	}
	return id
}

func testCreateAndGet(t *testing.T, store core.Store) {
	id := mustCreate(t, store, 6, 0)
	if id == "" {
		t.Fatal("CreateProperty() returned empty ID")
	}

	property, err := store.GetProperty(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProperty() failed: %v", err)
	}
	if property.ID != id {
		t.Errorf("ID mismatch: got %s, want %s", property.ID, id)
	}
	if property.BedsAvailable != 6 || property.TotalBeds != 6 {
		t.Errorf("beds mismatch: got %d/%d, want 6/6", property.BedsAvailable, property.TotalBeds)
	}
	if property.OwnerID != "owner-1" || property.Location != "Kreuzberg" || property.PropertyType != "apartment" {
		t.Errorf("metadata mismatch: %+v", property)
	}
	if property.CreatedAt.IsZero() || property.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
	if property.LastBookedAt != nil {
		t.Error("LastBookedAt set on a fresh property")
	}
}

func testCreateValidates(t *testing.T, store core.Store) {
	invalid := []core.Property{
		{OwnerID: "o", TotalBeds: 0},
		{OwnerID: "o", TotalBeds: 2, BedsAvailable: 3},
		{OwnerID: "o", TotalBeds: 2, BedsAvailable: -1},
	}
	for _, p := range invalid {
		p := p
		if _, err := store.CreateProperty(context.Background(), &p); !errors.Is(err, core.ErrInvalidProperty) {
			t.Errorf("CreateProperty(%+v) error = %v, want ErrInvalidProperty", p, err)
		}
	}
}

func testGetMissing(t *testing.T, store core.Store) {
	_, err := store.GetProperty(context.Background(), "does-not-exist")
	if !errors.Is(err, core.ErrPropertyNotFound) {
		t.Fatalf("GetProperty() error = %v, want ErrPropertyNotFound", err)
	}
}

func testUpdateAvailability(t *testing.T, store core.Store) {
	ctx := context.Background()
	id := mustCreate(t, store, 10, 8)

	updated, err := store.UpdateAvailability(ctx, id, "owner-1", 2)
	if err != nil {
		t.Fatalf("UpdateAvailability() failed: %v", err)
	}
	if updated.BedsAvailable != 2 || updated.TotalBeds != 10 {
		t.Errorf("beds mismatch: got %d/%d, want 2/10", updated.BedsAvailable, updated.TotalBeds)
	}

	for _, beds := range []int{-1, 11} {
		if _, err := store.UpdateAvailability(ctx, id, "owner-1", beds); !errors.Is(err, core.ErrInvalidAvailability) {
			t.Errorf("UpdateAvailability(%d) error = %v, want ErrInvalidAvailability", beds, err)
		}
	}

	if _, err := store.UpdateAvailability(ctx, "missing", "owner-1", 1); !errors.Is(err, core.ErrPropertyNotFound) {
		t.Errorf("UpdateAvailability(missing) error = %v, want ErrPropertyNotFound", err)
	}

	stored, err := store.GetProperty(ctx, id)
	if err != nil {
		t.Fatalf("GetProperty() failed: %v", err)
	}
	if stored.BedsAvailable != 2 {
		t.Errorf("stored beds = %d, want 2", stored.BedsAvailable)
	}
}

func testUpdateAvailabilityWrongOwner(t *testing.T, store core.Store) {
	ctx := context.Background()
	id := mustCreate(t, store, 4, 4)

	if _, err := store.UpdateAvailability(ctx, id, "someone-else", 1); !errors.Is(err, core.ErrPropertyNotFound) {
		t.Fatalf("UpdateAvailability() error = %v, want ErrPropertyNotFound", err)
	}
	stored, _ := store.GetProperty(ctx, id)
	if stored.BedsAvailable != 4 {
		t.Errorf("stored beds = %d, want 4", stored.BedsAvailable)
	}
}

func testBookBeds(t *testing.T, store core.Store) {
	ctx := context.Background()
	id := mustCreate(t, store, 4, 3)

	updated, err := store.BookBeds(ctx, id, 2)
	if err != nil {
		t.Fatalf("BookBeds() failed: %v", err)
	}
	if updated.BedsAvailable != 1 {
		t.Errorf("beds after booking = %d, want 1", updated.BedsAvailable)
	}
	if updated.LastBookedAt == nil || updated.LastBookedAt.IsZero() {
		t.Error("LastBookedAt not set after booking")
	}

	if _, err := store.BookBeds(ctx, id, 2); !errors.Is(err, core.ErrInsufficientBeds) {
		t.Errorf("BookBeds() error = %v, want ErrInsufficientBeds", err)
	}
	if _, err := store.BookBeds(ctx, "missing", 1); !errors.Is(err, core.ErrPropertyNotFound) {
		t.Errorf("BookBeds(missing) error = %v, want ErrPropertyNotFound", err)
	}
}

func testBookBedsConcurrent(t *testing.T, store core.Store) {
	ctx := context.Background()
	id := mustCreate(t, store, 5, 5)

	const attempts = 12
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		booked int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.BookBeds(ctx, id, 1); err == nil {
				mu.Lock()
				booked++
				mu.Unlock()
			} else if !errors.Is(err, core.ErrInsufficientBeds) {
				t.Errorf("BookBeds() unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if booked != 5 {
		t.Errorf("successful bookings = %d, want 5", booked)
	}
	stored, err := store.GetProperty(ctx, id)
	if err != nil {
		t.Fatalf("GetProperty() failed: %v", err)
	}
	if stored.BedsAvailable != 0 {
		t.Errorf("beds left = %d, want 0", stored.BedsAvailable)
	}
}

func testActivityOrdering(t *testing.T, store core.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 15; i++ {
		err := store.AppendActivity(ctx, &core.Activity{
			ID:           fmt.Sprintf("act-%02d", i),
			PropertyID:   "p1",
			ActivityType: core.ActivityView,
			Metadata:     map[string]any{"index": i},
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendActivity() failed: %v", err)
		}
	}
	if err := store.AppendActivity(ctx, &core.Activity{PropertyID: "p2", ActivityType: core.ActivityBooking}); err != nil {
		t.Fatalf("AppendActivity() failed: %v", err)
	}

	activities, err := store.ListActivity(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("ListActivity() failed: %v", err)
	}
	if len(activities) != core.DefaultActivityLimit {
		t.Fatalf("ListActivity() returned %d activities, want %d", len(activities), core.DefaultActivityLimit)
	}
	if activities[0].ID != "act-14" {
		t.Errorf("newest activity = %s, want act-14", activities[0].ID)
	}
	for i := 1; i < len(activities); i++ {
		if activities[i].CreatedAt.After(activities[i-1].CreatedAt) {
			t.Errorf("activities not ordered newest first at %d", i)
		}
	}
	if got := fmt.Sprint(activities[0].Metadata["index"]); got != "14" {
		t.Errorf("metadata index = %s, want 14", got)
	}

	limited, err := store.ListActivity(ctx, "p1", 3)
	if err != nil {
		t.Fatalf("ListActivity() failed: %v", err)
	}
	if len(limited) != 3 {
		t.Errorf("ListActivity(limit 3) returned %d", len(limited))
	}

	empty, err := store.ListActivity(ctx, "unknown", 5)
	if err != nil {
		t.Fatalf("ListActivity() failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("ListActivity(unknown) returned %d activities", len(empty))
	}
}

func testRecentActivity(t *testing.T, store core.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	entries := []core.Activity{
		{ID: "old-booking", ActivityType: core.ActivityBooking, CreatedAt: now.Add(-30 * time.Hour)},
		{ID: "new-booking", ActivityType: core.ActivityBooking, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "newest-booking", ActivityType: core.ActivityBooking, CreatedAt: now.Add(-5 * time.Minute)},
		{ID: "new-view", ActivityType: core.ActivityView, CreatedAt: now.Add(-time.Minute)},
	}
	for i := range entries {
		entries[i].PropertyID = "p1"
		if err := store.AppendActivity(ctx, &entries[i]); err != nil {
			t.Fatalf("AppendActivity() failed: %v", err)
		}
	}

	recent, err := store.RecentActivity(ctx, "p1", core.ActivityBooking, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("RecentActivity() failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("RecentActivity() returned %d activities, want 2", len(recent))
	}
	if recent[0].ID != "newest-booking" || recent[1].ID != "new-booking" {
		t.Errorf("RecentActivity() order = %s, %s", recent[0].ID, recent[1].ID)
	}
}

func testAppendFillsDefaults(t *testing.T, store core.Store) {
	ctx := context.Background()
	activity := &core.Activity{PropertyID: "p1", ActivityType: core.ActivityAvailabilityUpdate}
	if err := store.AppendActivity(ctx, activity); err != nil {
		t.Fatalf("AppendActivity() failed: %v", err)
	}
	if activity.ID == "" {
		t.Error("AppendActivity() did not assign an ID")
	}
	if activity.CreatedAt.IsZero() {
		t.Error("AppendActivity() did not assign CreatedAt")
	}

	listed, err := store.ListActivity(ctx, "p1", 1)
	if err != nil {
		t.Fatalf("ListActivity() failed: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != activity.ID {
		t.Fatalf("ListActivity() = %+v, want the appended activity", listed)
	}
	if listed[0].Metadata == nil {
		t.Error("Metadata should be an empty object, not nil")
	}

	if err := store.AppendActivity(ctx, &core.Activity{PropertyID: "p1", ActivityType: "teleport"}); err == nil {
		t.Error("AppendActivity() accepted an unknown activity type")
	}
}
