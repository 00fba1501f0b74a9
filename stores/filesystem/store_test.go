package filesystem

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"rentaltruth-server/core"
	"rentaltruth-server/stores/storetest"
)

func newTestStore(t *testing.T) *fsStore {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	return store.(*fsStore)
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		return newTestStore(t)
	})
}

func TestNewStore_CreatesDirectory(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "nested", "path", "test")
	if _, err := NewStore(tempDir); err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}

	for _, dir := range []string{propertiesDir, activityDir} {
		if _, err := os.Stat(filepath.Join(tempDir, dir)); os.IsNotExist(err) {
			t.Errorf("NewStore() did not create %s directory", dir)
		}
	}
}

func TestCreateProperty_WritesFile(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateProperty(context.Background(), &core.Property{OwnerID: "o", TotalBeds: 2})
	if err != nil {
		t.Fatalf("CreateProperty() failed: %v", err)
	}
	if _, err := os.Stat(store.propertyPath(id)); os.IsNotExist(err) {
		t.Error("CreateProperty() did not create file on disk")
	}
}

func TestGetProperty_PathTraversal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []core.PropertyID{"../etc/passwd", "..", "a/b", `a\b`} {
		if _, err := store.GetProperty(ctx, id); !errors.Is(err, core.ErrPropertyNotFound) {
			t.Errorf("GetProperty(%q) error = %v, want ErrPropertyNotFound", id, err)
		}
	}
}

func TestAppendActivity_RejectsUnsafePropertyID(t *testing.T) {
	store := newTestStore(t)

	err := store.AppendActivity(context.Background(), &core.Activity{PropertyID: "../escape", ActivityType: core.ActivityView})
	if !errors.Is(err, core.ErrInvalidActivity) {
		t.Fatalf("AppendActivity() error = %v, want ErrInvalidActivity", err)
	}
}

func TestListActivity_SkipsTruncatedTail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AppendActivity(ctx, &core.Activity{PropertyID: "p1", ActivityType: core.ActivityView}); err != nil {
		t.Fatalf("AppendActivity() failed: %v", err)
	}
	f, err := os.OpenFile(store.activityPath("p1"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	_, _ = f.WriteString(`{"id":"half`)
	_ = f.Close()

	activities, err := store.ListActivity(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("ListActivity() failed: %v", err)
	}
	if len(activities) != 1 {
		t.Errorf("ListActivity() returned %d activities, want 1", len(activities))
	}
}
