package rooms

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"rentaltruth-server/core"
)

type staticSnapshot map[core.PropertyID]int

func (s staticSnapshot) Snapshot() map[core.PropertyID]int { return s }

func TestList_SortsByViewersThenID(t *testing.T) {
	rooms := List(map[core.PropertyID]int{"b": 2, "a": 2, "c": 5, "d": 1, "empty": 0})

	want := []Room{{"c", 5}, {"a", 2}, {"b", 2}, {"d", 1}}
	if len(rooms) != len(want) {
		t.Fatalf("List() returned %d rooms, want %d", len(rooms), len(want))
	}
	for i := range want {
		if rooms[i] != want[i] {
			t.Errorf("rooms[%d] = %+v, want %+v", i, rooms[i], want[i])
		}
	}
}

func TestHandleList(t *testing.T) {
	handler := HandleList(staticSnapshot{"p1": 3})

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if got, want := w.Body.String(), "[{\"id\":\"p1\",\"viewers\":3}]\n"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestHandleList_Empty(t *testing.T) {
	handler := HandleList(staticSnapshot{})

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if got := w.Body.String(); got != "[]\n" {
		t.Errorf("body = %q, want empty JSON array", got)
	}
}
