package rooms

import (
	"net/http"
	"sort"

	"github.com/go-chi/render"

	"rentaltruth-server/core"
)

// Snapshotter reports the current viewer count of every active property.
type Snapshotter interface {
	Snapshot() map[core.PropertyID]int
}

type Room struct {
	ID      core.PropertyID `json:"id"`
	Viewers int             `json:"viewers"`
}

// HandleList lists property rooms that have viewers, busiest first.
func HandleList(presence Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, List(presence.Snapshot()))
	}
}

func List(snapshot map[core.PropertyID]int) []Room {
	rooms := make([]Room, 0, len(snapshot))
	for id, count := range snapshot {
		if count > 0 {
			rooms = append(rooms, Room{ID: id, Viewers: count})
		}
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Viewers == rooms[j].Viewers {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].Viewers > rooms[j].Viewers
	})
	return rooms
}
