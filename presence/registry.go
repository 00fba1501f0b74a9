package presence

import (
	"sort"
	"sync"
	"time"

	"rentaltruth-server/core"
)

// ViewerRecord is one connection currently viewing a property.
type ViewerRecord struct {
	ConnectionID core.ConnectionID `json:"connectionId"`
	JoinedAt     time.Time         `json:"joinedAt"`
}

// Registry tracks which connections view which property. A property entry
// exists only while it has at least one viewer.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[core.PropertyID]map[core.ConnectionID]ViewerRecord
	byConn map[core.ConnectionID]map[core.PropertyID]struct{}
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[core.PropertyID]map[core.ConnectionID]ViewerRecord),
		byConn: make(map[core.ConnectionID]map[core.PropertyID]struct{}),
		now:    time.Now,
	}
}

// Join records connectionID as a viewer of propertyID. Joining twice keeps a
// single record with a refreshed join time. It reports whether the viewer is new.
func (r *Registry) Join(propertyID core.PropertyID, connectionID core.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	viewers, ok := r.rooms[propertyID]
	if !ok {
		viewers = make(map[core.ConnectionID]ViewerRecord)
		r.rooms[propertyID] = viewers
	}
	_, existed := viewers[connectionID]
	viewers[connectionID] = ViewerRecord{ConnectionID: connectionID, JoinedAt: r.now()}

	props, ok := r.byConn[connectionID]
	if !ok {
		props = make(map[core.PropertyID]struct{})
		r.byConn[connectionID] = props
	}
	props[propertyID] = struct{}{}

	return !existed
}

// Leave removes connectionID from propertyID. Unknown pairs are ignored.
func (r *Registry) Leave(propertyID core.PropertyID, connectionID core.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(propertyID, connectionID)
}

// LeaveAll removes connectionID from every property it views and returns the
// affected properties in sorted order.
func (r *Registry) LeaveAll(connectionID core.ConnectionID) []core.PropertyID {
	r.mu.Lock()
	defer r.mu.Unlock()

	props := r.byConn[connectionID]
	affected := make([]core.PropertyID, 0, len(props))
	for propertyID := range props {
		affected = append(affected, propertyID)
	}
	for _, propertyID := range affected {
		r.removeLocked(propertyID, connectionID)
	}

	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
	return affected
}

func (r *Registry) removeLocked(propertyID core.PropertyID, connectionID core.ConnectionID) bool {
	viewers, ok := r.rooms[propertyID]
	if !ok {
		return false
	}
	if _, ok := viewers[connectionID]; !ok {
		return false
	}

	delete(viewers, connectionID)
	if len(viewers) == 0 {
		delete(r.rooms, propertyID)
	}

	if props, ok := r.byConn[connectionID]; ok {
		delete(props, propertyID)
		if len(props) == 0 {
			delete(r.byConn, connectionID)
		}
	}
	return true
}

// Count returns the number of viewers of propertyID, 0 when unknown.
func (r *Registry) Count(propertyID core.PropertyID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[propertyID])
}

// Has reports whether propertyID currently has an entry.
func (r *Registry) Has(propertyID core.PropertyID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[propertyID]
	return ok
}

// Len returns the number of properties with at least one viewer.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Viewers returns the viewers of propertyID ordered by join time.
func (r *Registry) Viewers(propertyID core.PropertyID) []ViewerRecord {
	r.mu.RLock()
	viewers := make([]ViewerRecord, 0, len(r.rooms[propertyID]))
	for _, record := range r.rooms[propertyID] {
		viewers = append(viewers, record)
	}
	r.mu.RUnlock()

	sort.Slice(viewers, func(i, j int) bool {
		if viewers[i].JoinedAt.Equal(viewers[j].JoinedAt) {
			return viewers[i].ConnectionID < viewers[j].ConnectionID
		}
		return viewers[i].JoinedAt.Before(viewers[j].JoinedAt)
	})
	return viewers
}

// PropertiesOf returns the properties connectionID views, sorted.
func (r *Registry) PropertiesOf(connectionID core.ConnectionID) []core.PropertyID {
	r.mu.RLock()
	props := make([]core.PropertyID, 0, len(r.byConn[connectionID]))
	for propertyID := range r.byConn[connectionID] {
		props = append(props, propertyID)
	}
	r.mu.RUnlock()

	sort.Slice(props, func(i, j int) bool { return props[i] < props[j] })
	return props
}

// Snapshot copies the current viewer count of every active property.
func (r *Registry) Snapshot() map[core.PropertyID]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[core.PropertyID]int, len(r.rooms))
	for propertyID, viewers := range r.rooms {
		counts[propertyID] = len(viewers)
	}
	return counts
}
