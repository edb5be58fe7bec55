package router

import (
	"sort"
	"sync"

	"ue1live/pkg/types"
)

// Route is one subscriber's interest in a table.
type Route struct {
	ID     string
	Table  string
	Filter types.Filter
}

// Router decides which subscribers receive a change event
// ARCHITECTURAL DISCOVERY: Routing decisions are kept apart from delivery; the hub
// owns queues and goroutines, the router only answers "who wants this row"
type Router struct {
	mu     sync.RWMutex
	routes map[string]map[string]*Route // table -> route id -> route
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]map[string]*Route),
	}
}

// Add registers a route. Re-adding an id replaces its filter.
func (r *Router) Add(route *Route) error {
	if route == nil || route.ID == "" {
		return ErrInvalidRoute
	}
	if route.Table == "" {
		return ErrInvalidTable
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for table, byID := range r.routes {
		if _, ok := byID[route.ID]; ok && table != route.Table {
			delete(byID, route.ID)
		}
	}

	byID, ok := r.routes[route.Table]
	if !ok {
		byID = make(map[string]*Route)
		r.routes[route.Table] = byID
	}
	byID[route.ID] = &Route{
		ID:     route.ID,
		Table:  route.Table,
		Filter: route.Filter.Normalize(),
	}
	return nil
}

// Remove unregisters a route. Unknown ids are ignored.
func (r *Router) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for table, byID := range r.routes {
		if _, ok := byID[id]; ok {
			delete(byID, id)
			if len(byID) == 0 {
				delete(r.routes, table)
			}
			return
		}
	}
}

// Recipients returns the ids of routes whose filter matches event's row,
// sorted for deterministic delivery order.
func (r *Router) Recipients(event types.ChangeEvent) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := r.routes[event.Table]
	if len(byID) == 0 {
		return nil
	}

	row := event.Row.Normalize()
	ids := make([]string, 0, len(byID))
	for id, route := range byID {
		if Matches(route.Filter, row) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered routes.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, byID := range r.routes {
		n += len(byID)
	}
	return n
}

// Matches reports whether every filter column equals the row's value.
// An empty filter matches every row; a filter column missing from the row
// never matches.
func Matches(filter types.Filter, row types.Row) bool {
	for column, want := range filter {
		got, ok := row[column]
		if !ok {
			return false
		}
		if !types.ValuesEqual(want, got) {
			return false
		}
	}
	return true
}
