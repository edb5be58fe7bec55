package router

import (
	"testing"
	"time"

	"ue1live/pkg/types"
)

func TestMatches(t *testing.T) {
	row := types.Row{"session_id": "s-1", "question_index": int64(2), "is_online": true}

	testCases := []struct {
		name   string
		filter types.Filter
		want   bool
	}{
		{"empty filter", types.Filter{}, true},
		{"nil filter", nil, true},
		{"string equal", types.Filter{"session_id": "s-1"}, true},
		{"string differs", types.Filter{"session_id": "s-2"}, false},
		{"int vs float", types.Filter{"question_index": 2.0}, true},
		{"int vs int", types.Filter{"question_index": 2}, true},
		{"bool", types.Filter{"is_online": true}, true},
		{"missing column", types.Filter{"participant_id": "p-1"}, false},
		{"all columns", types.Filter{"session_id": "s-1", "question_index": int64(2)}, true},
		{"one column differs", types.Filter{"session_id": "s-1", "question_index": int64(3)}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(tc.filter, row); got != tc.want {
				t.Errorf("Matches(%v) = %v, want %v", tc.filter, got, tc.want)
			}
		})
	}
}

func TestRouter_Recipients(t *testing.T) {
	r := NewRouter()

	mustAdd := func(route *Route) {
		t.Helper()
		if err := r.Add(route); err != nil {
			t.Fatalf("Add(%s): %v", route.ID, err)
		}
	}
	mustAdd(&Route{ID: "b", Table: types.TableSessions, Filter: types.Filter{"id": "s-1"}})
	mustAdd(&Route{ID: "a", Table: types.TableSessions})
	mustAdd(&Route{ID: "c", Table: types.TableSessions, Filter: types.Filter{"id": "s-2"}})
	mustAdd(&Route{ID: "d", Table: types.TableParticipants, Filter: types.Filter{"session_id": "s-1"}})

	event := types.ChangeEvent{
		Table: types.TableSessions,
		Type:  types.ChangeUpdate,
		Row:   types.Row{"id": "s-1", "status": "active"},
	}

	got := r.Recipients(event)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Expected [a b], got %v", got)
	}

	r.Remove("a")
	got = r.Recipients(event)
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("Expected [b] after removal, got %v", got)
	}

	if n := r.Count(); n != 3 {
		t.Errorf("Expected 3 routes, got %d", n)
	}

	// Unknown table
	if got := r.Recipients(types.ChangeEvent{Table: "unknown"}); len(got) != 0 {
		t.Errorf("Expected no recipients for unknown table, got %v", got)
	}
}

func TestRouter_AddMovesRouteBetweenTables(t *testing.T) {
	r := NewRouter()
	_ = r.Add(&Route{ID: "x", Table: types.TableSessions})
	_ = r.Add(&Route{ID: "x", Table: types.TablePrompts})

	if n := r.Count(); n != 1 {
		t.Fatalf("Expected 1 route, got %d", n)
	}
	if got := r.Recipients(types.ChangeEvent{Table: types.TableSessions, Row: types.Row{}}); len(got) != 0 {
		t.Errorf("Route should have left sessions, got %v", got)
	}
	if got := r.Recipients(types.ChangeEvent{Table: types.TablePrompts, Row: types.Row{}}); len(got) != 1 {
		t.Errorf("Route should be on prompts, got %v", got)
	}
}

func TestRouter_AddValidation(t *testing.T) {
	r := NewRouter()
	if err := r.Add(nil); err != ErrInvalidRoute {
		t.Errorf("Expected ErrInvalidRoute for nil, got %v", err)
	}
	if err := r.Add(&Route{Table: types.TableSessions}); err != ErrInvalidRoute {
		t.Errorf("Expected ErrInvalidRoute for empty id, got %v", err)
	}
	if err := r.Add(&Route{ID: "x"}); err != ErrInvalidTable {
		t.Errorf("Expected ErrInvalidTable, got %v", err)
	}
}

// TestRateLimiter_ExactLimits tests exact rate limiting behavior
func TestRateLimiter_ExactLimits(t *testing.T) {
	limiter := NewRateLimiter(0, 0)
	clientID := "client1"

	for i := 0; i < DefaultRateLimit; i++ {
		if !limiter.Allow(clientID) {
			t.Fatalf("Request %d should be allowed (within %d limit)", i+1, DefaultRateLimit)
		}
	}

	if limiter.Allow(clientID) {
		t.Error("Request over the limit should be denied")
	}

	// Other clients are unaffected
	if !limiter.Allow("client2") {
		t.Error("A different client should be allowed")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	if !limiter.Allow("c") || !limiter.Allow("c") {
		t.Fatal("First two requests should be allowed")
	}
	if limiter.Allow("c") {
		t.Fatal("Third request should be denied")
	}

	now = now.Add(time.Minute)
	if !limiter.Allow("c") {
		t.Error("Request after window reset should be allowed")
	}
}

// TestRateLimiter_Cleanup tests cleanup functionality
func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	limiter.Allow("client1")
	limiter.Allow("client2")
	limiter.Allow("client3")

	limiter.Cleanup()
	if n := limiter.Len(); n != 3 {
		t.Errorf("Expected 3 clients after cleanup (recent entries), got %d", n)
	}

	now = now.Add(10 * time.Minute)
	limiter.Cleanup()
	if n := limiter.Len(); n != 0 {
		t.Errorf("Expected 0 clients after cleanup (old entries), got %d", n)
	}
}
