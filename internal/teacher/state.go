package teacher

import (
	"github.com/pkg/errors"

	"ue1live/pkg/types"
)

// State is what the teacher's screen renders. Only rows the store has
// confirmed ever reach it.
type State struct {
	Session      *types.Session
	Participants []types.Participant
	Responses    []types.Response

	// Notice is the last rejected operation, shown until the next confirmed write
	Notice error

	// syncing is set while a snapshot loads; roster and response
	// notifications that arrive meanwhile wait in pending
	syncing bool
	pending []Event
}

// Event is an input to Reduce.
type Event interface {
	isEvent()
}

// SessionConfirmed carries a session row returned by a write or a notification.
type SessionConfirmed struct {
	Session types.Session
}

// ParticipantChanged carries a participant row of the attached session.
type ParticipantChanged struct {
	Participant types.Participant
}

// ResponseChanged carries a response row of the attached session.
type ResponseChanged struct {
	Response types.Response
}

// SyncStarted marks that subscriptions are open and a snapshot is loading.
type SyncStarted struct{}

// SyncFailed abandons a snapshot load.
type SyncFailed struct{}

// Synced carries the snapshot pulled after attaching or reconnecting.
type Synced struct {
	Session      types.Session
	Participants []types.Participant
	Responses    []types.Response
}

// OperationFailed records a rejected mutation. State is otherwise unchanged.
type OperationFailed struct {
	Op  string
	Err error
}

// NoticeCleared dismisses the current notice.
type NoticeCleared struct{}

func (SessionConfirmed) isEvent()   {}
func (ParticipantChanged) isEvent() {}
func (ResponseChanged) isEvent()    {}
func (SyncStarted) isEvent()        {}
func (SyncFailed) isEvent()         {}
func (Synced) isEvent()             {}
func (OperationFailed) isEvent()    {}
func (NoticeCleared) isEvent()      {}

// Reduce returns the state after e. It never mutates s.
// TECHNICAL DISCOVERY: write confirmations and notifications for the same
// write race each other; the revision guard makes applying both harmless
func Reduce(s State, e Event) State {
	if s.syncing {
		switch e.(type) {
		case ParticipantChanged, ResponseChanged:
			s.pending = append(append([]Event(nil), s.pending...), e)
			return s
		}
	}

	switch e := e.(type) {
	case SessionConfirmed:
		if s.Session != nil && s.Session.ID != e.Session.ID {
			return s
		}
		if s.Session != nil && e.Session.Revision < s.Session.Revision {
			return s
		}
		session := e.Session
		s.Session = &session
		s.Notice = nil

	case ParticipantChanged:
		if s.Session == nil || e.Participant.SessionID != s.Session.ID {
			return s
		}
		s.Participants = upsertParticipant(s.Participants, e.Participant)

	case ResponseChanged:
		if s.Session == nil || e.Response.SessionID != s.Session.ID {
			return s
		}
		s.Responses = upsertResponse(s.Responses, e.Response)

	case SyncStarted:
		s.syncing = true
		s.pending = nil

	case SyncFailed:
		s.syncing = false
		s.pending = nil

	case Synced:
		pending := s.pending
		s.syncing = false
		s.pending = nil

		session := e.Session
		if s.Session == nil || s.Session.ID != session.ID {
			s.Participants, s.Responses = nil, nil
		} else if session.Revision < s.Session.Revision {
			session = *s.Session
		}
		s.Session = &session
		// rows are never removed from a session, so the snapshot is merged
		// into the rows already known rather than replacing them
		for _, p := range e.Participants {
			s.Participants = upsertParticipant(s.Participants, p)
		}
		for _, r := range e.Responses {
			s.Responses = upsertResponse(s.Responses, r)
		}
		s.Notice = nil

		// held notifications are in write order; replaying them over the
		// snapshot converges on the stored rows
		for _, held := range pending {
			s = Reduce(s, held)
		}

	case OperationFailed:
		s.Notice = errors.Wrap(types.ErrOperationFailed, e.Op)

	case NoticeCleared:
		s.Notice = nil
	}
	return s
}

func upsertParticipant(list []types.Participant, p types.Participant) []types.Participant {
	out := make([]types.Participant, 0, len(list)+1)
	replaced := false
	for _, existing := range list {
		if existing.ID == p.ID {
			out = append(out, p)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, p)
	}
	return out
}

// Responses are keyed by their tuple; a resubmission replaces the earlier row.
func upsertResponse(list []types.Response, r types.Response) []types.Response {
	out := make([]types.Response, 0, len(list)+1)
	replaced := false
	for _, existing := range list {
		if existing.Key() == r.Key() {
			out = append(out, r)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, r)
	}
	return out
}
