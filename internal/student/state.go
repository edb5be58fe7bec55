package student

import (
	"time"

	"ue1live/pkg/position"
	"ue1live/pkg/types"
)

// ConnState is the student's connection to a session.
// disconnected -> joining -> joined <-> reconnecting -> disconnected
type ConnState string

const (
	Disconnected ConnState = "disconnected"
	Joining      ConnState = "joining"
	Joined       ConnState = "joined"
	Reconnecting ConnState = "reconnecting"
)

// DraftKey names the question a draft answers.
type DraftKey struct {
	QuestionType types.QuestionType
	Index        int
}

// Draft is a locally held answer. Submitted turns true only once the store
// has confirmed the response row.
type Draft struct {
	Answer    types.Answer
	IsCorrect *bool
	Submitted bool
	Err       error
}

// State is everything the student's screen renders.
type State struct {
	Conn         ConnState
	Session      *types.Session
	Participant  *types.Participant
	Participants []types.Participant
	Responses    []types.Response // own responses only

	Prompt   *types.Prompt
	PromptAt time.Time // local receive time

	// Local is the student's own position while free pace is on
	Local  position.Position
	Drafts map[DraftKey]Draft

	// Err is the visible error: join failures, or ErrChannelLost once
	// reconnection has failed repeatedly
	Err      error
	Attempts int

	// syncing is set between subscribing and applying the snapshot;
	// notifications that arrive meanwhile wait in pending
	syncing bool
	pending []Event
}

// Snapshot is a full pull of everything a joined student mirrors.
type Snapshot struct {
	Session      types.Session
	Participant  types.Participant
	Participants []types.Participant
	Responses    []types.Response
}

// Position is the page the student should see: their own under free pace,
// the teacher's broadcast otherwise.
func (s State) Position() position.Position {
	if s.Session == nil {
		return position.Start
	}
	if s.Session.AllowAhead {
		return s.Local
	}
	return position.Of(s.Session)
}

// Draft returns the draft for a question.
func (s State) Draft(qt types.QuestionType, index int) (Draft, bool) {
	d, ok := s.Drafts[DraftKey{QuestionType: qt, Index: index}]
	return d, ok
}

// Response returns the student's confirmed response to a question.
func (s State) Response(qt types.QuestionType, index int) (types.Response, bool) {
	for _, r := range s.Responses {
		if r.QuestionType == qt && r.QuestionIndex == index {
			return r, true
		}
	}
	return types.Response{}, false
}

// Event is an input to Reduce.
type Event interface {
	isEvent()
}

type (
	JoinRequested struct{}
	JoinFailed    struct{ Err error }
	JoinSucceeded struct{ Snapshot Snapshot }
	Left          struct{}

	SessionChanged     struct{ Session types.Session }
	ParticipantChanged struct{ Participant types.Participant }
	ResponseChanged    struct{ Response types.Response }

	PromptReceived struct {
		Prompt types.Prompt
		At     time.Time
	}
	PromptDismissed struct{}
	PromptExpired   struct{ ID string }

	ChannelLost     struct{}
	ResyncStarted   struct{}
	ReconnectFailed struct {
		Attempt  int
		Escalate bool
	}
	Resynced struct{ Snapshot Snapshot }

	Navigated    struct{ Position position.Position }
	DraftChanged struct {
		Key       DraftKey
		Answer    types.Answer
		IsCorrect *bool
	}
	SubmissionConfirmed struct{ Response types.Response }
	SubmissionFailed    struct {
		Key DraftKey
		Err error
	}
)

func (JoinRequested) isEvent()       {}
func (JoinFailed) isEvent()          {}
func (JoinSucceeded) isEvent()       {}
func (Left) isEvent()                {}
func (SessionChanged) isEvent()      {}
func (ParticipantChanged) isEvent()  {}
func (ResponseChanged) isEvent()     {}
func (PromptReceived) isEvent()      {}
func (PromptDismissed) isEvent()     {}
func (PromptExpired) isEvent()       {}
func (ChannelLost) isEvent()         {}
func (ResyncStarted) isEvent()       {}
func (ReconnectFailed) isEvent()     {}
func (Resynced) isEvent()            {}
func (Navigated) isEvent()           {}
func (DraftChanged) isEvent()        {}
func (SubmissionConfirmed) isEvent() {}
func (SubmissionFailed) isEvent()    {}

func (s State) attached() bool {
	return s.Conn == Joined || s.Conn == Reconnecting
}

func (s State) ownsSession(id string) bool {
	return s.Session != nil && s.Session.ID == id
}

// Reduce returns the state after e. It never mutates s.
func Reduce(s State, e Event) State {
	if s.syncing && isNotification(e) {
		s.pending = append(append([]Event(nil), s.pending...), e)
		return s
	}

	switch e := e.(type) {
	case JoinRequested:
		return State{Conn: Joining, syncing: true}

	case JoinFailed:
		return State{Conn: Disconnected, Err: e.Err}

	case JoinSucceeded:
		if s.Conn != Joining {
			return s
		}
		pending := s.pending
		s = applySnapshot(State{Conn: Joined}, e.Snapshot)
		s.Local = position.Of(s.Session)
		return replay(s, pending)

	case Left:
		return State{Conn: Disconnected}

	case SessionChanged:
		if !s.attached() || !s.ownsSession(e.Session.ID) {
			return s
		}
		// FUNCTIONAL DISCOVERY: notifications may overtake each other;
		// the screen must never step back to an older position
		if e.Session.Revision < s.Session.Revision {
			return s
		}
		freePaceStarted := e.Session.AllowAhead && !s.Session.AllowAhead
		session := e.Session
		s.Session = &session
		if freePaceStarted {
			s.Local = position.Of(&session)
		}

	case ParticipantChanged:
		if !s.attached() || !s.ownsSession(e.Participant.SessionID) {
			return s
		}
		s.Participants = upsertParticipant(s.Participants, e.Participant)
		if s.Participant != nil && s.Participant.ID == e.Participant.ID {
			p := e.Participant
			s.Participant = &p
		}

	case ResponseChanged:
		if !s.attached() || s.Participant == nil || e.Response.ParticipantID != s.Participant.ID {
			return s
		}
		s.Responses = upsertResponse(s.Responses, e.Response)

	case PromptReceived:
		if !s.attached() || !s.ownsSession(e.Prompt.SessionID) {
			return s
		}
		prompt := e.Prompt
		s.Prompt = &prompt
		s.PromptAt = e.At

	case PromptDismissed:
		s.Prompt = nil

	case PromptExpired:
		if s.Prompt != nil && s.Prompt.ID == e.ID {
			s.Prompt = nil
		}

	case ChannelLost:
		if s.Conn == Joined {
			s.Conn = Reconnecting
		}

	case ResyncStarted:
		if s.Conn != Reconnecting {
			return s
		}
		s.syncing = true
		s.pending = nil

	case ReconnectFailed:
		if s.Conn != Reconnecting {
			return s
		}
		s.syncing = false
		s.pending = nil
		s.Attempts = e.Attempt
		if e.Escalate {
			s.Err = types.ErrChannelLost
		}

	case Resynced:
		if !s.attached() || !s.ownsSession(e.Snapshot.Session.ID) {
			return s
		}
		pending := s.pending
		previous := *s.Session
		merged := s
		merged.Conn = Joined
		merged.Err = nil
		merged.Attempts = 0
		merged.syncing = false
		merged.pending = nil
		merged.Session = &previous
		if e.Snapshot.Session.Revision >= previous.Revision {
			session := e.Snapshot.Session
			merged.Session = &session
		}
		participant := e.Snapshot.Participant
		merged.Participant = &participant
		// FUNCTIONAL DISCOVERY: rows never disappear from a session, so the
		// snapshot is merged into what is already known instead of replacing it
		for _, p := range e.Snapshot.Participants {
			merged.Participants = upsertParticipant(merged.Participants, p)
		}
		for _, r := range e.Snapshot.Responses {
			merged.Responses = upsertResponse(merged.Responses, r)
		}
		if merged.Session.AllowAhead && !previous.AllowAhead {
			merged.Local = position.Of(merged.Session)
		}
		return replay(merged, pending)

	case Navigated:
		if !s.attached() || s.Session == nil || !s.Session.AllowAhead {
			return s
		}
		s.Local = e.Position

	case DraftChanged:
		s.Drafts = withDraft(s.Drafts, e.Key, Draft{Answer: e.Answer, IsCorrect: e.IsCorrect})

	case SubmissionConfirmed:
		if s.Participant == nil || e.Response.ParticipantID != s.Participant.ID {
			return s
		}
		s.Responses = upsertResponse(s.Responses, e.Response)
		key := DraftKey{QuestionType: e.Response.QuestionType, Index: e.Response.QuestionIndex}
		d := s.Drafts[key]
		if d.Answer == nil {
			d.Answer, _ = e.Response.Answer()
			d.IsCorrect = e.Response.IsCorrect
		}
		d.Submitted = true
		d.Err = nil
		s.Drafts = withDraft(s.Drafts, key, d)

	case SubmissionFailed:
		d := s.Drafts[e.Key]
		d.Submitted = false
		d.Err = e.Err
		s.Drafts = withDraft(s.Drafts, e.Key, d)
	}
	return s
}

func isNotification(e Event) bool {
	switch e.(type) {
	case SessionChanged, ParticipantChanged, ResponseChanged, PromptReceived:
		return true
	}
	return false
}

// replay applies notifications held back while a snapshot was loading. They
// arrive in write order, so replaying them over the snapshot converges on
// the stored rows.
func replay(s State, pending []Event) State {
	for _, e := range pending {
		s = Reduce(s, e)
	}
	return s
}

func applySnapshot(s State, snap Snapshot) State {
	session := snap.Session
	participant := snap.Participant
	s.Session = &session
	s.Participant = &participant
	s.Participants = append([]types.Participant(nil), snap.Participants...)
	s.Responses = append([]types.Response(nil), snap.Responses...)
	return s
}

func withDraft(drafts map[DraftKey]Draft, key DraftKey, d Draft) map[DraftKey]Draft {
	out := make(map[DraftKey]Draft, len(drafts)+1)
	for k, v := range drafts {
		out[k] = v
	}
	out[key] = d
	return out
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
