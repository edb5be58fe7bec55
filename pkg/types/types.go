package types

import (
	"encoding/json"
	"time"
)

// Table names understood by every Realtime Store implementation.
const (
	TableSessions     = "sessions"
	TableParticipants = "participants"
	TableResponses    = "responses"
	TablePrompts      = "prompts"
)

// SessionStatus is the lifecycle state of a live session.
// waiting -> active <-> paused -> ended (ended is terminal)
type SessionStatus string

const (
	StatusWaiting SessionStatus = "waiting"
	StatusActive  SessionStatus = "active"
	StatusPaused  SessionStatus = "paused"
	StatusEnded   SessionStatus = "ended"
)

// Section is the category of the broadcast position.
type Section string

const (
	SectionNotes   Section = "notes"
	SectionMC      Section = "mc"
	SectionWriting Section = "writing"
)

// QuestionType keys a Response and selects the shape of its payload.
type QuestionType string

const (
	QuestionMC        QuestionType = "mc"
	QuestionOpenEnded QuestionType = "open_ended"
)

// PromptType is the kind of an ephemeral teacher broadcast.
type PromptType string

const (
	PromptFocus   PromptType = "focus"
	PromptTimer   PromptType = "timer"
	PromptMessage PromptType = "message"
)

// ChangeType mirrors the row operation that produced a change notification.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
)

// Session is one live classroom event.
// Revision is bumped by the teacher on every write so readers can refuse to
// go backwards when notifications arrive out of order.
type Session struct {
	ID                   string        `json:"id" db:"id"`
	Code                 string        `json:"code" db:"code" validate:"required,len=6,uppercase,alphanum"`
	LessonID             string        `json:"lesson_id" db:"lesson_id" validate:"max=100"`
	TeacherID            string        `json:"teacher_id" db:"teacher_id"`
	Status               SessionStatus `json:"status" db:"status" validate:"oneof=waiting active paused ended"`
	CurrentSection       Section       `json:"current_section" db:"current_section" validate:"oneof=notes mc writing"`
	CurrentQuestionIndex int           `json:"current_question_index" db:"current_question_index" validate:"min=0"`
	AllowAhead           bool          `json:"allow_ahead" db:"allow_ahead"`
	Revision             int64         `json:"revision" db:"revision"`
	CreatedAt            time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at" db:"updated_at"`
	EndedAt              *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
}

// Participant is one student's membership in a session. A participant row
// is unique per (session_id, student_identifier).
type Participant struct {
	ID                string    `json:"id" db:"id"`
	SessionID         string    `json:"session_id" db:"session_id"`
	StudentIdentifier string    `json:"student_identifier" db:"student_identifier" validate:"required,max=100"`
	DisplayName       string    `json:"display_name" db:"display_name" validate:"max=50"`
	IsOnline          bool      `json:"is_online" db:"is_online"`
	CurrentSection    string    `json:"current_section" db:"current_section" validate:"max=100"`
	JoinedAt          time.Time `json:"joined_at" db:"joined_at"`
	LastSeenAt        time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// Response is a student's answer to one question in one session.
// Payload holds the raw JSON of an Answer; use DecodeAnswer to read it.
type Response struct {
	ID            string          `json:"id" db:"id"`
	SessionID     string          `json:"session_id" db:"session_id"`
	ParticipantID string          `json:"participant_id" db:"participant_id"`
	QuestionType  QuestionType    `json:"question_type" db:"question_type" validate:"oneof=mc open_ended"`
	QuestionIndex int             `json:"question_index" db:"question_index" validate:"min=0"`
	Payload       json.RawMessage `json:"response" db:"response"`
	IsCorrect     *bool           `json:"is_correct,omitempty" db:"is_correct"`
	SubmittedAt   time.Time       `json:"submitted_at" db:"submitted_at"`
}

// Prompt is an ephemeral teacher-to-class broadcast.
type Prompt struct {
	ID         string     `json:"id" db:"id"`
	SessionID  string     `json:"session_id" db:"session_id"`
	PromptType PromptType `json:"prompt_type" db:"prompt_type" validate:"oneof=focus timer message"`
	Content    string     `json:"content" db:"content" validate:"max=1000"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// ChangeEvent is delivered to subscribers whenever a matching row is written.
type ChangeEvent struct {
	Table           string     `json:"table"`
	Type            ChangeType `json:"type"`
	Row             Row        `json:"row"`
	CommitTimestamp time.Time  `json:"commit_timestamp"`
}

// QuestionTypeFor maps a position section to the question type its
// responses are stored under. Notes have no responses.
func QuestionTypeFor(section Section) (QuestionType, bool) {
	switch section {
	case SectionMC:
		return QuestionMC, true
	case SectionWriting:
		return QuestionOpenEnded, true
	default:
		return "", false
	}
}

// IsTerminal reports whether no further mutations are accepted.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusEnded
}
