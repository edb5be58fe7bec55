// Package view turns a coordinator snapshot into what a screen shows. It is
// pure: the same input always renders the same view.
package view

import (
	"time"

	"ue1live/internal/lesson"
	"ue1live/internal/pseudonym"
	"ue1live/pkg/position"
	"ue1live/pkg/types"
)

// Role selects teacher or student rendering.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Kind is the screen to show.
type Kind string

const (
	KindWaitingRoom Kind = "waiting_room"
	KindPaused      Kind = "paused"
	KindEnded       Kind = "ended"
	KindNotes       Kind = "notes"
	KindMC          Kind = "mc"
	KindOpenEnded   Kind = "open_ended"
)

// Peer is a classmate as shown in the waiting room, under a pseudonym.
type Peer struct {
	ID      string          `json:"id"`
	Alias   pseudonym.Alias `json:"alias"`
	Online  bool            `json:"online"`
	Section string          `json:"section,omitempty"`
}

// Input is a coordinator snapshot plus the lesson content.
type Input struct {
	Role         Role
	Session      *types.Session
	Local        *position.Position // student's own position under free pace
	Lesson       *lesson.Lesson
	Counts       position.Counts // used when Lesson is nil
	Participants []types.Participant
	Prompt       *types.Prompt
	PromptAt     time.Time
	PromptTTL    time.Duration
	Now          time.Time
}

// View is the rendered screen.
type View struct {
	Kind       Kind                `json:"kind"`
	Status     types.SessionStatus `json:"status,omitempty"`
	Code       string              `json:"code,omitempty"`
	IsTeacher  bool                `json:"is_teacher"`
	Section    types.Section       `json:"section,omitempty"`
	Index      int                 `json:"index"`
	Page       int                 `json:"page"`
	TotalPages int                 `json:"total_pages"`

	ParticipantCount int    `json:"participant_count"`
	Peers            []Peer `json:"peers,omitempty"`

	// TeacherPosition is advisory, set for students under free pace
	TeacherPosition *position.Position `json:"teacher_position,omitempty"`
	TeacherPage     int                `json:"teacher_page,omitempty"`

	Title    string                    `json:"title,omitempty"`
	Notes    []string                  `json:"notes,omitempty"`
	Question *lesson.McQuestion        `json:"question,omitempty"`
	Task     *lesson.OpenEndedQuestion `json:"task,omitempty"`
	Prompt   *types.Prompt             `json:"prompt,omitempty"`
}

// Render builds the view for in.
func Render(in Input) View {
	counts := in.Counts
	if in.Lesson != nil {
		counts = in.Lesson.Counts()
		in.Counts = counts
	}

	v := View{
		IsTeacher:        in.Role == RoleTeacher,
		TotalPages:       position.TotalPages(counts),
		ParticipantCount: online(in.Participants),
		Prompt:           visiblePrompt(in),
	}
	if in.Lesson != nil {
		v.Title = in.Lesson.Title
	}

	if in.Session == nil {
		v.Kind = KindWaitingRoom
		v.Peers = peers(in.Participants)
		return v
	}
	v.Status = in.Session.Status
	v.Code = in.Session.Code

	switch in.Session.Status {
	case types.StatusWaiting:
		v.Kind = KindWaitingRoom
		v.Peers = peers(in.Participants)
		return v
	case types.StatusEnded:
		v.Kind = KindEnded
		v.Prompt = nil
		return v
	case types.StatusPaused:
		// FUNCTIONAL DISCOVERY: the teacher keeps presenting controls while
		// the class is paused; only students get the overlay
		if !v.IsTeacher {
			v.Kind = KindPaused
			v.Prompt = nil
			return v
		}
	}

	broadcast := position.Clamp(position.Of(in.Session), counts)
	current := broadcast
	if !v.IsTeacher && in.Session.AllowAhead && in.Local != nil {
		current = position.Clamp(*in.Local, counts)
	}
	if !v.IsTeacher && in.Session.AllowAhead {
		v.TeacherPosition = &broadcast
		v.TeacherPage = broadcast.Page(counts)
	}
	if v.IsTeacher {
		v.Peers = peers(in.Participants)
	}

	v.Section = current.Section
	v.Index = current.Index
	v.Page = current.Page(counts)
	fillContent(&v, in.Lesson, current)
	return v
}

func fillContent(v *View, l *lesson.Lesson, p position.Position) {
	switch p.Section {
	case types.SectionMC:
		v.Kind = KindMC
		if l == nil {
			return
		}
		if q, ok := l.MC(p.Index); ok {
			v.Question = &q
		}
	case types.SectionWriting:
		v.Kind = KindOpenEnded
		if l == nil {
			return
		}
		if task, ok := l.Writing(p.Index); ok {
			v.Task = &task
		}
	default:
		v.Kind = KindNotes
		if l != nil {
			v.Notes = l.Notes
		}
	}
}

// visiblePrompt drops timer and message prompts older than the TTL, in
// case the expiry timer has not fired yet.
func visiblePrompt(in Input) *types.Prompt {
	if in.Prompt == nil {
		return nil
	}
	if in.Prompt.PromptType == types.PromptFocus || in.PromptTTL <= 0 {
		return in.Prompt
	}
	if in.Now.Sub(in.PromptAt) > in.PromptTTL {
		return nil
	}
	return in.Prompt
}

// online counts participants currently connected. Rows of students who left
// stay in the roster but not in the live count.
func online(participants []types.Participant) int {
	n := 0
	for _, p := range participants {
		if p.IsOnline {
			n++
		}
	}
	return n
}

func peers(participants []types.Participant) []Peer {
	if len(participants) == 0 {
		return nil
	}
	out := make([]Peer, len(participants))
	for i, p := range participants {
		out[i] = Peer{
			ID:      p.ID,
			Alias:   pseudonym.For(p.ID),
			Online:  p.IsOnline,
			Section: p.CurrentSection,
		}
	}
	return out
}
