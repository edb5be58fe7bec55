package view

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ue1live/internal/lesson"
	"ue1live/internal/pseudonym"
	"ue1live/pkg/position"
	"ue1live/pkg/types"
)

var content = &lesson.Lesson{
	ID:    "l1",
	Title: "Intro",
	Notes: []string{"n1", "n2"},
	MCQuestions: []lesson.McQuestion{
		{Prompt: "q0", Options: []string{"a", "b"}, CorrectIndex: 1},
		{Prompt: "q1", Options: []string{"a", "b"}},
		{Prompt: "q2", Options: []string{"a", "b"}},
	},
	WritingTasks: []lesson.OpenEndedQuestion{{Prompt: "w0"}, {Prompt: "w1"}},
}

func session(status types.SessionStatus, section types.Section, index int) *types.Session {
	return &types.Session{ID: "s1", Code: "ABC123", Status: status, CurrentSection: section, CurrentQuestionIndex: index}
}

func TestRender_WaitingRoom(t *testing.T) {
	participants := []types.Participant{{ID: "p1", IsOnline: true}, {ID: "p2"}}
	v := Render(Input{Role: RoleStudent, Session: session(types.StatusWaiting, types.SectionNotes, 0), Lesson: content, Participants: participants})

	assert.Equal(t, KindWaitingRoom, v.Kind)
	assert.Equal(t, "ABC123", v.Code)
	assert.Equal(t, 1, v.ParticipantCount, "only online participants count")
	require.Len(t, v.Peers, 2)
	assert.Equal(t, pseudonym.For("p1"), v.Peers[0].Alias)
	assert.True(t, v.Peers[0].Online)
	assert.False(t, v.IsTeacher)
}

func TestRender_StatusScreens(t *testing.T) {
	paused := Render(Input{Role: RoleStudent, Session: session(types.StatusPaused, types.SectionMC, 1), Lesson: content})
	assert.Equal(t, KindPaused, paused.Kind)

	teacherPaused := Render(Input{Role: RoleTeacher, Session: session(types.StatusPaused, types.SectionMC, 1), Lesson: content})
	assert.Equal(t, KindMC, teacherPaused.Kind)
	assert.Equal(t, types.StatusPaused, teacherPaused.Status)
	assert.True(t, teacherPaused.IsTeacher)

	ended := Render(Input{Role: RoleStudent, Session: session(types.StatusEnded, types.SectionMC, 1), Lesson: content})
	assert.Equal(t, KindEnded, ended.Kind)
}

func TestRender_PageNumbering(t *testing.T) {
	tests := []struct {
		section types.Section
		index   int
		kind    Kind
		page    int
	}{
		{types.SectionNotes, 0, KindNotes, 1},
		{types.SectionMC, 0, KindMC, 2},
		{types.SectionMC, 2, KindMC, 4},
		{types.SectionWriting, 0, KindOpenEnded, 5},
		{types.SectionWriting, 1, KindOpenEnded, 6},
	}
	for _, tt := range tests {
		v := Render(Input{Role: RoleStudent, Session: session(types.StatusActive, tt.section, tt.index), Lesson: content})
		assert.Equal(t, tt.kind, v.Kind)
		assert.Equal(t, tt.page, v.Page)
		assert.Equal(t, 6, v.TotalPages)
	}
}

func TestRender_Content(t *testing.T) {
	notes := Render(Input{Role: RoleStudent, Session: session(types.StatusActive, types.SectionNotes, 0), Lesson: content})
	assert.Equal(t, []string{"n1", "n2"}, notes.Notes)
	assert.Equal(t, "Intro", notes.Title)

	mc := Render(Input{Role: RoleStudent, Session: session(types.StatusActive, types.SectionMC, 0), Lesson: content})
	require.NotNil(t, mc.Question)
	assert.Equal(t, "q0", mc.Question.Prompt)

	writing := Render(Input{Role: RoleStudent, Session: session(types.StatusActive, types.SectionWriting, 1), Lesson: content})
	require.NotNil(t, writing.Task)
	assert.Equal(t, "w1", writing.Task.Prompt)

	// without content only the counts drive paging
	bare := Render(Input{Role: RoleStudent, Session: session(types.StatusActive, types.SectionMC, 1), Counts: position.Counts{MC: 2}})
	assert.Equal(t, KindMC, bare.Kind)
	assert.Nil(t, bare.Question)
	assert.Equal(t, 3, bare.TotalPages)
}

func TestRender_FreePace(t *testing.T) {
	s := session(types.StatusActive, types.SectionMC, 0)
	s.AllowAhead = true
	local := position.Position{Section: types.SectionWriting, Index: 0}

	v := Render(Input{Role: RoleStudent, Session: s, Local: &local, Lesson: content})
	assert.Equal(t, KindOpenEnded, v.Kind)
	assert.Equal(t, 5, v.Page)
	require.NotNil(t, v.TeacherPosition)
	assert.Equal(t, position.Position{Section: types.SectionMC, Index: 0}, *v.TeacherPosition)
	assert.Equal(t, 2, v.TeacherPage)

	// the teacher always sees the broadcast
	tv := Render(Input{Role: RoleTeacher, Session: s, Local: &local, Lesson: content})
	assert.Equal(t, 2, tv.Page)
	assert.Nil(t, tv.TeacherPosition)

	// lockstep ignores the local position
	s.AllowAhead = false
	v = Render(Input{Role: RoleStudent, Session: s, Local: &local, Lesson: content})
	assert.Equal(t, 2, v.Page)
	assert.Nil(t, v.TeacherPosition)
}

func TestRender_ClampsOutOfRangePositions(t *testing.T) {
	v := Render(Input{Role: RoleStudent, Session: session(types.StatusActive, types.SectionMC, 9), Lesson: content})
	assert.Equal(t, 4, v.Page)
	require.NotNil(t, v.Question)
	assert.Equal(t, "q2", v.Question.Prompt)
}

func TestRender_PromptExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	base := Input{Role: RoleStudent, Session: session(types.StatusActive, types.SectionNotes, 0), PromptTTL: 10 * time.Second, Now: now}

	in := base
	in.Prompt = &types.Prompt{ID: "m", PromptType: types.PromptMessage}
	in.PromptAt = now.Add(-5 * time.Second)
	assert.NotNil(t, Render(in).Prompt)

	in.PromptAt = now.Add(-11 * time.Second)
	assert.Nil(t, Render(in).Prompt, "stale message dropped at render time")

	in.Prompt = &types.Prompt{ID: "f", PromptType: types.PromptFocus}
	assert.NotNil(t, Render(in).Prompt, "focus prompts do not expire")
}

func TestRender_NoSession(t *testing.T) {
	v := Render(Input{Role: RoleStudent})
	assert.Equal(t, KindWaitingRoom, v.Kind)
	assert.Equal(t, 1, v.TotalPages)
}
