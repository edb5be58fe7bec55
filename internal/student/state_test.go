package student

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ue1live/pkg/position"
	"ue1live/pkg/types"
)

func joined(session types.Session) State {
	return Reduce(Reduce(State{}, JoinRequested{}), JoinSucceeded{Snapshot: Snapshot{
		Session:     session,
		Participant: types.Participant{ID: "p1", SessionID: session.ID},
	}})
}

func TestReduce_ConnectionStateMachine(t *testing.T) {
	s := Reduce(State{Conn: Disconnected}, JoinRequested{})
	assert.Equal(t, Joining, s.Conn)

	failed := Reduce(s, JoinFailed{Err: types.ErrSessionNotFound})
	assert.Equal(t, Disconnected, failed.Conn)
	assert.ErrorIs(t, failed.Err, types.ErrSessionNotFound)

	s = joined(types.Session{ID: "s1", Status: types.StatusActive})
	assert.Equal(t, Joined, s.Conn)

	s = Reduce(s, ChannelLost{})
	assert.Equal(t, Reconnecting, s.Conn)
	assert.NotNil(t, s.Session, "last state is kept while reconnecting")

	s = Reduce(s, ReconnectFailed{Attempt: 1})
	assert.NoError(t, s.Err)
	s = Reduce(s, ReconnectFailed{Attempt: 5, Escalate: true})
	assert.ErrorIs(t, s.Err, types.ErrChannelLost)
	assert.Equal(t, Reconnecting, s.Conn)

	s = Reduce(s, Resynced{Snapshot: Snapshot{Session: types.Session{ID: "s1"}, Participant: types.Participant{ID: "p1"}}})
	assert.Equal(t, Joined, s.Conn)
	assert.NoError(t, s.Err)
	assert.Zero(t, s.Attempts)

	s = Reduce(s, Left{})
	assert.Equal(t, State{Conn: Disconnected}, s)

	// loss while not joined is ignored
	assert.Equal(t, Disconnected, Reduce(s, ChannelLost{}).Conn)
}

func TestReduce_RevisionsNeverGoBack(t *testing.T) {
	s := joined(types.Session{ID: "s1", Revision: 1})

	s = Reduce(s, SessionChanged{Session: types.Session{ID: "s1", Revision: 3, CurrentSection: types.SectionMC, CurrentQuestionIndex: 2}})
	s = Reduce(s, SessionChanged{Session: types.Session{ID: "s1", Revision: 2, CurrentSection: types.SectionMC, CurrentQuestionIndex: 1}})
	assert.Equal(t, position.Position{Section: types.SectionMC, Index: 2}, s.Position())

	s = Reduce(s, Resynced{Snapshot: Snapshot{Session: types.Session{ID: "s1", Revision: 2}}})
	assert.Equal(t, int64(3), s.Session.Revision)

	s = Reduce(s, SessionChanged{Session: types.Session{ID: "other", Revision: 99}})
	assert.Equal(t, "s1", s.Session.ID)
}

func TestReduce_ResyncKeepsLocalState(t *testing.T) {
	s := joined(types.Session{ID: "s1", AllowAhead: true})
	s = Reduce(s, Navigated{Position: position.Position{Section: types.SectionWriting, Index: 1}})
	s = Reduce(s, DraftChanged{Key: DraftKey{QuestionType: types.QuestionOpenEnded, Index: 1}, Answer: types.OpenEndedAnswer{Text: "wip"}})
	s = Reduce(s, ChannelLost{})
	s = Reduce(s, Resynced{Snapshot: Snapshot{Session: types.Session{ID: "s1", AllowAhead: true}, Participant: types.Participant{ID: "p1"}}})

	assert.Equal(t, position.Position{Section: types.SectionWriting, Index: 1}, s.Position())
	d, ok := s.Draft(types.QuestionOpenEnded, 1)
	assert.True(t, ok)
	assert.Equal(t, types.OpenEndedAnswer{Text: "wip"}, d.Answer)
}

func TestReduce_NavigateOnlyUnderFreePace(t *testing.T) {
	s := joined(types.Session{ID: "s1"})
	s = Reduce(s, Navigated{Position: position.Position{Section: types.SectionMC, Index: 1}})
	assert.Equal(t, position.Start, s.Position())

	s = Reduce(s, SessionChanged{Session: types.Session{ID: "s1", Revision: 1, AllowAhead: true, CurrentSection: types.SectionMC, CurrentQuestionIndex: 0}})
	assert.Equal(t, position.Position{Section: types.SectionMC, Index: 0}, s.Position(), "free pace starts from the broadcast")

	s = Reduce(s, Navigated{Position: position.Position{Section: types.SectionMC, Index: 1}})
	assert.Equal(t, position.Position{Section: types.SectionMC, Index: 1}, s.Position())
}

func TestReduce_Prompts(t *testing.T) {
	s := joined(types.Session{ID: "s1"})
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	s = Reduce(s, PromptReceived{Prompt: types.Prompt{ID: "a", SessionID: "s1"}, At: at})
	s = Reduce(s, PromptReceived{Prompt: types.Prompt{ID: "b", SessionID: "s1"}, At: at})
	assert.Equal(t, "b", s.Prompt.ID)

	// expiry of a replaced prompt does not hide its successor
	s = Reduce(s, PromptExpired{ID: "a"})
	assert.NotNil(t, s.Prompt)
	s = Reduce(s, PromptExpired{ID: "b"})
	assert.Nil(t, s.Prompt)

	s = Reduce(s, PromptReceived{Prompt: types.Prompt{ID: "c", SessionID: "elsewhere"}, At: at})
	assert.Nil(t, s.Prompt)
}

func TestReduce_Submission(t *testing.T) {
	s := joined(types.Session{ID: "s1"})
	key := DraftKey{QuestionType: types.QuestionMC, Index: 0}

	s = Reduce(s, DraftChanged{Key: key, Answer: types.McAnswer{Index: 2}})
	before := s
	s = Reduce(s, SubmissionFailed{Key: key, Err: types.ErrSubmissionFailed})
	d, _ := s.Draft(types.QuestionMC, 0)
	assert.False(t, d.Submitted)
	assert.Equal(t, types.McAnswer{Index: 2}, d.Answer)

	prior, _ := before.Draft(types.QuestionMC, 0)
	assert.NoError(t, prior.Err, "reducer must not mutate earlier states")

	s = Reduce(s, SubmissionConfirmed{Response: types.Response{ParticipantID: "p1", QuestionType: types.QuestionMC, QuestionIndex: 0}})
	d, _ = s.Draft(types.QuestionMC, 0)
	assert.True(t, d.Submitted)
	assert.Len(t, s.Responses, 1)
}

func TestReduce_JoinReplaysNotificationsHeldWhileLoading(t *testing.T) {
	s := Reduce(State{}, JoinRequested{})
	s = Reduce(s, SessionChanged{Session: types.Session{ID: "s1", Revision: 2, CurrentSection: types.SectionMC, CurrentQuestionIndex: 1}})
	s = Reduce(s, ParticipantChanged{Participant: types.Participant{ID: "p2", SessionID: "s1"}})
	s = Reduce(s, PromptReceived{Prompt: types.Prompt{ID: "a", SessionID: "s1"}})
	assert.Nil(t, s.Session, "nothing shows before the snapshot")

	// the snapshot's session row was read before the move
	s = Reduce(s, JoinSucceeded{Snapshot: Snapshot{
		Session:      types.Session{ID: "s1", Revision: 1},
		Participant:  types.Participant{ID: "p1", SessionID: "s1"},
		Participants: []types.Participant{{ID: "p1", SessionID: "s1"}},
	}})
	assert.Equal(t, Joined, s.Conn)
	assert.Equal(t, int64(2), s.Session.Revision)
	assert.Equal(t, position.Position{Section: types.SectionMC, Index: 1}, s.Position())
	assert.Len(t, s.Participants, 2)
	require.NotNil(t, s.Prompt)
	assert.Equal(t, "a", s.Prompt.ID)

	// later notifications apply directly
	s = Reduce(s, ParticipantChanged{Participant: types.Participant{ID: "p3", SessionID: "s1"}})
	assert.Len(t, s.Participants, 3)
}

func TestReduce_ResyncMergesRoster(t *testing.T) {
	s := joined(types.Session{ID: "s1", Revision: 1})
	s = Reduce(s, ParticipantChanged{Participant: types.Participant{ID: "p1", SessionID: "s1"}})
	s = Reduce(s, ChannelLost{})
	s = Reduce(s, ResyncStarted{})
	s = Reduce(s, ParticipantChanged{Participant: types.Participant{ID: "p2", SessionID: "s1", IsOnline: true}})

	s = Reduce(s, Resynced{Snapshot: Snapshot{
		Session:      types.Session{ID: "s1", Revision: 1},
		Participant:  types.Participant{ID: "p1", SessionID: "s1", IsOnline: true},
		Participants: []types.Participant{{ID: "p1", SessionID: "s1", IsOnline: true}},
	}})
	assert.Equal(t, Joined, s.Conn)
	require.Len(t, s.Participants, 2)
	assert.True(t, s.Participants[0].IsOnline)
	assert.Equal(t, "p2", s.Participants[1].ID)
}

func TestReduce_FailedResyncDropsHeldNotifications(t *testing.T) {
	s := joined(types.Session{ID: "s1"})
	s = Reduce(s, ChannelLost{})
	s = Reduce(s, ResyncStarted{})
	s = Reduce(s, ParticipantChanged{Participant: types.Participant{ID: "p2", SessionID: "s1"}})
	s = Reduce(s, ReconnectFailed{Attempt: 1})

	assert.Empty(t, s.Participants)
	s = Reduce(s, ParticipantChanged{Participant: types.Participant{ID: "p2", SessionID: "s1"}})
	assert.Len(t, s.Participants, 1)
}
