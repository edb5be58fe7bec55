package teacher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ue1live/internal/memstore"
	"ue1live/pkg/position"
	"ue1live/pkg/types"
)

var lessonCounts = position.Counts{MC: 3, Writing: 2}

func fixedCodes(codes ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		code := codes[i%len(codes)]
		i++
		return code, nil
	}
}

func newCoordinator(t *testing.T, store *memstore.Store, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond)}, opts...)
	c := New(store, lessonCounts, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func storedSession(t *testing.T, store *memstore.Store, id string) types.Session {
	t.Helper()
	rows, err := store.Select(context.Background(), types.TableSessions, types.Filter{"id": id})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	s, err := types.SessionFromRow(rows[0])
	require.NoError(t, err)
	return s
}

func addParticipant(t *testing.T, store *memstore.Store, sessionID, student string) types.Participant {
	t.Helper()
	row, err := store.Upsert(context.Background(), types.TableParticipants, types.Row{
		"session_id":         sessionID,
		"student_identifier": student,
	}, []string{"session_id", "student_identifier"})
	require.NoError(t, err)
	p, err := types.ParticipantFromRow(row)
	require.NoError(t, err)
	return p
}

func addResponse(t *testing.T, store *memstore.Store, sessionID, participantID string, index int, correct bool) {
	t.Helper()
	_, err := store.Upsert(context.Background(), types.TableResponses, types.Row{
		"session_id":     sessionID,
		"participant_id": participantID,
		"question_type":  string(types.QuestionMC),
		"question_index": index,
		"response":       map[string]interface{}{"answer_index": 1, "answer_text": "4"},
		"is_correct":     correct,
	}, []string{"session_id", "participant_id", "question_type", "question_index"})
	require.NoError(t, err)
}

// gapStore runs write during the first Select of table, after the caller's
// subscriptions are open but before its snapshot is complete.
type gapStore struct {
	*memstore.Store
	table string
	write func()
	once  sync.Once
}

func (g *gapStore) Select(ctx context.Context, table string, filter types.Filter) ([]types.Row, error) {
	if table == g.table {
		g.once.Do(g.write)
	}
	return g.Store.Select(ctx, table, filter)
}

func TestCreateSession(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	c := newCoordinator(t, store, WithTeacherID("t-1"))

	session, err := c.CreateSession(context.Background(), "ue1-intro")
	require.NoError(t, err)

	assert.True(t, types.IsValidCode(session.Code))
	assert.Equal(t, types.StatusWaiting, session.Status)
	assert.Equal(t, position.Start, position.Of(session))
	assert.False(t, session.AllowAhead)
	assert.Equal(t, "ue1-intro", session.LessonID)
	assert.Equal(t, "t-1", session.TeacherID)

	stored := storedSession(t, store, session.ID)
	assert.Equal(t, session.Code, stored.Code)

	state := c.State()
	require.NotNil(t, state.Session)
	assert.Equal(t, session.ID, state.Session.ID)
	assert.Equal(t, 3, store.SubscriberCount())
}

func TestCreateSession_RetriesCollisions(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Upsert(ctx, types.TableSessions, types.Row{"code": "AAAAAA"}, []string{"id"})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, types.TableSessions, types.Row{"code": "BBBBBB", "status": "ended"}, []string{"id"})
	require.NoError(t, err)

	c := newCoordinator(t, store, WithCodeGenerator(fixedCodes("AAAAAA", "BBBBBB")))
	session, err := c.CreateSession(ctx, "l1")
	require.NoError(t, err)
	// an ended session's code may be reused
	assert.Equal(t, "BBBBBB", session.Code)
}

func TestCreateSession_GivesUpAfterMaxAttempts(t *testing.T) {
	store := memstore.New()
	defer store.Close()

	_, err := store.Upsert(context.Background(), types.TableSessions, types.Row{"code": "AAAAAA"}, []string{"id"})
	require.NoError(t, err)

	c := newCoordinator(t, store, WithCodeGenerator(fixedCodes("AAAAAA")), WithMaxCodeAttempts(3))
	_, err = c.CreateSession(context.Background(), "l1")
	assert.ErrorIs(t, err, types.ErrCreateFailed)
	assert.Nil(t, c.State().Session)
}

func TestCreateSession_StoreFailure(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	store.FailNext(memstore.OpUpsert, nil)

	c := newCoordinator(t, store)
	_, err := c.CreateSession(context.Background(), "l1")
	assert.ErrorIs(t, err, types.ErrCreateFailed)
}

func TestLifecycle(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()
	c := newCoordinator(t, store)

	session, err := c.CreateSession(ctx, "l1")
	require.NoError(t, err)

	assert.ErrorIs(t, c.TogglePause(ctx), types.ErrInvalidTransition)

	require.NoError(t, c.StartSession(ctx))
	assert.Equal(t, types.StatusActive, c.State().Session.Status)
	assert.Equal(t, int64(1), c.State().Session.Revision)

	// starting twice is a no-op
	require.NoError(t, c.StartSession(ctx))
	assert.Equal(t, int64(1), storedSession(t, store, session.ID).Revision)

	require.NoError(t, c.TogglePause(ctx))
	assert.Equal(t, types.StatusPaused, c.State().Session.Status)
	require.NoError(t, c.TogglePause(ctx))
	assert.Equal(t, types.StatusActive, c.State().Session.Status)

	require.NoError(t, c.EndSession(ctx))
	ended := storedSession(t, store, session.ID)
	assert.Equal(t, types.StatusEnded, ended.Status)
	assert.NotNil(t, ended.EndedAt)

	assert.ErrorIs(t, c.StartSession(ctx), types.ErrSessionEnded)
	assert.ErrorIs(t, c.TogglePause(ctx), types.ErrSessionEnded)
	assert.ErrorIs(t, c.EndSession(ctx), types.ErrSessionEnded)
	assert.ErrorIs(t, c.ToggleAllowAhead(ctx), types.ErrSessionEnded)
	assert.ErrorIs(t, c.UpdatePosition(ctx, types.SectionMC, 0), types.ErrSessionEnded)
	assert.ErrorIs(t, c.SendPrompt(ctx, types.PromptMessage, "hi"), types.ErrSessionEnded)
	assert.Equal(t, ended.Revision, storedSession(t, store, session.ID).Revision)
}

func TestMutationsWithoutSession(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	c := newCoordinator(t, store)
	assert.ErrorIs(t, c.StartSession(context.Background()), types.ErrNoSession)
	assert.ErrorIs(t, c.Advance(context.Background(), position.Next), types.ErrNoSession)
}

func TestOperationFailed_LeavesStateUnchanged(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()
	c := newCoordinator(t, store)

	_, err := c.CreateSession(ctx, "l1")
	require.NoError(t, err)

	store.FailNext(memstore.OpUpdate, nil)
	err = c.StartSession(ctx)
	require.ErrorIs(t, err, types.ErrOperationFailed)

	state := c.State()
	assert.Equal(t, types.StatusWaiting, state.Session.Status)
	assert.ErrorIs(t, state.Notice, types.ErrOperationFailed)

	require.NoError(t, c.StartSession(ctx))
	assert.Nil(t, c.State().Notice)
	assert.Equal(t, types.StatusActive, c.State().Session.Status)
}

func TestUpdatePosition_SendsFocusPrompt(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()
	c := newCoordinator(t, store)

	session, err := c.CreateSession(ctx, "l1")
	require.NoError(t, err)
	require.NoError(t, c.StartSession(ctx))

	require.NoError(t, c.UpdatePosition(ctx, types.SectionMC, 0))
	assert.Equal(t, position.Position{Section: types.SectionMC, Index: 0}, position.Of(c.State().Session))

	rows, err := store.Select(ctx, types.TablePrompts, types.Filter{"session_id": session.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(types.PromptFocus), rows[0].String("prompt_type"))
	assert.Equal(t, "Multiple choice 1 of 3", rows[0].String("content"))

	assert.ErrorIs(t, c.UpdatePosition(ctx, types.SectionMC, 3), types.ErrInvalidIndex)
	assert.ErrorIs(t, c.UpdatePosition(ctx, types.SectionWriting, -1), types.ErrInvalidIndex)
	assert.ErrorIs(t, c.UpdatePosition(ctx, "quiz", 0), types.ErrInvalidSection)
}

func TestAdvance(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()
	c := newCoordinator(t, store)

	session, err := c.CreateSession(ctx, "l1")
	require.NoError(t, err)
	require.NoError(t, c.StartSession(ctx))

	require.NoError(t, c.Advance(ctx, position.Prev))
	assert.Equal(t, int64(1), storedSession(t, store, session.ID).Revision, "prev on notes must not write")

	var pages []int
	for i := 0; i < 6; i++ {
		require.NoError(t, c.Advance(ctx, position.Next))
		pages = append(pages, position.Of(c.State().Session).Page(lessonCounts))
	}
	assert.Equal(t, []int{2, 3, 4, 5, 6, 6}, pages)
	assert.Equal(t, position.Position{Section: types.SectionWriting, Index: 1}, position.Of(c.State().Session))
}

func TestSendPrompt_Validation(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()
	c := newCoordinator(t, store)

	_, err := c.CreateSession(ctx, "l1")
	require.NoError(t, err)

	assert.ErrorIs(t, c.SendPrompt(ctx, "shout", "x"), types.ErrInvalidPromptType)
	long := make([]byte, 1001)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, c.SendPrompt(ctx, types.PromptMessage, string(long)), types.ErrContentTooLarge)

	store.FailNext(memstore.OpUpsert, nil)
	assert.ErrorIs(t, c.SendPrompt(ctx, types.PromptTimer, "2 minutes"), types.ErrOperationFailed)
	require.NoError(t, c.SendPrompt(ctx, types.PromptTimer, "2 minutes"))
}

func TestToggleAllowAhead(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()
	c := newCoordinator(t, store)

	_, err := c.CreateSession(ctx, "l1")
	require.NoError(t, err)

	require.NoError(t, c.ToggleAllowAhead(ctx))
	assert.True(t, c.State().Session.AllowAhead)
	require.NoError(t, c.ToggleAllowAhead(ctx))
	assert.False(t, c.State().Session.AllowAhead)
}

func TestResponseStats_FollowNotifications(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()
	c := newCoordinator(t, store)

	session, err := c.CreateSession(ctx, "l1")
	require.NoError(t, err)
	require.NoError(t, c.StartSession(ctx))
	require.NoError(t, c.UpdatePosition(ctx, types.SectionMC, 0))

	alice := addParticipant(t, store, session.ID, "alice")
	bob := addParticipant(t, store, session.ID, "bob")
	carol := addParticipant(t, store, session.ID, "carol")
	addResponse(t, store, session.ID, alice.ID, 0, true)
	addResponse(t, store, session.ID, bob.ID, 0, false)
	addResponse(t, store, session.ID, carol.ID, 1, true)

	want := types.ResponseStats{Total: 2, Correct: 1, Incorrect: 1, Pending: 1}
	require.Eventually(t, func() bool {
		return c.ResponseStats(types.QuestionMC, 0) == want
	}, 2*time.Second, 10*time.Millisecond)

	stats, ok := c.CurrentStats()
	require.True(t, ok)
	assert.Equal(t, want, stats)

	// bob changes his mind: still one row for his slot
	addResponse(t, store, session.ID, bob.ID, 0, true)
	require.Eventually(t, func() bool {
		return c.ResponseStats(types.QuestionMC, 0) == types.ResponseStats{Total: 2, Correct: 2, Pending: 1}
	}, 2*time.Second, 10*time.Millisecond)

	roster := c.Participants()
	require.Len(t, roster, 3)
	assert.Equal(t, "alice", roster[0].Participant.StudentIdentifier)
	assert.NotEmpty(t, roster[0].Alias.Name)
}

func TestResubscribesAfterLoss(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()
	c := newCoordinator(t, store)

	session, err := c.CreateSession(ctx, "l1")
	require.NoError(t, err)

	store.SeverSubscriptions()
	// written while the feed is down; the resync must pick it up
	addParticipant(t, store, session.ID, "alice")

	require.Eventually(t, func() bool {
		return len(c.State().Participants) == 1 && store.SubscriberCount() == 3
	}, 2*time.Second, 10*time.Millisecond)

	addParticipant(t, store, session.ID, "bob")
	require.Eventually(t, func() bool {
		return len(c.State().Participants) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResume(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	first := newCoordinator(t, store)
	session, err := first.CreateSession(ctx, "l1")
	require.NoError(t, err)
	require.NoError(t, first.StartSession(ctx))
	require.NoError(t, first.Close())
	assert.ErrorIs(t, first.StartSession(ctx), ErrClosed)

	second := newCoordinator(t, store)
	resumed, err := second.Resume(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, resumed.Status)

	require.NoError(t, second.TogglePause(ctx))
	assert.Equal(t, int64(2), storedSession(t, store, session.ID).Revision)

	_, err = second.Resume(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestResume_KeepsRowsWrittenWhileLoading(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	first := newCoordinator(t, store)
	session, err := first.CreateSession(ctx, "l1")
	require.NoError(t, err)
	require.NoError(t, first.StartSession(ctx))
	require.NoError(t, first.UpdatePosition(ctx, types.SectionMC, 0))
	require.NoError(t, first.Close())

	// alice joins after the roster was read but before responses are
	gap := &gapStore{Store: store, table: types.TableResponses}
	gap.write = func() {
		addParticipant(t, store, session.ID, "alice")
		time.Sleep(50 * time.Millisecond)
	}
	c := New(gap, lessonCounts, WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond))
	defer c.Close()

	_, err = c.Resume(ctx, session.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(c.State().Participants) == 1
	}, 2*time.Second, 10*time.Millisecond)
	stats, ok := c.CurrentStats()
	require.True(t, ok)
	assert.Equal(t, types.ResponseStats{Pending: 1}, stats)
}

func TestResubscribe_KeepsRowsWrittenWhileLoading(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	gap := &gapStore{Store: store, table: types.TableResponses, write: func() {}}
	c := New(gap, lessonCounts, WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond))
	defer c.Close()

	session, err := c.CreateSession(ctx, "l1")
	require.NoError(t, err)
	alice := addParticipant(t, store, session.ID, "alice")
	require.Eventually(t, func() bool {
		return len(c.State().Participants) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// arm the next snapshot: bob joins and alice answers mid-load
	gap.once = sync.Once{}
	gap.write = func() {
		addParticipant(t, store, session.ID, "bob")
		addResponse(t, store, session.ID, alice.ID, 0, true)
		time.Sleep(50 * time.Millisecond)
	}
	store.SeverSubscriptions()

	require.Eventually(t, func() bool {
		s := c.State()
		return len(s.Participants) == 2 && len(s.Responses) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.ResponseStats{Total: 1, Correct: 1, Pending: 1}, c.ResponseStats(types.QuestionMC, 0))
}

func TestListener(t *testing.T) {
	store := memstore.New()
	defer store.Close()

	seen := make(chan State, 16)
	c := newCoordinator(t, store, WithListener(func(s State) {
		select {
		case seen <- s:
		default:
		}
	}))
	_, err := c.CreateSession(context.Background(), "l1")
	require.NoError(t, err)

	select {
	case s := <-seen:
		require.NotNil(t, s.Session)
		assert.Equal(t, types.StatusWaiting, s.Session.Status)
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.True(t, types.IsValidCode(code), code)
	}
}
