// Package student mirrors a live session for one student and writes only
// that student's own participant and response rows.
package student

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"ue1live/internal/backoff"
	"ue1live/internal/lesson"
	"ue1live/internal/subscriptions"
	"ue1live/pkg/interfaces"
	"ue1live/pkg/position"
	"ue1live/pkg/types"
)

// Defaults for the reconnection and prompt timers.
const (
	DefaultPromptTTL            = 10 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBase        = time.Second
	DefaultReconnectMax         = 30 * time.Second

	maxSectionLabel = 100
	leaveTimeout    = 5 * time.Second
)

var responseKey = []string{"session_id", "participant_id", "question_type", "question_index"}

// Coordinator implements interfaces.StudentCoordinator.
type Coordinator struct {
	store      interfaces.RealtimeStore
	identifier string

	catalog     *lesson.Catalog
	promptTTL   time.Duration
	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
	now         func() time.Time
	listener    func(State)

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	timers map[string]*time.Timer
}

var _ interfaces.StudentCoordinator = (*Coordinator)(nil)

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithCatalog lets the coordinator resolve the joined session's lesson.
func WithCatalog(c *lesson.Catalog) Option {
	return func(s *Coordinator) { s.catalog = c }
}

// WithPromptTTL sets how long timer and message prompts stay on screen.
func WithPromptTTL(d time.Duration) Option {
	return func(s *Coordinator) { s.promptTTL = d }
}

// WithReconnect sets the resubscribe backoff and the number of consecutive
// failures after which the loss is surfaced.
func WithReconnect(base, max time.Duration, attempts int) Option {
	return func(s *Coordinator) {
		s.retryBase = base
		s.retryMax = max
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Coordinator) { s.now = now }
}

// WithListener is called with every new state. It may run on any goroutine.
func WithListener(fn func(State)) Option {
	return func(s *Coordinator) { s.listener = fn }
}

// New creates a coordinator for the student identified by identifier.
// The identifier is stable across reloads so a rejoin reuses the
// participant row.
func New(store interfaces.RealtimeStore, identifier string, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		identifier:  identifier,
		promptTTL:   DefaultPromptTTL,
		maxAttempts: DefaultMaxReconnectAttempts,
		retryBase:   DefaultReconnectBase,
		retryMax:    DefaultReconnectMax,
		now:         time.Now,
		state:       State{Conn: Disconnected},
		timers:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PromptTTL is how long timer and message prompts are shown.
func (c *Coordinator) PromptTTL() time.Duration {
	return c.promptTTL
}

// Lesson returns the joined session's lesson when a catalog is configured.
func (c *Coordinator) Lesson() (*lesson.Lesson, bool) {
	s := c.State()
	if c.catalog == nil || s.Session == nil {
		return nil, false
	}
	l, err := c.catalog.Get(s.Session.LessonID)
	if err != nil {
		return nil, false
	}
	return l, true
}

func (c *Coordinator) dispatch(e Event) State {
	c.mu.Lock()
	c.state = Reduce(c.state, e)
	snapshot := c.state
	listener := c.listener
	c.mu.Unlock()

	if listener != nil {
		listener(snapshot)
	}
	return snapshot
}

// Join looks the code up, registers the student and starts mirroring the
// session. A previous session is left first.
func (c *Coordinator) Join(ctx context.Context, code, displayName string) error {
	code = types.NormalizeCode(code)
	if !types.IsValidCode(code) {
		c.dispatch(JoinFailed{Err: types.ErrInvalidCode})
		return types.ErrInvalidCode
	}
	if len(c.identifier) == 0 || len(c.identifier) > 100 {
		c.dispatch(JoinFailed{Err: types.ErrInvalidIdentifier})
		return types.ErrInvalidIdentifier
	}
	if err := types.Validate.Var(displayName, "max=50"); err != nil {
		c.dispatch(JoinFailed{Err: types.ErrInvalidIdentifier})
		return errors.Wrap(types.ErrInvalidIdentifier, "display name too long")
	}

	if c.State().Conn != Disconnected {
		_ = c.Leave()
	}
	c.dispatch(JoinRequested{})

	session, err := c.findSession(ctx, code)
	if err != nil {
		c.dispatch(JoinFailed{Err: err})
		return err
	}

	row := types.Row{
		"session_id":         session.ID,
		"student_identifier": c.identifier,
		"is_online":          true,
	}
	if displayName != "" {
		row["display_name"] = displayName
	}
	stored, err := c.store.Upsert(ctx, types.TableParticipants, row, []string{"session_id", "student_identifier"})
	if err != nil {
		log.Printf("Join %s: participant upsert failed: %v", code, err)
		c.dispatch(JoinFailed{Err: types.ErrChannelLost})
		return types.ErrChannelLost
	}
	participant, err := types.ParticipantFromRow(stored)
	if err != nil {
		c.dispatch(JoinFailed{Err: types.ErrChannelLost})
		return errors.Wrap(types.ErrChannelLost, err.Error())
	}

	g, snap, err := c.attach(ctx, session.ID, participant.ID)
	if err != nil {
		log.Printf("Join %s: subscribe failed: %v", code, err)
		c.dispatch(JoinFailed{Err: types.ErrChannelLost})
		return types.ErrChannelLost
	}

	state := c.dispatch(JoinSucceeded{Snapshot: snap})
	if state.Prompt != nil {
		c.armPrompt(*state.Prompt)
	}
	log.Printf("Student %s joined session %s as participant %s", c.identifier, session.ID, participant.ID)

	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.watch(watchCtx, session.ID, participant.ID, g, done)
	return nil
}

// findSession picks the live session with code. A code whose sessions have
// all ended reports ErrSessionEnded.
func (c *Coordinator) findSession(ctx context.Context, code string) (types.Session, error) {
	rows, err := c.store.Select(ctx, types.TableSessions, types.Filter{"code": code})
	if err != nil {
		log.Printf("Join %s: session lookup failed: %v", code, err)
		return types.Session{}, types.ErrChannelLost
	}

	ended := false
	for _, row := range rows {
		s, err := types.SessionFromRow(row)
		if err != nil {
			log.Printf("Join %s: undecodable session row: %v", code, err)
			continue
		}
		if s.Status.IsTerminal() {
			ended = true
			continue
		}
		return s, nil
	}
	if ended {
		return types.Session{}, types.ErrSessionEnded
	}
	return types.Session{}, types.ErrSessionNotFound
}

// Leave stops mirroring the session and marks the student offline. The
// participant row and its responses are kept for a later rejoin.
func (c *Coordinator) Leave() error {
	c.stopWatching()
	c.stopTimers()

	s := c.State()
	c.dispatch(Left{})

	if s.Participant == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if _, err := c.store.Update(ctx, types.TableParticipants, types.Row{"is_online": false}, types.Filter{"id": s.Participant.ID}); err != nil {
		log.Printf("Failed to mark participant %s offline: %v", s.Participant.ID, err)
	}
	return nil
}

// UpdateSection reports where the student is, for the teacher's free-pace
// roster. Failures are logged and otherwise ignored.
func (c *Coordinator) UpdateSection(ctx context.Context, label string) error {
	s := c.State()
	if !s.attached() || s.Participant == nil {
		return types.ErrNotJoined
	}
	if len(label) > maxSectionLabel {
		label = label[:maxSectionLabel]
	}
	if _, err := c.store.Update(ctx, types.TableParticipants, types.Row{"current_section": label}, types.Filter{"id": s.Participant.ID}); err != nil {
		log.Printf("Section report for participant %s failed: %v", s.Participant.ID, err)
	}
	return nil
}

// SetDraft records an unsubmitted answer.
func (c *Coordinator) SetDraft(questionType types.QuestionType, index int, answer types.Answer) {
	c.dispatch(DraftChanged{Key: DraftKey{QuestionType: questionType, Index: index}, Answer: answer})
}

// SubmitResponse stores the student's answer to one question. Resubmitting
// overwrites the earlier answer. On failure the draft is kept unsubmitted.
func (c *Coordinator) SubmitResponse(ctx context.Context, questionType types.QuestionType, index int, answer types.Answer, isCorrect *bool) error {
	if !types.IsValidQuestionType(questionType) {
		return types.ErrInvalidQuestionType
	}
	if index < 0 {
		return types.ErrInvalidIndex
	}
	if answer == nil || answer.QuestionType() != questionType {
		return types.ErrInvalidAnswer
	}
	if err := types.Validate.Struct(answer); err != nil {
		return errors.Wrap(types.ErrInvalidAnswer, err.Error())
	}
	payload, err := types.EncodeAnswer(answer)
	if err != nil {
		return err
	}

	s := c.State()
	if !s.attached() || s.Participant == nil {
		return types.ErrNotJoined
	}
	if s.Session.Status.IsTerminal() {
		return types.ErrSessionEnded
	}

	key := DraftKey{QuestionType: questionType, Index: index}
	c.dispatch(DraftChanged{Key: key, Answer: answer, IsCorrect: isCorrect})

	row := types.Row{
		"session_id":     s.Session.ID,
		"participant_id": s.Participant.ID,
		"question_type":  string(questionType),
		"question_index": index,
		"response":       payload,
		"is_correct":     isCorrect,
	}
	stored, err := c.store.Upsert(ctx, types.TableResponses, row, responseKey)
	if err != nil {
		log.Printf("Submission %s[%d] for participant %s failed: %v", questionType, index, s.Participant.ID, err)
		c.dispatch(SubmissionFailed{Key: key, Err: types.ErrSubmissionFailed})
		return types.ErrSubmissionFailed
	}
	response, err := types.ResponseFromRow(stored)
	if err != nil {
		c.dispatch(SubmissionFailed{Key: key, Err: types.ErrSubmissionFailed})
		return errors.Wrap(types.ErrSubmissionFailed, err.Error())
	}
	c.dispatch(SubmissionConfirmed{Response: response})
	return nil
}

// SubmitMC answers multiple choice question index, grading it locally.
func (c *Coordinator) SubmitMC(ctx context.Context, index int, question lesson.McQuestion, selected int) error {
	correct := question.Grade(selected)
	return c.SubmitResponse(ctx, types.QuestionMC, index, question.Answer(selected), &correct)
}

// SubmitWriting answers writing task index. Writing is never graded.
func (c *Coordinator) SubmitWriting(ctx context.Context, index int, text string) error {
	return c.SubmitResponse(ctx, types.QuestionOpenEnded, index, types.OpenEndedAnswer{Text: text}, nil)
}

// Navigate moves the student's own position. Only allowed under free pace.
func (c *Coordinator) Navigate(section types.Section, index int) error {
	s := c.State()
	if !s.attached() {
		return types.ErrNotJoined
	}
	if !s.Session.AllowAhead {
		return types.ErrInvalidTransition
	}
	if !types.IsValidSection(section) {
		return types.ErrInvalidSection
	}
	if index < 0 {
		return types.ErrInvalidIndex
	}
	p := position.Position{Section: section, Index: index}.Normalize()
	if l, ok := c.Lesson(); ok {
		p = position.Clamp(p, l.Counts())
	}
	c.dispatch(Navigated{Position: p})
	return nil
}

// Step moves the student's own position one page under free pace.
func (c *Coordinator) Step(dir position.Direction) error {
	l, ok := c.Lesson()
	if !ok {
		return errors.Wrap(lesson.ErrLessonNotFound, "step needs lesson content")
	}
	s := c.State()
	next := position.Advance(s.Position(), l.Counts(), dir)
	return c.Navigate(next.Section, next.Index)
}

// DismissPrompt hides the current prompt.
func (c *Coordinator) DismissPrompt() {
	c.dispatch(PromptDismissed{})
}

// Close leaves the session.
func (c *Coordinator) Close() error {
	return c.Leave()
}

func (c *Coordinator) stopWatching() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Coordinator) stopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// watch owns the subscription group. On loss it resubscribes with backoff,
// re-fetches the snapshot and carries on.
// FUNCTIONAL DISCOVERY: events missed while disconnected are never replayed;
// the full re-fetch is what makes the screen correct again
func (c *Coordinator) watch(ctx context.Context, sessionID, participantID string, g *subscriptions.Group, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			g.Close()
			return
		case <-g.Lost():
			g.Close()
		}

		log.Printf("Student %s lost session %s feed, reconnecting", c.identifier, sessionID)
		c.dispatch(ChannelLost{})

		g = c.reconnect(ctx, sessionID, participantID)
		if g == nil {
			return
		}
	}
}

func (c *Coordinator) reconnect(ctx context.Context, sessionID, participantID string) *subscriptions.Group {
	for attempt := 0; ; attempt++ {
		timer := time.NewTimer(backoff.Delay(attempt, c.retryBase, c.retryMax))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		c.dispatch(ResyncStarted{})
		g, snap, err := c.attach(ctx, sessionID, participantID)
		if err != nil {
			failures := attempt + 1
			log.Printf("Student %s reconnect attempt %d failed: %v", c.identifier, failures, err)
			c.dispatch(ReconnectFailed{Attempt: failures, Escalate: failures >= c.maxAttempts})
			continue
		}

		state := c.dispatch(Resynced{Snapshot: snap})
		if state.Prompt != nil {
			c.armPrompt(*state.Prompt)
		}
		log.Printf("Student %s reconnected to session %s", c.identifier, sessionID)
		return g
	}
}

// attach subscribes to the four feeds a student mirrors, then pulls the
// snapshot. Subscribing first means no write can fall between the two;
// notifications delivered before the snapshot lands are held by Reduce and
// replayed on top of it.
func (c *Coordinator) attach(ctx context.Context, sessionID, participantID string) (*subscriptions.Group, Snapshot, error) {
	g, err := subscriptions.Open(ctx, c.store,
		subscriptions.Feed{Table: types.TableSessions, Filter: types.Filter{"id": sessionID}, OnChange: c.onSession},
		subscriptions.Feed{Table: types.TableParticipants, Filter: types.Filter{"session_id": sessionID}, OnChange: c.onParticipant},
		subscriptions.Feed{Table: types.TableResponses, Filter: types.Filter{"participant_id": participantID}, OnChange: c.onResponse},
		subscriptions.Feed{Table: types.TablePrompts, Filter: types.Filter{"session_id": sessionID}, OnChange: c.onPrompt},
	)
	if err != nil {
		return nil, Snapshot{}, err
	}

	snap, err := c.fetch(ctx, sessionID, participantID)
	if err != nil {
		g.Close()
		return nil, Snapshot{}, err
	}
	return g, snap, nil
}

func (c *Coordinator) fetch(ctx context.Context, sessionID, participantID string) (Snapshot, error) {
	var snap Snapshot

	rows, err := c.store.Select(ctx, types.TableSessions, types.Filter{"id": sessionID})
	if err != nil {
		return snap, err
	}
	if len(rows) == 0 {
		return snap, types.ErrSessionNotFound
	}
	if snap.Session, err = types.SessionFromRow(rows[0]); err != nil {
		return snap, err
	}

	rows, err = c.store.Select(ctx, types.TableParticipants, types.Filter{"session_id": sessionID})
	if err != nil {
		return snap, err
	}
	if snap.Participants, err = types.ParticipantsFromRows(rows); err != nil {
		return snap, err
	}
	found := false
	for _, p := range snap.Participants {
		if p.ID == participantID {
			snap.Participant = p
			found = true
		}
	}
	if !found {
		return snap, errors.Wrapf(types.ErrNotJoined, "participant %s", participantID)
	}

	rows, err = c.store.Select(ctx, types.TableResponses, types.Filter{"participant_id": participantID})
	if err != nil {
		return snap, err
	}
	if snap.Responses, err = types.ResponsesFromRows(rows); err != nil {
		return snap, err
	}
	return snap, nil
}

func (c *Coordinator) onSession(event types.ChangeEvent) {
	session, err := types.SessionFromRow(event.Row)
	if err != nil {
		log.Printf("Dropping undecodable session change: %v", err)
		return
	}

	before := c.State()
	c.dispatch(SessionChanged{Session: session})

	// FUNCTIONAL DISCOVERY: on resume the position may have moved while the
	// class was paused; pull the row rather than trust notification order
	if before.Session != nil && before.Session.Status == types.StatusPaused && session.Status == types.StatusActive {
		c.pullSession(session.ID)
	}
}

func (c *Coordinator) pullSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	rows, err := c.store.Select(ctx, types.TableSessions, types.Filter{"id": sessionID})
	if err != nil || len(rows) == 0 {
		log.Printf("Session %s pull after resume failed: %v", sessionID, err)
		return
	}
	session, err := types.SessionFromRow(rows[0])
	if err != nil {
		log.Printf("Dropping undecodable session row: %v", err)
		return
	}
	c.dispatch(SessionChanged{Session: session})
}

func (c *Coordinator) onParticipant(event types.ChangeEvent) {
	p, err := types.ParticipantFromRow(event.Row)
	if err != nil {
		log.Printf("Dropping undecodable participant change: %v", err)
		return
	}
	c.dispatch(ParticipantChanged{Participant: p})
}

func (c *Coordinator) onResponse(event types.ChangeEvent) {
	r, err := types.ResponseFromRow(event.Row)
	if err != nil {
		log.Printf("Dropping undecodable response change: %v", err)
		return
	}
	c.dispatch(ResponseChanged{Response: r})
}

func (c *Coordinator) onPrompt(event types.ChangeEvent) {
	if event.Type != types.ChangeInsert {
		return
	}
	p, err := types.PromptFromRow(event.Row)
	if err != nil {
		log.Printf("Dropping undecodable prompt: %v", err)
		return
	}

	state := c.dispatch(PromptReceived{Prompt: p, At: c.now()})
	if state.Prompt == nil || state.Prompt.ID != p.ID {
		return
	}
	c.armPrompt(p)
}

// armPrompt hides a timer or message prompt once its time is up. Focus
// prompts stay until dismissed.
func (c *Coordinator) armPrompt(p types.Prompt) {
	if p.PromptType == types.PromptFocus {
		return
	}
	id := p.ID
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, armed := c.timers[id]; armed {
		return
	}
	c.timers[id] = time.AfterFunc(c.promptTTL, func() {
		c.mu.Lock()
		delete(c.timers, id)
		c.mu.Unlock()
		c.dispatch(PromptExpired{ID: id})
	})
}
