// Package teacher drives a live session from the presenter's side. It is the
// only writer of a session's status, position and free-pace flag.
package teacher

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"ue1live/internal/backoff"
	"ue1live/internal/pseudonym"
	"ue1live/internal/subscriptions"
	"ue1live/pkg/interfaces"
	"ue1live/pkg/position"
	"ue1live/pkg/types"
)

// DefaultMaxCodeAttempts bounds join code allocation retries.
const DefaultMaxCodeAttempts = 5

// RosterEntry is a participant as shown on the teacher dashboard.
type RosterEntry struct {
	Participant types.Participant
	Alias       pseudonym.Alias
}

// Coordinator implements interfaces.TeacherCoordinator.
// ARCHITECTURAL DISCOVERY: confirm-then-render; the local snapshot changes
// only through Reduce with rows the store returned or notified
type Coordinator struct {
	store  interfaces.RealtimeStore
	counts position.Counts

	teacherID       string
	maxCodeAttempts int
	newCode         func() (string, error)
	now             func() time.Time
	retryBase       time.Duration
	retryMax        time.Duration
	listener        func(State)

	// writeMu serialises mutations so each one reads the latest confirmed row
	writeMu sync.Mutex

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

var _ interfaces.TeacherCoordinator = (*Coordinator)(nil)

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithTeacherID records who owns created sessions.
func WithTeacherID(id string) Option {
	return func(c *Coordinator) { c.teacherID = id }
}

// WithMaxCodeAttempts bounds code allocation retries.
func WithMaxCodeAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxCodeAttempts = n
		}
	}
}

// WithCodeGenerator replaces GenerateCode.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(c *Coordinator) { c.newCode = gen }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithReconnectBackoff sets the resubscribe delay after a lost feed.
func WithReconnectBackoff(base, max time.Duration) Option {
	return func(c *Coordinator) {
		c.retryBase = base
		c.retryMax = max
	}
}

// WithListener is called with every new state. It may run on any goroutine.
func WithListener(fn func(State)) Option {
	return func(c *Coordinator) { c.listener = fn }
}

// New creates a coordinator for a lesson with the given question counts.
func New(store interfaces.RealtimeStore, counts position.Counts, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:           store,
		counts:          counts,
		maxCodeAttempts: DefaultMaxCodeAttempts,
		newCode:         GenerateCode,
		now:             time.Now,
		retryBase:       time.Second,
		retryMax:        30 * time.Second,
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

// Counts returns the lesson's question counts.
func (c *Coordinator) Counts() position.Counts {
	return c.counts
}

func (c *Coordinator) dispatch(e Event) {
	c.mu.Lock()
	c.state = Reduce(c.state, e)
	snapshot := c.state
	listener := c.listener
	c.mu.Unlock()

	if listener != nil {
		listener(snapshot)
	}
}

// CreateSession allocates a fresh join code and attaches to the new session.
func (c *Coordinator) CreateSession(ctx context.Context, lessonID string) (*types.Session, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return nil, ErrClosed
	}

	for attempt := 1; attempt <= c.maxCodeAttempts; attempt++ {
		code, err := c.newCode()
		if err != nil {
			return nil, errors.Wrap(types.ErrCreateFailed, err.Error())
		}

		taken, err := c.codeInUse(ctx, code)
		if err != nil {
			log.Printf("Session code check failed: %v", err)
			return nil, errors.Wrap(types.ErrCreateFailed, "check code")
		}
		if taken {
			log.Printf("Session code %s in use (attempt %d/%d)", code, attempt, c.maxCodeAttempts)
			continue
		}

		row, err := c.store.Upsert(ctx, types.TableSessions, types.Row{
			"id":                     uuid.New().String(),
			"code":                   code,
			"lesson_id":              lessonID,
			"teacher_id":             c.teacherID,
			"status":                 string(types.StatusWaiting),
			"current_section":        string(types.SectionNotes),
			"current_question_index": 0,
			"allow_ahead":            false,
			"revision":               0,
		}, []string{"id"})
		if errors.Is(err, interfaces.ErrConflict) {
			// FUNCTIONAL DISCOVERY: another teacher took the code between check and insert
			log.Printf("Session code %s taken concurrently (attempt %d/%d)", code, attempt, c.maxCodeAttempts)
			continue
		}
		if err != nil {
			log.Printf("Session insert failed: %v", err)
			return nil, errors.Wrap(types.ErrCreateFailed, "insert session")
		}

		session, err := types.SessionFromRow(row)
		if err != nil {
			return nil, errors.Wrap(types.ErrCreateFailed, err.Error())
		}
		log.Printf("Created session %s with code %s for lesson %q", session.ID, session.Code, lessonID)

		c.dispatch(Synced{Session: session})
		c.follow(ctx, session.ID)
		return &session, nil
	}
	return nil, types.ErrCreateFailed
}

func (c *Coordinator) codeInUse(ctx context.Context, code string) (bool, error) {
	rows, err := c.store.Select(ctx, types.TableSessions, types.Filter{"code": code})
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if row.String("status") != string(types.StatusEnded) {
			return true, nil
		}
	}
	return false, nil
}

// Resume attaches to an existing session, e.g. after the teacher's page reloads.
func (c *Coordinator) Resume(ctx context.Context, sessionID string) (*types.Session, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return nil, ErrClosed
	}

	rows, err := c.store.Select(ctx, types.TableSessions, types.Filter{"id": sessionID})
	if err != nil {
		log.Printf("Session lookup failed: %v", err)
		return nil, types.ErrOperationFailed
	}
	if len(rows) == 0 {
		return nil, types.ErrSessionNotFound
	}
	session, err := types.SessionFromRow(rows[0])
	if err != nil {
		return nil, errors.Wrap(types.ErrOperationFailed, err.Error())
	}

	c.dispatch(Synced{Session: session})
	c.follow(ctx, session.ID)
	return &session, nil
}

// StartSession moves a waiting session to active. Any other status is left alone.
func (c *Coordinator) StartSession(ctx context.Context) error {
	return c.mutate(ctx, "start", func(s types.Session) (types.Row, error) {
		if s.Status != types.StatusWaiting {
			return nil, nil
		}
		return types.Row{"status": string(types.StatusActive)}, nil
	})
}

// TogglePause flips active and paused.
func (c *Coordinator) TogglePause(ctx context.Context) error {
	return c.mutate(ctx, "pause", func(s types.Session) (types.Row, error) {
		switch s.Status {
		case types.StatusActive:
			return types.Row{"status": string(types.StatusPaused)}, nil
		case types.StatusPaused:
			return types.Row{"status": string(types.StatusActive)}, nil
		default:
			return nil, types.ErrInvalidTransition
		}
	})
}

// EndSession ends the session. Every later mutation fails with ErrSessionEnded.
func (c *Coordinator) EndSession(ctx context.Context) error {
	return c.mutate(ctx, "end", func(s types.Session) (types.Row, error) {
		return types.Row{
			"status":   string(types.StatusEnded),
			"ended_at": c.now().UTC(),
		}, nil
	})
}

// ToggleAllowAhead flips free-pace mode.
func (c *Coordinator) ToggleAllowAhead(ctx context.Context) error {
	return c.mutate(ctx, "allow_ahead", func(s types.Session) (types.Row, error) {
		return types.Row{"allow_ahead": !s.AllowAhead}, nil
	})
}

// UpdatePosition broadcasts a new position and a focus prompt naming it.
func (c *Coordinator) UpdatePosition(ctx context.Context, section types.Section, index int) error {
	if !types.IsValidSection(section) {
		return types.ErrInvalidSection
	}
	if index < 0 {
		return types.ErrInvalidIndex
	}
	p := position.Position{Section: section, Index: index}.Normalize()
	if !p.Valid(c.counts) {
		return errors.Wrapf(types.ErrInvalidIndex, "%s is outside the lesson", p)
	}

	err := c.mutate(ctx, "position", func(s types.Session) (types.Row, error) {
		return types.Row{
			"current_section":        string(p.Section),
			"current_question_index": p.Index,
		}, nil
	})
	if err != nil {
		return err
	}
	return c.SendPrompt(ctx, types.PromptFocus, position.Label(p, c.counts))
}

// Advance moves the broadcast position one page. At either end it is a no-op.
func (c *Coordinator) Advance(ctx context.Context, dir position.Direction) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	from := position.Clamp(position.Of(&s), c.counts)
	to := position.Advance(from, c.counts, dir)
	if to == position.Of(&s).Normalize() {
		return nil
	}
	return c.UpdatePosition(ctx, to.Section, to.Index)
}

// SendPrompt broadcasts an ephemeral prompt to the class.
func (c *Coordinator) SendPrompt(ctx context.Context, promptType types.PromptType, content string) error {
	prompt := types.Prompt{PromptType: promptType, Content: content}
	if err := prompt.Validate(); err != nil {
		return err
	}
	s, err := c.current()
	if err != nil {
		return err
	}

	_, err = c.store.Upsert(ctx, types.TablePrompts, types.Row{
		"id":          uuid.New().String(),
		"session_id":  s.ID,
		"prompt_type": string(promptType),
		"content":     content,
	}, []string{"id"})
	if err != nil {
		return c.fail("prompt", err)
	}
	return nil
}

// ResponseStats tallies the cached responses to one question.
func (c *Coordinator) ResponseStats(questionType types.QuestionType, index int) types.ResponseStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.Tally(c.state.Responses, questionType, index, len(c.state.Participants))
}

// CurrentStats tallies the question at the broadcast position. ok is false on notes.
func (c *Coordinator) CurrentStats() (stats types.ResponseStats, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Session == nil {
		return types.ResponseStats{}, false
	}
	qt, ok := types.QuestionTypeFor(c.state.Session.CurrentSection)
	if !ok {
		return types.ResponseStats{}, false
	}
	return types.Tally(c.state.Responses, qt, c.state.Session.CurrentQuestionIndex, len(c.state.Participants)), true
}

// Participants returns the roster in join order with display pseudonyms.
func (c *Coordinator) Participants() []RosterEntry {
	c.mu.Lock()
	participants := c.state.Participants
	c.mu.Unlock()

	roster := make([]RosterEntry, len(participants))
	for i, p := range participants {
		roster[i] = RosterEntry{Participant: p, Alias: pseudonym.For(p.ID)}
	}
	return roster
}

// ClearNotice dismisses the current operation failure notice.
func (c *Coordinator) ClearNotice() {
	c.dispatch(NoticeCleared{})
}

// Close detaches from the session. The session itself is left as is.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.unfollow()
	return nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// current returns the confirmed session if it still accepts mutations.
func (c *Coordinator) current() (types.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return types.Session{}, ErrClosed
	case c.state.Session == nil:
		return types.Session{}, types.ErrNoSession
	case c.state.Session.Status.IsTerminal():
		return types.Session{}, types.ErrSessionEnded
	}
	return *c.state.Session, nil
}

// mutate writes the change computed from the latest confirmed session and
// applies the returned row. A nil change skips the write.
func (c *Coordinator) mutate(ctx context.Context, op string, change func(types.Session) (types.Row, error)) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	s, err := c.current()
	if err != nil {
		return err
	}
	set, err := change(s)
	if err != nil || set == nil {
		return err
	}
	set["revision"] = s.Revision + 1

	row, err := c.store.Update(ctx, types.TableSessions, set, types.Filter{"id": s.ID})
	if err != nil {
		return c.fail(op, err)
	}
	confirmed, err := types.SessionFromRow(row)
	if err != nil {
		return c.fail(op, err)
	}

	c.dispatch(SessionConfirmed{Session: confirmed})
	log.Printf("Session %s %s: status=%s position=%s revision=%d",
		confirmed.ID, op, confirmed.Status, position.Of(&confirmed), confirmed.Revision)
	return nil
}

// fail turns a store error into an operation failure notice.
func (c *Coordinator) fail(op string, err error) error {
	log.Printf("Teacher operation %s failed: %v", op, err)
	c.dispatch(OperationFailed{Op: op, Err: err})
	return errors.Wrap(types.ErrOperationFailed, op)
}

// follow subscribes to the session's changes and keeps the subscriptions
// alive until unfollow. The first attempt runs on the caller's goroutine so
// notifications for writes made after it returns are never missed.
func (c *Coordinator) follow(ctx context.Context, sessionID string) {
	c.unfollow()

	g, err := c.attach(ctx, sessionID)
	if err != nil {
		log.Printf("Teacher feed for session %s unavailable, retrying: %v", sessionID, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.watch(watchCtx, sessionID, g, done)
}

func (c *Coordinator) unfollow() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Coordinator) watch(ctx context.Context, sessionID string, g *subscriptions.Group, done chan struct{}) {
	defer close(done)
	for {
		if g != nil {
			select {
			case <-ctx.Done():
				g.Close()
				return
			case <-g.Lost():
				g.Close()
				log.Printf("Teacher feed for session %s lost, resubscribing", sessionID)
			}
		}

		g = nil
		for attempt := 0; g == nil; attempt++ {
			timer := time.NewTimer(backoff.Delay(attempt, c.retryBase, c.retryMax))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			var err error
			if g, err = c.attach(ctx, sessionID); err != nil {
				log.Printf("Teacher resubscribe attempt %d for session %s failed: %v", attempt+1, sessionID, err)
			}
		}
	}
}

// attach subscribes first and then pulls the snapshot, so no write falls
// between the two. Notifications delivered while the snapshot loads are held
// by Reduce and replayed on top of it.
func (c *Coordinator) attach(ctx context.Context, sessionID string) (*subscriptions.Group, error) {
	c.dispatch(SyncStarted{})
	g, err := subscriptions.Open(ctx, c.store,
		subscriptions.Feed{Table: types.TableSessions, Filter: types.Filter{"id": sessionID}, OnChange: c.onSession},
		subscriptions.Feed{Table: types.TableParticipants, Filter: types.Filter{"session_id": sessionID}, OnChange: c.onParticipant},
		subscriptions.Feed{Table: types.TableResponses, Filter: types.Filter{"session_id": sessionID}, OnChange: c.onResponse},
	)
	if err != nil {
		c.dispatch(SyncFailed{})
		return nil, err
	}
	if err := c.resync(ctx, sessionID); err != nil {
		g.Close()
		c.dispatch(SyncFailed{})
		return nil, err
	}
	return g, nil
}

func (c *Coordinator) resync(ctx context.Context, sessionID string) error {
	rows, err := c.store.Select(ctx, types.TableSessions, types.Filter{"id": sessionID})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return types.ErrSessionNotFound
	}
	session, err := types.SessionFromRow(rows[0])
	if err != nil {
		return err
	}

	rows, err = c.store.Select(ctx, types.TableParticipants, types.Filter{"session_id": sessionID})
	if err != nil {
		return err
	}
	participants, err := types.ParticipantsFromRows(rows)
	if err != nil {
		return err
	}

	rows, err = c.store.Select(ctx, types.TableResponses, types.Filter{"session_id": sessionID})
	if err != nil {
		return err
	}
	responses, err := types.ResponsesFromRows(rows)
	if err != nil {
		return err
	}

	c.dispatch(Synced{Session: session, Participants: participants, Responses: responses})
	return nil
}

func (c *Coordinator) onSession(event types.ChangeEvent) {
	session, err := types.SessionFromRow(event.Row)
	if err != nil {
		log.Printf("Dropping undecodable session change: %v", err)
		return
	}
	c.dispatch(SessionConfirmed{Session: session})
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
