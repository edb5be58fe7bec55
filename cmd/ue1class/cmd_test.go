package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ue1live/internal/lesson"
	"ue1live/internal/memstore"
	"ue1live/internal/teacher"
	"ue1live/pkg/position"
	"ue1live/pkg/types"
)

const lessonsDir = "../../lessons"

// lockedBuffer is written by listeners on other goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// sharedStore survives the command closing it, so tests can inspect rows.
type sharedStore struct {
	*memstore.Store
}

func (sharedStore) Close() error { return nil }

func newCLI(input string, mem *memstore.Store) (*commandLine, *lockedBuffer) {
	out := &lockedBuffer{}
	return &commandLine{
		in:  strings.NewReader(input),
		out: out,
		connect: func(string) (store, error) {
			return sharedStore{mem}, nil
		},
		now: time.Now,
	}, out
}

func TestRun_Usage(t *testing.T) {
	mem := memstore.New()
	defer mem.Close()

	for _, args := range [][]string{
		{"ue1class"},
		{"ue1class", "admin"},
		{"ue1class", "teacher"},
		{"ue1class", "student", "-name", "Ada"},
	} {
		cli, out := newCLI("", mem)
		err := cli.run(args)
		assert.Equal(t, errHelp, err, "args %v", args)
		assert.NotEmpty(t, out.String())
	}
}

func TestTeacher_PresentsALesson(t *testing.T) {
	mem := memstore.New()
	defer mem.Close()

	input := strings.Join([]string{
		"start",
		"next",
		"stats",
		"goto writing 2",
		"prompt message eyes on the board",
		"pause",
		"fly",
		"quit",
	}, "\n")
	cli, out := newCLI(input, mem)
	require.NoError(t, cli.run([]string{"ue1class", "teacher", "-lessons", lessonsDir, "-lesson", "ue1-intro"}))

	text := out.String()
	assert.Contains(t, text, "join code")
	assert.Contains(t, text, "[waiting room]")
	assert.Contains(t, text, "[active] page 1/6 Unit 1: Reading Code")
	assert.Contains(t, text, "[active] page 2/6")
	assert.Contains(t, text, "Q1. After x = 3 then x = x + 2, what is x?")
	assert.Contains(t, text, "mc 1: total 0, correct 0, incorrect 0, pending 0")
	assert.Contains(t, text, "[active] page 6/6")
	assert.Contains(t, text, "[paused] page 6/6")
	assert.Contains(t, text, `error: unknown command "fly"`)

	rows, err := mem.Select(context.Background(), types.TablePrompts, nil)
	require.NoError(t, err)
	var contents []string
	for _, r := range rows {
		contents = append(contents, r["content"].(string))
	}
	assert.Contains(t, contents, "eyes on the board")
	assert.Contains(t, contents, "Writing task 2 of 2")
}

func TestTeacher_UnknownLesson(t *testing.T) {
	mem := memstore.New()
	defer mem.Close()

	cli, _ := newCLI("", mem)
	err := cli.run([]string{"ue1class", "teacher", "-lessons", lessonsDir, "-lesson", "nope"})
	assert.ErrorIs(t, err, lesson.ErrLessonNotFound)
}

func TestStudent_JoinsAndAnswers(t *testing.T) {
	mem := memstore.New()
	defer mem.Close()
	ctx := context.Background()

	catalog, err := lesson.LoadDir(lessonsDir)
	require.NoError(t, err)
	content, err := catalog.Get("ue1-intro")
	require.NoError(t, err)

	host := teacher.New(mem, content.Counts())
	defer host.Close()
	session, err := host.CreateSession(ctx, content.ID)
	require.NoError(t, err)
	require.NoError(t, host.StartSession(ctx))
	require.NoError(t, host.UpdatePosition(ctx, types.SectionMC, 0))

	input := strings.Join([]string{
		"write not now",
		"answer 9",
		"answer 2",
		"next",
		"leave",
	}, "\n")
	cli, out := newCLI(input, mem)
	require.NoError(t, cli.run([]string{"ue1class", "student", "-lessons", lessonsDir, "-code", strings.ToLower(session.Code), "-id", "stu-1"}))

	text := out.String()
	assert.Contains(t, text, "joined as stu-1")
	assert.Contains(t, text, "[active] page 2/6")
	assert.Contains(t, text, "error: there is no writing task to answer")
	assert.Contains(t, text, "error: choose an option from 1 to 4")
	assert.Contains(t, text, "answer 2 submitted")
	assert.Contains(t, text, "error: "+types.ErrInvalidTransition.Error(), "lockstep forbids moving alone")

	rows, err := mem.Select(ctx, types.TableResponses, types.Filter{"session_id": session.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0]["is_correct"])

	participants, err := mem.Select(ctx, types.TableParticipants, types.Filter{"session_id": session.ID})
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, false, participants[0]["is_online"], "leave marks the student offline")

	assert.Eventually(t, func() bool {
		stats := host.ResponseStats(types.QuestionMC, 0)
		return stats == types.ResponseStats{Total: 1, Correct: 1}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStudent_UnknownCode(t *testing.T) {
	mem := memstore.New()
	defer mem.Close()

	cli, _ := newCLI("", mem)
	err := cli.run([]string{"ue1class", "student", "-lessons", lessonsDir, "-code", "ZZZZZZ"})
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestParsePosition(t *testing.T) {
	p, err := parsePosition([]string{"notes"})
	require.NoError(t, err)
	assert.Equal(t, position.Start, p)

	p, err = parsePosition([]string{"mc", "3"})
	require.NoError(t, err)
	assert.Equal(t, position.Position{Section: types.SectionMC, Index: 2}, p)

	_, err = parsePosition([]string{"quiz"})
	assert.ErrorIs(t, err, types.ErrInvalidSection)

	_, err = parsePosition([]string{"mc", "0"})
	assert.ErrorIs(t, err, types.ErrInvalidIndex)
}
