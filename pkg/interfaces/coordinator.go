package interfaces

import (
	"context"

	"ue1live/pkg/position"
	"ue1live/pkg/types"
)

// TeacherCoordinator owns a session's lifecycle and position. It is the sole
// writer of the session's status, position and allow_ahead fields.
type TeacherCoordinator interface {
	CreateSession(ctx context.Context, lessonID string) (*types.Session, error)
	StartSession(ctx context.Context) error
	TogglePause(ctx context.Context) error
	EndSession(ctx context.Context) error
	UpdatePosition(ctx context.Context, section types.Section, index int) error
	Advance(ctx context.Context, dir position.Direction) error
	SendPrompt(ctx context.Context, promptType types.PromptType, content string) error
	ToggleAllowAhead(ctx context.Context) error
	ResponseStats(questionType types.QuestionType, index int) types.ResponseStats
	Close() error
}

// StudentCoordinator joins a session, mirrors its state and writes only the
// student's own participant and response rows.
type StudentCoordinator interface {
	Join(ctx context.Context, code, displayName string) error
	Leave() error
	UpdateSection(ctx context.Context, label string) error
	SubmitResponse(ctx context.Context, questionType types.QuestionType, index int, answer types.Answer, isCorrect *bool) error
	DismissPrompt()
}
