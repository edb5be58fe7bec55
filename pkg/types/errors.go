package types

import "errors"

// User-facing error taxonomy of the live session coordinators. Store errors
// are converted into one of these at the coordinator boundary.
var (
	ErrSessionNotFound  = errors.New("session not found: check your code")
	ErrSessionEnded     = errors.New("session has ended")
	ErrCreateFailed     = errors.New("could not allocate a session code")
	ErrOperationFailed  = errors.New("operation failed")
	ErrSubmissionFailed = errors.New("response not yet submitted")
	ErrChannelLost      = errors.New("connection to the session was lost")
)

// Validation errors.
var (
	ErrInvalidCode         = errors.New("session code must be 6 uppercase letters or digits")
	ErrInvalidStatus       = errors.New("invalid session status")
	ErrInvalidSection      = errors.New("invalid section: must be notes, mc or writing")
	ErrInvalidQuestionType = errors.New("invalid question type: must be mc or open_ended")
	ErrInvalidPromptType   = errors.New("invalid prompt type: must be focus, timer or message")
	ErrInvalidAnswer       = errors.New("invalid answer payload")
	ErrInvalidIndex        = errors.New("question index must not be negative")
	ErrInvalidIdentifier   = errors.New("student identifier must be 1-100 characters")
	ErrContentTooLarge     = errors.New("prompt content exceeds 1000 characters")
	ErrInvalidTransition   = errors.New("transition not allowed in the current session status")
	ErrNotJoined           = errors.New("not joined to a session")
	ErrNoSession           = errors.New("no session attached")
)
