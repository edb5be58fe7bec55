package types

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate is the shared validator instance. Lesson content and API request
// bodies register against it as well.
var Validate = validator.New()

// FUNCTIONAL DISCOVERY: join codes are typed by hand, so surrounding spaces and
// lowercase input are accepted and normalised before the length check.
var codeRegex = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// CodeAlphabet is the set join codes are drawn from.
const CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeLength is the fixed length of a join code.
const CodeLength = 6

// NormalizeCode trims and upper-cases a user-typed join code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidCode reports whether code is a well-formed, normalised join code.
func IsValidCode(code string) bool {
	return codeRegex.MatchString(code)
}

// IsValidStatus checks the session status is one of the four lifecycle states.
func IsValidStatus(s SessionStatus) bool {
	switch s {
	case StatusWaiting, StatusActive, StatusPaused, StatusEnded:
		return true
	default:
		return false
	}
}

// IsValidSection checks the section is notes, mc or writing.
func IsValidSection(s Section) bool {
	switch s {
	case SectionNotes, SectionMC, SectionWriting:
		return true
	default:
		return false
	}
}

// IsValidQuestionType checks the question type is mc or open_ended.
func IsValidQuestionType(qt QuestionType) bool {
	return qt == QuestionMC || qt == QuestionOpenEnded
}

// IsValidPromptType checks the prompt type is focus, timer or message.
func IsValidPromptType(pt PromptType) bool {
	switch pt {
	case PromptFocus, PromptTimer, PromptMessage:
		return true
	default:
		return false
	}
}

// Validate ensures the session row is well formed.
func (s *Session) Validate() error {
	if !IsValidCode(s.Code) {
		return ErrInvalidCode
	}
	if !IsValidStatus(s.Status) {
		return ErrInvalidStatus
	}
	if !IsValidSection(s.CurrentSection) {
		return ErrInvalidSection
	}
	if s.CurrentQuestionIndex < 0 {
		return ErrInvalidIndex
	}
	return Validate.Struct(s)
}

// Validate ensures the participant row is well formed.
func (p *Participant) Validate() error {
	if len(p.StudentIdentifier) < 1 || len(p.StudentIdentifier) > 100 {
		return ErrInvalidIdentifier
	}
	return Validate.Struct(p)
}

// Validate ensures the response row is well formed and its payload decodes
// as the answer shape its question type requires.
func (r *Response) Validate() error {
	if !IsValidQuestionType(r.QuestionType) {
		return ErrInvalidQuestionType
	}
	if r.QuestionIndex < 0 {
		return ErrInvalidIndex
	}
	answer, err := r.Answer()
	if err != nil {
		return err
	}
	if err := Validate.Struct(answer); err != nil {
		return ErrInvalidAnswer
	}
	return nil
}

// Validate ensures the prompt is well formed.
func (p *Prompt) Validate() error {
	if !IsValidPromptType(p.PromptType) {
		return ErrInvalidPromptType
	}
	if len(p.Content) > 1000 {
		return ErrContentTooLarge
	}
	return nil
}
