package types

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Answer is the payload of a Response. The concrete type is selected by the
// response's question type: McAnswer for mc, OpenEndedAnswer for open_ended.
type Answer interface {
	QuestionType() QuestionType
}

// McAnswer is the selected option of a multiple-choice question.
type McAnswer struct {
	Index int    `json:"answer_index" validate:"min=0"`
	Text  string `json:"answer_text"`
}

func (McAnswer) QuestionType() QuestionType { return QuestionMC }

// OpenEndedAnswer is a free-text answer to a writing task.
type OpenEndedAnswer struct {
	Text string `json:"answer" validate:"max=10000"`
}

func (OpenEndedAnswer) QuestionType() QuestionType { return QuestionOpenEnded }

// EncodeAnswer serialises an answer for storage in Response.Payload.
func EncodeAnswer(a Answer) (json.RawMessage, error) {
	if a == nil {
		return nil, ErrInvalidAnswer
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, errors.Wrap(err, "encode answer")
	}
	return data, nil
}

// DecodeAnswer interprets a raw payload according to its question type.
func DecodeAnswer(qt QuestionType, payload json.RawMessage) (Answer, error) {
	switch qt {
	case QuestionMC:
		var a McAnswer
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, errors.Wrap(ErrInvalidAnswer, err.Error())
		}
		return a, nil
	case QuestionOpenEnded:
		var a OpenEndedAnswer
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, errors.Wrap(ErrInvalidAnswer, err.Error())
		}
		return a, nil
	default:
		return nil, ErrInvalidQuestionType
	}
}

// Answer decodes the response payload.
func (r *Response) Answer() (Answer, error) {
	return DecodeAnswer(r.QuestionType, r.Payload)
}

// TupleKey identifies the (participant, question type, index) slot a
// response occupies; later submissions to the same slot overwrite it.
type TupleKey struct {
	ParticipantID string
	QuestionType  QuestionType
	QuestionIndex int
}

// Key returns the response's tuple key.
func (r *Response) Key() TupleKey {
	return TupleKey{ParticipantID: r.ParticipantID, QuestionType: r.QuestionType, QuestionIndex: r.QuestionIndex}
}
