package types

// ResponseStats is the live tally for one question. It is derived from the
// current response and participant rows on every change, never stored.
type ResponseStats struct {
	Total     int `json:"total"`
	Correct   int `json:"correct"`
	Incorrect int `json:"incorrect"`
	Pending   int `json:"pending"`
}

// Tally recomputes stats for one question from scratch. Responses of other
// questions are ignored. Open-ended responses count toward Total only.
func Tally(responses []Response, questionType QuestionType, index, participantCount int) ResponseStats {
	var s ResponseStats
	for i := range responses {
		r := &responses[i]
		if r.QuestionType != questionType || r.QuestionIndex != index {
			continue
		}
		s.Total++
		if r.IsCorrect == nil {
			continue
		}
		if *r.IsCorrect {
			s.Correct++
		} else {
			s.Incorrect++
		}
	}
	if pending := participantCount - s.Total; pending > 0 {
		s.Pending = pending
	}
	return s
}
