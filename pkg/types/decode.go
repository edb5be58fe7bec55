package types

// SessionFromRow decodes a sessions row.
func SessionFromRow(row Row) (Session, error) {
	var s Session
	err := FromRow(row, &s)
	return s, err
}

// ParticipantFromRow decodes a participants row.
func ParticipantFromRow(row Row) (Participant, error) {
	var p Participant
	err := FromRow(row, &p)
	return p, err
}

// ResponseFromRow decodes a responses row.
func ResponseFromRow(row Row) (Response, error) {
	var r Response
	err := FromRow(row, &r)
	return r, err
}

// PromptFromRow decodes a prompts row.
func PromptFromRow(row Row) (Prompt, error) {
	var p Prompt
	err := FromRow(row, &p)
	return p, err
}

// ParticipantsFromRows decodes a participants result set in order.
func ParticipantsFromRows(rows []Row) ([]Participant, error) {
	out := make([]Participant, 0, len(rows))
	for _, row := range rows {
		p, err := ParticipantFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ResponsesFromRows decodes a responses result set in order.
func ResponsesFromRows(rows []Row) ([]Response, error) {
	out := make([]Response, 0, len(rows))
	for _, row := range rows {
		r, err := ResponseFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
