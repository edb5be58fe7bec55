// Package schema describes the tables a Realtime Store exposes: their
// columns, value kinds, unique keys and store-maintained timestamps. The SQL
// and in-memory stores share it so both accept and return identical rows.
package schema

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"ue1live/pkg/interfaces"
	"ue1live/pkg/types"
)

// Kind is a column's value kind.
type Kind int

const (
	Text Kind = iota
	Integer
	Boolean
	Timestamp
	JSON
)

// Unique is a uniqueness constraint. When Partial is set only rows it
// accepts take part.
type Unique struct {
	Name    string
	Columns []string
	Partial func(row types.Row) bool
}

// Table describes one table.
type Table struct {
	Name     string
	Columns  []string
	Kinds    map[string]Kind
	Required []string
	Defaults types.Row
	Unique   []Unique
	Enums    map[string]func(string) bool
	Created  string // set on insert when absent
	Touched  string // set on every write
	OrderBy  []string
}

var tables = map[string]*Table{
	types.TableSessions: {
		Name: types.TableSessions,
		Columns: []string{
			"id", "code", "lesson_id", "teacher_id", "status", "current_section",
			"current_question_index", "allow_ahead", "revision", "created_at", "updated_at", "ended_at",
		},
		Kinds: map[string]Kind{
			"current_question_index": Integer,
			"allow_ahead":            Boolean,
			"revision":               Integer,
			"created_at":             Timestamp,
			"updated_at":             Timestamp,
			"ended_at":               Timestamp,
		},
		Required: []string{"code"},
		Defaults: types.Row{
			"lesson_id":              "",
			"teacher_id":             "",
			"status":                 string(types.StatusWaiting),
			"current_section":        string(types.SectionNotes),
			"current_question_index": int64(0),
			"allow_ahead":            false,
			"revision":               int64(0),
			"ended_at":               nil,
		},
		Unique: []Unique{{
			Name:    "idx_sessions_live_code",
			Columns: []string{"code"},
			Partial: func(row types.Row) bool { return row["status"] != string(types.StatusEnded) },
		}},
		Enums: map[string]func(string) bool{
			"status":          func(s string) bool { return types.IsValidStatus(types.SessionStatus(s)) },
			"current_section": func(s string) bool { return types.IsValidSection(types.Section(s)) },
			"code":            func(s string) bool { return len(s) == types.CodeLength },
		},
		Created: "created_at",
		Touched: "updated_at",
		OrderBy: []string{"created_at", "id"},
	},
	types.TableParticipants: {
		Name: types.TableParticipants,
		Columns: []string{
			"id", "session_id", "student_identifier", "display_name", "is_online",
			"current_section", "joined_at", "last_seen_at",
		},
		Kinds: map[string]Kind{
			"is_online":    Boolean,
			"joined_at":    Timestamp,
			"last_seen_at": Timestamp,
		},
		Required: []string{"session_id", "student_identifier"},
		Defaults: types.Row{
			"display_name":    "",
			"is_online":       true,
			"current_section": "",
		},
		Unique: []Unique{{
			Name:    "participants_session_student",
			Columns: []string{"session_id", "student_identifier"},
		}},
		Created: "joined_at",
		Touched: "last_seen_at",
		OrderBy: []string{"joined_at", "id"},
	},
	types.TableResponses: {
		Name: types.TableResponses,
		Columns: []string{
			"id", "session_id", "participant_id", "question_type", "question_index",
			"response", "is_correct", "submitted_at",
		},
		Kinds: map[string]Kind{
			"question_index": Integer,
			"response":       JSON,
			"is_correct":     Boolean,
			"submitted_at":   Timestamp,
		},
		Required: []string{"session_id", "participant_id", "question_type", "question_index"},
		Defaults: types.Row{
			"response":   map[string]interface{}{},
			"is_correct": nil,
		},
		Unique: []Unique{{
			Name:    "responses_tuple",
			Columns: []string{"session_id", "participant_id", "question_type", "question_index"},
		}},
		Enums: map[string]func(string) bool{
			"question_type": func(s string) bool { return types.IsValidQuestionType(types.QuestionType(s)) },
		},
		Touched: "submitted_at",
		OrderBy: []string{"submitted_at", "id"},
	},
	types.TablePrompts: {
		Name:    types.TablePrompts,
		Columns: []string{"id", "session_id", "prompt_type", "content", "created_at"},
		Kinds: map[string]Kind{
			"created_at": Timestamp,
		},
		Required: []string{"session_id", "prompt_type"},
		Defaults: types.Row{
			"content": "",
		},
		Enums: map[string]func(string) bool{
			"prompt_type": func(s string) bool { return types.IsValidPromptType(types.PromptType(s)) },
		},
		Created: "created_at",
		OrderBy: []string{"created_at", "id"},
	},
}

// Lookup returns the description of table.
func Lookup(table string) (*Table, error) {
	t, ok := tables[table]
	if !ok {
		return nil, errors.Wrapf(interfaces.ErrUnknownTable, "%q", table)
	}
	return t, nil
}

// Names returns every table name, sorted.
func Names() []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasColumn reports whether column belongs to the table.
func (t *Table) HasColumn(column string) bool {
	for _, c := range t.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// CheckColumns fails on the first unknown column.
func (t *Table) CheckColumns(columns ...string) error {
	for _, c := range columns {
		if !t.HasColumn(c) {
			return errors.Wrapf(interfaces.ErrUnknownColumn, "%s.%s", t.Name, c)
		}
	}
	return nil
}

// Kind returns the value kind of column.
func (t *Table) Kind(column string) Kind {
	return t.Kinds[column]
}

// Coerce converts v into the canonical representation for column: string,
// int64, bool, UTC time.Time, a decoded JSON value, or nil.
func (t *Table) Coerce(column string, v interface{}) (interface{}, error) {
	out, err := coerce(t.Kind(column), v)
	if err != nil {
		return nil, errors.Wrapf(err, "%s.%s", t.Name, column)
	}
	return out, nil
}

// CoerceRow checks and coerces every column of row.
func (t *Table) CoerceRow(row types.Row) (types.Row, error) {
	out := make(types.Row, len(row))
	for column, v := range row {
		if err := t.CheckColumns(column); err != nil {
			return nil, err
		}
		coerced, err := t.Coerce(column, v)
		if err != nil {
			return nil, err
		}
		out[column] = coerced
	}
	return out, nil
}

// CoerceFilter checks and coerces a filter.
func (t *Table) CoerceFilter(filter types.Filter) (types.Filter, error) {
	row, err := t.CoerceRow(types.Row(filter))
	if err != nil {
		return nil, err
	}
	return types.Filter(row), nil
}

// Stamp fills the store-maintained timestamps.
func (t *Table) Stamp(row types.Row, now time.Time, insert bool) {
	now = now.UTC()
	if insert && t.Created != "" {
		if v, ok := row[t.Created]; !ok || v == nil {
			row[t.Created] = now
		}
	}
	if t.Touched != "" {
		row[t.Touched] = now
	}
}

// Check verifies a complete row against required columns and enums.
func (t *Table) Check(row types.Row) error {
	for _, c := range t.Required {
		if v, ok := row[c]; !ok || v == nil {
			return errors.Wrapf(interfaces.ErrInvalidRow, "%s.%s is required", t.Name, c)
		}
	}
	for column, valid := range t.Enums {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		s, isString := v.(string)
		if !isString || !valid(s) {
			return errors.Wrapf(interfaces.ErrInvalidRow, "%s.%s=%v", t.Name, column, v)
		}
	}
	return nil
}

// Complete returns row with every missing column set to its default.
// Columns with neither a value nor a default are nil.
func (t *Table) Complete(row types.Row) types.Row {
	out := make(types.Row, len(t.Columns))
	for _, c := range t.Columns {
		if v, ok := row[c]; ok {
			out[c] = v
			continue
		}
		out[c] = cloneDefault(t.Defaults[c])
	}
	return out
}

func cloneDefault(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(m))
		for k, inner := range m {
			out[k] = inner
		}
		return out
	}
	return v
}

// Less orders two rows by the table's OrderBy columns.
func (t *Table) Less(a, b types.Row) bool {
	for _, c := range t.OrderBy {
		if cmp := compare(a[c], b[c]); cmp != 0 {
			return cmp < 0
		}
	}
	return false
}

func compare(a, b interface{}) int {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1
			case av.After(bv):
				return 1
			}
			return 0
		}
	case int64:
		if bv, ok := b.(int64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	if a == nil && b != nil {
		return -1
	}
	if a != nil && b == nil {
		return 1
	}
	return 0
}

// Timestamp layouts accepted from clients and drivers.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func coerce(kind Kind, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case Integer:
		return coerceInteger(v)
	case Boolean:
		return coerceBoolean(v)
	case Timestamp:
		return coerceTimestamp(v)
	case JSON:
		return coerceJSON(v)
	default:
		return coerceText(v)
	}
}

func coerceText(v interface{}) (interface{}, error) {
	switch x := types.NormalizeValue(v).(type) {
	case string:
		return x, nil
	case nil:
		return nil, nil
	default:
		return nil, errors.Wrapf(interfaces.ErrInvalidValue, "expected text, got %T", v)
	}
}

func coerceInteger(v interface{}) (interface{}, error) {
	switch x := types.NormalizeValue(v).(type) {
	case int64:
		return x, nil
	case string:
		i, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(interfaces.ErrInvalidValue, "expected integer, got %q", x)
		}
		return i, nil
	case nil:
		return nil, nil
	default:
		return nil, errors.Wrapf(interfaces.ErrInvalidValue, "expected integer, got %T", v)
	}
}

func coerceBoolean(v interface{}) (interface{}, error) {
	switch x := types.NormalizeValue(v).(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return nil, errors.Wrapf(interfaces.ErrInvalidValue, "expected boolean, got %q", x)
		}
		return b, nil
	case nil:
		return nil, nil
	default:
		return nil, errors.Wrapf(interfaces.ErrInvalidValue, "expected boolean, got %T", v)
	}
}

func coerceTimestamp(v interface{}) (interface{}, error) {
	switch x := types.NormalizeValue(v).(type) {
	case time.Time:
		if x.IsZero() {
			return nil, nil
		}
		return x.UTC(), nil
	case string:
		if x == "" {
			return nil, nil
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, x); err == nil {
				if ts.IsZero() {
					return nil, nil
				}
				return ts.UTC(), nil
			}
		}
		return nil, errors.Wrapf(interfaces.ErrInvalidValue, "expected timestamp, got %q", x)
	case nil:
		return nil, nil
	default:
		return nil, errors.Wrapf(interfaces.ErrInvalidValue, "expected timestamp, got %T", v)
	}
}

func coerceJSON(v interface{}) (interface{}, error) {
	var data []byte
	switch x := v.(type) {
	case json.RawMessage:
		data = x
	case []byte:
		data = x
	case string:
		data = []byte(x)
	default:
		encoded, err := json.Marshal(x)
		if err != nil {
			return nil, errors.Wrap(interfaces.ErrInvalidValue, err.Error())
		}
		data = encoded
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return nil, errors.Wrapf(interfaces.ErrInvalidValue, "expected json: %v", err)
	}
	return types.NormalizeValue(decoded), nil
}

// EncodeJSON renders a JSON column value for storage.
func EncodeJSON(v interface{}) (string, error) {
	if v == nil {
		return "null", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encode json column")
	}
	return string(data), nil
}
