package database

import (
	"context"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"ue1live/pkg/interfaces"
	"ue1live/pkg/schema"
	"ue1live/pkg/types"
)

// Statements use "?" placeholders and are rebound per driver by sqlx.
// Table and column names come from the schema whitelist only.

// orderedColumns returns the columns present in values, in table order.
func orderedColumns(t *schema.Table, values map[string]interface{}) []string {
	columns := make([]string, 0, len(values))
	for _, c := range t.Columns {
		if _, ok := values[c]; ok {
			columns = append(columns, c)
		}
	}
	return columns
}

func conflictFilter(row types.Row, conflictKey []string) types.Filter {
	filter := make(types.Filter, len(conflictKey))
	for _, c := range conflictKey {
		filter[c] = row[c]
	}
	return filter
}

func buildWhere(t *schema.Table, filter types.Filter) (string, []interface{}) {
	columns := orderedColumns(t, filter)
	if len(columns) == 0 {
		return "", nil
	}

	clauses := make([]string, 0, len(columns))
	args := make([]interface{}, 0, len(columns))
	for _, c := range columns {
		v := filter[c]
		if v == nil {
			clauses = append(clauses, c+" IS NULL")
			continue
		}
		clauses = append(clauses, c+" = ?")
		args = append(args, encodeArg(t, c, v))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func buildUpsert(t *schema.Table, row types.Row, conflictKey []string) (string, []interface{}, error) {
	columns := orderedColumns(t, row)
	placeholders := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, c := range columns {
		placeholders[i] = "?"
		args[i] = encodeArg(t, c, row[c])
	}

	isKey := make(map[string]bool, len(conflictKey))
	for _, c := range conflictKey {
		isKey[c] = true
	}

	var updates []string
	for _, c := range columns {
		if isKey[c] || c == "id" || c == t.Created {
			continue
		}
		updates = append(updates, c+" = excluded."+c)
	}
	if len(updates) == 0 {
		// DO NOTHING would suppress RETURNING
		updates = append(updates, conflictKey[0]+" = excluded."+conflictKey[0])
	}

	query := "INSERT INTO " + t.Name +
		" (" + strings.Join(columns, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")" +
		" ON CONFLICT (" + strings.Join(conflictKey, ", ") + ") DO UPDATE SET " + strings.Join(updates, ", ") +
		" RETURNING " + strings.Join(t.Columns, ", ")
	return query, args, nil
}

func buildUpdate(t *schema.Table, set types.Row, filter types.Filter) (string, []interface{}, error) {
	columns := orderedColumns(t, set)
	if len(columns) == 0 {
		return "", nil, interfaces.ErrEmptyRow
	}

	assignments := make([]string, len(columns))
	args := make([]interface{}, 0, len(columns)+len(filter))
	for i, c := range columns {
		assignments[i] = c + " = ?"
		args = append(args, encodeArg(t, c, set[c]))
	}

	where, whereArgs := buildWhere(t, filter)
	if where == "" {
		return "", nil, interfaces.ErrEmptyFilter
	}
	args = append(args, whereArgs...)

	query := "UPDATE " + t.Name + " SET " + strings.Join(assignments, ", ") + where +
		" RETURNING " + strings.Join(t.Columns, ", ")
	return query, args, nil
}

func buildSelect(t *schema.Table, filter types.Filter) (string, []interface{}) {
	where, args := buildWhere(t, filter)
	query := "SELECT " + strings.Join(t.Columns, ", ") + " FROM " + t.Name + where
	if len(t.OrderBy) > 0 {
		query += " ORDER BY " + strings.Join(t.OrderBy, ", ")
	}
	return query, args
}

// encodeArg renders a canonical column value as a driver argument.
func encodeArg(t *schema.Table, column string, v interface{}) interface{} {
	if t.Kind(column) == schema.JSON {
		encoded, err := schema.EncodeJSON(v)
		if err != nil {
			return nil
		}
		return encoded
	}
	return v
}

// decodeRow converts a scanned driver row into canonical values.
func decodeRow(t *schema.Table, raw map[string]interface{}) (types.Row, error) {
	row := make(types.Row, len(raw))
	for column, v := range raw {
		if b, ok := v.([]byte); ok && t.Kind(column) != schema.JSON {
			v = string(b)
		}
		coerced, err := t.Coerce(column, v)
		if err != nil {
			return nil, err
		}
		row[column] = coerced
	}
	return row, nil
}

// translateError maps driver constraint errors onto store errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return errors.Wrap(interfaces.ErrConflict, sqliteErr.Error())
		default:
			return errors.Wrap(interfaces.ErrInvalidRow, sqliteErr.Error())
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return errors.Wrap(interfaces.ErrConflict, pqErr.Message)
		case pqErr.Code.Class() == "23":
			return errors.Wrap(interfaces.ErrInvalidRow, pqErr.Message)
		}
	}
	return err
}

// retryable reports whether a failed write may succeed on a second attempt.
func retryable(err error) bool {
	switch {
	case errors.Is(err, interfaces.ErrConflict),
		errors.Is(err, interfaces.ErrInvalidRow),
		errors.Is(err, interfaces.ErrInvalidValue),
		errors.Is(err, interfaces.ErrRowNotFound),
		errors.Is(err, interfaces.ErrEmptyRow),
		errors.Is(err, interfaces.ErrEmptyFilter),
		errors.Is(err, interfaces.ErrUnknownColumn),
		errors.Is(err, interfaces.ErrUnknownTable),
		errors.Is(err, interfaces.ErrInvalidConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
