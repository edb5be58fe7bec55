package interfaces

import "errors"

// Store-level errors. Coordinators translate these into the user-facing
// taxonomy in pkg/types; they never reach the presentation layer.
var (
	ErrRowNotFound     = errors.New("row not found")
	ErrConflict        = errors.New("unique constraint violated")
	ErrInvalidRow      = errors.New("row violates a table constraint")
	ErrInvalidValue    = errors.New("invalid column value")
	ErrUnknownTable    = errors.New("unknown table")
	ErrUnknownColumn   = errors.New("unknown column")
	ErrEmptyRow        = errors.New("row has no columns")
	ErrEmptyFilter     = errors.New("update requires a match filter")
	ErrStoreClosed     = errors.New("store is closed")
	ErrInvalidConflict = errors.New("conflict key must name columns present in the row")
)

// reasons are the stable tokens store errors travel as over the row API.
var reasons = []struct {
	err    error
	reason string
}{
	{ErrRowNotFound, "row_not_found"},
	{ErrConflict, "conflict"},
	{ErrInvalidRow, "invalid_row"},
	{ErrInvalidValue, "invalid_value"},
	{ErrUnknownTable, "unknown_table"},
	{ErrUnknownColumn, "unknown_column"},
	{ErrEmptyRow, "empty_row"},
	{ErrEmptyFilter, "empty_filter"},
	{ErrStoreClosed, "store_closed"},
	{ErrInvalidConflict, "invalid_conflict"},
}

// Reason returns the wire token of a store error, or "" for anything else.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ""
}

// FromReason is the inverse of Reason. Unknown tokens yield nil.
func FromReason(reason string) error {
	for _, r := range reasons {
		if r.reason == reason {
			return r.err
		}
	}
	return nil
}
