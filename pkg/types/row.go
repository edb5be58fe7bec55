package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Row is a single table row as exchanged with a Realtime Store.
type Row map[string]interface{}

// Filter is a conjunction of column equality constraints. An empty filter
// matches every row of the table.
type Filter map[string]interface{}

// ToRow converts a typed record into a Row through its JSON representation.
func ToRow(v interface{}) (Row, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal row")
	}
	return DecodeRow(data)
}

// DecodeRow parses a JSON object into a Row with normalised values.
func DecodeRow(data []byte) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, errors.Wrap(err, "decode row")
	}
	return row.Normalize(), nil
}

// FromRow decodes a Row into a typed record.
func FromRow(row Row, v interface{}) error {
	data, err := json.Marshal(row)
	if err != nil {
		return errors.Wrap(err, "marshal row")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "unmarshal row")
	}
	return nil
}

// Normalize returns a copy of the row whose scalar values use one canonical
// Go type per kind: int64 for integral numbers, float64 for the rest and
// string for text.
func (r Row) Normalize() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = NormalizeValue(v)
	}
	return out
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the column as a string, or "" when absent.
func (r Row) String(column string) string {
	switch v := r[column].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Normalize returns a copy of the filter with canonical value types.
func (f Filter) Normalize() Filter {
	out := make(Filter, len(f))
	for k, v := range f {
		out[k] = NormalizeValue(v)
	}
	return out
}

// NormalizeValue maps driver and decoder specific representations onto the
// canonical set used for comparisons.
func NormalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []byte:
		return string(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case int8:
		return int64(x)
	case uint:
		return int64(x)
	case uint32:
		return int64(x)
	case uint16:
		return int64(x)
	case uint8:
		return int64(x)
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case SessionStatus:
		return string(x)
	case Section:
		return string(x)
	case QuestionType:
		return string(x)
	case PromptType:
		return string(x)
	case time.Time:
		return x.UTC()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	case *bool:
		if x == nil {
			return nil
		}
		return *x
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(x, &decoded); err != nil {
			return string(x)
		}
		return decoded
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, inner := range x {
			out[k] = NormalizeValue(inner)
		}
		return out
	default:
		return v
	}
}

func normalizeFloat(f float64) interface{} {
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}

// ValuesEqual compares two column values after normalisation.
func ValuesEqual(a, b interface{}) bool {
	a, b = NormalizeValue(a), NormalizeValue(b)
	switch av := a.(type) {
	case int64:
		switch bv := b.(type) {
		case int64:
			return av == bv
		case float64:
			return float64(av) == bv
		case bool:
			return (av != 0) == bv
		}
	case float64:
		switch bv := b.(type) {
		case int64:
			return av == float64(bv)
		case float64:
			return av == bv
		}
	case bool:
		switch bv := b.(type) {
		case bool:
			return av == bv
		case int64:
			return av == (bv != 0)
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Equal(bv)
		}
	case nil:
		return b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
