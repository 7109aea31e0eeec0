// Package mirror is the local document store that holds the synchronized copy of
// authoritative records.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Document is one stored document keyed by field name.
type Document = map[string]any

// ErrUnavailable marks failures of the store itself, as opposed to one document being
// rejected.
var ErrUnavailable = errors.New("mirror store unavailable")

// IDField is assigned by the store on insert.
const IDField = "_id"

// WriteOp is one operation of a BulkWrite. Update fields are set on the first document
// matching Filter; with Upsert a missing document is created from Filter and Update.
type WriteOp struct {
	Filter Document
	Update Document
	Upsert bool
}

type BulkResult struct {
	Matched  int `json:"matched"`
	Modified int `json:"modified"`
	Upserted int `json:"upserted"`
}

// Store is the mirror driver. FindOne returns nil, nil when nothing matches. Filters are
// field equality; numeric values compare by value.
type Store interface {
	FindOne(ctx context.Context, collection string, filter Document) (Document, error)
	Upsert(ctx context.Context, collection string, filter, update Document) error
	BulkWrite(ctx context.Context, collection string, ops []WriteOp) (BulkResult, error)
	Close() error
}

// Float converts a stored value to float64. Strings are parsed.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	}
	return 0, false
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

// Time converts a stored value to a time: time.Time, RFC3339 string or unix seconds.
func Time(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
		return time.Time{}, false
	}
	if isNumber(v) {
		secs, _ := Float(v)
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC(), true
	}
	return time.Time{}, false
}

// Equal compares two document values. Numbers compare numerically, times by instant,
// nested maps and slices element-wise.
func Equal(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		fa, _ := Float(a)
		fb, _ := Float(b)
		return fa == fb
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case time.Time:
		bt, ok := Time(b)
		return ok && av.Equal(bt)
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !Equal(v, other) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	if bt, ok := b.(time.Time); ok {
		at, ok := Time(a)
		return ok && at.Equal(bt)
	}
	return reflect.DeepEqual(a, b)
}

// Clone copies a document deeply enough that callers can mutate the result.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	}
	return v
}

func matches(doc, filter Document) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || !Equal(got, want) {
			return false
		}
	}
	return true
}
