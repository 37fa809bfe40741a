package db

import (
	"encoding/json"
	"math"
)

// Reserved document fields
const (
	FieldID      = "id"
	FieldRev     = "_rev"
	FieldDeleted = "_deleted"
)

// Document represents a single document in a collection
type Document map[string]interface{}

// ID returns the document identifier, or "" if missing
func (d Document) ID() string {
	id, _ := d[FieldID].(string)
	return id
}

// Rev returns the revision counter, 0 if the document was never stored
func (d Document) Rev() int64 {
	switch v := d[FieldRev].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// Deleted reports whether the document is a tombstone
func (d Document) Deleted() bool {
	deleted, _ := d[FieldDeleted].(bool)
	return deleted
}

// Clone returns a deep copy of the document
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Document:
		return t.Clone()
	case map[string]interface{}:
		return map[string]interface{}(Document(t).Clone())
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Kind is the operation recorded by a change event
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// OriginLocal tags writes issued by application code
const OriginLocal = ""

// ChangeEvent is one entry of a collection's change log. Doc is the document
// as committed by the mutation and is shared between subscribers: treat it as
// read-only.
type ChangeEvent struct {
	Seq    uint64   `json:"seq"`
	ID     string   `json:"id"`
	Rev    int64    `json:"rev"`
	Kind   Kind     `json:"kind"`
	Origin string   `json:"origin,omitempty"`
	Doc    Document `json:"doc"`
}

// Condition represents a filter condition on a single field
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"` // "eq", "ne", "gt", "gte", "lt", "lte", "in", "exists"
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// SortOption represents sorting configuration
type SortOption struct {
	Field     string `json:"field" yaml:"field"`
	Direction string `json:"direction" yaml:"direction"` // "asc" or "desc"
}

// Descriptor describes a query: which documents match and in which order.
// Expr is an optional boolean expression evaluated with the document fields
// as variables, e.g. `color == "red" && age > 20`.
type Descriptor struct {
	Filters []Condition  `json:"filters,omitempty" yaml:"filters,omitempty"`
	Expr    string       `json:"expr,omitempty" yaml:"expr,omitempty"`
	Sort    []SortOption `json:"sort,omitempty" yaml:"sort,omitempty"`
	Skip    int          `json:"skip,omitempty" yaml:"skip,omitempty"`
	Limit   int          `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// Mutator edits a copy of the current document in place
type Mutator func(doc Document) error

// Operator constants
const (
	OpEq     = "eq"
	OpNe     = "ne"
	OpGt     = "gt"
	OpGte    = "gte"
	OpLt     = "lt"
	OpLte    = "lte"
	OpIn     = "in"
	OpExists = "exists"
)

// Sort direction constants
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)
