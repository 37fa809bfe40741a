package db

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// matchesFilters checks if a document matches all filter conditions
func matchesFilters(doc Document, filters []Condition) bool {
	for _, filter := range filters {
		if !matchesFilter(doc, filter) {
			return false
		}
	}
	return true
}

// matchesFilter checks if a document matches a single filter condition
func matchesFilter(doc Document, filter Condition) bool {
	val, ok := doc[filter.Field]
	if filter.Operator == OpExists {
		want, _ := filter.Value.(bool)
		if filter.Value == nil {
			want = true
		}
		return ok == want
	}
	if !ok {
		// Field doesn't exist
		return filter.Operator == OpNe
	}

	switch filter.Operator {
	case OpEq:
		return equal(val, filter.Value)
	case OpNe:
		return !equal(val, filter.Value)
	case OpGt:
		return sameKind(val, filter.Value) && compareValues(val, filter.Value) > 0
	case OpGte:
		return sameKind(val, filter.Value) && compareValues(val, filter.Value) >= 0
	case OpLt:
		return sameKind(val, filter.Value) && compareValues(val, filter.Value) < 0
	case OpLte:
		return sameKind(val, filter.Value) && compareValues(val, filter.Value) <= 0
	case OpIn:
		return inArray(val, filter.Value)
	default:
		return false
	}
}

func equal(a, b interface{}) bool {
	if sameKind(a, b) {
		return compareValues(a, b) == 0
	}
	return reflect.DeepEqual(a, b)
}

// sameKind reports whether a and b are scalars of the same kind
func sameKind(a, b interface{}) bool {
	_, aNum := toFloat(a)
	_, bNum := toFloat(b)
	if aNum && bNum {
		return true
	}
	_, aStr := a.(string)
	_, bStr := b.(string)
	if aStr && bStr {
		return true
	}
	_, aBool := a.(bool)
	_, bBool := b.(bool)
	return aBool && bBool
}

func inArray(val interface{}, list interface{}) bool {
	switch v := list.(type) {
	case []interface{}:
		for _, item := range v {
			if equal(val, item) {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if equal(val, item) {
				return true
			}
		}
	}
	return false
}

// typeRank orders values of different types: nil < bool < number < string < other
func typeRank(v interface{}) int {
	if v == nil {
		return 0
	}
	if _, ok := v.(bool); ok {
		return 1
	}
	if _, ok := toFloat(v); ok {
		return 2
	}
	if _, ok := v.(string); ok {
		return 3
	}
	return 4
}

// compareValues is a total order over JSON-compatible values.
// Returns 1 if a > b, -1 if a < b, 0 if equal.
func compareValues(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch ra {
	case 0:
		return 0
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		f1, _ := toFloat(a)
		f2, _ := toFloat(b)
		switch {
		case f1 > f2:
			return 1
		case f1 < f2:
			return -1
		}
		return 0
	case 3:
		return strings.Compare(a.(string), b.(string))
	default:
		return bytes.Compare(canonicalValue(a), canonicalValue(b))
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch i := v.(type) {
	case float64:
		return i, true
	case float32:
		return float64(i), true
	case int:
		return float64(i), true
	case int64:
		return float64(i), true
	case int32:
		return float64(i), true
	case uint64:
		return float64(i), true
	case uint32:
		return float64(i), true
	case json.Number:
		f, err := i.Float64()
		return f, err == nil
	}
	return 0, false
}

func canonicalValue(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%v", v))
	}
	return data
}

// Canonical returns a stable encoding of the document. Map keys are sorted by
// encoding/json, so equal documents always encode to the same bytes.
func Canonical(doc Document) []byte {
	return canonicalValue(map[string]interface{}(doc))
}

// SameContent reports whether two documents hold the same fields, ignoring
// the revision counter
func SameContent(a, b Document) bool {
	return bytes.Equal(CanonicalContent(a), CanonicalContent(b))
}

// CanonicalContent is Canonical without the revision counter
func CanonicalContent(doc Document) []byte {
	if doc == nil {
		return nil
	}
	stripped := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k == FieldRev {
			continue
		}
		stripped[k] = v
	}
	return canonicalValue(stripped)
}

// compareDocuments orders documents by the sort keys, then by id ascending
func compareDocuments(a, b Document, keys []SortOption) int {
	for _, key := range keys {
		c := compareValues(a[key.Field], b[key.Field])
		if key.Direction == SortDesc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID(), b.ID())
}

// sortResults sorts documents by the given keys with a deterministic id tie-break
func sortResults(results []Document, keys []SortOption) {
	sort.SliceStable(results, func(i, j int) bool {
		return compareDocuments(results[i], results[j], keys) < 0
	})
}
