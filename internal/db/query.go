package db

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// QueryBuilder provides a fluent interface for building query descriptors
type QueryBuilder struct {
	desc Descriptor
}

// NewQueryBuilder creates a new query builder
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

// Where adds a filter condition
func (qb *QueryBuilder) Where(field, operator string, value interface{}) *QueryBuilder {
	qb.desc.Filters = append(qb.desc.Filters, Condition{
		Field:    field,
		Operator: operator,
		Value:    value,
	})
	return qb
}

// WhereEq adds an equality filter (shorthand)
func (qb *QueryBuilder) WhereEq(field string, value interface{}) *QueryBuilder {
	return qb.Where(field, OpEq, value)
}

// WhereNe adds a not-equal filter (shorthand)
func (qb *QueryBuilder) WhereNe(field string, value interface{}) *QueryBuilder {
	return qb.Where(field, OpNe, value)
}

// WhereGt adds a greater-than filter (shorthand)
func (qb *QueryBuilder) WhereGt(field string, value interface{}) *QueryBuilder {
	return qb.Where(field, OpGt, value)
}

// WhereLt adds a less-than filter (shorthand)
func (qb *QueryBuilder) WhereLt(field string, value interface{}) *QueryBuilder {
	return qb.Where(field, OpLt, value)
}

// WhereIn adds an in-array filter (shorthand)
func (qb *QueryBuilder) WhereIn(field string, values interface{}) *QueryBuilder {
	return qb.Where(field, OpIn, values)
}

// Match sets the predicate expression
func (qb *QueryBuilder) Match(expression string) *QueryBuilder {
	qb.desc.Expr = expression
	return qb
}

// OrderBy appends a sort key. Later keys break ties of earlier ones.
func (qb *QueryBuilder) OrderBy(field, direction string) *QueryBuilder {
	qb.desc.Sort = append(qb.desc.Sort, SortOption{
		Field:     field,
		Direction: direction,
	})
	return qb
}

// OrderByAsc sorts by field in ascending order (shorthand)
func (qb *QueryBuilder) OrderByAsc(field string) *QueryBuilder {
	return qb.OrderBy(field, SortAsc)
}

// OrderByDesc sorts by field in descending order (shorthand)
func (qb *QueryBuilder) OrderByDesc(field string) *QueryBuilder {
	return qb.OrderBy(field, SortDesc)
}

// Skip sets the number of documents to skip
func (qb *QueryBuilder) Skip(n int) *QueryBuilder {
	qb.desc.Skip = n
	return qb
}

// Limit sets the maximum number of documents to return
func (qb *QueryBuilder) Limit(n int) *QueryBuilder {
	qb.desc.Limit = n
	return qb
}

// Build returns the descriptor for this query
func (qb *QueryBuilder) Build() Descriptor {
	desc := qb.desc
	desc.Filters = append([]Condition(nil), qb.desc.Filters...)
	desc.Sort = append([]SortOption(nil), qb.desc.Sort...)
	return desc
}

// String returns a string representation of the query
func (qb *QueryBuilder) String() string {
	return fmt.Sprintf("Query{filters=%d, expr=%q, sort=%d, skip=%d, limit=%d}",
		len(qb.desc.Filters), qb.desc.Expr, len(qb.desc.Sort), qb.desc.Skip, qb.desc.Limit)
}

// Matcher is a compiled descriptor
type Matcher struct {
	desc    Descriptor
	program *vm.Program
}

// Compile validates the descriptor and compiles its expression
func (d Descriptor) Compile() (*Matcher, error) {
	for _, f := range d.Filters {
		if f.Field == "" {
			return nil, fmt.Errorf("%w: filter without field", ErrInvalidQuery)
		}
		switch f.Operator {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpExists:
		default:
			return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, f.Operator)
		}
	}
	for _, s := range d.Sort {
		if s.Field == "" {
			return nil, fmt.Errorf("%w: sort without field", ErrInvalidQuery)
		}
		if s.Direction != SortAsc && s.Direction != SortDesc && s.Direction != "" {
			return nil, fmt.Errorf("%w: unknown sort direction %q", ErrInvalidQuery, s.Direction)
		}
	}
	if d.Skip < 0 || d.Limit < 0 {
		return nil, fmt.Errorf("%w: negative skip or limit", ErrInvalidQuery)
	}

	m := &Matcher{desc: d}
	if d.Expr != "" {
		program, err := expr.Compile(d.Expr, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		m.program = program
	}
	return m, nil
}

// Match reports whether a live document satisfies the filters and the
// expression. Tombstones never match. An expression that fails at runtime
// (e.g. comparing a string to a number) does not match.
func (m *Matcher) Match(doc Document) bool {
	if doc == nil || doc.Deleted() {
		return false
	}
	if !matchesFilters(doc, m.desc.Filters) {
		return false
	}
	if m.program == nil {
		return true
	}
	out, err := expr.Run(m.program, map[string]interface{}(doc))
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

// Compare orders two documents by the sort keys, ties broken by id ascending
func (m *Matcher) Compare(a, b Document) int {
	return compareDocuments(a, b, m.desc.Sort)
}

// Sort orders documents in place
func (m *Matcher) Sort(docs []Document) {
	sortResults(docs, m.desc.Sort)
}

// Window applies skip and limit to an already sorted result
func (m *Matcher) Window(docs []Document) []Document {
	if m.desc.Skip > 0 {
		if m.desc.Skip >= len(docs) {
			return []Document{}
		}
		docs = docs[m.desc.Skip:]
	}
	if m.desc.Limit > 0 && len(docs) > m.desc.Limit {
		docs = docs[:m.desc.Limit]
	}
	return docs
}
