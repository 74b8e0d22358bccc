// Package queryengine implements the ad-hoc query engine: a JSON selector
// language compiled to an AST, one or more per-field SQLite shadow indexes
// used to narrow candidates, and an in-memory matcher that re-checks every
// candidate against the original selector so a missing or partial index
// never produces a wrong answer, only a slower one.
package queryengine

import "fmt"

// Selector is the caller-supplied query document, e.g.
//
//	{"$and": [{"type": "invoice"}, {"total": {"$gt": 100}}]}
type Selector map[string]any

// Expr is a compiled selector node.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// AndExpr matches a document iff every clause matches.
type AndExpr struct{ Clauses []Expr }

// OrExpr matches a document iff at least one clause matches.
type OrExpr struct{ Clauses []Expr }

// NotExpr matches a document iff its inner clause does not.
type NotExpr struct{ Clause Expr }

// FieldExpr tests one field against one operator and operand.
type FieldExpr struct {
	Field string
	Op    string
	Value any
}

func (AndExpr) isExpr()   {}
func (OrExpr) isExpr()    {}
func (NotExpr) isExpr()   {}
func (FieldExpr) isExpr() {}

func (e AndExpr) String() string   { return joinExprs("$and", e.Clauses) }
func (e OrExpr) String() string    { return joinExprs("$or", e.Clauses) }
func (e NotExpr) String() string   { return fmt.Sprintf("$not(%s)", e.Clause) }
func (e FieldExpr) String() string { return fmt.Sprintf("%s %s %v", e.Field, e.Op, e.Value) }

func joinExprs(op string, clauses []Expr) string {
	s := op + "("
	for i, c := range clauses {
		if i > 0 {
			s += ", "
		}
		s += c.String()
	}
	return s + ")"
}

// fieldOperators is the set of comparison operators a single field clause
// may use, mirroring the operator family a CouchDB-style selector supports.
var fieldOperators = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true,
	"$in": true, "$nin": true, "$exists": true, "$mod": true, "$size": true, "$type": true,
	"$regex": true, "$text": true,
}

// Compile parses a Selector into an Expr tree. Bare field-to-value pairs at
// the top level are implicitly $and'ed and default to $eq, matching
// {"type": "invoice"} meaning {"$and": [{"type": {"$eq": "invoice"}}]}.
func Compile(sel Selector) (Expr, error) {
	return compileAnd(sel)
}

func compileAnd(sel Selector) (Expr, error) {
	var clauses []Expr
	for key, val := range sel {
		switch key {
		case "$and":
			items, ok := val.([]any)
			if !ok {
				return nil, fmt.Errorf("$and requires an array of selectors")
			}
			for _, item := range items {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("$and clauses must be selector objects")
				}
				c, err := compileAnd(Selector(m))
				if err != nil {
					return nil, err
				}
				clauses = append(clauses, c)
			}
		case "$or":
			items, ok := val.([]any)
			if !ok {
				return nil, fmt.Errorf("$or requires an array of selectors")
			}
			var orClauses []Expr
			for _, item := range items {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("$or clauses must be selector objects")
				}
				c, err := compileAnd(Selector(m))
				if err != nil {
					return nil, err
				}
				orClauses = append(orClauses, c)
			}
			clauses = append(clauses, OrExpr{Clauses: orClauses})
		case "$not":
			m, ok := val.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("$not requires a selector object")
			}
			c, err := compileAnd(Selector(m))
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, NotExpr{Clause: c})
		default:
			fieldExprs, err := compileField(key, val)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, fieldExprs...)
		}
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return AndExpr{Clauses: clauses}, nil
}

func compileField(field string, val any) ([]Expr, error) {
	opMap, ok := val.(map[string]any)
	if !ok {
		return []Expr{FieldExpr{Field: field, Op: "$eq", Value: val}}, nil
	}

	var exprs []Expr
	hasOperator := false
	for op, operand := range opMap {
		if !fieldOperators[op] {
			continue
		}
		hasOperator = true
		exprs = append(exprs, FieldExpr{Field: field, Op: op, Value: operand})
	}
	if !hasOperator {
		// A plain nested object with no operator keys is matched by deep
		// equality against the field's own value.
		return []Expr{FieldExpr{Field: field, Op: "$eq", Value: val}}, nil
	}
	return exprs, nil
}
