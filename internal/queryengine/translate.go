package queryengine

import (
	"fmt"
	"strings"
)

// plan is a narrowing scan against one shadow table. It is never the final
// word on whether a document matches — Engine.Find always re-checks every
// row it returns against the compiled selector.
type plan struct {
	table string
	where []string
	args  []any
}

func (p *plan) sql() (string, []any) {
	q := "SELECT doc_id FROM " + p.table
	if len(p.where) > 0 {
		q += " WHERE " + strings.Join(p.where, " AND ")
	}
	return q, p.args
}

// planFor picks the index whose leading fields cover the most top-level
// field clauses of expr and builds a scan against its shadow table.
func planFor(expr Expr, indexes []IndexInfo) *plan {
	clauses := topLevelFieldClauses(expr)
	if len(clauses) == 0 {
		return nil
	}

	byField := map[string][]FieldExpr{}
	for _, c := range clauses {
		byField[c.Field] = append(byField[c.Field], c)
	}

	var best *plan
	bestScore := 0
	for _, idx := range indexes {
		if idx.Type == IndexText {
			if p := textPlanFor(idx, byField); p != nil {
				return p // an FTS match is always worth taking; there is only ever one field.
			}
			continue
		}
		p, score := jsonPlanFor(idx, byField)
		if p != nil && score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

func textPlanFor(idx IndexInfo, byField map[string][]FieldExpr) *plan {
	field := idx.Fields[0]
	for _, c := range byField[field] {
		if c.Op == "$text" {
			if s, ok := textSearchTerm(c.Value); ok {
				return &plan{
					table: shadowTableName(idx.Name),
					where: []string{fieldColumn(0) + " MATCH ?"},
					args:  []any{s},
				}
			}
		}
	}
	return nil
}

func jsonPlanFor(idx IndexInfo, byField map[string][]FieldExpr) (*plan, int) {
	p := &plan{table: shadowTableName(idx.Name)}
	matched := 0
	for i, field := range idx.Fields {
		col := fieldColumn(i)
		found := false
		for _, c := range byField[field] {
			frag, args, ok := comparisonSQL(col, c)
			if !ok {
				continue
			}
			p.where = append(p.where, frag)
			p.args = append(p.args, args...)
			found = true
		}
		if found {
			matched++
			continue
		}
		// Fields are matched in order; once one isn't covered, later
		// fields in the same index can't narrow the scan either.
		break
	}
	if matched == 0 {
		return nil, 0
	}
	return p, matched
}

// comparisonSQL renders one field comparison against a shadow column.
func comparisonSQL(col string, c FieldExpr) (string, []any, bool) {
	switch c.Op {
	case "$eq":
		return col + " = ?", []any{c.Value}, true
	case "$gt":
		return col + " > ?", []any{c.Value}, true
	case "$gte":
		return col + " >= ?", []any{c.Value}, true
	case "$lt":
		return col + " < ?", []any{c.Value}, true
	case "$lte":
		return col + " <= ?", []any{c.Value}, true
	case "$in":
		items, ok := c.Value.([]any)
		if !ok || len(items) == 0 {
			return "", nil, false
		}
		placeholders := make([]string, len(items))
		for i := range items {
			placeholders[i] = "?"
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")), items, true
	case "$mod":
		args, ok := c.Value.([]any)
		if !ok || len(args) != 2 {
			return "", nil, false
		}
		return fmt.Sprintf("%s %% CAST(? AS INTEGER) = ?", col), []any{args[0], args[1]}, true
	default:
		return "", nil, false
	}
}

// topLevelFieldClauses returns the FieldExpr clauses directly available at
// the top of expr: itself if it already is one, or its immediate children
// if it's an AndExpr. Anything nested inside an Or or Not is left for the
// matcher pass alone, since using it to narrow the scan would risk
// dropping documents an index can't see.
func topLevelFieldClauses(expr Expr) []FieldExpr {
	switch e := expr.(type) {
	case FieldExpr:
		return []FieldExpr{e}
	case AndExpr:
		var out []FieldExpr
		for _, c := range e.Clauses {
			if f, ok := c.(FieldExpr); ok {
				out = append(out, f)
			}
		}
		return out
	default:
		return nil
	}
}
