// Package query builds MongoDB filter expressions and aggregation stages.
//
// The combinators never modify their input: each call returns a new filter
// so callers can chain them freely.
package query

import "go.mongodb.org/mongo-driver/bson"

const (
	opAnd = "$and"
	opOr  = "$or"
)

// EnsureAnd returns a copy of q that carries an "$and" clause list. An
// existing "$and" list is preserved in order (normalized to bson.A); an
// existing "$and" that is not a list is kept as is; otherwise an empty list is
// added. Applying EnsureAnd twice yields the same clauses as applying it once.
func EnsureAnd(q bson.M) bson.M {
	out := clone(q)
	if clauses, ok := andClauses(q[opAnd]); ok {
		out[opAnd] = clauses
	}
	return out
}

// PushOrs merges the alternatives ors into q.
//
// When q has no "$or" the result is q plus "$or": ors. Otherwise the existing
// "$or" is left untouched and {"$or": ors} is appended to the end of the
// "$and" list, so repeated calls accumulate one "$and" entry per call. An
// "$and" holding a single clause rather than a list becomes the first
// element of the new list.
func PushOrs(q bson.M, ors ...bson.M) bson.M {
	alternatives := make([]bson.M, len(ors))
	copy(alternatives, ors)
	if _, ok := q[opOr]; !ok {
		out := clone(q)
		out[opOr] = alternatives
		return out
	}
	out := clone(q)
	clauses, ok := andClauses(q[opAnd])
	if !ok {
		clauses = bson.A{q[opAnd]}
	}
	out[opAnd] = append(clauses, bson.M{opOr: alternatives})
	return out
}

func clone(q bson.M) bson.M {
	out := make(bson.M, len(q)+1)
	for k, v := range q {
		out[k] = v
	}
	return out
}

// andClauses copies the clauses held under "$and" into a fresh bson.A so the
// caller can append without aliasing the input. It reports false when v is
// not a list.
func andClauses(v any) (bson.A, bool) {
	switch clauses := v.(type) {
	case nil:
		return bson.A{}, true
	case bson.A:
		return append(bson.A{}, clauses...), true
	case []any:
		return append(bson.A{}, clauses...), true
	case []bson.M:
		out := make(bson.A, len(clauses))
		for i, c := range clauses {
			out[i] = c
		}
		return out, true
	case []bson.D:
		out := make(bson.A, len(clauses))
		for i, c := range clauses {
			out[i] = c
		}
		return out, true
	case []map[string]any:
		out := make(bson.A, len(clauses))
		for i, c := range clauses {
			out[i] = c
		}
		return out, true
	default:
		return nil, false
	}
}
