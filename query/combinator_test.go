package query

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestEnsureAnd(t *testing.T) {
	require.Equal(t, bson.A{}, EnsureAnd(bson.M{})["$and"])
	require.Equal(t, bson.A{"foo"}, EnsureAnd(bson.M{"$and": bson.A{"foo"}})["$and"])
	require.Equal(t, bson.A{bson.M{"a": 1}}, EnsureAnd(bson.M{"$and": []bson.M{{"a": 1}}})["$and"])
}

func TestEnsureAndDoesNotAlias(t *testing.T) {
	in := bson.M{"$and": bson.A{"foo"}, "name": "x"}
	out := EnsureAnd(in)
	out["$and"] = append(out["$and"].(bson.A), "bar")
	out["name"] = "y"
	require.Equal(t, bson.M{"$and": bson.A{"foo"}, "name": "x"}, in)
}

func TestEnsureAndKeepsNonListClause(t *testing.T) {
	clause := bson.D{{Key: "x", Value: 1}}
	out := EnsureAnd(bson.M{"$and": clause, "name": "x"})
	require.Equal(t, bson.M{"$and": clause, "name": "x"}, out)
	require.Equal(t, out, EnsureAnd(out))
}

func TestPushOrsAfterNonListAnd(t *testing.T) {
	clause := bson.D{{Key: "x", Value: 1}}
	in := bson.M{"$and": clause, "$or": []bson.M{{"a": 1}}}
	out := PushOrs(in, bson.M{"b": 1})
	require.Equal(t, bson.A{clause, bson.M{"$or": []bson.M{{"b": 1}}}}, out["$and"])
	require.Equal(t, clause, in["$and"])
}

func TestPushOrs(t *testing.T) {
	q := bson.M{}

	q = PushOrs(q, bson.M{"foo": "bar"})
	require.Equal(t, bson.M{
		"$or": []bson.M{{"foo": "bar"}},
	}, q)

	q = PushOrs(q, bson.M{"baz": "bip"})
	require.Equal(t, bson.M{
		"$or": []bson.M{{"foo": "bar"}},
		"$and": bson.A{
			bson.M{"$or": []bson.M{{"baz": "bip"}}},
		},
	}, q)

	q = PushOrs(q, bson.M{"fee": "fie"})
	require.Equal(t, bson.M{
		"$or": []bson.M{{"foo": "bar"}},
		"$and": bson.A{
			bson.M{"$or": []bson.M{{"baz": "bip"}}},
			bson.M{"$or": []bson.M{{"fee": "fie"}}},
		},
	}, q)
}

func TestPushOrsKeepsExistingAnd(t *testing.T) {
	q := bson.M{
		"status": "active",
		"$or":    []bson.M{{"a": 1}},
		"$and":   []bson.M{{"b": 2}},
	}
	out := PushOrs(q, bson.M{"c": 3}, bson.M{"d": 4})
	require.Equal(t, "active", out["status"])
	require.Equal(t, []bson.M{{"a": 1}}, out["$or"])
	require.Equal(t, bson.A{
		bson.M{"b": 2},
		bson.M{"$or": []bson.M{{"c": 3}, {"d": 4}}},
	}, out["$and"])
	require.Equal(t, []bson.M{{"b": 2}}, q["$and"], "input must not change")
}

func TestPushOrsCopiesAlternatives(t *testing.T) {
	ors := []bson.M{{"a": 1}}
	out := PushOrs(bson.M{}, ors...)
	ors[0] = bson.M{"z": 26}
	require.Equal(t, []bson.M{{"a": 1}}, out["$or"])
}

func TestCombinatorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("push onto filter without $or sets $or and adds no $and", prop.ForAll(
		func(q bson.M, ors []bson.M) bool {
			out := PushOrs(q, ors...)
			if _, ok := out["$and"]; ok {
				return false
			}
			got := out["$or"].([]bson.M)
			if len(got) != len(ors) {
				return false
			}
			for i := range ors {
				if !equalM(got[i], ors[i]) {
					return false
				}
			}
			return len(out) == len(q)+1
		},
		genFilter(),
		genAlternatives(),
	))

	properties.Property("each push onto filter with $or appends exactly one $and entry", prop.ForAll(
		func(q bson.M, pushes [][]bson.M) bool {
			first := []bson.M{{"seed": true}}
			q = PushOrs(q, first...)
			before := len(q)
			for i, ors := range pushes {
				q = PushOrs(q, ors...)
				and := q["$and"].(bson.A)
				if len(and) != i+1 {
					return false
				}
				last := and[i].(bson.M)
				if len(last["$or"].([]bson.M)) != len(ors) {
					return false
				}
			}
			if len(pushes) > 0 && len(q) != before+1 {
				return false
			}
			return len(q["$or"].([]bson.M)) == 1
		},
		genFilter(),
		gen.SliceOfN(4, genAlternatives()),
	))

	properties.Property("EnsureAnd is idempotent", prop.ForAll(
		func(q bson.M, withAnd bool) bool {
			if withAnd {
				q = bson.M{"$and": bson.A{bson.M{"x": 1}}, "k": q["k"]}
			}
			once := EnsureAnd(q)
			twice := EnsureAnd(once)
			return len(once["$and"].(bson.A)) == len(twice["$and"].(bson.A)) && len(once) == len(twice)
		},
		genFilter(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func equalM(a, b bson.M) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// --- Generators ---

func genFilter() gopter.Gen {
	return gopter.CombineGens(
		gen.SliceOfN(3, gen.OneConstOf("name", "age", "city", "status")),
		gen.SliceOfN(3, gen.IntRange(0, 100)),
	).Map(func(vals []any) bson.M {
		keys := vals[0].([]string)
		values := vals[1].([]int)
		q := bson.M{}
		for i, k := range keys {
			q[k] = values[i]
		}
		return q
	})
}

func genAlternatives() gopter.Gen {
	return gen.SliceOfN(2, gen.OneConstOf("red", "green", "blue")).Map(func(colors []string) []bson.M {
		out := make([]bson.M, len(colors))
		for i, c := range colors {
			out[i] = bson.M{"color": c}
		}
		return out
	})
}
