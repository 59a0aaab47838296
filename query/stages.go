package query

import (
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// ParseParam turns a request parameter into a filter value. Strings of the
// form "/pattern" or "/pattern/options" become a $regex condition; any other
// value is returned unchanged.
func ParseParam(value any) (any, error) {
	s, ok := value.(string)
	if !ok || !strings.HasPrefix(s, "/") {
		return value, nil
	}
	var toks []string
	for _, tok := range strings.Split(s, "/") {
		if tok != "" {
			toks = append(toks, tok)
		}
	}
	if len(toks) == 0 {
		return nil, errors.New("regex pattern is required")
	}
	regexOptions := ""
	if len(toks) > 1 {
		regexOptions = toks[1]
	}
	return bson.M{"$regex": toks[0], "$options": regexOptions}, nil
}

// UnwindOption configures Unwind.
type UnwindOption func(*unwindOptions)

type unwindOptions struct {
	preserveEmpty bool
}

// PreserveEmpty sets preserveNullAndEmptyArrays. Unwind preserves by default.
func PreserveEmpty(preserve bool) UnwindOption {
	return func(o *unwindOptions) {
		o.preserveEmpty = preserve
	}
}

// Unwind returns an $unwind stage for path.
func Unwind(path string, opts ...UnwindOption) bson.M {
	o := unwindOptions{preserveEmpty: true}
	for _, opt := range opts {
		opt(&o)
	}
	return bson.M{"$unwind": bson.M{"path": path, "preserveNullAndEmptyArrays": o.preserveEmpty}}
}

// IfNull returns a $cond expression evaluating to is when test is null or
// missing and to not otherwise. $ifNull is used so missing fields compare as
// null.
func IfNull(test, is, not any) bson.M {
	return bson.M{
		"$cond": bson.A{
			bson.M{"$eq": bson.A{bson.M{"$ifNull": bson.A{test, nil}}, nil}},
			is,
			not,
		},
	}
}
