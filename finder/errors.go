package finder

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrUniqueness matches a *UniquenessError.
	ErrUniqueness = errors.New("finder: record already exists")
	// ErrMultipleHits matches a *CardinalityError raised when a lookup
	// expected at most one document and found more.
	ErrMultipleHits = errors.New("finder: unexpected multiple hits")
	// ErrRequired matches a *CardinalityError raised when a required
	// document is missing.
	ErrRequired = errors.New("finder: record required")
)

type (
	// UniquenessError reports documents matching a query that must match
	// none.
	UniquenessError struct {
		Collection string
		Query      bson.M
		Count      int64
	}

	// CardinalityError reports a lookup that did not find exactly the
	// expected number of documents.
	CardinalityError struct {
		Collection string
		// Query is the filter or the aggregation pipeline of the lookup.
		Query any
		// Kind is ErrMultipleHits or ErrRequired.
		Kind error
	}
)

func (e *UniquenessError) Error() string {
	return fmt.Sprintf("record already exists in [%s] for %s", e.Collection, stringify(e.Query))
}

// Is makes errors.Is(err, ErrUniqueness) hold.
func (e *UniquenessError) Is(target error) bool {
	return target == ErrUniqueness
}

func (e *CardinalityError) Error() string {
	return fmt.Sprintf("%s, query=%s, collection=%s", strings.TrimPrefix(e.Kind.Error(), "finder: "), stringify(e.Query), e.Collection)
}

func (e *CardinalityError) Unwrap() error {
	return e.Kind
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return "{}"
	case []bson.M:
		parts := make([]string, len(v))
		for i, d := range v {
			parts[i] = stringify(d)
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	b, err := bson.MarshalExtJSON(v, false, false)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
