// Package oid converts external identifiers into MongoDB ObjectIDs.
package oid

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const hexLen = 24

// From returns the identifier to store for value.
//
// An empty value yields a new ObjectID. A hex string of at most 24 characters
// is left-padded with zeros and parsed as an ObjectID. Any other value is
// returned unchanged, unless strict is set, in which case only a valid 24
// character hex string (or the empty string) is accepted.
func From(value string, strict bool) (any, error) {
	if value == "" {
		return primitive.NewObjectID(), nil
	}
	if strict && !IsValid(value) {
		return nil, fmt.Errorf("unable to create oid from value=%s", value)
	}
	if len(value) <= hexLen && isHex(value) {
		id, err := primitive.ObjectIDFromHex(strings.Repeat("0", hexLen-len(value)) + value)
		if err != nil {
			return nil, fmt.Errorf("unable to create oid from value=%s: %w", value, err)
		}
		return id, nil
	}
	return value, nil
}

// IsValid reports whether value is a 24 character hex string.
func IsValid(value string) bool {
	return len(value) == hexLen && isHex(value)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		default:
			return false
		}
	}
	return true
}
