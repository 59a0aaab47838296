// Package dotpath flattens nested documents into dot-notation paths, the form
// MongoDB expects for partial updates such as $set on embedded fields.
package dotpath

import (
	"reflect"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Flatten returns one entry per leaf of target keyed by its dot-joined path.
// Nested documents (bson.D and any map with string keys) are recursed into;
// every other value, including arrays and slices, is a leaf. Entries follow a
// depth-first visit: bson.D keeps its element order, map keys are visited
// sorted. When two leaves share a path the later one replaces the value of
// the earlier entry in place. A target that is not a document yields an
// empty result.
//
// target must be acyclic.
func Flatten(target any) bson.D {
	return FlattenInto(bson.D{}, nil, target)
}

// FlattenInto adds the leaves of target to result, prefixing each key with
// path. A leaf whose key is already in result overwrites that entry. It lets
// callers accumulate several documents into a single result.
func FlattenInto(result bson.D, path []string, target any) bson.D {
	switch doc := target.(type) {
	case bson.D:
		for _, e := range doc {
			result = visit(result, path, e.Key, e.Value)
		}
	case bson.M:
		for _, k := range sortedKeys(doc) {
			result = visit(result, path, k, doc[k])
		}
	case map[string]any:
		for _, k := range sortedKeys(doc) {
			result = visit(result, path, k, doc[k])
		}
	default:
		rv := reflect.ValueOf(target)
		if !isStringMap(rv) {
			return result
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		kt := rv.Type().Key()
		for _, k := range keys {
			v := rv.MapIndex(reflect.ValueOf(k).Convert(kt))
			result = visit(result, path, k, v.Interface())
		}
	}
	return result
}

func visit(result bson.D, path []string, key string, val any) bson.D {
	p := append(path[:len(path):len(path)], key)
	if isDocument(val) {
		return FlattenInto(result, p, val)
	}
	return set(result, strings.Join(p, "."), val)
}

// set assigns val to key, replacing an existing entry in place.
func set(result bson.D, key string, val any) bson.D {
	for i := range result {
		if result[i].Key == key {
			result[i].Value = val
			return result
		}
	}
	return append(result, bson.E{Key: key, Value: val})
}

func isDocument(v any) bool {
	switch v.(type) {
	case bson.D, bson.M, map[string]any:
		return true
	case nil:
		return false
	}
	return isStringMap(reflect.ValueOf(v))
}

func isStringMap(rv reflect.Value) bool {
	return rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String
}

func sortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
