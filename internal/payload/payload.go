package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrMalformed indicates that a persisted payload blob could not be decoded.
var ErrMalformed = errors.New("payload: malformed json blob")

// Fields is the schema-flexible record payload: field name to value, decoded
// from an opaque JSON document. The upstream system may add or remove fields
// without notice, so core logic only ever relies on key/value identity.
type Fields map[string]any

// Decode parses a stored JSON blob into Fields. An empty blob decodes to an
// empty map.
func Decode(raw string) (Fields, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Fields{}, nil
	}
	var fields Fields
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		fields = Fields{}
	}
	return fields, nil
}

// Encode serializes Fields to the stored JSON representation.
func Encode(fields Fields) (string, error) {
	if fields == nil {
		fields = Fields{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Merge returns a new map holding base with overlay applied on top,
// overlay winning field by field. Neither input is mutated.
func Merge(base Fields, overlay Fields) Fields {
	merged := make(Fields, len(base)+len(overlay))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overlay {
		merged[key] = value
	}
	return merged
}

// Clone returns a shallow copy of the fields map.
func Clone(fields Fields) Fields {
	cloned := make(Fields, len(fields))
	for key, value := range fields {
		cloned[key] = value
	}
	return cloned
}

// ValueEqual compares two payload values. Both sides are expected to come
// from json.Unmarshal, so deep equality over the decoded representation is
// sufficient.
func ValueEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
