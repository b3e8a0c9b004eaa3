// Package json is the codec used on every wire path of the gateway: client frames,
// bus envelopes and broadcast bodies.
package json

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var (
	// JSON is the instance of jsoniter.API that should be used throughout the codebase
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal
	Unmarshal = JSON.Unmarshal

	// NewEncoder is a shorthand for JSON.NewEncoder
	NewEncoder = JSON.NewEncoder
)

// RawMessage is a raw encoded JSON value, compatible with encoding/json.
type RawMessage = stdjson.RawMessage

// StringField returns the first non-empty top-level string among keys in data.
// Non-object documents and missing keys yield "".
func StringField(data []byte, keys ...string) string {
	if len(data) == 0 {
		return ""
	}
	root := JSON.Get(data)
	if root.ValueType() != jsoniter.ObjectValue {
		return ""
	}
	for _, key := range keys {
		v := root.Get(key)
		if v.ValueType() == jsoniter.StringValue {
			if s := v.ToString(); s != "" {
				return s
			}
		}
	}
	return ""
}

// IsEmpty reports whether raw holds no value or an explicit null.
func IsEmpty(raw []byte) bool {
	t := trimSpace(raw)
	return len(t) == 0 || string(t) == "null"
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
