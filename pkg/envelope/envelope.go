/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package envelope normalizes stream message payloads at the handler
// boundary. Producers write two shapes interchangeably: flat field maps, and
// wrapped envelopes where a "data" field carries the JSON payload alongside a
// "type" discriminator. Normalize collapses both into one map so handlers
// never branch on shape.
package envelope

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Normalize converts raw stream fields into a single payload map. When both
// "type" and "data" are present the data document is unwrapped; a message
// whose entire body is one JSON field is expanded in place. Field values that
// parse as JSON documents are decoded, everything else stays a string.
func Normalize(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = decodeValue(v)
	}
	// Single-field messages carry the whole envelope as one JSON document.
	if len(out) == 1 {
		for _, v := range out {
			if m, ok := v.(map[string]any); ok {
				out = m
			}
		}
	}
	if _, hasType := out["type"]; hasType {
		if data, hasData := out["data"]; hasData {
			if m, ok := data.(map[string]any); ok {
				return m
			}
		}
	}
	return out
}

func decodeValue(v string) any {
	trimmed := strings.TrimSpace(v)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return v
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return v
	}
	return decoded
}

// Str returns the first present, non-empty string value among keys.
func Str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}

// Float reads a numeric field, accepting JSON numbers and numeric strings.
func Float(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// Int64 reads an integer field, truncating fractional values.
func Int64(m map[string]any, key string) int64 {
	return int64(Float(m, key))
}

// Bool reads a boolean field, accepting JSON booleans and the string "true".
func Bool(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// Has reports whether any of the keys is present with a non-nil value.
func Has(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return true
		}
	}
	return false
}
