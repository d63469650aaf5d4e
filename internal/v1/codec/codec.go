// Package codec parses one WebSocket text frame into an ordered list of
// command objects and reserializes a list back to a frame. The wire format
// is either a JSON array of objects or a single object; both shapes produce
// a list of Commands.
package codec

import (
	"encoding/json"
	"errors"
)

// MaxFrameBytes is the size above which a frame is dropped rather than parsed.
const MaxFrameBytes = 15 * 1024 * 1024

// ErrFraming signals that a frame could not be decoded as either a JSON
// array of objects or a single JSON object. Callers close the connection.
var ErrFraming = errors.New("codec: malformed frame")

// Command is an arbitrary JSON object that always carries a string "cmd"
// field. All other fields are preserved verbatim through Parse/Serialize.
type Command map[string]any

// Oversize reports whether frame exceeds MaxFrameBytes.
func Oversize(frame []byte) bool {
	return len(frame) > MaxFrameBytes
}

// Parse decodes frame as a JSON array of objects, falling back to decoding
// it as a single object wrapped in a length-one list. Returns ErrFraming if
// neither shape decodes.
func Parse(frame []byte) ([]Command, error) {
	var asArray []Command
	if err := json.Unmarshal(frame, &asArray); err == nil {
		return asArray, nil
	}

	var asObject Command
	if err := json.Unmarshal(frame, &asObject); err == nil {
		return []Command{asObject}, nil
	}

	return nil, ErrFraming
}

// Serialize reserializes a command list as a JSON array. Field order within
// each object is not contractual.
func Serialize(cmds []Command) ([]byte, error) {
	return json.Marshal(cmds)
}

// Name returns the command's "cmd" field, or "" if absent/not a string.
func Name(c Command) string {
	return StringField(c, "cmd", "")
}

// SetName sets the command's "cmd" field, used to relabel Bounce -> Bounced.
func SetName(c Command, name string) {
	c["cmd"] = name
}

// StringField returns c[key] as a string, or def if absent or not a string.
func StringField(c Command, key, def string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// BoolField returns c[key] as a bool, or def if absent or not a bool.
func BoolField(c Command, key string, def bool) bool {
	if v, ok := c[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// IntField returns c[key] as an int, or def if absent or not numeric.
func IntField(c Command, key string, def int) int {
	if v, ok := c[key]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return def
}

// StringSliceField returns c[key] as a []string, or nil if absent or not an
// array of strings.
func StringSliceField(c Command, key string) []string {
	v, ok := c[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IntSliceField returns c[key] as a []int, or nil if absent or not an array
// of numbers.
func IntSliceField(c Command, key string) []int {
	v, ok := c[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, e := range raw {
		if f, ok := e.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}

// EnsureStringInSliceField appends value to c[key] (creating the field if
// absent) unless it's already present, returning the resulting slice and
// whether a mutation occurred.
func EnsureStringInSliceField(c Command, key, value string) ([]string, bool) {
	existing := StringSliceField(c, key)
	if ContainsString(existing, value) {
		return existing, false
	}
	updated := append(existing, value)
	c[key] = toAnySlice(updated)
	return updated, true
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// ObjectField returns c[key] as a nested Command, or an empty Command if
// absent or not an object.
func ObjectField(c Command, key string) Command {
	v, ok := c[key]
	if !ok {
		return Command{}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return Command{}
	}
	return Command(obj)
}

// ContainsString reports whether list contains s, case-sensitively.
func ContainsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
