package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Completions do not always respect the declared output types. The types
// below accept the common variations ("true" for true, "2" for 2, an object
// serialised into a string) so one sloppy field does not sink a whole turn.

// Bool decodes from a JSON boolean, a string ("true", "yes", "1") or null.
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*b = false
		return nil
	}
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = Bool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("models: cannot decode %s as bool", data)
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		*b = true
	case "false", "no", "0", "":
		*b = false
	default:
		return fmt.Errorf("models: cannot decode %q as bool", s)
	}
	return nil
}

// Int decodes from a JSON number or a numeric string.
type Int int

func (n *Int) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*n = Int(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("models: cannot decode %s as int", data)
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("models: cannot decode %q as int", s)
	}
	*n = Int(v)
	return nil
}

// Embedded holds a JSON object that may arrive either inline or encoded in a
// JSON string.
type Embedded []byte

func (e *Embedded) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = Embedded(strings.TrimSpace(s))
		return nil
	}
	*e = append((*e)[:0], data...)
	return nil
}

func (e Embedded) MarshalJSON() ([]byte, error) {
	if len(e) == 0 {
		return []byte("null"), nil
	}
	return []byte(e), nil
}

// Decode unmarshals the embedded object into v. Empty and null payloads leave
// v untouched.
func (e Embedded) Decode(v any) error {
	if len(e) == 0 || string(e) == "null" {
		return nil
	}
	return json.Unmarshal(e, v)
}
