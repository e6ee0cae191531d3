// Package jsonx provides JSON serialization on top of Sonic. Queue payloads,
// audit records, websocket frames, and snapshot export all flow through here,
// so the hot path never touches encoding/json.
package jsonx

import (
	"github.com/bytedance/sonic"
)

// Marshal returns the JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal parses data into v.
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// MarshalToString is like Marshal but returns a string, saving the
// []byte-to-string copy.
func MarshalToString(v any) (string, error) {
	return sonic.MarshalString(v)
}

// UnmarshalFromString parses the JSON string into v.
func UnmarshalFromString(data string, v any) error {
	return sonic.UnmarshalString(data, v)
}

// Valid reports whether data is valid JSON.
func Valid(data []byte) bool {
	return sonic.Valid(data)
}
