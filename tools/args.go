package tools

import "encoding/json"

// EncodeArgs serializes ordered tool-call arguments for storage. A JSON array
// keeps the original argument order, which a map would not.
func EncodeArgs(args []Arg) string {
	b, err := json.Marshal(args)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// DecodeArgs is the inverse of EncodeArgs. Malformed input yields an empty
// slice rather than an error: recorded history is best-effort repair context.
func DecodeArgs(s string) []Arg {
	var args []Arg
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return nil
	}
	return args
}
