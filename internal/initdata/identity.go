package initdata

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Identity is the user carried in the "user" field of verified init data.
type Identity struct {
	ID        int64   `json:"id"`
	Username  *string `json:"username,omitempty"`
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	// PhotoURL is never populated from init data; it exists so profile
	// sources share one shape.
	PhotoURL *string `json:"photo_url,omitempty"`
}

// ExtractIdentity reads the user object from verified fields. It returns
// false when the field is missing, is not a JSON object, or lacks an integer id.
func ExtractIdentity(fields Fields) (*Identity, bool) {
	raw := fields[userField]
	if raw == "" {
		return nil, false
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return nil, false
	}

	id, ok := jsonInt(obj["id"])
	if !ok {
		return nil, false
	}

	return &Identity{
		ID:        id,
		Username:  jsonString(obj["username"]),
		FirstName: jsonString(obj["first_name"]),
		LastName:  jsonString(obj["last_name"]),
	}, true
}

// jsonInt accepts only an integral JSON number literal that fits int64.
func jsonInt(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// jsonString returns nil for absent, null, or non-string values.
func jsonString(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}
