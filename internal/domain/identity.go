package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// UserID is the canonical identity of a participant. Upstream events carry
// ids as either strings or numbers; every payload is normalized through
// ParseUserID at the boundary so roster code can compare with plain ==.
type UserID string

// ParseUserID normalizes an id from any wire representation. Numeric forms
// ("7", 7, 7.0) collapse to the same canonical value; everything else is the
// trimmed string form.
func ParseUserID(v any) UserID {
	switch val := v.(type) {
	case string:
		return normalizeID(val)
	case json.Number:
		return normalizeID(val.String())
	case float64:
		if val == float64(int64(val)) {
			return UserID(strconv.FormatInt(int64(val), 10))
		}
		return UserID(strconv.FormatFloat(val, 'f', -1, 64))
	case int:
		return UserID(strconv.Itoa(val))
	case int64:
		return UserID(strconv.FormatInt(val, 10))
	default:
		return ""
	}
}

func normalizeID(raw string) UserID {
	trimmed := strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return UserID(strconv.FormatInt(n, 10))
	}
	return UserID(trimmed)
}

// IsZero reports whether the id is empty.
func (id UserID) IsZero() bool { return id == "" }

func (id UserID) String() string { return string(id) }

// UnmarshalJSON accepts both quoted and bare-number ids.
func (id *UserID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = normalizeID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = normalizeID(n.String())
	return nil
}

// MarshalJSON always emits the string form.
func (id UserID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}
