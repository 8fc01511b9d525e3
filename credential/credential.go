// Package credential normalizes the loosely shaped authentication payloads
// returned by the upstream API into one canonical {user, token} pair.
//
// Accepted shapes:
//
//	{"success": true, "data": {"user": {...}, "token": "..."}}
//	{"success": true, "data": {...user fields...}, "token": "..."}
//	{"user": {...}, "token": "..."}
//	{"valid": true, "user": {...}}
package credential

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// User is the profile object returned by the backend. Its fields are not
// fixed by any contract, so it is kept as decoded JSON.
type User map[string]any

// ID returns the user identifier under the first of id, user_id, _id.
func (u User) ID() string {
	return u.first("id", "user_id", "_id", "userId")
}

// Name returns the display name under the first of name, user_name,
// display_name, displayName.
func (u User) Name() string {
	return u.first("name", "user_name", "display_name", "displayName")
}

func (u User) first(keys ...string) string {
	for _, k := range keys {
		switch v := u[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// Marshal encodes the user for persistence.
func (u User) Marshal() (string, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("encode user: %w", err)
	}
	return string(data), nil
}

// UnmarshalUser decodes a persisted user. An empty or "null" value yields a
// nil user.
func UnmarshalUser(raw string) (User, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return u, nil
}

// Credentials is the canonical view of an authentication payload.
type Credentials struct {
	// Success is false only when the payload says so explicitly
	// ("success": false or "valid": false).
	Success bool
	Message string
	User    User
	Token   string
}

// Parse normalizes body. Bodies that are not JSON objects yield an
// unsuccessful result carrying no message.
func Parse(body []byte) Credentials {
	var top map[string]any
	if err := json.Unmarshal(body, &top); err != nil || top == nil {
		return Credentials{}
	}
	return FromMap(top)
}

// FromMap normalizes an already decoded payload.
func FromMap(top map[string]any) Credentials {
	c := Credentials{Success: true}

	if v, ok := top["success"].(bool); ok {
		c.Success = v
	}
	if v, ok := top["valid"].(bool); ok && !v {
		c.Success = false
	}
	c.Message = message(top)

	data, _ := top["data"].(map[string]any)

	if u, ok := data["user"].(map[string]any); ok {
		c.User = User(u)
	} else if u, ok := top["user"].(map[string]any); ok {
		c.User = User(u)
	} else if data != nil {
		c.User = withoutToken(data)
	}

	if t := tokenIn(data); t != "" {
		c.Token = t
	} else {
		c.Token = tokenIn(top)
	}

	return c
}

// tokenKeys are the names a bearer token has been sent under, in order of
// preference.
var tokenKeys = []string{"token", "accessToken", "access_token"}

func tokenIn(m map[string]any) string {
	for _, k := range tokenKeys {
		if t, ok := m[k].(string); ok && t != "" {
			return t
		}
	}
	return ""
}

func message(top map[string]any) string {
	for _, k := range []string{"message", "error", "error_description"} {
		if s, ok := top[k].(string); ok && s != "" {
			return s
		}
	}
	if e, ok := top["error"].(map[string]any); ok {
		if s, ok := e["message"].(string); ok {
			return s
		}
	}
	return ""
}

// withoutToken returns data as a user, minus the credential fields that
// sometimes ride along with the profile.
func withoutToken(data map[string]any) User {
	u := make(User, len(data))
	for k, v := range data {
		switch k {
		case "token", "accessToken", "access_token", "refreshToken", "refresh_token":
			continue
		}
		u[k] = v
	}
	if len(u) == 0 {
		return nil
	}
	return u
}
