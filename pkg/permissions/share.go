package permissions

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
)

func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleEditor
}

// Share grants one access token a role in a space. Timestamps are unix milliseconds.
type Share struct {
	Created  int64  `json:"created"`
	Accessed int64  `json:"accessed,omitempty"`
	Name     string `json:"name,omitempty"`
	Role     Role   `json:"role"`
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func encodeShare(s Share) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeShare(raw string) (Share, error) {
	var s Share
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Share{}, fmt.Errorf("failed to decode share: %w", err)
	}
	if !s.Role.Valid() {
		return Share{}, fmt.Errorf("invalid role %q", s.Role)
	}
	return s, nil
}

var ErrUnauthorized = errors.New("unauthorized")

// AuthError is returned when a token may not open a space.
type AuthError struct {
	Tsid   string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("unauthorized for space %s: %s", e.Tsid, e.Reason)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthorized
}
