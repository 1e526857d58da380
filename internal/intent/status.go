package intent

import (
	"fmt"
	"strings"

	xerrors "Intent-Ledger/internal/errors"
)

// Status is the lifecycle position of an intent.
type Status uint8

const (
	StatusNone Status = iota
	StatusPending
	StatusVerified
	StatusExecuted
	StatusSettled
	StatusCancelled
)

var statusNames = [...]string{"None", "Pending", "Verified", "Executed", "Settled", "Cancelled"}

// String implements fmt.Stringer.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// ParseStatus accepts the case-insensitive status name.
func ParseStatus(raw string) (Status, error) {
	for i, name := range statusNames {
		if strings.EqualFold(strings.TrimSpace(raw), name) {
			return Status(i), nil
		}
	}
	return StatusNone, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的意图状态: %q", raw))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether no further transition is accepted.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

// Executable reports whether the executor may act on an intent in s.
func (s Status) Executable() bool {
	return s == StatusPending || s == StatusVerified
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusVerified, StatusExecuted, StatusCancelled},
	StatusVerified: {StatusExecuted, StatusCancelled},
	StatusExecuted: {StatusSettled},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
