// Package clanwar runs elimination wars between two clans inside a chat room.
//
// A War moves from registration through numbered rounds of pairwise
// matchups until one clan has no eligible participants left, or until it is
// terminated administratively. Every operation on a War is serialized by the
// War's own lock; the Registry indexes live wars by room and by clan.
package clanwar

import (
	"fmt"
	"strings"
)

// Side identifies one half of a war. SideA is the initiating clan.
type Side int

const (
	SideA Side = iota
	SideB
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// String returns "A" or "B".
func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideB:
		return "B"
	default:
		return fmt.Sprintf("Side(%d)", int(s))
	}
}

// MarshalText encodes the side by name.
func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s Side) valid() bool { return s == SideA || s == SideB }

// Style is the war's ruleset flavour. It is recorded with the war and its
// summary; pairing works the same way for both.
type Style int

const (
	StyleStandard Style = iota
	StyleTotal
)

func (s Style) String() string {
	switch s {
	case StyleStandard:
		return "standard"
	case StyleTotal:
		return "total"
	default:
		return "unknown"
	}
}

// MarshalText encodes the style by name.
func (s Style) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseStyle accepts "standard" or "total" in any case.
func ParseStyle(s string) (Style, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return StyleStandard, nil
	case "total":
		return StyleTotal, nil
	}
	return 0, fmt.Errorf("clanwar: unknown war style %q", s)
}

// State is the lifecycle phase of a war.
type State int

const (
	StateRegistering State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result is the lifecycle state of a single matchup. The numeric values
// are part of the external contract.
type Result int

const (
	ResultPending    Result = 0 // No outcome yet
	ResultActive     Result = 1 // Battle link attached, still open
	ResultAdvanced   Result = 2 // Side A advanced
	ResultEliminated Result = 3 // Side A eliminated
)

func (r Result) String() string {
	switch r {
	case ResultPending:
		return "pending"
	case ResultActive:
		return "active"
	case ResultAdvanced:
		return "advanced"
	case ResultEliminated:
		return "eliminated"
	default:
		return "unknown"
	}
}

// MarshalText encodes the result by name.
func (r Result) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Terminal reports whether the result closes the matchup for its round.
func (r Result) Terminal() bool {
	return r == ResultAdvanced || r == ResultEliminated
}

// resultFor returns the terminal result that makes winner the survivor.
func resultFor(winner Side) Result {
	if winner == SideA {
		return ResultAdvanced
	}
	return ResultEliminated
}

// Outcome describes how a war ended.
type Outcome int

const (
	OutcomeNone      Outcome = iota // Still running
	OutcomeWin                      // One clan has survivors left
	OutcomeTie                      // Neither clan has survivors left
	OutcomeCancelled                // Terminated administratively
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeWin:
		return "win"
	case OutcomeTie:
		return "tie"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// NormalizeID reduces a user, clan or room name to its id form: lowercase
// ASCII letters and digits only. "Team Rocket!" becomes "teamrocket".
func NormalizeID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return b.String()
}
