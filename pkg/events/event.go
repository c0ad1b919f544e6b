package events

import "time"

// EventType classifies war events for transport-specific encoding.
type EventType int

const (
	EvWarStarted          EventType = iota // War created, registration open
	EvParticipantJoined                    // User registered on a side
	EvParticipantLeft                      // User withdrew during registration
	EvRoundOpened                          // Bracket generated for a new round
	EvBattleStarted                        // Battle link attached to a matchup
	EvMatchupResolved                      // Matchup reached a terminal result
	EvMatchupInvalidated                   // Resolved matchup reopened
	EvParticipantReplaced                  // Substitution in a pending matchup
	EvWarEnded                             // War finished or was cancelled
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EvWarStarted:
		return "war_started"
	case EvParticipantJoined:
		return "participant_joined"
	case EvParticipantLeft:
		return "participant_left"
	case EvRoundOpened:
		return "round_opened"
	case EvBattleStarted:
		return "battle_started"
	case EvMatchupResolved:
		return "matchup_resolved"
	case EvMatchupInvalidated:
		return "matchup_invalidated"
	case EvParticipantReplaced:
		return "participant_replaced"
	case EvWarEnded:
		return "war_ended"
	default:
		return "unknown"
	}
}

// MarshalText encodes the type by name so JSON clients see "round_opened"
// rather than an ordinal.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is a structured war event that flows through the event bus.
// Presentation layers decide how to render each event; Data holds the
// typed payload defined by the emitting package.
type Event struct {
	Type EventType `json:"type"`
	Room string    `json:"room"`
	War  string    `json:"war"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}
