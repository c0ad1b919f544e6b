package clanwar

import "time"

// Event payloads carried in events.Event.Data.

// WarStarted is emitted when a war opens registration.
type WarStarted struct {
	ClanA  string `json:"clan_a"`
	ClanB  string `json:"clan_b"`
	Format string `json:"format"`
	Size   int    `json:"size"`
	Style  Style  `json:"style"`
}

// RosterChanged is emitted for joins and leaves during registration.
type RosterChanged struct {
	User      string `json:"user"`
	Side      Side   `json:"side"`
	FreeSlots int    `json:"free_slots"`
}

// RoundOpened is emitted when a new bracket round is generated.
type RoundOpened struct {
	Round    int       `json:"round"`
	Matchups []Matchup `json:"matchups"`
	Byes     []Bye     `json:"byes"`
}

// MatchupChanged is emitted when a matchup gains a battle, a result, or is
// reopened.
type MatchupChanged struct {
	Round   int     `json:"round"`
	Matchup Matchup `json:"matchup"`
}

// Replaced is emitted after a substitution.
type Replaced struct {
	Round    int     `json:"round"`
	Side     Side    `json:"side"`
	Outgoing string  `json:"outgoing"`
	Incoming string  `json:"incoming"`
	Matchup  Matchup `json:"matchup"`
}

// MatchupRecord is a matchup as it stood when its round closed.
type MatchupRecord struct {
	Round int `json:"round"`
	Matchup
}

// Summary is the terminal record of a war, carried by the WarEnded event
// for history and rating consumers.
type Summary struct {
	War       string          `json:"war"`
	ClanA     string          `json:"clan_a"`
	ClanB     string          `json:"clan_b"`
	Room      string          `json:"room"`
	Format    string          `json:"format"`
	Style     Style           `json:"style"`
	Size      int             `json:"size"`
	Rounds    int             `json:"rounds"`
	Outcome   Outcome         `json:"outcome"`
	Winner    string          `json:"winner,omitempty"` // clan id, set for OutcomeWin
	Reason    string          `json:"reason,omitempty"`
	Results   []MatchupRecord `json:"results"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
}

// Snapshot is a detached copy of a war's state for display.
type Snapshot struct {
	ID        string      `json:"id"`
	Opponent  string      `json:"opponent"`
	Room      string      `json:"room"`
	Format    string      `json:"format"`
	Size      int         `json:"size"`
	Style     Style       `json:"style"`
	State     State       `json:"state"`
	Round     int         `json:"round"`
	Rosters   [2][]string `json:"rosters"`
	FreeSlots [2]int      `json:"free_slots"`
	Matchups  []Matchup   `json:"matchups"`
	Byes      []Bye       `json:"byes"`
	Outcome   Outcome     `json:"outcome"`
	Winner    string      `json:"winner,omitempty"`
	StartedAt time.Time   `json:"started_at"`
}
