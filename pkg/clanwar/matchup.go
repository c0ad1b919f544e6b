package clanwar

import "fmt"

// Matchup pairs one side-A participant (From) with one side-B participant
// (To) for a round.
type Matchup struct {
	ID           int    `json:"id"`
	From         string `json:"from"`
	To           string `json:"to"`
	Result       Result `json:"result"`
	BattleLink   string `json:"battle_link,omitempty"`
	Disqualified bool   `json:"disqualified,omitempty"` // resolved by DQ rather than a reported battle
}

// Participant returns the matchup's representative for a side.
func (m *Matchup) Participant(side Side) string {
	if side == SideA {
		return m.From
	}
	return m.To
}

// Winner returns the surviving side of a resolved matchup.
func (m *Matchup) Winner() (Side, bool) {
	switch m.Result {
	case ResultAdvanced:
		return SideA, true
	case ResultEliminated:
		return SideB, true
	}
	return 0, false
}

func (m *Matchup) setParticipant(side Side, user string) {
	if side == SideA {
		m.From = user
	} else {
		m.To = user
	}
}

// Bye is a participant advanced without an opponent.
type Bye struct {
	User string `json:"user"`
	Side Side   `json:"side"`
}

// slot locates a participant within the current round.
type slot struct {
	matchup *Matchup // nil for a bye
	side    Side
}

// table is the matchup table of one round. It is built whole by the bracket
// generator and replaced, never reused, when the round advances.
type table struct {
	round    int
	matchups []*Matchup
	byes     []Bye
	byID     map[int]*Matchup
	slots    map[string]slot
}

func newTable(round int) *table {
	return &table{
		round: round,
		byID:  make(map[int]*Matchup),
		slots: make(map[string]slot),
	}
}

// addMatchup and addBye panic on a repeated participant: the generator must
// never place an id twice in one round.
func (t *table) addMatchup(m *Matchup) {
	t.claim(m.From, slot{matchup: m, side: SideA})
	t.claim(m.To, slot{matchup: m, side: SideB})
	t.matchups = append(t.matchups, m)
	t.byID[m.ID] = m
}

func (t *table) addBye(b Bye) {
	t.claim(b.User, slot{side: b.Side})
	t.byes = append(t.byes, b)
}

func (t *table) claim(user string, s slot) {
	if user == "" {
		panic(fmt.Sprintf("clanwar: invariant violated: empty participant id in round %d", t.round))
	}
	if _, dup := t.slots[user]; dup {
		panic(fmt.Sprintf("clanwar: invariant violated: %s placed twice in round %d", user, t.round))
	}
	t.slots[user] = s
}

func (t *table) matchup(id int) (*Matchup, error) {
	m, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: #%d", ErrUnknownMatchup, id)
	}
	return m, nil
}

func (t *table) slotOf(user string) (slot, bool) {
	s, ok := t.slots[user]
	return s, ok
}

// complete reports whether every matchup has a terminal result.
// Byes need no resolution.
func (t *table) complete() bool {
	for _, m := range t.matchups {
		if !m.Result.Terminal() {
			return false
		}
	}
	return true
}

// survivors returns the advancing ids of each side in bracket order:
// matchup winners first, then byes.
func (t *table) survivors() [2][]string {
	var out [2][]string
	for _, m := range t.matchups {
		if side, ok := m.Winner(); ok {
			out[side] = append(out[side], m.Participant(side))
		}
	}
	for _, b := range t.byes {
		out[b.Side] = append(out[b.Side], b.User)
	}
	return out
}

// replace swaps out for in on the given matchup side.
func (t *table) replace(m *Matchup, side Side, out, in string) {
	delete(t.slots, out)
	m.setParticipant(side, in)
	t.slots[in] = slot{matchup: m, side: side}
}

// records copies the matchups into history records.
func (t *table) records() []MatchupRecord {
	recs := make([]MatchupRecord, 0, len(t.matchups))
	for _, m := range t.matchups {
		recs = append(recs, MatchupRecord{Round: t.round, Matchup: *m})
	}
	return recs
}

func (t *table) copyMatchups() []Matchup {
	out := make([]Matchup, 0, len(t.matchups))
	for _, m := range t.matchups {
		out = append(out, *m)
	}
	return out
}

func (t *table) copyByes() []Bye {
	return append([]Bye(nil), t.byes...)
}
