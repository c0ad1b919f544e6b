package clanwar

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/crystal-mush/clanwar/pkg/events"
)

// Membership resolves clan affiliation for users. It is backed by the host's
// clan directory.
type Membership interface {
	ClanOf(user string) (clan string, ok bool)
	IsOfficerOrLeader(clan, user string) bool
}

// Emitter receives the structured events a war produces.
// *events.Bus satisfies it.
type Emitter interface {
	Emit(ev events.Event)
}

// StartParams describes a war to be created.
type StartParams struct {
	Clan     string // initiating clan, side A; also the war id
	Opponent string // side B
	Room     string
	Format   string
	Size     int
	Style    Style
}

// War is one elimination contest between two clans in one room.
// All exported methods are safe for concurrent use; each runs atomically
// with respect to the others, including any round advancement it triggers.
//
// Events are emitted while the war's lock is held, so subscribers observe
// them in operation order and must not call back into the same war.
type War struct {
	mu sync.Mutex

	clans  [2]string
	room   string
	format string
	size   int
	style  Style

	state   State
	round   int
	roster  *roster
	table   *table
	results []MatchupRecord // closed rounds
	nextID  int

	outcome   Outcome
	winner    string
	startedAt time.Time

	members Membership
	emitter Emitter
	onEnd   func(*War)
}

func newWar(p StartParams, members Membership, emitter Emitter, onEnd func(*War)) *War {
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &War{
		clans:     [2]string{p.Clan, p.Opponent},
		room:      p.Room,
		format:    p.Format,
		size:      p.Size,
		style:     p.Style,
		state:     StateRegistering,
		roster:    newRoster(p.Size),
		startedAt: time.Now(),
		members:   members,
		emitter:   emitter,
		onEnd:     onEnd,
	}
}

// ID returns the war id, which is the initiating clan's id.
func (w *War) ID() string { return w.clans[SideA] }

// Room returns the id of the room hosting the war.
func (w *War) Room() string { return w.room }

// Clan returns the clan id fighting on a side.
func (w *War) Clan(side Side) string { return w.clans[side] }

// State returns the current lifecycle state.
func (w *War) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Round returns the current round; 0 during registration.
func (w *War) Round() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.round
}

// FreeSlots returns the open registration slots on a side. It is zero once
// registration has closed.
func (w *War) FreeSlots(side Side) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRegistering || !side.valid() {
		return 0
	}
	return w.roster.free(side)
}

// Join registers user on side. When the join fills both rosters the bracket
// locks and round 1 opens before Join returns.
func (w *War) Join(user string, side Side) error {
	user = NormalizeID(user)
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireRegistering(); err != nil {
		return err
	}
	if !side.valid() {
		return ErrInvalidSide
	}
	if s, ok := w.roster.sideOf(user); ok {
		return fmt.Errorf("%w: %s on side %s", ErrAlreadyRegistered, user, s)
	}
	if err := w.checkClan(user, side); err != nil {
		return err
	}
	if err := w.roster.add(user, side); err != nil {
		return err
	}
	w.emit(events.EvParticipantJoined, RosterChanged{User: user, Side: side, FreeSlots: w.roster.free(side)})

	if w.roster.full() {
		w.advance([2][]string{w.roster.members(SideA), w.roster.members(SideB)})
	}
	return nil
}

// Leave withdraws user from registration.
func (w *War) Leave(user string) error {
	user = NormalizeID(user)
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireRegistering(); err != nil {
		return err
	}
	side, err := w.roster.remove(user)
	if err != nil {
		return err
	}
	w.emit(events.EvParticipantLeft, RosterChanged{User: user, Side: side, FreeSlots: w.roster.free(side)})
	return nil
}

// AttachBattle records the battle being played for a matchup and marks it
// active. A link on an already active matchup is overwritten.
func (w *War) AttachBattle(id int, link string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireActive(); err != nil {
		return err
	}
	if link == "" {
		return fmt.Errorf("%w: #%d", ErrNoBattleLink, id)
	}
	m, err := w.table.matchup(id)
	if err != nil {
		return err
	}
	if m.Result.Terminal() {
		return fmt.Errorf("%w: #%d", ErrAlreadyResolved, id)
	}
	m.Result = ResultActive
	m.BattleLink = link
	w.emit(events.EvBattleStarted, MatchupChanged{Round: w.round, Matchup: *m})
	return nil
}

// Report records winner as the outcome of a matchup.
func (w *War) Report(id int, winner Side) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireActive(); err != nil {
		return err
	}
	if !winner.valid() {
		return ErrInvalidSide
	}
	m, err := w.table.matchup(id)
	if err != nil {
		return err
	}
	if m.Result.Terminal() {
		return fmt.Errorf("%w: #%d is %s", ErrAlreadyResolved, id, m.Result)
	}
	w.resolve(m, winner, false)
	return nil
}

// ReportWinner awards user's open matchup to user's side.
func (w *War) ReportWinner(user string) error {
	user = NormalizeID(user)
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireActive(); err != nil {
		return err
	}
	m, side, err := w.openMatchupOf(user)
	if err != nil {
		return err
	}
	w.resolve(m, side, false)
	return nil
}

// Disqualify resolves user's open matchup against user's side.
func (w *War) Disqualify(user string) error {
	user = NormalizeID(user)
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireActive(); err != nil {
		return err
	}
	m, side, err := w.openMatchupOf(user)
	if err != nil {
		return err
	}
	w.resolve(m, side.Opposite(), true)
	return nil
}

// Replace substitutes in for out in out's pending matchup. in must belong to
// the same clan as out and must not already be placed this round.
func (w *War) Replace(out, in string) error {
	out, in = NormalizeID(out), NormalizeID(in)
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireActive(); err != nil {
		return err
	}
	s, ok := w.table.slotOf(out)
	if !ok || s.matchup == nil {
		return fmt.Errorf("%w: %s", ErrNotInActiveMatchup, out)
	}
	if s.matchup.Result != ResultPending {
		return fmt.Errorf("%w: %s is %s", ErrOutgoingNotPending, out, s.matchup.Result)
	}
	if _, taken := w.table.slotOf(in); taken {
		return fmt.Errorf("%w: %s", ErrIncomingAlreadyParticipant, in)
	}
	if err := w.checkClan(in, s.side); err != nil {
		return err
	}

	w.table.replace(s.matchup, s.side, out, in)
	w.emit(events.EvParticipantReplaced, Replaced{
		Round:    w.round,
		Side:     s.side,
		Outgoing: out,
		Incoming: in,
		Matchup:  *s.matchup,
	})
	return nil
}

// Invalidate reopens a matchup that has a battle or a result, returning it
// to pending with no battle link.
func (w *War) Invalidate(id int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireActive(); err != nil {
		return err
	}
	m, err := w.table.matchup(id)
	if err != nil {
		return err
	}
	if m.Result == ResultPending {
		return fmt.Errorf("%w: #%d", ErrNoResultToInvalidate, id)
	}
	m.Result = ResultPending
	m.BattleLink = ""
	m.Disqualified = false
	w.emit(events.EvMatchupInvalidated, MatchupChanged{Round: w.round, Matchup: *m})
	return nil
}

// End terminates the war. It is allowed in any phase before the war has
// ended; results of the round in progress are discarded.
func (w *War) End(reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateEnded {
		return ErrWarEnded
	}
	w.table = nil
	w.finish(OutcomeCancelled, "", reason)
	return nil
}

// Snapshot returns a detached copy of the war's state.
func (w *War) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := Snapshot{
		ID:        w.clans[SideA],
		Opponent:  w.clans[SideB],
		Room:      w.room,
		Format:    w.format,
		Size:      w.size,
		Style:     w.style,
		State:     w.state,
		Round:     w.round,
		Rosters:   [2][]string{w.roster.members(SideA), w.roster.members(SideB)},
		Outcome:   w.outcome,
		Winner:    w.winner,
		StartedAt: w.startedAt,
	}
	if w.state == StateRegistering {
		snap.FreeSlots = [2]int{w.roster.free(SideA), w.roster.free(SideB)}
	}
	if w.table != nil {
		snap.Matchups = w.table.copyMatchups()
		snap.Byes = w.table.copyByes()
	}
	return snap
}

// --- internals; callers hold w.mu ---

func (w *War) requireRegistering() error {
	switch {
	case w.state == StateEnded:
		return ErrWarEnded
	case w.round > 0:
		return fmt.Errorf("%w: bracket locked at round %d", ErrWrongPhase, w.round)
	}
	return nil
}

func (w *War) requireActive() error {
	switch w.state {
	case StateEnded:
		return ErrWarEnded
	case StateRegistering:
		return fmt.Errorf("%w: war is still registering", ErrWrongPhase)
	}
	return nil
}

func (w *War) checkClan(user string, side Side) error {
	clan, ok := w.members.ClanOf(user)
	if !ok || clan != w.clans[side] {
		return fmt.Errorf("%w: %s is not in %s", ErrClanMismatch, user, w.clans[side])
	}
	return nil
}

func (w *War) openMatchupOf(user string) (*Matchup, Side, error) {
	s, ok := w.table.slotOf(user)
	if !ok || s.matchup == nil || s.matchup.Result.Terminal() {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotInActiveMatchup, user)
	}
	return s.matchup, s.side, nil
}

// resolve closes a matchup and advances the war if that completed the round.
func (w *War) resolve(m *Matchup, winner Side, dq bool) {
	m.Result = resultFor(winner)
	m.Disqualified = dq
	w.emit(events.EvMatchupResolved, MatchupChanged{Round: w.round, Matchup: *m})

	if !w.table.complete() {
		return
	}
	w.results = append(w.results, w.table.records()...)
	w.advance(w.table.survivors())
}

// advance opens the next round from the given survivors, or ends the war
// when a side has none left.
func (w *War) advance(survivors [2][]string) {
	a, b := survivors[SideA], survivors[SideB]
	switch {
	case len(a) == 0 && len(b) == 0:
		w.table = nil
		w.finish(OutcomeTie, "", "")
		return
	case len(a) == 0:
		w.table = nil
		w.finish(OutcomeWin, w.clans[SideB], "")
		return
	case len(b) == 0:
		w.table = nil
		w.finish(OutcomeWin, w.clans[SideA], "")
		return
	}

	w.table = generateRound(w.round+1, a, b, func() int {
		w.nextID++
		return w.nextID
	})
	w.round = w.table.round
	w.state = StateActive
	log.Printf("clanwar: %s vs %s in %s: round %d opened with %d matchups, %d byes",
		w.clans[SideA], w.clans[SideB], w.room, w.round, len(w.table.matchups), len(w.table.byes))
	w.emit(events.EvRoundOpened, RoundOpened{
		Round:    w.round,
		Matchups: w.table.copyMatchups(),
		Byes:     w.table.copyByes(),
	})
}

func (w *War) finish(outcome Outcome, winner, reason string) {
	w.state = StateEnded
	w.outcome = outcome
	w.winner = winner

	sum := Summary{
		War:       w.clans[SideA],
		ClanA:     w.clans[SideA],
		ClanB:     w.clans[SideB],
		Room:      w.room,
		Format:    w.format,
		Style:     w.style,
		Size:      w.size,
		Rounds:    w.round,
		Outcome:   outcome,
		Winner:    winner,
		Reason:    reason,
		Results:   append([]MatchupRecord(nil), w.results...),
		StartedAt: w.startedAt,
		EndedAt:   time.Now(),
	}
	log.Printf("clanwar: %s vs %s in %s ended after round %d: %s %s",
		sum.ClanA, sum.ClanB, sum.Room, sum.Rounds, outcome, winner)
	w.emit(events.EvWarEnded, sum)

	if w.onEnd != nil {
		w.onEnd(w)
	}
}

func (w *War) emit(typ events.EventType, data any) {
	w.emitter.Emit(events.Event{
		Type: typ,
		Room: w.room,
		War:  w.clans[SideA],
		Time: time.Now(),
		Data: data,
	})
}
