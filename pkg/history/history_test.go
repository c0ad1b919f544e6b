package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/crystal-mush/clanwar/pkg/clanwar"
	"github.com/crystal-mush/clanwar/pkg/events"
)

type members map[string]string

func (m members) ClanOf(user string) (string, bool) {
	c, ok := m[user]
	return c, ok
}

func (m members) IsOfficerOrLeader(string, string) bool { return false }

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestRecordAndRecent(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sum := clanwar.Summary{
		War: "alpha", ClanA: "alpha", ClanB: "beta", Room: "arena",
		Format: "gen9ou", Style: clanwar.StyleTotal, Size: 1, Rounds: 1,
		Outcome: clanwar.OutcomeWin, Winner: "alpha",
		Results: []clanwar.MatchupRecord{{Round: 1, Matchup: clanwar.Matchup{
			ID: 1, From: "a1", To: "b1", Result: clanwar.ResultAdvanced, BattleLink: "battle-1",
		}}},
		StartedAt: start,
		EndedAt:   start.Add(time.Hour),
	}
	id, err := s.Record(sum)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id == 0 {
		t.Error("Record returned id 0")
	}

	recs, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Recent returned %d records, want 1", len(recs))
	}
	got := recs[0].Summary
	if got.Style != clanwar.StyleTotal || got.Outcome != clanwar.OutcomeWin || got.Winner != "alpha" {
		t.Errorf("summary = %+v", got)
	}
	if !got.EndedAt.Equal(sum.EndedAt) {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, sum.EndedAt)
	}
	if len(got.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(got.Results))
	}
	r := got.Results[0]
	if r.From != "a1" || r.Result != clanwar.ResultAdvanced || r.BattleLink != "battle-1" || r.Disqualified {
		t.Errorf("result = %+v", r)
	}
}

func TestReceiveFromBus(t *testing.T) {
	s, path := openTemp(t)

	bus := events.NewBus()
	bus.SubscribeGlobal(s)
	reg := clanwar.NewRegistry(members{"a1": "alpha", "b1": "beta", "g1": "gamma"}, bus, clanwar.Limits{})

	play := func(clan, opponent, winner string) {
		w, err := reg.Start(clanwar.StartParams{Clan: clan, Opponent: opponent, Room: "arena", Size: 1})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		for _, u := range []string{clan[:1] + "1", opponent[:1] + "1"} {
			side := clanwar.SideA
			if u[:1] == opponent[:1] {
				side = clanwar.SideB
			}
			if err := w.Join(u, side); err != nil {
				t.Fatalf("Join %s: %v", u, err)
			}
		}
		if winner == "" {
			if err := w.End("cancelled by test"); err != nil {
				t.Fatalf("End: %v", err)
			}
			return
		}
		if err := w.ReportWinner(winner); err != nil {
			t.Fatalf("ReportWinner: %v", err)
		}
	}
	play("alpha", "beta", "a1")
	play("beta", "gamma", "g1")
	play("alpha", "gamma", "")
	s.Wait()

	rec, err := s.ClanRecord("Alpha")
	if err != nil {
		t.Fatalf("ClanRecord: %v", err)
	}
	if rec.Wins != 1 || rec.Losses != 0 || rec.Cancelled != 1 {
		t.Errorf("alpha record = %+v", rec)
	}
	rec, _ = s.ClanRecord("beta")
	if rec.Wins != 0 || rec.Losses != 2 {
		t.Errorf("beta record = %+v", rec)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !s.Closed() {
		t.Error("Closed() = false after Close")
	}
	// Events after close are dropped without panicking.
	s.Receive(events.Event{Type: events.EvWarEnded, Data: clanwar.Summary{War: "late"}})

	s2, err := Open(path, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	recs, err := s2.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Recent(2) = %d records", len(recs))
	}
	if recs[0].Summary.Outcome != clanwar.OutcomeCancelled || recs[0].Summary.Reason != "cancelled by test" {
		t.Errorf("newest record = %+v", recs[0].Summary)
	}
	if recs[1].Summary.Winner != "gamma" {
		t.Errorf("second newest winner = %q, want gamma", recs[1].Summary.Winner)
	}
}

func TestReceiveIgnoresOtherEvents(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	s.Receive(events.Event{Type: events.EvRoundOpened, War: "alpha"})
	s.Receive(events.Event{Type: events.EvWarEnded, War: "alpha", Data: "not a summary"})
	s.Wait()

	recs, err := s.Recent(5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("stored %d records from non-summary events", len(recs))
	}
}

func TestCountAndBackup(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	for i, winner := range []string{"alpha", "beta"} {
		sum := clanwar.Summary{
			War: "alpha", ClanA: "alpha", ClanB: "beta", Room: "arena",
			Size: 1, Rounds: i + 1, Outcome: clanwar.OutcomeWin, Winner: winner,
		}
		if _, err := s.Record(sum); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if n, err := s.Count(); err != nil || n != 2 {
		t.Fatalf("Count = %d, %v; want 2", n, err)
	}

	dest := filepath.Join(t.TempDir(), "copy.db")
	if err := s.Backup(dest); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	b, err := Open(dest, 2)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer b.Close()
	rec, err := b.ClanRecord("beta")
	if err != nil {
		t.Fatalf("ClanRecord: %v", err)
	}
	if rec.Wins != 1 || rec.Losses != 1 {
		t.Errorf("beta record in backup = %+v", rec)
	}
}

func TestReceiveBurstKeepsEverySummary(t *testing.T) {
	s, _ := openTemp(t)

	const wars = 300
	for i := 0; i < wars; i++ {
		s.Receive(events.Event{Type: events.EvWarEnded, Data: clanwar.Summary{
			War: "alpha", ClanA: "alpha", ClanB: "beta", Room: "arena",
			Size: 1, Rounds: 1, Outcome: clanwar.OutcomeCancelled,
		}})
	}
	s.Wait()
	if n, err := s.Count(); err != nil || n != wars {
		t.Errorf("Count = %d, %v; want %d", n, err, wars)
	}

	// Summaries still queued at Close are written before the database closes.
	s.Receive(events.Event{Type: events.EvWarEnded, Data: clanwar.Summary{
		War: "beta", ClanA: "beta", ClanB: "alpha", Room: "lobby",
		Size: 1, Rounds: 1, Outcome: clanwar.OutcomeCancelled,
	}})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s2, err := Open(s.Path(), 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if n, _ := s2.Count(); n != wars+1 {
		t.Errorf("Count after Close = %d, want %d", n, wars+1)
	}
}
