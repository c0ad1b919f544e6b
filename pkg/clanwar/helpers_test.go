package clanwar

import (
	"fmt"
	"sync"
	"testing"

	"github.com/crystal-mush/clanwar/pkg/events"
)

// fakeMembers implements Membership from a fixed user -> clan map.
type fakeMembers struct {
	clans    map[string]string
	officers map[string]bool // "clan/user"
}

func (f *fakeMembers) ClanOf(user string) (string, bool) {
	c, ok := f.clans[user]
	return c, ok
}

func (f *fakeMembers) IsOfficerOrLeader(clan, user string) bool {
	return f.officers[clan+"/"+user]
}

// newMembers creates n members named <clan>1..<clan>n for each clan.
func newMembers(n int, clans ...string) *fakeMembers {
	f := &fakeMembers{clans: make(map[string]string), officers: make(map[string]bool)}
	for _, c := range clans {
		for i := 1; i <= n; i++ {
			f.clans[fmt.Sprintf("%s%d", c, i)] = c
		}
	}
	return f
}

// recorder implements Emitter and keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// testWar starts an alpha-vs-beta war of the given size in room "arena".
func testWar(t *testing.T, size int) (*Registry, *War, *recorder) {
	t.Helper()
	rec := &recorder{}
	reg := NewRegistry(newMembers(size+2, "alpha", "beta"), rec, Limits{})
	w, err := reg.Start(StartParams{Clan: "alpha", Opponent: "beta", Room: "arena", Format: "gen9ou", Size: size})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return reg, w, rec
}

// fill registers alpha1..alphaN and beta1..betaN.
func fill(t *testing.T, w *War, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		if err := w.Join(fmt.Sprintf("alpha%d", i), SideA); err != nil {
			t.Fatalf("Join alpha%d: %v", i, err)
		}
		if err := w.Join(fmt.Sprintf("beta%d", i), SideB); err != nil {
			t.Fatalf("Join beta%d: %v", i, err)
		}
	}
}

// checkDisjoint asserts no id appears twice across a snapshot's matchups and byes.
func checkDisjoint(t *testing.T, snap Snapshot) {
	t.Helper()
	seen := make(map[string]bool)
	mark := func(u string) {
		if seen[u] {
			t.Errorf("round %d: %s placed twice", snap.Round, u)
		}
		seen[u] = true
	}
	for _, m := range snap.Matchups {
		mark(m.From)
		mark(m.To)
	}
	for _, b := range snap.Byes {
		mark(b.User)
	}
}
