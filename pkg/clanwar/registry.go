package clanwar

import (
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"

	"github.com/crystal-mush/clanwar/pkg/events"
)

// Limits bounds the wars the registry will admit.
type Limits struct {
	MaxSize int      // largest per-side roster; 0 means unbounded
	Formats []string // allowed format ids; empty allows any
}

// Registry indexes in-progress wars by room and by clan. It admits at most
// one war per room and one war per clan. Ended wars remove themselves.
type Registry struct {
	mu      sync.RWMutex
	byRoom  map[string]*War
	byClan  map[string]*War
	limits  Limits
	members Membership
	emitter Emitter
}

// NewRegistry creates an empty registry. emitter may be nil.
func NewRegistry(members Membership, emitter Emitter, limits Limits) *Registry {
	if emitter == nil {
		emitter = events.Discard{}
	}
	r := &Registry{
		byRoom:  make(map[string]*War),
		byClan:  make(map[string]*War),
		members: members,
		emitter: emitter,
	}
	r.SetLimits(limits)
	return r
}

// SetLimits replaces the admission limits. Running wars are unaffected.
func (r *Registry) SetLimits(l Limits) {
	formats := make([]string, 0, len(l.Formats))
	for _, f := range l.Formats {
		if id := NormalizeID(f); id != "" {
			formats = append(formats, id)
		}
	}
	r.mu.Lock()
	r.limits = Limits{MaxSize: l.MaxSize, Formats: formats}
	r.mu.Unlock()
}

// Limits returns the current admission limits.
func (r *Registry) Limits() Limits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Limits{MaxSize: r.limits.MaxSize, Formats: slices.Clone(r.limits.Formats)}
}

// Start creates a war and opens its registration.
func (r *Registry) Start(p StartParams) (*War, error) {
	p.Clan = NormalizeID(p.Clan)
	p.Opponent = NormalizeID(p.Opponent)
	p.Room = NormalizeID(p.Room)
	p.Format = NormalizeID(p.Format)

	if p.Clan == "" || p.Opponent == "" || p.Room == "" {
		return nil, fmt.Errorf("clanwar: start: clan, opponent and room are required")
	}
	if p.Clan == p.Opponent {
		return nil, fmt.Errorf("%w: %s", ErrSameClan, p.Clan)
	}

	w := newWar(p, r.members, r.emitter, r.remove)
	w.mu.Lock()
	defer w.mu.Unlock()

	r.mu.Lock()
	if err := r.admit(p); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.byRoom[p.Room] = w
	r.byClan[p.Clan] = w
	r.byClan[p.Opponent] = w
	r.mu.Unlock()

	log.Printf("clanwar: %s declared war on %s in %s (%s, size %d, %s)",
		p.Clan, p.Opponent, p.Room, p.Format, p.Size, p.Style)
	w.emit(events.EvWarStarted, WarStarted{
		ClanA:  p.Clan,
		ClanB:  p.Opponent,
		Format: p.Format,
		Size:   p.Size,
		Style:  p.Style,
	})
	return w, nil
}

// admit checks limits and exclusivity. Caller holds r.mu.
func (r *Registry) admit(p StartParams) error {
	if p.Size < 1 || (r.limits.MaxSize > 0 && p.Size > r.limits.MaxSize) {
		return fmt.Errorf("%w: %d (max %d)", ErrInvalidSize, p.Size, r.limits.MaxSize)
	}
	if len(r.limits.Formats) > 0 && !slices.Contains(r.limits.Formats, p.Format) {
		return fmt.Errorf("%w: %s", ErrFormatNotAllowed, p.Format)
	}
	if _, busy := r.byRoom[p.Room]; busy {
		return fmt.Errorf("%w: %s", ErrRoomBusy, p.Room)
	}
	for _, c := range []string{p.Clan, p.Opponent} {
		if _, busy := r.byClan[c]; busy {
			return fmt.Errorf("%w: %s", ErrClanBusy, c)
		}
	}
	return nil
}

// remove drops an ended war from both indices.
func (r *Registry) remove(w *War) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byRoom[w.room] == w {
		delete(r.byRoom, w.room)
	}
	for _, c := range w.clans {
		if r.byClan[c] == w {
			delete(r.byClan, c)
		}
	}
}

// ByRoom returns the war hosted in room, or nil.
func (r *Registry) ByRoom(room string) *War {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byRoom[NormalizeID(room)]
}

// ByClan returns the war clan is fighting, or nil.
func (r *Registry) ByClan(clan string) *War {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byClan[NormalizeID(clan)]
}

// Count returns the number of wars in progress.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom)
}

// Wars returns the wars in progress ordered by room id.
func (r *Registry) Wars() []*War {
	r.mu.RLock()
	result := make([]*War, 0, len(r.byRoom))
	for _, w := range r.byRoom {
		result = append(result, w)
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].room < result[j].room
	})
	return result
}

// End terminates the war in room.
func (r *Registry) End(room, reason string) error {
	w := r.ByRoom(room)
	if w == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchWar, NormalizeID(room))
	}
	return w.End(reason)
}

// Close ends every remaining war. The registry stays usable afterwards.
func (r *Registry) Close() {
	wars := r.Wars()
	for _, w := range wars {
		// A war may finish on its own between the snapshot and here.
		_ = w.End("shutdown")
	}
	if len(wars) > 0 {
		log.Printf("clanwar: ended %d war(s) on shutdown", len(wars))
	}
}
