package boltstore

import (
	"fmt"
	"log"
	"sort"

	bbolt "go.etcd.io/bbolt"
)

// Severity indicates how serious a finding is.
type Severity int

const (
	SevError   Severity = iota // Breaks membership lookups
	SevWarning                 // Should be reviewed
)

func (s Severity) String() string {
	switch s {
	case SevError:
		return "error"
	case SevWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Finding is a single directory consistency issue.
type Finding struct {
	Severity    Severity `json:"severity"`
	Clan        string   `json:"clan,omitempty"`
	User        string   `json:"user,omitempty"`
	Description string   `json:"description"`
	Fixable     bool     `json:"fixable"` // Repair resolves it
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s", f.Severity, f.Description)
}

// Verify checks that the member index agrees with the clan rosters, that no
// user appears in two rosters, and that every clan has one leader. Findings
// are ordered by clan then user.
func (s *Store) Verify() []Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var findings []Finding
	owner := make(map[string]string) // user -> first clan whose roster lists them
	for _, id := range s.clanIDs() {
		c := s.clans[id]
		leaders := 0
		for _, u := range sortedUsers(c) {
			if c.Members[u] == RankLeader {
				leaders++
			}
			if other, ok := owner[u]; ok {
				findings = append(findings, Finding{
					Severity:    SevError,
					Clan:        id,
					User:        u,
					Description: fmt.Sprintf("%s is listed in both %s and %s", u, other, id),
				})
				continue
			}
			owner[u] = id
			switch idx, ok := s.members[u]; {
			case !ok:
				findings = append(findings, Finding{
					Severity:    SevError,
					Clan:        id,
					User:        u,
					Description: fmt.Sprintf("%s is in %s but missing from the member index", u, id),
					Fixable:     true,
				})
			case idx != id:
				findings = append(findings, Finding{
					Severity:    SevError,
					Clan:        id,
					User:        u,
					Description: fmt.Sprintf("%s is in %s but indexed under %s", u, id, idx),
					Fixable:     true,
				})
			}
		}
		switch {
		case leaders == 0:
			findings = append(findings, Finding{
				Severity:    SevWarning,
				Clan:        id,
				Description: fmt.Sprintf("%s has no leader", id),
			})
		case leaders > 1:
			findings = append(findings, Finding{
				Severity:    SevWarning,
				Clan:        id,
				Description: fmt.Sprintf("%s has %d leaders", id, leaders),
			})
		}
	}

	var stale []string
	for u := range s.members {
		if _, ok := owner[u]; !ok {
			stale = append(stale, u)
		}
	}
	sort.Strings(stale)
	for _, u := range stale {
		findings = append(findings, Finding{
			Severity:    SevError,
			Clan:        s.members[u],
			User:        u,
			Description: fmt.Sprintf("index maps %s to %s, which does not list them", u, s.members[u]),
			Fixable:     true,
		})
	}
	return findings
}

// Repair rewrites the member index from the clan rosters. A user listed in
// several rosters is indexed under the first clan by id. It returns the
// number of index entries that changed.
func (s *Store) Repair() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]string)
	for _, id := range s.clanIDs() {
		for u := range s.clans[id].Members {
			if _, ok := want[u]; !ok {
				want[u] = id
			}
		}
	}
	changed := 0
	for u, id := range want {
		if s.members[u] != id {
			changed++
		}
	}
	for u := range s.members {
		if _, ok := want[u]; !ok {
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}

	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketMembers); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketMembers)
		if err != nil {
			return err
		}
		for u, id := range want {
			if err := b.Put([]byte(u), []byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("boltstore: repair member index: %w", err)
	}
	s.members = want
	log.Printf("boltstore: repaired member index, %d entries changed", changed)
	return changed, nil
}

// clanIDs returns the cached clan ids in order. Callers hold s.mu.
func (s *Store) clanIDs() []string {
	ids := make([]string, 0, len(s.clans))
	for id := range s.clans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedUsers(c *Clan) []string {
	users := make([]string, 0, len(c.Members))
	for u := range c.Members {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
