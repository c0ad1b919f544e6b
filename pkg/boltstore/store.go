// Package boltstore is the bbolt-backed clan directory. It keeps every clan
// in an in-memory cache and writes each change through to disk; it is the
// production clanwar.Membership.
package boltstore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/crystal-mush/clanwar/pkg/clanwar"
	bbolt "go.etcd.io/bbolt"
)

// Rank is a member's standing within a clan.
type Rank int

const (
	RankMember Rank = iota
	RankOfficer
	RankLeader
)

func (r Rank) String() string {
	switch r {
	case RankMember:
		return "member"
	case RankOfficer:
		return "officer"
	case RankLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Clan is a persisted clan roster.
type Clan struct {
	ID      string
	Name    string
	Members map[string]Rank // user id -> rank
	Created time.Time
}

func (c *Clan) clone() *Clan {
	cp := *c
	cp.Members = make(map[string]Rank, len(c.Members))
	for u, r := range c.Members {
		cp.Members[u] = r
	}
	return &cp
}

// Directory errors.
var (
	ErrClanExists    = errors.New("clan already exists")
	ErrNoSuchClan    = errors.New("no such clan")
	ErrAlreadyMember = errors.New("user already belongs to a clan")
	ErrNotMember     = errors.New("user is not a member of that clan")
)

// Store wraps a bbolt database and an in-memory cache of the clan directory.
type Store struct {
	mu      sync.RWMutex
	bolt    *bbolt.DB
	clans   map[string]*Clan
	members map[string]string // user id -> clan id
}

// Open opens or creates a bbolt database file, ensures all buckets exist and
// loads the directory into memory.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketClans, bucketMembers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(keyVersion) == nil {
			return meta.Put(keyVersion, intToKey(schemaVersion))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	s := &Store{
		bolt:    db,
		clans:   make(map[string]*Clan),
		members: make(map[string]string),
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// Path returns the filesystem path of the underlying bbolt database.
func (s *Store) Path() string {
	if s.bolt != nil {
		return s.bolt.Path()
	}
	return ""
}

// Version returns the schema version recorded in the meta bucket.
func (s *Store) Version() int {
	version := 0
	s.bolt.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyVersion); v != nil {
			version = keyToInt(v)
		}
		return nil
	})
	return version
}

// loadAll reads every clan and the member index into the cache. A missing
// member index is rebuilt from the clans.
func (s *Store) loadAll() error {
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketClans).ForEach(func(k, v []byte) error {
			c, err := decodeClan(v)
			if err != nil {
				return fmt.Errorf("decode clan %q: %w", string(k), err)
			}
			s.clans[c.ID] = c
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketMembers).ForEach(func(k, v []byte) error {
			s.members[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("boltstore: load: %w", err)
	}

	if len(s.members) == 0 && len(s.clans) > 0 {
		if err := s.rebuildMemberIndex(); err != nil {
			return fmt.Errorf("boltstore: rebuild member index: %w", err)
		}
	}
	log.Printf("boltstore: loaded %d clans, %d members", len(s.clans), len(s.members))
	return nil
}

// rebuildMemberIndex writes all user -> clan mappings from the cached clans.
func (s *Store) rebuildMemberIndex() error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMembers)
		for _, c := range s.clans {
			for u := range c.Members {
				if err := b.Put([]byte(u), []byte(c.ID)); err != nil {
					return err
				}
				s.members[u] = c.ID
			}
		}
		return nil
	})
}

// put persists a clan and the given member index changes in a single
// transaction. clan may be nil when only the index changes.
func (s *Store) put(c *Clan, setMember map[string]string, delMembers []string) error {
	var data []byte
	if c != nil {
		var err error
		if data, err = encodeClan(c); err != nil {
			return fmt.Errorf("boltstore: encode clan %s: %w", c.ID, err)
		}
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		if c != nil {
			if err := tx.Bucket(bucketClans).Put([]byte(c.ID), data); err != nil {
				return err
			}
		}
		idx := tx.Bucket(bucketMembers)
		for u, clan := range setMember {
			if err := idx.Put([]byte(u), []byte(clan)); err != nil {
				return err
			}
		}
		for _, u := range delMembers {
			if err := idx.Delete([]byte(u)); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateClan registers a new clan with leader as its first member.
func (s *Store) CreateClan(name, leader string) (*Clan, error) {
	id := clanwar.NormalizeID(name)
	leader = clanwar.NormalizeID(leader)
	if id == "" || leader == "" {
		return nil, fmt.Errorf("boltstore: create clan: name and leader are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clans[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrClanExists, id)
	}
	if other, ok := s.members[leader]; ok {
		return nil, fmt.Errorf("%w: %s is in %s", ErrAlreadyMember, leader, other)
	}

	c := &Clan{
		ID:      id,
		Name:    name,
		Members: map[string]Rank{leader: RankLeader},
		Created: time.Now().UTC(),
	}
	if err := s.put(c, map[string]string{leader: id}, nil); err != nil {
		return nil, err
	}
	s.clans[id] = c
	s.members[leader] = id
	return c.clone(), nil
}

// DeleteClan removes a clan and releases its members.
func (s *Store) DeleteClan(id string) error {
	id = clanwar.NormalizeID(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clans[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchClan, id)
	}
	users := make([]string, 0, len(c.Members))
	for u := range c.Members {
		users = append(users, u)
	}
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketClans).Delete([]byte(id)); err != nil {
			return err
		}
		idx := tx.Bucket(bucketMembers)
		for _, u := range users {
			if err := idx.Delete([]byte(u)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltstore: delete clan %s: %w", id, err)
	}
	delete(s.clans, id)
	for _, u := range users {
		delete(s.members, u)
	}
	return nil
}

// AddMember adds user to a clan with the member rank.
func (s *Store) AddMember(clanID, user string) error {
	clanID, user = clanwar.NormalizeID(clanID), clanwar.NormalizeID(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clans[clanID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchClan, clanID)
	}
	if other, ok := s.members[user]; ok {
		return fmt.Errorf("%w: %s is in %s", ErrAlreadyMember, user, other)
	}
	next := c.clone()
	next.Members[user] = RankMember
	if err := s.put(next, map[string]string{user: clanID}, nil); err != nil {
		return err
	}
	s.clans[clanID] = next
	s.members[user] = clanID
	return nil
}

// RemoveMember removes user from a clan.
func (s *Store) RemoveMember(clanID, user string) error {
	clanID, user = clanwar.NormalizeID(clanID), clanwar.NormalizeID(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clans[clanID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchClan, clanID)
	}
	if _, ok := c.Members[user]; !ok {
		return fmt.Errorf("%w: %s", ErrNotMember, user)
	}
	next := c.clone()
	delete(next.Members, user)
	if err := s.put(next, nil, []string{user}); err != nil {
		return err
	}
	s.clans[clanID] = next
	delete(s.members, user)
	return nil
}

// SetRank changes a member's rank.
func (s *Store) SetRank(clanID, user string, rank Rank) error {
	clanID, user = clanwar.NormalizeID(clanID), clanwar.NormalizeID(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clans[clanID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchClan, clanID)
	}
	if _, ok := c.Members[user]; !ok {
		return fmt.Errorf("%w: %s", ErrNotMember, user)
	}
	next := c.clone()
	next.Members[user] = rank
	if err := s.put(next, nil, nil); err != nil {
		return err
	}
	s.clans[clanID] = next
	return nil
}

// Clan returns a copy of a clan by id.
func (s *Store) Clan(id string) (*Clan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clans[clanwar.NormalizeID(id)]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// Clans returns copies of all clans ordered by id.
func (s *Store) Clans() []*Clan {
	s.mu.RLock()
	result := make([]*Clan, 0, len(s.clans))
	for _, c := range s.clans {
		result = append(result, c.clone())
	}
	s.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ClanOf implements clanwar.Membership.
func (s *Store) ClanOf(user string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.members[clanwar.NormalizeID(user)]
	return c, ok
}

// IsOfficerOrLeader implements clanwar.Membership.
func (s *Store) IsOfficerOrLeader(clanID, user string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clans[clanwar.NormalizeID(clanID)]
	if !ok {
		return false
	}
	return c.Members[clanwar.NormalizeID(user)] >= RankOfficer
}

// Backup creates a hot snapshot of the bbolt database using tx.WriteTo().
func (s *Store) Backup(path string) error {
	return s.bolt.View(func(tx *bbolt.Tx) error {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("boltstore: create backup %s: %w", path, err)
		}
		defer f.Close()
		if _, err := tx.WriteTo(f); err != nil {
			return fmt.Errorf("boltstore: write backup: %w", err)
		}
		log.Printf("boltstore: backup written to %s", path)
		return nil
	})
}

var _ clanwar.Membership = (*Store)(nil)
