// Package history records finished wars in SQLite. It subscribes to the
// event bus and stores the terminal summary of every WarEnded event.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/crystal-mush/clanwar/pkg/clanwar"
	"github.com/crystal-mush/clanwar/pkg/events"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS wars (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	war        TEXT    NOT NULL,
	clan_a     TEXT    NOT NULL,
	clan_b     TEXT    NOT NULL,
	room       TEXT    NOT NULL,
	format     TEXT    NOT NULL,
	style      TEXT    NOT NULL,
	size       INTEGER NOT NULL,
	rounds     INTEGER NOT NULL,
	outcome    TEXT    NOT NULL,
	winner     TEXT    NOT NULL DEFAULT '',
	reason     TEXT    NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	ended_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS matchups (
	war_id       INTEGER NOT NULL REFERENCES wars(id),
	round        INTEGER NOT NULL,
	matchup      INTEGER NOT NULL,
	from_user    TEXT    NOT NULL,
	to_user      TEXT    NOT NULL,
	result       TEXT    NOT NULL,
	disqualified INTEGER NOT NULL,
	battle_link  TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS wars_clan_a ON wars(clan_a);
CREATE INDEX IF NOT EXISTS wars_clan_b ON wars(clan_b);
`

// Record is a stored war.
type Record struct {
	ID      int64           `json:"id"`
	Summary clanwar.Summary `json:"summary"`
}

// ClanRecord tallies a clan's finished wars.
type ClanRecord struct {
	Clan      string `json:"clan"`
	Wins      int    `json:"wins"`
	Losses    int    `json:"losses"`
	Ties      int    `json:"ties"`
	Cancelled int    `json:"cancelled"`
}

// Store manages the SQLite war history. Summaries received from the bus are
// written by a background goroutine so emitters never wait on disk.
type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	path    string
	timeout time.Duration
	closed  bool

	qmu      sync.Mutex
	qcond    *sync.Cond
	qclosed  bool
	pending  []clanwar.Summary
	inflight sync.WaitGroup
	done     chan struct{}
}

// Open opens a SQLite3 database, sets WAL mode and busy timeout, and
// creates the schema.
func Open(path string, timeoutSec int) (*Store, error) {
	if timeoutSec <= 0 {
		timeoutSec = 5
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: opening sqlite %s: %w", path, err)
	}
	// Set WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: setting WAL mode: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", timeoutSec*1000)); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: creating schema: %w", err)
	}
	s := &Store{
		db:      db,
		path:    path,
		timeout: time.Duration(timeoutSec) * time.Second,
		done:    make(chan struct{}),
	}
	s.qcond = sync.NewCond(&s.qmu)
	go s.drain()
	return s, nil
}

// Close writes any queued summaries and closes the database. Events
// received afterwards are dropped.
func (s *Store) Close() error {
	s.qmu.Lock()
	s.qclosed = true
	s.qcond.Broadcast()
	s.qmu.Unlock()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// drain writes queued summaries until the store is closed and the queue is
// empty. The queue is unbounded so a burst of endings never loses a record.
func (s *Store) drain() {
	defer close(s.done)
	for {
		s.qmu.Lock()
		for len(s.pending) == 0 && !s.qclosed {
			s.qcond.Wait()
		}
		batch := s.pending
		s.pending = nil
		s.qmu.Unlock()
		if len(batch) == 0 {
			return
		}

		for _, sum := range batch {
			if _, err := s.Record(sum); err != nil {
				log.Printf("history: recording war %s in %s: %v", sum.War, sum.Room, err)
			}
			s.inflight.Done()
		}
	}
}

// Wait blocks until every summary queued so far has been written.
func (s *Store) Wait() {
	s.inflight.Wait()
}

// Path returns the filesystem path of the SQLite database.
func (s *Store) Path() string { return s.path }

// Receive implements events.Subscriber, storing WarEnded summaries.
func (s *Store) Receive(ev events.Event) {
	if ev.Type != events.EvWarEnded {
		return
	}
	sum, ok := ev.Data.(clanwar.Summary)
	if !ok {
		log.Printf("history: war_ended event for %s without a summary", ev.War)
		return
	}

	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.qclosed {
		return
	}
	s.inflight.Add(1)
	s.pending = append(s.pending, sum)
	s.qcond.Signal()
}

// Closed implements events.Subscriber.
func (s *Store) Closed() bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return s.qclosed
}

var _ events.Subscriber = (*Store)(nil)

// Record stores a summary and its matchups in one transaction.
func (s *Store) Record(sum clanwar.Summary) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("history: store closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO wars (war, clan_a, clan_b, room, format, style, size, rounds, outcome, winner, reason, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.War, sum.ClanA, sum.ClanB, sum.Room, sum.Format, sum.Style.String(), sum.Size, sum.Rounds,
		sum.Outcome.String(), sum.Winner, sum.Reason, sum.StartedAt.UnixMilli(), sum.EndedAt.UnixMilli())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO matchups (war_id, round, matchup, from_user, to_user, result, disqualified, battle_link)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, r := range sum.Results {
		if _, err := stmt.ExecContext(ctx, id, r.Round, r.ID, r.From, r.To, r.Result.String(), r.Disqualified, r.BattleLink); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// Recent returns up to limit wars, newest first, with their matchups.
func (s *Store) Recent(limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("history: store closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, war, clan_a, clan_b, room, format, style, size, rounds, outcome, winner, reason, started_at, ended_at
		 FROM wars ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var records []Record
	for rows.Next() {
		var (
			rec            Record
			style, outcome string
			started, ended int64
		)
		sum := &rec.Summary
		if err := rows.Scan(&rec.ID, &sum.War, &sum.ClanA, &sum.ClanB, &sum.Room, &sum.Format, &style,
			&sum.Size, &sum.Rounds, &outcome, &sum.Winner, &sum.Reason, &started, &ended); err != nil {
			rows.Close()
			return nil, err
		}
		sum.Style, _ = clanwar.ParseStyle(style)
		sum.Outcome = parseOutcome(outcome)
		sum.StartedAt = time.UnixMilli(started)
		sum.EndedAt = time.UnixMilli(ended)
		records = append(records, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range records {
		results, err := s.matchups(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Summary.Results = results
	}
	return records, nil
}

func (s *Store) matchups(ctx context.Context, warID int64) ([]clanwar.MatchupRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT round, matchup, from_user, to_user, result, disqualified, battle_link
		 FROM matchups WHERE war_id = ? ORDER BY round, matchup`, warID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clanwar.MatchupRecord
	for rows.Next() {
		var (
			r      clanwar.MatchupRecord
			result string
		)
		if err := rows.Scan(&r.Round, &r.ID, &r.From, &r.To, &result, &r.Disqualified, &r.BattleLink); err != nil {
			return nil, err
		}
		r.Result = parseResult(result)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClanRecord tallies the finished wars of a clan.
func (s *Store) ClanRecord(clan string) (ClanRecord, error) {
	clan = clanwar.NormalizeID(clan)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := ClanRecord{Clan: clan}
	if s.closed {
		return rec, fmt.Errorf("history: store closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, winner, COUNT(*) FROM wars
		 WHERE clan_a = ? OR clan_b = ? GROUP BY outcome, winner`, clan, clan)
	if err != nil {
		return rec, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			outcome, winner string
			n               int
		)
		if err := rows.Scan(&outcome, &winner, &n); err != nil {
			return rec, err
		}
		switch parseOutcome(outcome) {
		case clanwar.OutcomeWin:
			if winner == clan {
				rec.Wins += n
			} else {
				rec.Losses += n
			}
		case clanwar.OutcomeTie:
			rec.Ties += n
		case clanwar.OutcomeCancelled:
			rec.Cancelled += n
		}
	}
	return rec, rows.Err()
}

// Count returns the number of stored wars.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("history: store closed")
	}
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM wars").Scan(&n)
	return n, err
}

// Backup writes a consistent copy of the database to path, which must not
// exist.
func (s *Store) Backup(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("history: store closed")
	}
	if _, err := s.db.Exec("VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("history: backup to %s: %w", path, err)
	}
	return nil
}

func parseOutcome(s string) clanwar.Outcome {
	for _, o := range []clanwar.Outcome{clanwar.OutcomeWin, clanwar.OutcomeTie, clanwar.OutcomeCancelled} {
		if o.String() == s {
			return o
		}
	}
	return clanwar.OutcomeNone
}

func parseResult(s string) clanwar.Result {
	for _, r := range []clanwar.Result{clanwar.ResultActive, clanwar.ResultAdvanced, clanwar.ResultEliminated} {
		if r.String() == s {
			return r
		}
	}
	return clanwar.ResultPending
}
