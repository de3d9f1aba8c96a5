package aidledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS journal (
  idx    INTEGER PRIMARY KEY,
  height INTEGER NOT NULL,
  body   BLOB    NOT NULL,
  tagV   BLOB    NOT NULL,
  tagT   BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS journal_tail (
  id     INTEGER PRIMARY KEY CHECK(id=1),
  idx    INTEGER NOT NULL,
  tagV   BLOB    NOT NULL,
  tagT   BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS journal_anchors (
  idx    INTEGER PRIMARY KEY,
  key    BLOB NOT NULL,
  tagV   BLOB NOT NULL,
  tagT   BLOB NOT NULL
);
`

type sqliteJournal struct{ db *sql.DB }

// OpenSQLiteJournal opens/creates a SQLite journal store.
func OpenSQLiteJournal(dsn string) (JournalStore, error) {
	db, err := openSQLite(dsn, journalSchema)
	if err != nil {
		return nil, err
	}
	return &sqliteJournal{db: db}, nil
}

// Append stores a record, the optional anchor and the new tail in one
// transaction.
func (s *sqliteJournal) Append(r JournalRecord, tail JournalTail, anchor *Anchor) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxIdx int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx),0) FROM journal`).Scan(&maxIdx); err != nil {
		return err
	}
	if uint64(maxIdx) != r.Index-1 {
		return fmt.Errorf("non-contiguous append: have %d, got %d", maxIdx, r.Index)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO journal(idx, height, body, tagV, tagT) VALUES(?, ?, ?, ?, ?)`,
		r.Index, r.Height, r.Body, r.TagV[:], r.TagT[:]); err != nil {
		return err
	}
	if anchor != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO journal_anchors(idx, key, tagV, tagT) VALUES(?, ?, ?, ?)
			 ON CONFLICT(idx) DO UPDATE SET key=excluded.key, tagV=excluded.tagV, tagT=excluded.tagT`,
			anchor.Index, anchor.Key[:], anchor.TagV[:], anchor.TagT[:]); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO journal_tail(id, idx, tagV, tagT) VALUES(1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET idx=excluded.idx, tagV=excluded.tagV, tagT=excluded.tagT`,
		tail.Index, tail.TagV[:], tail.TagT[:]); err != nil {
		return err
	}
	return tx.Commit()
}

// Iter streams records from startIdx in ascending order.
func (s *sqliteJournal) Iter(startIdx uint64) (<-chan JournalRecord, func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, height, body, tagV, tagT FROM journal WHERE idx >= ? ORDER BY idx ASC`, startIdx)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out := make(chan JournalRecord, 64)
	finished := make(chan struct{})
	var iterErr error
	go func() {
		defer close(finished)
		defer close(out)
		defer rows.Close()
		for rows.Next() {
			var r JournalRecord
			var tagV, tagT []byte
			if err := rows.Scan(&r.Index, &r.Height, &r.Body, &tagV, &tagT); err != nil {
				iterErr = fmt.Errorf("scan journal record: %w", err)
				return
			}
			if len(tagV) != 32 || len(tagT) != 32 {
				iterErr = fmt.Errorf("invalid tag sizes at record %d", r.Index)
				return
			}
			copy(r.TagV[:], tagV)
			copy(r.TagT[:], tagT)
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil && ctx.Err() == nil {
			iterErr = fmt.Errorf("iterate journal: %w", err)
		}
	}()
	var once sync.Once
	cleanup := func() error {
		once.Do(cancel)
		<-finished
		return iterErr
	}
	return out, cleanup, nil
}

// AnchorAt retrieves the anchor at index i.
func (s *sqliteJournal) AnchorAt(i uint64) (Anchor, bool, error) {
	var key, tagV, tagT []byte
	var a Anchor
	err := s.db.QueryRow(`SELECT idx, key, tagV, tagT FROM journal_anchors WHERE idx=?`, i).
		Scan(&a.Index, &key, &tagV, &tagT)
	if errors.Is(err, sql.ErrNoRows) {
		return Anchor{}, false, nil
	}
	if err != nil {
		return Anchor{}, false, err
	}
	if len(key) != KeySize || len(tagV) != 32 || len(tagT) != 32 {
		return Anchor{}, false, fmt.Errorf("invalid anchor sizes")
	}
	copy(a.Key[:], key)
	copy(a.TagV[:], tagV)
	copy(a.TagT[:], tagT)
	return a, true, nil
}

// ListAnchors returns all anchors ascending by index.
func (s *sqliteJournal) ListAnchors() ([]Anchor, error) {
	rows, err := s.db.Query(`SELECT idx, key, tagV, tagT FROM journal_anchors ORDER BY idx ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Anchor
	for rows.Next() {
		var a Anchor
		var key, tagV, tagT []byte
		if err := rows.Scan(&a.Index, &key, &tagV, &tagT); err != nil {
			return nil, err
		}
		if len(key) != KeySize || len(tagV) != 32 || len(tagT) != 32 {
			continue
		}
		copy(a.Key[:], key)
		copy(a.TagV[:], tagV)
		copy(a.TagT[:], tagT)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Tail returns the current tail state.
func (s *sqliteJournal) Tail() (JournalTail, bool, error) {
	var tail JournalTail
	var tagV, tagT []byte
	err := s.db.QueryRow(`SELECT idx, tagV, tagT FROM journal_tail WHERE id=1`).Scan(&tail.Index, &tagV, &tagT)
	if errors.Is(err, sql.ErrNoRows) {
		return tail, false, nil
	}
	if err != nil {
		return tail, false, err
	}
	if len(tagV) != 32 || len(tagT) != 32 {
		return tail, false, fmt.Errorf("invalid tail sizes")
	}
	copy(tail.TagV[:], tagV)
	copy(tail.TagT[:], tagT)
	return tail, true, nil
}

func (s *sqliteJournal) Close() error { return s.db.Close() }

// memoryJournal is an in-process JournalStore.
type memoryJournal struct {
	mu      sync.Mutex
	records []JournalRecord
	anchors []Anchor
	tail    *JournalTail
}

// NewMemoryJournal returns a JournalStore held in memory.
func NewMemoryJournal() JournalStore { return &memoryJournal{} }

func (m *memoryJournal) Append(r JournalRecord, tail JournalTail, anchor *Anchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(len(m.records)) != r.Index-1 {
		return fmt.Errorf("non-contiguous append: have %d, got %d", len(m.records), r.Index)
	}
	r.Body = append([]byte(nil), r.Body...)
	m.records = append(m.records, r)
	if anchor != nil {
		m.anchors = append(m.anchors, *anchor)
	}
	m.tail = &tail
	return nil
}

func (m *memoryJournal) Iter(startIdx uint64) (<-chan JournalRecord, func() error, error) {
	m.mu.Lock()
	var recs []JournalRecord
	for _, r := range m.records {
		if r.Index >= startIdx {
			recs = append(recs, r)
		}
	}
	m.mu.Unlock()
	out := make(chan JournalRecord, len(recs))
	for _, r := range recs {
		out <- r
	}
	close(out)
	return out, func() error { return nil }, nil
}

func (m *memoryJournal) AnchorAt(i uint64) (Anchor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.anchors {
		if a.Index == i {
			return a, true, nil
		}
	}
	return Anchor{}, false, nil
}

func (m *memoryJournal) ListAnchors() ([]Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Anchor(nil), m.anchors...), nil
}

func (m *memoryJournal) Tail() (JournalTail, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tail == nil {
		return JournalTail{}, false, nil
	}
	return *m.tail, true, nil
}

func (m *memoryJournal) Close() error { return nil }
