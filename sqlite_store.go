package aidledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

const sqliteTimeout = 5 * time.Second

// openSQLite opens a SQLite DB, applies the PRAGMAs and the given schema.
func openSQLite(dsn, schema string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_config (
  id         INTEGER PRIMARY KEY CHECK(id=1),
  next_id    INTEGER NOT NULL,
  max_count  INTEGER NOT NULL,
  fee        INTEGER NOT NULL,
  authority  TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS commitments (
  id         INTEGER PRIMARY KEY,
  org        TEXT    NOT NULL,
  aid_type   INTEGER NOT NULL,
  location   TEXT    NOT NULL,
  quantity   INTEGER NOT NULL,
  tl_start   INTEGER NOT NULL,
  tl_end     INTEGER NOT NULL,
  status     TEXT    NOT NULL,
  hash       TEXT    NOT NULL UNIQUE,  -- content hash index
  ts         INTEGER NOT NULL,
  verified   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS commitment_updates (
  id         INTEGER PRIMARY KEY REFERENCES commitments(id),
  status     TEXT    NOT NULL,
  verified   INTEGER NOT NULL,
  ts         INTEGER NOT NULL,
  updater    TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS fee_transfers (
  seq        INTEGER PRIMARY KEY AUTOINCREMENT,
  amount     INTEGER NOT NULL,
  sender     TEXT    NOT NULL,
  recipient  TEXT    NOT NULL,
  commitment INTEGER NOT NULL,
  ts         INTEGER NOT NULL
);
`

type sqliteStore struct{ db *sql.DB }

// OpenSQLiteStore opens/creates a SQLite ledger store.
func OpenSQLiteStore(dsn string) (Store, error) {
	db, err := openSQLite(dsn, ledgerSchema)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

// Apply writes a mutation in one serializable transaction.
func (s *sqliteStore) Apply(m Mutation) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if m.Commitment != nil {
		c := m.Commitment
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO commitments(id, org, aid_type, location, quantity, tl_start, tl_end, status, hash, ts, verified)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET status=excluded.status, ts=excluded.ts, verified=excluded.verified`,
			c.ID, string(c.Org), c.AidType, c.Location, c.Quantity, c.Timeline.Start, c.Timeline.End,
			string(c.Status), c.Hash, c.Timestamp, c.Verified); err != nil {
			return fmt.Errorf("write commitment: %w", err)
		}
	}

	if m.Update != nil {
		u := m.Update
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO commitment_updates(id, status, verified, ts, updater) VALUES(?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET status=excluded.status, verified=excluded.verified,
			   ts=excluded.ts, updater=excluded.updater`,
			u.ID, string(u.Status), u.Verified, u.Timestamp, string(u.Updater)); err != nil {
			return fmt.Errorf("write update: %w", err)
		}
	}

	if m.Transfer != nil {
		t := m.Transfer
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fee_transfers(amount, sender, recipient, commitment, ts) VALUES(?, ?, ?, ?, ?)`,
			t.Amount, string(t.From), string(t.To), t.CommitmentID, t.Timestamp); err != nil {
			return fmt.Errorf("write fee transfer: %w", err)
		}
	}

	cfg := m.Config
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_config(id, next_id, max_count, fee, authority) VALUES(1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET next_id=excluded.next_id, max_count=excluded.max_count,
		   fee=excluded.fee, authority=excluded.authority`,
		cfg.NextCommitmentID, cfg.MaxCommitments, cfg.LoggingFee, string(cfg.AuthorityContract)); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return tx.Commit()
}

// Load reads the full ledger state.
func (s *sqliteStore) Load() (Snapshot, bool, error) {
	var snap Snapshot
	var authority string
	err := s.db.QueryRow(`SELECT next_id, max_count, fee, authority FROM ledger_config WHERE id=1`).
		Scan(&snap.Config.NextCommitmentID, &snap.Config.MaxCommitments, &snap.Config.LoggingFee, &authority)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	snap.Config.AuthorityContract = Principal(authority)

	rows, err := s.db.Query(`SELECT id, org, aid_type, location, quantity, tl_start, tl_end, status, hash, ts, verified
		FROM commitments ORDER BY id ASC`)
	if err != nil {
		return Snapshot{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var c Commitment
		var org, status string
		if err := rows.Scan(&c.ID, &org, &c.AidType, &c.Location, &c.Quantity, &c.Timeline.Start,
			&c.Timeline.End, &status, &c.Hash, &c.Timestamp, &c.Verified); err != nil {
			return Snapshot{}, false, err
		}
		c.Org, c.Status = Principal(org), Status(status)
		snap.Commitments = append(snap.Commitments, c)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, false, err
	}

	urows, err := s.db.Query(`SELECT id, status, verified, ts, updater FROM commitment_updates ORDER BY id ASC`)
	if err != nil {
		return Snapshot{}, false, err
	}
	defer urows.Close()
	for urows.Next() {
		var u UpdateRecord
		var status, updater string
		if err := urows.Scan(&u.ID, &status, &u.Verified, &u.Timestamp, &updater); err != nil {
			return Snapshot{}, false, err
		}
		u.Status, u.Updater = Status(status), Principal(updater)
		snap.Updates = append(snap.Updates, u)
	}
	if err := urows.Err(); err != nil {
		return Snapshot{}, false, err
	}

	trows, err := s.db.Query(`SELECT amount, sender, recipient, commitment, ts FROM fee_transfers ORDER BY seq ASC`)
	if err != nil {
		return Snapshot{}, false, err
	}
	defer trows.Close()
	for trows.Next() {
		var t FeeTransfer
		var from, to string
		if err := trows.Scan(&t.Amount, &from, &to, &t.CommitmentID, &t.Timestamp); err != nil {
			return Snapshot{}, false, err
		}
		t.From, t.To = Principal(from), Principal(to)
		snap.Transfers = append(snap.Transfers, t)
	}
	if err := trows.Err(); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }
