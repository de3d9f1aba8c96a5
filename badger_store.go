package aidledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger key layout. Numeric suffixes are big endian so prefix iteration
// returns records in id order.
var (
	badgerConfigKey        = []byte("config")
	badgerCommitmentPrefix = []byte("c/")
	badgerUpdatePrefix     = []byte("u/")
	badgerTransferPrefix   = []byte("t/")
)

// badgerLogger routes badger's printf-style logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(msg string, args ...any) {
	l.logger.Error(fmt.Sprintf(msg, args...), "component", "database")
}

func (l *badgerLogger) Warningf(msg string, args ...any) {
	l.logger.Warn(fmt.Sprintf(msg, args...), "component", "database")
}

func (l *badgerLogger) Infof(msg string, args ...any) {
	l.logger.Info(fmt.Sprintf(msg, args...), "component", "database")
}

func (l *badgerLogger) Debugf(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...), "component", "database")
}

type badgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens a badger-backed ledger store in dir. An empty dir
// keeps the database in memory.
func OpenBadgerStore(dir string, logger *slog.Logger) (Store, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.
		WithLogger(newBadgerLogger(logger)).
		// The default INFO logging is a bit verbose
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

func badgerKey(prefix []byte, id uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], id)
	return k
}

// Apply writes a mutation in one badger transaction. Each commitment has
// exactly one fee transfer, so transfers are keyed by commitment id.
func (s *badgerStore) Apply(m Mutation) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if m.Commitment != nil {
			if err := setJSON(txn, badgerKey(badgerCommitmentPrefix, m.Commitment.ID), m.Commitment); err != nil {
				return fmt.Errorf("write commitment: %w", err)
			}
		}
		if m.Update != nil {
			if err := setJSON(txn, badgerKey(badgerUpdatePrefix, m.Update.ID), m.Update.CommitmentUpdate); err != nil {
				return fmt.Errorf("write update: %w", err)
			}
		}
		if m.Transfer != nil {
			if err := setJSON(txn, badgerKey(badgerTransferPrefix, m.Transfer.CommitmentID), m.Transfer); err != nil {
				return fmt.Errorf("write fee transfer: %w", err)
			}
		}
		if err := setJSON(txn, badgerConfigKey, m.Config); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		return nil
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, val)
}

// Load reads the full ledger state from one read transaction.
func (s *badgerStore) Load() (Snapshot, bool, error) {
	var snap Snapshot
	found := true
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerConfigKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap.Config)
		}); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}

		if err := scanPrefix(txn, badgerCommitmentPrefix, func(_ uint64, val []byte) error {
			var c Commitment
			if err := json.Unmarshal(val, &c); err != nil {
				return err
			}
			snap.Commitments = append(snap.Commitments, c)
			return nil
		}); err != nil {
			return fmt.Errorf("decode commitments: %w", err)
		}
		if err := scanPrefix(txn, badgerUpdatePrefix, func(id uint64, val []byte) error {
			u := UpdateRecord{ID: id}
			if err := json.Unmarshal(val, &u.CommitmentUpdate); err != nil {
				return err
			}
			snap.Updates = append(snap.Updates, u)
			return nil
		}); err != nil {
			return fmt.Errorf("decode updates: %w", err)
		}
		if err := scanPrefix(txn, badgerTransferPrefix, func(_ uint64, val []byte) error {
			var t FeeTransfer
			if err := json.Unmarshal(val, &t); err != nil {
				return err
			}
			snap.Transfers = append(snap.Transfers, t)
			return nil
		}); err != nil {
			return fmt.Errorf("decode fee transfers: %w", err)
		}
		return nil
	})
	if err != nil || !found {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(id uint64, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.Key()
		if len(key) != len(prefix)+8 {
			continue
		}
		id := binary.BigEndian.Uint64(key[len(prefix):])
		if err := item.Value(func(val []byte) error { return fn(id, val) }); err != nil {
			return err
		}
	}
	return nil
}

func (s *badgerStore) Close() error { return s.db.Close() }
