package aidledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadJournalKeys reads A_0 and B_0 from a key file written by
// SaveJournalKeys. ok is false when the file does not exist.
func LoadJournalKeys(path string) (a0, b0 [KeySize]byte, ok bool, err error) {
	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return a0, b0, false, nil
	}
	if err != nil {
		return a0, b0, false, fmt.Errorf("read journal keys: %w", err)
	}
	lines := strings.Fields(string(buf))
	if len(lines) != 2 {
		return a0, b0, false, fmt.Errorf("journal key file %s: expected 2 keys, got %d", path, len(lines))
	}
	for i, dst := range []*[KeySize]byte{&a0, &b0} {
		k, err := hex.DecodeString(lines[i])
		if err != nil || len(k) != KeySize {
			return a0, b0, false, fmt.Errorf("journal key file %s: invalid key %d", path, i)
		}
		copy(dst[:], k)
	}
	return a0, b0, true, nil
}

// SaveJournalKeys writes A_0 and B_0 as hex, one per line, readable only by
// the owner.
func SaveJournalKeys(path string, a0, b0 [KeySize]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	data := hex.EncodeToString(a0[:]) + "\n" + hex.EncodeToString(b0[:]) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// OpenJournalStore opens a journal store at path: a SQLite database when
// path ends in .db or .sqlite, a directory of append-only files otherwise.
func OpenJournalStore(path string) (JournalStore, error) {
	switch filepath.Ext(path) {
	case ".db", ".sqlite":
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		return OpenSQLiteJournal(path)
	default:
		return OpenFileJournal(path)
	}
}
