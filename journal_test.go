package aidledger

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"
)

//revive:disable:cyclomatic High complexity acceptable in tests
//revive:disable:cognitive-complexity High complexity acceptable in tests
//revive:disable:function-length Long test functions are acceptable

func appendEvents(t *testing.T, j *Journal, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := Event{
			Kind:         EventCommitmentLogged,
			CommitmentID: uint64(i),
			Principal:    testOrg,
			Height:       uint64(100 + i),
			Payload:      mustJSON(map[string]int{"n": i}),
		}
		if _, err := j.Append(ev); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
}

func journalStores(t *testing.T) map[string]func() JournalStore {
	return map[string]func() JournalStore{
		"memory": NewMemoryJournal,
		"file": func() JournalStore {
			st, err := OpenFileJournal(filepath.Join(t.TempDir(), "journal"))
			if err != nil {
				t.Fatal(err)
			}
			return st
		},
		"sqlite": func() JournalStore {
			st, err := OpenSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
			if err != nil {
				t.Fatal(err)
			}
			return st
		},
	}
}

func TestJournal_VerifyAllStores(t *testing.T) {
	for name, open := range journalStores(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()

			j, err := OpenJournal(JournalConfig{AnchorEvery: 4}, st)
			if err != nil {
				t.Fatal(err)
			}
			a0, b0 := j.InitialKeys()
			appendEvents(t, j, 10)

			if err := VerifyJournal(st, b0); err != nil {
				t.Fatalf("VerifyJournal failed: %v", err)
			}
			if err := VerifyAuditChain(st, a0); err != nil {
				t.Fatalf("VerifyAuditChain failed: %v", err)
			}

			anchors, err := st.ListAnchors()
			if err != nil {
				t.Fatal(err)
			}
			if len(anchors) != 2 || anchors[0].Index != 4 || anchors[1].Index != 8 {
				t.Fatalf("unexpected anchors: %+v", anchors)
			}
			for _, a := range anchors {
				if err := VerifyJournalFromAnchor(st, a); err != nil {
					t.Fatalf("VerifyJournalFromAnchor(%d) failed: %v", a.Index, err)
				}
			}
			a, found, err := st.AnchorAt(8)
			if err != nil || !found || a != anchors[1] {
				t.Fatalf("AnchorAt(8) = %+v, %v, %v", a, found, err)
			}
			if _, found, _ := st.AnchorAt(5); found {
				t.Error("Should not find anchor at 5")
			}

			tail, ok, err := st.Tail()
			if err != nil || !ok {
				t.Fatalf("Tail: %v %v", ok, err)
			}
			if tail != j.LastState() {
				t.Errorf("tail %+v != last state %+v", tail, j.LastState())
			}

			events, err := j.Events(9)
			if err != nil {
				t.Fatal(err)
			}
			if len(events) != 2 || events[0].CommitmentID != 8 || events[1].Height != 109 {
				t.Errorf("unexpected events: %+v", events)
			}
		})
	}
}

func TestJournal_WrongKey(t *testing.T) {
	st := NewMemoryJournal()
	j, err := OpenJournal(JournalConfig{}, st)
	if err != nil {
		t.Fatal(err)
	}
	a0, _ := j.InitialKeys()
	appendEvents(t, j, 3)

	// A_0 does not open the operator chain
	if err := VerifyJournal(st, a0); !errors.Is(err, ErrTagMismatch) {
		t.Fatalf("Expected ErrTagMismatch, got: %v", err)
	}
}

func TestJournal_TamperingDetection(t *testing.T) {
	st := NewMemoryJournal()
	j, err := OpenJournal(JournalConfig{}, st)
	if err != nil {
		t.Fatal(err)
	}
	a0, b0 := j.InitialKeys()
	appendEvents(t, j, 5)

	records, err := collect(st, 1)
	if err != nil {
		t.Fatal(err)
	}
	var zeroTag [32]byte
	if _, err := verifyChain(records, 0, a0, zeroTag, true); err != nil {
		t.Fatalf("verifyChain failed on valid records: %v", err)
	}

	// tamper with a record body (but not its tags)
	tampered := append([]JournalRecord(nil), records...)
	tampered[2].Body = []byte(`{"kind":3,"commitmentId":999,"height":102}`)
	if _, err := verifyChain(tampered, 0, a0, zeroTag, true); !errors.Is(err, ErrTagMismatch) {
		t.Fatalf("Expected ErrTagMismatch, got: %v", err)
	}
	if _, err := verifyChain(tampered, 0, b0, zeroTag, false); !errors.Is(err, ErrTagMismatch) {
		t.Fatalf("Expected ErrTagMismatch, got: %v", err)
	}

	// rewriting the height is caught too
	tampered = append([]JournalRecord(nil), records...)
	tampered[1].Height++
	if _, err := verifyChain(tampered, 0, b0, zeroTag, false); !errors.Is(err, ErrTagMismatch) {
		t.Fatalf("Expected ErrTagMismatch, got: %v", err)
	}

	// dropping a record leaves a gap
	gapped := append(append([]JournalRecord(nil), records[:2]...), records[3:]...)
	if _, err := verifyChain(gapped, 0, b0, zeroTag, false); !errors.Is(err, ErrGap) {
		t.Fatalf("Expected ErrGap, got: %v", err)
	}

	// truncating the tail is caught against the stored tail
	if _, err := verifyChain(records[:4], 0, b0, zeroTag, false); err != nil {
		t.Fatal(err)
	}
	final, _ := verifyChain(records[:4], 0, b0, zeroTag, false)
	if err := checkTail(st, final, false); !errors.Is(err, ErrTagMismatch) {
		t.Fatalf("Expected ErrTagMismatch for truncated journal, got: %v", err)
	}
}

func TestJournal_Resume(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	st, err := OpenFileJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	j, err := OpenJournal(JournalConfig{AnchorEvery: 3}, st)
	if err != nil {
		t.Fatal(err)
	}
	a0, b0 := j.InitialKeys()
	appendEvents(t, j, 4)
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = OpenFileJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if _, err := OpenJournal(JournalConfig{}, st); !errors.Is(err, ErrJournalKeysRequired) {
		t.Fatalf("Expected ErrJournalKeysRequired, got: %v", err)
	}

	j, err = OpenJournal(JournalConfig{AnchorEvery: 3, KeyV: &a0, KeyT: &b0}, st)
	if err != nil {
		t.Fatal(err)
	}
	if j.LastState().Index != 4 {
		t.Fatalf("Expected resumed index 4, got %d", j.LastState().Index)
	}
	appendEvents(t, j, 3)

	if err := VerifyJournal(st, b0); err != nil {
		t.Fatalf("VerifyJournal after resume failed: %v", err)
	}
	if err := VerifyAuditChain(st, a0); err != nil {
		t.Fatalf("VerifyAuditChain after resume failed: %v", err)
	}
	anchors, err := st.ListAnchors()
	if err != nil {
		t.Fatal(err)
	}
	if len(anchors) != 2 || anchors[1].Index != 6 {
		t.Errorf("unexpected anchors after resume: %+v", anchors)
	}
}

func TestJournal_NonContiguousAppend(t *testing.T) {
	for name, open := range journalStores(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()
			r := JournalRecord{Index: 2, Body: []byte("{}")}
			if err := st.Append(r, JournalTail{Index: 2}, nil); err == nil {
				t.Fatal("Expected error for non-contiguous append")
			}
			if _, ok, err := st.Tail(); err != nil || ok {
				t.Fatalf("Expected no tail, got ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestJournal_FileAppendRollback(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	st, err := OpenFileJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	fj := st.(*fileJournal)

	j, err := OpenJournal(JournalConfig{AnchorEvery: 2}, st)
	if err != nil {
		t.Fatal(err)
	}
	a0, b0 := j.InitialKeys()
	appendEvents(t, j, 1)

	// the anchor write of record 2 fails after the record hit journal.dat
	if err := fj.anchorFile.Close(); err != nil {
		t.Fatal(err)
	}
	ev := Event{Kind: EventFeeSet, Principal: testAuthority, Height: 200}
	if _, err := j.Append(ev); err == nil {
		t.Fatal("Expected append error with anchor file closed")
	}
	if j.LastState().Index != 1 {
		t.Fatalf("Expected index to stay at 1, got %d", j.LastState().Index)
	}
	fj.anchorFile, err = os.OpenFile(filepath.Join(dir, anchorsFileName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatal(err)
	}

	// the same index can be appended again
	if _, err := j.Append(ev); err != nil {
		t.Fatalf("Retry after failed append: %v", err)
	}
	appendEvents(t, j, 1)

	records, err := collect(st, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records on disk, got %d", len(records))
	}
	if err := VerifyJournal(st, b0); err != nil {
		t.Fatalf("VerifyJournal after retry failed: %v", err)
	}
	if err := VerifyAuditChain(st, a0); err != nil {
		t.Fatalf("VerifyAuditChain after retry failed: %v", err)
	}
	anchors, err := st.ListAnchors()
	if err != nil {
		t.Fatal(err)
	}
	if len(anchors) != 1 || anchors[0].Index != 2 {
		t.Errorf("unexpected anchors: %+v", anchors)
	}
}

func TestJournal_FileTornRecord(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	st, err := OpenFileJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	j, err := OpenJournal(JournalConfig{}, st)
	if err != nil {
		t.Fatal(err)
	}
	a0, b0 := j.InitialKeys()
	appendEvents(t, j, 3)

	f, err := os.OpenFile(filepath.Join(dir, journalFileName), os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 4, 0}); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	err = VerifyJournal(st, b0)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Expected a read error for the torn record, got: %v", err)
	}
	if errors.Is(err, ErrGap) || errors.Is(err, ErrTagMismatch) {
		t.Fatalf("Read error reported as chain error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	// reopening cuts the torn record off
	st, err = OpenFileJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	j, err = OpenJournal(JournalConfig{KeyV: &a0, KeyT: &b0}, st)
	if err != nil {
		t.Fatal(err)
	}
	appendEvents(t, j, 1)
	if err := VerifyJournal(st, b0); err != nil {
		t.Fatalf("VerifyJournal after reopen failed: %v", err)
	}
}

func TestJournal_FileOversizedRecord(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	st, err := OpenFileJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	j, err := OpenJournal(JournalConfig{}, st)
	if err != nil {
		t.Fatal(err)
	}
	_, b0 := j.InitialKeys()
	appendEvents(t, j, 2)

	big := JournalRecord{Index: 3, Body: make([]byte, maxRecordBody+1)}
	if err := st.Append(big, JournalTail{Index: 3}, nil); !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("Expected ErrRecordTooLarge on append, got: %v", err)
	}

	// a header claiming a 4 GiB body
	var hdr [headerSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], 3)
	binary.BigEndian.PutUint32(hdr[16:20], 0xFFFFFFFF)
	f, err := os.OpenFile(filepath.Join(dir, journalFileName), os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(hdr[:]); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	if err := VerifyJournal(st, b0); !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("Expected ErrRecordTooLarge from verify, got: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileJournal(dir); !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("Expected ErrRecordTooLarge on open, got: %v", err)
	}
}

func TestJournal_SQLiteIterError(t *testing.T) {
	st, err := OpenSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	j, err := OpenJournal(JournalConfig{}, st)
	if err != nil {
		t.Fatal(err)
	}
	_, b0 := j.InitialKeys()
	appendEvents(t, j, 3)

	db := st.(*sqliteJournal).db
	if _, err := db.Exec(`INSERT INTO journal(idx, height, body, tagV, tagT) VALUES(4, -5, x'7b7d', x'00', x'00')`); err != nil {
		t.Fatal(err)
	}

	if _, err := collect(st, 1); err == nil {
		t.Fatal("Expected an error for an undecodable row")
	}
	err = VerifyJournal(st, b0)
	if err == nil || errors.Is(err, ErrGap) || errors.Is(err, ErrTagMismatch) {
		t.Fatalf("Expected a read error, got: %v", err)
	}
}

func TestJournal_EmptyTail(t *testing.T) {
	st := NewMemoryJournal()
	var key [KeySize]byte
	if err := VerifyJournal(st, key); !errors.Is(err, ErrTailUnavailable) {
		t.Fatalf("Expected ErrTailUnavailable, got: %v", err)
	}
}

func TestJournal_IterEarlyStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	for _, name := range []string{"file", "sqlite"} {
		st := journalStores(t)[name]()
		j, err := OpenJournal(JournalConfig{}, st)
		if err != nil {
			t.Fatal(err)
		}
		appendEvents(t, j, 200)

		ch, done, err := st.Iter(1)
		if err != nil {
			t.Fatal(err)
		}
		r := <-ch
		if r.Index != 1 {
			t.Errorf("%s: expected first index 1, got %d", name, r.Index)
		}
		_ = done()
		_ = done()
		// drain so the producer observes the stop
		for range ch {
		}
		if err := st.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestJournalKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "journal.keys")
	if _, _, ok, err := LoadJournalKeys(path); err != nil || ok {
		t.Fatalf("Expected missing key file, got ok=%v err=%v", ok, err)
	}
	var a0, b0 [KeySize]byte
	a0[31], b0[0] = 7, 9
	if err := SaveJournalKeys(path, a0, b0); err != nil {
		t.Fatal(err)
	}
	ga, gb, ok, err := LoadJournalKeys(path)
	if err != nil || !ok {
		t.Fatalf("LoadJournalKeys: ok=%v err=%v", ok, err)
	}
	if ga != a0 || gb != b0 {
		t.Error("keys did not survive a save/load")
	}
}

func TestOpenJournalStore(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenJournalStore(filepath.Join(dir, "sub", "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*sqliteJournal); !ok {
		t.Errorf("expected sqlite journal, got %T", st)
	}
	_ = st.Close()

	st, err = OpenJournalStore(filepath.Join(dir, "journal"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*fileJournal); !ok {
		t.Errorf("expected file journal, got %T", st)
	}
	_ = st.Close()
}
