package aidledger

import (
	"crypto/hmac"
	"errors"
)

// ErrGap indicates missing or reordered journal records.
var ErrGap = errors.New("gap or reordering detected")

// ErrTagMismatch indicates a MAC failure: tampering or a wrong key.
var ErrTagMismatch = errors.New("tag mismatch: tampering or wrong key")

// ErrTailUnavailable is returned when a journal store has no tail state.
var ErrTailUnavailable = errors.New("tail state unavailable")

// verifyChain replays records from (startIdx, kStart, tStart) and returns
// the aggregate tag of the last record. useV selects the A chain.
func verifyChain(
	records []JournalRecord, startIdx uint64, kStart [KeySize]byte,
	tStart [32]byte, useV bool,
) (lastTag [32]byte, err error) {
	key := kStart
	prev := tStart
	expect := startIdx

	for _, r := range records {
		expect++
		if r.Index != expect {
			return lastTag, ErrGap
		}
		fwdKey(&key)

		m := recordMAC(key, r.Index, r.Height, r.Body)
		var tag [32]byte
		if r.Index == 1 {
			tag = htag(m)
		} else {
			tag = fold(prev, m)
		}

		stored := r.TagT
		if useV {
			stored = r.TagV
		}
		if !hmac.Equal(tag[:], stored[:]) {
			return lastTag, ErrTagMismatch
		}
		prev = tag
		lastTag = tag
	}
	return lastTag, nil
}

// VerifyJournal replays the whole journal with the operator chain (B_0)
// and checks it against the stored tail.
func VerifyJournal(st JournalStore, b0 [KeySize]byte) error {
	recs, err := collect(st, 1)
	if err != nil {
		return err
	}
	var zero [32]byte
	final, err := verifyChain(recs, 0, b0, zero, false)
	if err != nil {
		return err
	}
	return checkTail(st, final, false)
}

// VerifyJournalFromAnchor verifies the auditor chain from a checkpoint to
// the tail.
func VerifyJournalFromAnchor(st JournalStore, a Anchor) error {
	recs, err := collect(st, a.Index+1)
	if err != nil {
		return err
	}
	final, err := verifyChain(recs, a.Index, a.Key, a.TagV, true)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		final = a.TagV
	}
	return checkTail(st, final, true)
}

// VerifyAuditChain replays the whole journal with the auditor chain (A_0).
func VerifyAuditChain(st JournalStore, a0 [KeySize]byte) error {
	recs, err := collect(st, 1)
	if err != nil {
		return err
	}
	var zero [32]byte
	final, err := verifyChain(recs, 0, a0, zero, true)
	if err != nil {
		return err
	}
	return checkTail(st, final, true)
}

func checkTail(st JournalStore, final [32]byte, useV bool) error {
	tail, ok, err := st.Tail()
	if err != nil {
		return err
	}
	if !ok {
		return ErrTailUnavailable
	}
	want := tail.TagT
	if useV {
		want = tail.TagV
	}
	if !hmac.Equal(final[:], want[:]) {
		return ErrTagMismatch
	}
	return nil
}

func collect(st JournalStore, start uint64) ([]JournalRecord, error) {
	ch, done, err := st.Iter(start)
	if err != nil {
		return nil, err
	}
	var recs []JournalRecord
	for r := range ch {
		recs = append(recs, r)
	}
	if err := done(); err != nil {
		return nil, err
	}
	return recs, nil
}
