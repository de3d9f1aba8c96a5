package aidledger

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// KeySize is the size in bytes of the journal chain keys (SHA-256 output size).
const KeySize = 32

// EventKind identifies the ledger operation recorded by a journal event.
type EventKind uint8

const (
	EventAuthorityBound EventKind = iota + 1
	EventFeeSet
	EventCommitmentLogged
	EventCommitmentUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventAuthorityBound:
		return "authority-bound"
	case EventFeeSet:
		return "fee-set"
	case EventCommitmentLogged:
		return "commitment-logged"
	case EventCommitmentUpdated:
		return "commitment-updated"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Event is one entry of the ledger history. Unlike the update ledger, the
// journal keeps every transition.
type Event struct {
	Kind         EventKind       `json:"kind"`
	CommitmentID uint64          `json:"commitmentId,omitempty"`
	Principal    Principal       `json:"principal,omitempty"`
	Height       uint64          `json:"height"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// JournalRecord is the persisted, authenticated form of an Event.
// It carries two MAC chains: TagV for auditors holding A_i, TagT for the
// operator holding B_i.
type JournalRecord struct {
	Index  uint64
	Height uint64
	Body   []byte // JSON encoded Event
	TagV   [32]byte
	TagT   [32]byte
}

// Event decodes the record body.
func (r JournalRecord) Event() (Event, error) {
	var ev Event
	if err := json.Unmarshal(r.Body, &ev); err != nil {
		return Event{}, fmt.Errorf("decode journal record %d: %w", r.Index, err)
	}
	return ev, nil
}

// JournalTail captures the aggregate MACs of the latest record.
type JournalTail struct {
	Index uint64
	TagV  [32]byte
	TagT  [32]byte
}

// Anchor is a checkpoint from which an auditor can verify the rest of the
// journal without replaying it from the start.
type Anchor struct {
	Index uint64
	Key   [KeySize]byte // A_i
	TagV  [32]byte
	TagT  [32]byte
}

// JournalStore abstracts journal persistence.
type JournalStore interface {
	Append(r JournalRecord, tail JournalTail, anchor *Anchor) error
	Iter(startIdx uint64) (<-chan JournalRecord, func() error, error)
	AnchorAt(i uint64) (Anchor, bool, error)
	ListAnchors() ([]Anchor, error)
	Tail() (JournalTail, bool, error)
	Close() error
}

// JournalConfig controls journal behavior.
type JournalConfig struct {
	AnchorEvery uint64         // write an anchor every N records (0=disabled)
	KeyV        *[KeySize]byte // A_0; random when nil
	KeyT        *[KeySize]byte // B_0; random when nil
}

// ErrJournalKeysRequired is returned when reopening a non-empty journal
// without its initial keys.
var ErrJournalKeysRequired = errors.New("journal has records: initial keys required")

// Journal is a tamper-evident, forward-secure log of ledger events.
type Journal struct {
	cfg    JournalConfig
	i      uint64
	a0, b0 [KeySize]byte
	keyV   [KeySize]byte
	keyT   [KeySize]byte
	tagV   [32]byte
	tagT   [32]byte
	store  JournalStore
}

// OpenJournal opens a journal over st. A journal with existing records is
// resumed: both key chains are evolved to the tail index and the tail tags
// are loaded, which requires the initial keys in cfg.
func OpenJournal(cfg JournalConfig, st JournalStore) (*Journal, error) {
	j := &Journal{cfg: cfg, store: st}
	tail, ok, err := st.Tail()
	if err != nil {
		return nil, fmt.Errorf("read journal tail: %w", err)
	}
	if ok && tail.Index > 0 && (cfg.KeyV == nil || cfg.KeyT == nil) {
		return nil, ErrJournalKeysRequired
	}

	if cfg.KeyV != nil {
		j.a0 = *cfg.KeyV
	} else if _, err := rand.Read(j.a0[:]); err != nil {
		return nil, err
	}
	if cfg.KeyT != nil {
		j.b0 = *cfg.KeyT
	} else if _, err := rand.Read(j.b0[:]); err != nil {
		return nil, err
	}
	j.keyV, j.keyT = j.a0, j.b0

	if ok {
		for n := uint64(0); n < tail.Index; n++ {
			fwdKey(&j.keyV)
			fwdKey(&j.keyT)
		}
		j.i = tail.Index
		j.tagV = tail.TagV
		j.tagT = tail.TagT
	}
	return j, nil
}

// Append authenticates ev and persists it.
func (j *Journal) Append(ev Event) (JournalRecord, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return JournalRecord{}, fmt.Errorf("encode event: %w", err)
	}

	keyV, keyT := j.keyV, j.keyT
	fwdKey(&keyV)
	fwdKey(&keyT)
	idx := j.i + 1

	macV := recordMAC(keyV, idx, ev.Height, body)
	macT := recordMAC(keyT, idx, ev.Height, body)

	// first record: μ_1 = H(tag_1); then μ_i = H(μ_{i-1} || tag_i)
	var tagV, tagT [32]byte
	if idx == 1 {
		tagV, tagT = htag(macV), htag(macT)
	} else {
		tagV, tagT = fold(j.tagV, macV), fold(j.tagT, macT)
	}

	rec := JournalRecord{Index: idx, Height: ev.Height, Body: body, TagV: tagV, TagT: tagT}
	var anchor *Anchor
	if j.cfg.AnchorEvery != 0 && idx%j.cfg.AnchorEvery == 0 {
		anchor = &Anchor{Index: idx, Key: keyV, TagV: tagV, TagT: tagT}
	}

	if err := j.store.Append(rec, JournalTail{Index: idx, TagV: tagV, TagT: tagT}, anchor); err != nil {
		return JournalRecord{}, err
	}
	j.i = idx
	j.keyV, j.keyT = keyV, keyT
	j.tagV, j.tagT = tagV, tagT
	return rec, nil
}

// LastState returns the current tail.
func (j *Journal) LastState() JournalTail {
	return JournalTail{Index: j.i, TagV: j.tagV, TagT: j.tagT}
}

// InitialKeys returns A_0 and B_0. They must be kept to reopen or audit
// the journal.
func (j *Journal) InitialKeys() (a0, b0 [KeySize]byte) {
	return j.a0, j.b0
}

// Store returns the journal's store.
func (j *Journal) Store() JournalStore { return j.store }

// Close closes the underlying store.
func (j *Journal) Close() error {
	return j.store.Close()
}

// Events returns the decoded events from index start onward.
func (j *Journal) Events(start uint64) ([]Event, error) {
	recs, err := collect(j.store, start)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(recs))
	for _, r := range recs {
		ev, err := r.Event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func recordMAC(key [KeySize]byte, idx, height uint64, body []byte) [32]byte {
	var ib, hb [8]byte
	binary.BigEndian.PutUint64(ib[:], idx)
	binary.BigEndian.PutUint64(hb[:], height)
	return mac(key[:], ib[:], hb[:], body)
}

// htag computes H(tag), used to initialize μ_1.
func htag(tag [32]byte) [32]byte {
	return sha256.Sum256(tag[:])
}

// fwdKey performs forward-secure key evolution: K_i = H(K_{i-1}).
func fwdKey(k *[KeySize]byte) { h := sha256.Sum256(k[:]); copy(k[:], h[:]) }

func mac(key []byte, chunks ...[]byte) [32]byte {
	h := hmac.New(sha256.New, key)
	for _, c := range chunks {
		_, _ = h.Write(c)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func fold(prev, mac [32]byte) [32]byte {
	h := sha256.New()
	_, _ = h.Write(prev[:])
	_, _ = h.Write(mac[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
