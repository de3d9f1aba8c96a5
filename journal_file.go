package aidledger

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// fileJournal implements JournalStore with append-only POSIX files.
//
// journal.dat entry:
//
//	[8]byte: index (uint64)
//	[8]byte: height (uint64)
//	[4]byte: body length (uint32)
//	[n]byte: body (JSON event)
//	[32]byte: tagV
//	[32]byte: tagT
//
// anchors.idx entry:
//
//	[8]byte: index, [32]byte: key A_i, [32]byte: tagV, [32]byte: tagT
//
// tail.dat holds a single entry: [8]byte index, [32]byte tagV, [32]byte tagT.
type fileJournal struct {
	dir        string
	logFile    *os.File
	anchorFile *os.File
	tailFile   *os.File
	mu         sync.RWMutex

	// lastIdx and size describe journal.dat up to its last complete record.
	lastIdx uint64
	size    int64
	tail    JournalTail
	hasTail bool
	// broken is set when a failed Append could not be rolled back.
	broken error
}

const (
	journalFileName = "journal.dat"
	anchorsFileName = "anchors.idx"
	tailFileName    = "tail.dat"
	headerSize      = 8 + 8 + 4
	tagsSize        = 32 + 32
	anchorEntrySize = 8 + 32 + 32 + 32
	tailEntrySize   = 8 + 32 + 32

	// maxRecordBody bounds the body length a record header may claim.
	maxRecordBody = 1 << 20
)

// ErrRecordTooLarge reports a journal record body above maxRecordBody.
var ErrRecordTooLarge = errors.New("journal record too large")

// OpenFileJournal creates or opens a file-based journal store in dir.
func OpenFileJournal(dir string) (JournalStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, journalFileName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	anchorFile, err := os.OpenFile(filepath.Join(dir, anchorsFileName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("open anchor file: %w", err)
	}
	tailFile, err := os.OpenFile(filepath.Join(dir, tailFileName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		_ = logFile.Close()
		_ = anchorFile.Close()
		return nil, fmt.Errorf("open tail file: %w", err)
	}

	s := &fileJournal{
		dir:        dir,
		logFile:    logFile,
		anchorFile: anchorFile,
		tailFile:   tailFile,
	}
	err = s.scanLogLocked()
	if err == nil {
		s.tail, s.hasTail, err = s.readTailLocked()
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// scanLogLocked finds the last complete record in journal.dat. A torn
// final record left by a crash is cut off; its tail was never written.
func (s *fileJournal) scanLogLocked() error {
	file, err := os.Open(filepath.Join(s.dir, journalFileName))
	if err != nil {
		return fmt.Errorf("open journal file for reading: %w", err)
	}
	defer file.Close()

	s.lastIdx, s.size = 0, 0
	reader := bufio.NewReader(file)
	for {
		r, n, err := readRecord(reader)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			if err := s.logFile.Truncate(s.size); err != nil {
				return fmt.Errorf("truncate torn record: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("scan journal file: %w", err)
		}
		s.lastIdx = r.Index
		s.size += n
	}
}

// Append writes a record, then the anchor and the tail. If any write
// fails the files are cut back to their state before the call, so the
// same index can be appended again.
func (s *fileJournal) Append(r JournalRecord, tail JournalTail, anchor *Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return s.broken
	}
	if s.lastIdx != r.Index-1 {
		return fmt.Errorf("non-contiguous append: have %d, got %d", s.lastIdx, r.Index)
	}
	if len(r.Body) > maxRecordBody {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(r.Body))
	}

	if err := syscall.Flock(int(s.logFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock journal file: %w", err)
	}
	defer syscall.Flock(int(s.logFile.Fd()), syscall.LOCK_UN)

	anchorStart := int64(-1)
	err := s.writeRecordLocked(r)
	if err == nil {
		if err = s.logFile.Sync(); err != nil {
			err = fmt.Errorf("sync journal file: %w", err)
		}
	}
	if err == nil && anchor != nil {
		anchorStart, err = s.writeAnchorLocked(*anchor)
	}
	if err == nil {
		err = s.writeTailLocked(tail)
	}
	if err != nil {
		if rerr := s.rollbackLocked(anchorStart); rerr != nil {
			s.broken = fmt.Errorf("journal needs repair after failed append at %d: %w", r.Index, rerr)
			return errors.Join(err, s.broken)
		}
		return err
	}

	s.lastIdx = r.Index
	s.size += int64(headerSize + len(r.Body) + tagsSize)
	s.tail, s.hasTail = tail, true
	return nil
}

// rollbackLocked restores journal.dat, tail.dat and, when anchorStart is
// not negative, anchors.idx to their state before a failed Append.
func (s *fileJournal) rollbackLocked(anchorStart int64) error {
	var errs []error
	if err := s.logFile.Truncate(s.size); err != nil {
		errs = append(errs, fmt.Errorf("truncate journal file: %w", err))
	}
	if anchorStart >= 0 {
		if err := s.anchorFile.Truncate(anchorStart); err != nil {
			errs = append(errs, fmt.Errorf("truncate anchor file: %w", err))
		}
	}
	if s.hasTail {
		if err := s.writeTailLocked(s.tail); err != nil {
			errs = append(errs, err)
		}
	} else if err := s.tailFile.Truncate(0); err != nil {
		errs = append(errs, fmt.Errorf("truncate tail file: %w", err))
	}
	return errors.Join(errs...)
}

func (s *fileJournal) writeRecordLocked(r JournalRecord) error {
	n := len(r.Body)
	buf := make([]byte, headerSize+n+tagsSize)
	binary.BigEndian.PutUint64(buf[0:8], r.Index)
	binary.BigEndian.PutUint64(buf[8:16], r.Height)
	binary.BigEndian.PutUint32(buf[16:20], uint32(n))
	copy(buf[headerSize:], r.Body)
	copy(buf[headerSize+n:], r.TagV[:])
	copy(buf[headerSize+n+32:], r.TagT[:])

	w, err := s.logFile.Write(buf)
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if w != len(buf) {
		return fmt.Errorf("incomplete write: %d of %d bytes", w, len(buf))
	}
	return nil
}

// writeAnchorLocked appends a to anchors.idx and returns the offset it was
// written at, or -1 if nothing was written.
func (s *fileJournal) writeAnchorLocked(a Anchor) (int64, error) {
	if err := syscall.Flock(int(s.anchorFile.Fd()), syscall.LOCK_EX); err != nil {
		return -1, fmt.Errorf("lock anchor file: %w", err)
	}
	defer syscall.Flock(int(s.anchorFile.Fd()), syscall.LOCK_UN)

	start, err := s.anchorFile.Seek(0, io.SeekEnd)
	if err != nil {
		return -1, fmt.Errorf("seek anchor file: %w", err)
	}
	if _, err := s.anchorFile.Write(encodeAnchor(a)); err != nil {
		return start, fmt.Errorf("write anchor: %w", err)
	}
	if err := s.anchorFile.Sync(); err != nil {
		return start, fmt.Errorf("sync anchor file: %w", err)
	}
	return start, nil
}

// readRecord decodes one journal.dat entry and its encoded length. It
// returns io.EOF only at a record boundary.
func readRecord(reader io.Reader) (JournalRecord, int64, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(reader, hdr[:]); err != nil {
		return JournalRecord{}, 0, err
	}
	n := binary.BigEndian.Uint32(hdr[16:20])
	if n > maxRecordBody {
		return JournalRecord{}, 0, fmt.Errorf("%w: header claims %d bytes", ErrRecordTooLarge, n)
	}
	r := JournalRecord{
		Index:  binary.BigEndian.Uint64(hdr[0:8]),
		Height: binary.BigEndian.Uint64(hdr[8:16]),
		Body:   make([]byte, n),
	}
	var tags [tagsSize]byte
	if _, err := io.ReadFull(reader, r.Body); err != nil {
		return JournalRecord{}, 0, unexpectedEOF(err)
	}
	if _, err := io.ReadFull(reader, tags[:]); err != nil {
		return JournalRecord{}, 0, unexpectedEOF(err)
	}
	copy(r.TagV[:], tags[0:32])
	copy(r.TagT[:], tags[32:64])
	return r, int64(headerSize) + int64(n) + tagsSize, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Iter streams records with index >= startIdx.
func (s *fileJournal) Iter(startIdx uint64) (<-chan JournalRecord, func() error, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := os.Open(filepath.Join(s.dir, journalFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("open journal file for reading: %w", err)
	}

	out := make(chan JournalRecord, 64)
	done := make(chan struct{})
	finished := make(chan struct{})
	var iterErr error

	go func() {
		defer close(finished)
		defer close(out)
		defer file.Close()

		reader := bufio.NewReader(file)
		for {
			r, _, err := readRecord(reader)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				iterErr = fmt.Errorf("read journal record: %w", err)
				return
			}
			if r.Index < startIdx {
				continue
			}
			select {
			case out <- r:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cleanup := func() error {
		once.Do(func() { close(done) })
		<-finished
		return iterErr
	}
	return out, cleanup, nil
}

// AnchorAt returns the anchor written at index i.
func (s *fileJournal) AnchorAt(i uint64) (Anchor, bool, error) {
	anchors, err := s.ListAnchors()
	if err != nil {
		return Anchor{}, false, err
	}
	for _, a := range anchors {
		if a.Index == i {
			return a, true, nil
		}
	}
	return Anchor{}, false, nil
}

// ListAnchors returns all anchors in write order.
func (s *fileJournal) ListAnchors() ([]Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.anchorFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek anchor file: %w", err)
	}
	reader := bufio.NewReader(s.anchorFile)
	var anchors []Anchor
	for {
		buf := make([]byte, anchorEntrySize)
		if _, err := io.ReadFull(reader, buf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read anchor: %w", err)
		}
		anchors = append(anchors, decodeAnchor(buf))
	}
	return anchors, nil
}

// Tail returns the latest tail state.
func (s *fileJournal) Tail() (JournalTail, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readTailLocked()
}

func (s *fileJournal) readTailLocked() (JournalTail, bool, error) {
	var tail JournalTail
	if _, err := s.tailFile.Seek(0, io.SeekStart); err != nil {
		return tail, false, fmt.Errorf("seek tail file: %w", err)
	}
	buf := make([]byte, tailEntrySize)
	if _, err := io.ReadFull(s.tailFile, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return tail, false, nil
		}
		return tail, false, fmt.Errorf("read tail: %w", err)
	}
	tail.Index = binary.BigEndian.Uint64(buf[0:8])
	copy(tail.TagV[:], buf[8:40])
	copy(tail.TagT[:], buf[40:72])
	return tail, true, nil
}

func (s *fileJournal) writeTailLocked(tail JournalTail) error {
	buf := make([]byte, tailEntrySize)
	binary.BigEndian.PutUint64(buf[0:8], tail.Index)
	copy(buf[8:40], tail.TagV[:])
	copy(buf[40:72], tail.TagT[:])
	if _, err := s.tailFile.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write tail: %w", err)
	}
	if err := s.tailFile.Sync(); err != nil {
		return fmt.Errorf("sync tail file: %w", err)
	}
	return nil
}

// Close closes the journal files.
func (s *fileJournal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.logFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal file: %w", err))
	}
	if err := s.anchorFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close anchor file: %w", err))
	}
	if err := s.tailFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tail file: %w", err))
	}
	return errors.Join(errs...)
}

func encodeAnchor(a Anchor) []byte {
	buf := make([]byte, anchorEntrySize)
	binary.BigEndian.PutUint64(buf[0:8], a.Index)
	copy(buf[8:40], a.Key[:])
	copy(buf[40:72], a.TagV[:])
	copy(buf[72:104], a.TagT[:])
	return buf
}

func decodeAnchor(buf []byte) Anchor {
	var a Anchor
	a.Index = binary.BigEndian.Uint64(buf[0:8])
	copy(a.Key[:], buf[8:40])
	copy(a.TagV[:], buf[40:72])
	copy(a.TagT[:], buf[72:104])
	return a
}
