package aidledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"unicode/utf8"
)

// Field limits enforced by Validate.
const (
	MinAidType        = 1
	MaxAidType        = 100
	MaxLocationLength = 50
	HashLength        = 64
)

// Validate checks the fields of a proposed commitment. Checks run in a fixed
// order and the first failure is returned.
func Validate(aidType int, location string, quantity int64, timeline Timeline, hash string) error {
	if aidType < MinAidType || aidType > MaxAidType {
		return ErrInvalidAidType
	}
	if n := utf8.RuneCountInString(location); n == 0 || n > MaxLocationLength {
		return ErrInvalidLocation
	}
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if timeline.Start <= 0 || timeline.End <= timeline.Start {
		return ErrInvalidTimeline
	}
	if utf8.RuneCountInString(hash) != HashLength {
		return ErrInvalidHash
	}
	return nil
}

// ContentHash returns the lowercase hex SHA-256 fingerprint of the
// commitment details. Its output always passes the hash check in Validate.
//
// Encoding: aidType, quantity, start, end as big-endian 8 byte integers
// followed by the location length (4 bytes) and its UTF-8 bytes.
func ContentHash(aidType int, location string, quantity int64, timeline Timeline) string {
	h := sha256.New()
	var b [8]byte
	for _, v := range []uint64{uint64(aidType), uint64(quantity), uint64(timeline.Start), uint64(timeline.End)} {
		binary.BigEndian.PutUint64(b[:], v)
		_, _ = h.Write(b[:])
	}
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(location)))
	_, _ = h.Write(l[:])
	_, _ = h.Write([]byte(location))
	return hex.EncodeToString(h.Sum(nil))
}
