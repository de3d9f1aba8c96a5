package aidledger

import "errors"

// Authority errors.
var (
	// ErrAlreadyBound is returned when an authority contract is already bound.
	ErrAlreadyBound = errors.New("authority contract already bound")
	// ErrReservedPrincipal is returned when binding the null/burn principal.
	ErrReservedPrincipal = errors.New("principal is reserved")
	// ErrAuthorityNotBound is returned by fee changes before an authority is bound.
	ErrAuthorityNotBound = errors.New("authority contract not bound")
	// ErrAuthorityNotVerified is returned when logging without a bound authority.
	ErrAuthorityNotVerified = errors.New("authority not verified")
)

// Validation errors, in the order Validate checks them.
var (
	ErrInvalidAidType  = errors.New("invalid aid type")
	ErrInvalidLocation = errors.New("invalid location")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidTimeline = errors.New("invalid timeline")
	ErrInvalidHash     = errors.New("invalid hash")
	ErrInvalidStatus   = errors.New("invalid status")
)

// Admission and lifecycle errors.
var (
	ErrCommitmentAlreadyExists = errors.New("commitment already exists")
	ErrDuplicationDetected     = errors.New("duplication detected")
	ErrMaxCommitmentsExceeded  = errors.New("max commitments exceeded")
	ErrNotFound                = errors.New("commitment not found")
	ErrNotOwner                = errors.New("caller does not own commitment")
	ErrOracleRejected          = errors.New("update rejected by oracle")
)

// codes are the numeric error codes used on the wire.
var codes = []struct {
	err  error
	code uint32
	name string
}{
	{ErrNotOwner, 100, "NotOwner"},
	{ErrInvalidAidType, 101, "InvalidAidType"},
	{ErrInvalidLocation, 102, "InvalidLocation"},
	{ErrInvalidQuantity, 103, "InvalidQuantity"},
	{ErrInvalidTimeline, 104, "InvalidTimeline"},
	{ErrInvalidStatus, 105, "InvalidStatus"},
	{ErrCommitmentAlreadyExists, 106, "CommitmentAlreadyExists"},
	{ErrNotFound, 107, "NotFound"},
	{ErrAuthorityNotBound, 108, "AuthorityNotBound"},
	{ErrAuthorityNotVerified, 109, "AuthorityNotVerified"},
	{ErrAlreadyBound, 110, "AlreadyBound"},
	{ErrInvalidHash, 111, "InvalidHash"},
	{ErrReservedPrincipal, 112, "ReservedPrincipal"},
	{ErrOracleRejected, 113, "OracleRejected"},
	{ErrMaxCommitmentsExceeded, 114, "MaxCommitmentsExceeded"},
	{ErrDuplicationDetected, 117, "DuplicationDetected"},
}

// Code returns the numeric code for a ledger error, or 0 for errors that
// did not originate from a ledger rule (storage, transport).
func Code(err error) uint32 {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return 0
}

// Kind returns the short name of a ledger error, or "Internal".
func Kind(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return "Internal"
}
