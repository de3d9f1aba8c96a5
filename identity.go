package aidledger

// AuthoritySet answers whether a principal is a recognized authority. The
// set is owned by the host; the ledger only queries it.
type AuthoritySet interface {
	IsAuthority(p Principal) bool
}

// StaticAuthorities is a fixed AuthoritySet.
type StaticAuthorities map[Principal]struct{}

// NewStaticAuthorities builds a StaticAuthorities from a list of principals.
func NewStaticAuthorities(ps ...Principal) StaticAuthorities {
	s := make(StaticAuthorities, len(ps))
	for _, p := range ps {
		s[p] = struct{}{}
	}
	return s
}

// IsAuthority implements AuthoritySet.
func (s StaticAuthorities) IsAuthority(p Principal) bool {
	_, ok := s[p]
	return ok
}

// IdentityGate holds the set-once authority contract binding and the
// authority-gated logging fee.
type IdentityGate struct {
	authorities AuthoritySet
	authority   Principal
	fee         int64
}

// NewIdentityGate creates a gate with no bound authority.
func NewIdentityGate(authorities AuthoritySet, fee int64) *IdentityGate {
	if authorities == nil {
		authorities = StaticAuthorities{}
	}
	return &IdentityGate{authorities: authorities, fee: fee}
}

// IsAuthority reports whether p is a recognized authority.
func (g *IdentityGate) IsAuthority(p Principal) bool {
	return g.authorities.IsAuthority(p)
}

// CheckBind reports whether p may be bound as the authority contract.
func (g *IdentityGate) CheckBind(p Principal) error {
	if p == ReservedPrincipal || p == "" {
		return ErrReservedPrincipal
	}
	if g.Bound() {
		return ErrAlreadyBound
	}
	return nil
}

// BindAuthorityContract binds p as the authority contract. It succeeds at
// most once.
func (g *IdentityGate) BindAuthorityContract(p Principal) error {
	if err := g.CheckBind(p); err != nil {
		return err
	}
	g.authority = p
	return nil
}

// CheckFee reports whether the logging fee may be changed.
func (g *IdentityGate) CheckFee() error {
	if !g.Bound() {
		return ErrAuthorityNotBound
	}
	return nil
}

// SetLoggingFee overwrites the logging fee. Any value is accepted once an
// authority contract is bound.
func (g *IdentityGate) SetLoggingFee(fee int64) error {
	if err := g.CheckFee(); err != nil {
		return err
	}
	g.fee = fee
	return nil
}

// Bound reports whether an authority contract is bound.
func (g *IdentityGate) Bound() bool { return g.authority != "" }

// Authority returns the bound authority contract, or "".
func (g *IdentityGate) Authority() Principal { return g.authority }

// LoggingFee returns the current logging fee.
func (g *IdentityGate) LoggingFee() int64 { return g.fee }

// restore loads persisted gate state.
func (g *IdentityGate) restore(authority Principal, fee int64) {
	g.authority = authority
	g.fee = fee
}
