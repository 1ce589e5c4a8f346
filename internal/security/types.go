package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("security: identifier not found")
	ErrConflict      = errors.New("security: alias already mapped to a different security")
	ErrUnknown       = errors.New("security: unknown security id")
	ErrInvalidMerge  = errors.New("security: invalid merge")
	ErrInvalidAlias  = errors.New("security: invalid alias")
	ErrInvalidRecord = errors.New("security: invalid security record")
	ErrNoIdentifiers = errors.New("security: no identifiers supplied")
)

// ConflictError is returned by Register when the alias already resolves to a
// different live security. Resolving it requires an explicit Merge.
type ConflictError struct {
	Alias    Alias
	Existing uuid.UUID
	Proposed uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("alias %s maps to %s, refusing to re-point to %s",
		e.Alias, e.Existing, e.Proposed)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Scheme is the identifier namespace of an alias.
type Scheme int32

const (
	SchemeUnknown Scheme = iota
	SchemeFIGI
	SchemeCompositeFIGI
	SchemeISIN
	SchemeCUSIP
	SchemeSEDOL
	SchemeTicker
	SchemeVendor
)

func (s Scheme) String() string {
	switch s {
	case SchemeFIGI:
		return "figi"
	case SchemeCompositeFIGI:
		return "composite_figi"
	case SchemeISIN:
		return "isin"
	case SchemeCUSIP:
		return "cusip"
	case SchemeSEDOL:
		return "sedol"
	case SchemeTicker:
		return "ticker"
	case SchemeVendor:
		return "vendor"
	default:
		return "unknown"
	}
}

// AssetClass is the closed set of instrument classes.
type AssetClass int32

const (
	AssetClassOther AssetClass = iota
	AssetClassEquity
	AssetClassFixedIncome
	AssetClassOption
	AssetClassFuture
	AssetClassFX
	AssetClassCommodity
	AssetClassFund
)

func (a AssetClass) String() string {
	switch a {
	case AssetClassEquity:
		return "equity"
	case AssetClassFixedIncome:
		return "fixed_income"
	case AssetClassOption:
		return "option"
	case AssetClassFuture:
		return "future"
	case AssetClassFX:
		return "fx"
	case AssetClassCommodity:
		return "commodity"
	case AssetClassFund:
		return "fund"
	default:
		return "other"
	}
}

// ParseAssetClass is the inverse of AssetClass.String. Unrecognised input
// maps to AssetClassOther.
func ParseAssetClass(s string) AssetClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "equity":
		return AssetClassEquity
	case "fixed_income":
		return AssetClassFixedIncome
	case "option":
		return AssetClassOption
	case "future":
		return AssetClassFuture
	case "fx":
		return AssetClassFX
	case "commodity":
		return AssetClassCommodity
	case "fund":
		return AssetClassFund
	default:
		return AssetClassOther
	}
}

// Security is the canonical record for a tradeable instrument.
// Only the enrichment fields change after creation.
type Security struct {
	ID         uuid.UUID
	AssetClass AssetClass
	Currency   string

	// Enrichment fields
	Name    string
	Sector  string
	Country string
	Issuer  string
	FIGI    string

	CreatedAt  time.Time
	EnrichedAt time.Time

	// Tombstone: set when this security was merged into another.
	MergedInto *uuid.UUID
}

func (s Security) IsTombstone() bool { return s.MergedInto != nil }

// NewSecurity carries the attributes of a security to create.
type NewSecurity struct {
	Name       string
	AssetClass AssetClass
	Currency   string
	Sector     string
	Country    string
	Issuer     string
	FIGI       string
}

// Enrichment lists the mutable fields; nil fields are left untouched.
type Enrichment struct {
	Name    *string
	Sector  *string
	Country *string
	Issuer  *string
	FIGI    *string
}

// Alias is a (scheme, value, venue) tuple pointing at one security.
type Alias struct {
	Scheme Scheme
	Value  string
	Venue  string
}

// Normalize trims and upper-cases value and venue.
func (a Alias) Normalize() Alias {
	return Alias{
		Scheme: a.Scheme,
		Value:  strings.ToUpper(strings.TrimSpace(a.Value)),
		Venue:  strings.ToUpper(strings.TrimSpace(a.Venue)),
	}
}

func (a Alias) Validate() error {
	if a.Scheme == SchemeUnknown {
		return fmt.Errorf("%w: unknown scheme", ErrInvalidAlias)
	}
	if strings.TrimSpace(a.Value) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidAlias)
	}
	return nil
}

func (a Alias) String() string {
	if a.Venue == "" {
		return fmt.Sprintf("%s:%s", a.Scheme, a.Value)
	}
	return fmt.Sprintf("%s:%s@%s", a.Scheme, a.Value, a.Venue)
}

// Identifier is an unresolved identifier as supplied on an incoming record.
type Identifier = Alias

// Priority ranks identifiers when several are supplied for one record.
// Lower is tried first: global ids, then ISIN, then CUSIP/SEDOL, then
// venue-qualified tickers, raw tickers and finally vendor codes.
func (a Alias) Priority() int {
	switch a.Scheme {
	case SchemeFIGI, SchemeCompositeFIGI:
		return 0
	case SchemeISIN:
		return 1
	case SchemeCUSIP, SchemeSEDOL:
		return 2
	case SchemeTicker:
		if strings.TrimSpace(a.Venue) != "" {
			return 3
		}
		return 4
	case SchemeVendor:
		return 5
	default:
		return 6
	}
}
