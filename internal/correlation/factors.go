package correlation

import (
	"strings"
	"time"

	"RiskCore/internal/hierarchy"
	"RiskCore/internal/security"
	"RiskCore/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Factor names. Sector, country, rates and commodity factors are suffixed
// with their bucket, e.g. "sector:technology" or "rates:10y".
const (
	FactorEquityMarket = "equity:market"
	FactorCredit       = "credit"
	FactorVol          = "vol"

	prefixSector     = "sector:"
	prefixCountry    = "country:"
	prefixRates      = "rates:"
	prefixFX         = "fx:"
	prefixCommodity  = "commodity:"
	prefixAssetClass = "asset_class:"
)

// RatesBucket maps a tenor in years onto the 2Y/5Y/10Y/30Y curve points.
func RatesBucket(tenorYears float64) string {
	switch {
	case tenorYears <= 3.5:
		return "2y"
	case tenorYears <= 7.5:
		return "5y"
	case tenorYears <= 20:
		return "10y"
	default:
		return "30y"
	}
}

// PositionSource is the consistent-read side of the position store.
type PositionSource interface {
	SnapshotAt(books []hierarchy.NodeID, asOf time.Time) []state.Position
}

// SecurityLookup is the read side of the security master.
type SecurityLookup interface {
	Canonical(id uuid.UUID) uuid.UUID
	Security(id uuid.UUID) (security.Security, error)
}

// FXRates converts local-currency market values to base currency.
type FXRates interface {
	Rate(currency string, asOf time.Time) (decimal.Decimal, error)
}

// Loadings maps factor name to exposure.
type Loadings map[string]float64

func (l Loadings) add(factor string, v float64) {
	if v == 0 {
		return
	}
	l[factor] += v
}

// LoadingsFor decomposes positions into factor exposures per asset class.
// Positions whose FX rate is unavailable are skipped.
func LoadingsFor(positions []state.Position, secs SecurityLookup, fx FXRates, asOf time.Time) Loadings {
	out := Loadings{}
	for _, p := range positions {
		if p.IsFlat() {
			continue
		}
		rate, err := fx.Rate(p.Currency, asOf)
		if err != nil {
			continue
		}
		mv := p.MarketValue.Mul(rate).InexactFloat64()

		var sec security.Security
		if s, err := secs.Security(secs.Canonical(p.Security)); err == nil {
			sec = s
		}
		sector := bucketName(sec.Sector)
		country := bucketName(sec.Country)

		switch sec.AssetClass {
		case security.AssetClassEquity:
			beta := attrOr(p, state.AttrBeta, 1)
			out.add(FactorEquityMarket, beta*mv)
			out.add(prefixSector+sector, mv)
			out.add(prefixCountry+country, mv)
		case security.AssetClassFixedIncome:
			tenor := attrOr(p, state.AttrTenorYears, 10)
			out.add(prefixRates+RatesBucket(tenor), attrOr(p, state.AttrDV01, 0))
			out.add(FactorCredit, attrOr(p, state.AttrCS01, 0))
		case security.AssetClassFX:
			out.add(prefixFX+strings.ToLower(p.Currency), attrOr(p, state.AttrDelta, mv))
		case security.AssetClassOption:
			delta := attrOr(p, state.AttrDelta, 0)
			beta := attrOr(p, state.AttrBeta, 1)
			out.add(FactorEquityMarket, beta*delta)
			out.add(prefixSector+sector, delta)
			out.add(prefixCountry+country, delta)
			out.add(FactorVol, attrOr(p, state.AttrVega, 0))
		case security.AssetClassFuture, security.AssetClassCommodity:
			out.add(prefixCommodity+sector, mv)
		default:
			out.add(prefixAssetClass+sec.AssetClass.String(), mv)
		}
	}
	return out
}

func attrOr(p state.Position, name string, def float64) float64 {
	v, ok := p.Attributes[name]
	if !ok {
		return def
	}
	return v.InexactFloat64()
}

func bucketName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return strings.ReplaceAll(s, " ", "_")
}
