package security

import "strings"

// schemeAliases maps the identifier type names used by upstream feeds and
// OpenFIGI to a Scheme.
var schemeAliases = map[string]Scheme{
	"TICKER":         SchemeTicker,
	"CUSIP":          SchemeCUSIP,
	"ID_CUSIP":       SchemeCUSIP,
	"ISIN":           SchemeISIN,
	"ID_ISIN":        SchemeISIN,
	"SEDOL":          SchemeSEDOL,
	"ID_SEDOL":       SchemeSEDOL,
	"FIGI":           SchemeFIGI,
	"ID_BB_GLOBAL":   SchemeFIGI,
	"COMPOSITE_FIGI": SchemeCompositeFIGI,
	"VENDOR":         SchemeVendor,
	"VENDOR_CODE":    SchemeVendor,
}

// ParseScheme normalises an identifier type name. Unrecognised names map to
// SchemeUnknown.
func ParseScheme(s string) Scheme {
	return schemeAliases[strings.ToUpper(strings.TrimSpace(s))]
}

// OpenFIGIIDType returns the OpenFIGI idType for a scheme, or "" when the
// scheme cannot be looked up there.
func OpenFIGIIDType(s Scheme) string {
	switch s {
	case SchemeTicker:
		return "TICKER"
	case SchemeCUSIP:
		return "ID_CUSIP"
	case SchemeISIN:
		return "ID_ISIN"
	case SchemeSEDOL:
		return "ID_SEDOL"
	case SchemeFIGI:
		return "ID_BB_GLOBAL"
	case SchemeCompositeFIGI:
		return "COMPOSITE_FIGI"
	default:
		return ""
	}
}

var securityTypeClasses = map[string]AssetClass{
	"Common Stock":       AssetClassEquity,
	"Preferred Stock":    AssetClassEquity,
	"Depositary Receipt": AssetClassEquity,
	"REIT":               AssetClassEquity,
	"Warrant":            AssetClassEquity,
	"ETP":                AssetClassFund,
	"Mutual Fund":        AssetClassFund,
	"Unit":               AssetClassFund,
	"Bond":               AssetClassFixedIncome,
	"Option":             AssetClassOption,
	"Future":             AssetClassFuture,
	"Index":              AssetClassOther,
}

var marketSectorClasses = map[string]AssetClass{
	"Equity": AssetClassEquity,
	"Pfd":    AssetClassEquity,
	"Corp":   AssetClassFixedIncome,
	"Govt":   AssetClassFixedIncome,
	"Mtge":   AssetClassFixedIncome,
	"Muni":   AssetClassFixedIncome,
	"M-Mkt":  AssetClassFixedIncome,
	"Comdty": AssetClassCommodity,
	"Curncy": AssetClassFX,
	"Index":  AssetClassOther,
}

// ClassifyVendorType derives an asset class from a vendor security type,
// falling back to the market sector.
func ClassifyVendorType(securityType, marketSector string) AssetClass {
	if ac, ok := securityTypeClasses[securityType]; ok {
		return ac
	}
	if ac, ok := marketSectorClasses[marketSector]; ok {
		return ac
	}
	return AssetClassOther
}
