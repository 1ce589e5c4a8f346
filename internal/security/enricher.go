package security

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"RiskCore/internal/clients/openfigi"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mapper looks an identifier up at an external mapping service.
type Mapper interface {
	MapOne(ctx context.Context, job openfigi.MappingRequest) (*openfigi.MappingResult, error)
}

// Enricher resolves identifiers the master does not know by asking an
// external mapper. A match is attached to the security with the same FIGI,
// or becomes a new security. Resolve on the master stays side-effect free;
// only the Enricher creates records.
type Enricher struct {
	master *Master
	mapper Mapper
	log    zerolog.Logger
}

func NewEnricher(master *Master, mapper Mapper, log zerolog.Logger) *Enricher {
	return &Enricher{
		master: master,
		mapper: mapper,
		log:    log.With().Str("component", "security_enricher").Logger(),
	}
}

// ResolveOrEnrich resolves locally first, then through the mapper. currency
// is used when a new security has to be created. Returns ErrNotFound when
// neither source knows the instrument.
func (e *Enricher) ResolveOrEnrich(ctx context.Context, ids []Identifier, currency string) (uuid.UUID, error) {
	id, _, err := e.master.ResolveBest(ids)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) || e.mapper == nil {
		return uuid.Nil, err
	}

	ordered := make([]Identifier, len(ids))
	copy(ordered, ids)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority() < ordered[j].Priority() })

	for _, ident := range ordered {
		idType := OpenFIGIIDType(ident.Scheme)
		if idType == "" || ident.Validate() != nil {
			continue
		}
		n := ident.Normalize()
		res, err := e.mapper.MapOne(ctx, openfigi.MappingRequest{
			IDType:   idType,
			IDValue:  n.Value,
			ExchCode: n.Venue,
		})
		if err != nil {
			e.log.Warn().Err(err).Str("identifier", n.String()).Msg("mapping lookup failed")
			continue
		}
		if res == nil || res.FIGI == "" {
			continue
		}
		return e.attach(n, res, currency)
	}
	return uuid.Nil, fmt.Errorf("%w: no external match", ErrNotFound)
}

func (e *Enricher) attach(ident Identifier, res *openfigi.MappingResult, currency string) (uuid.UUID, error) {
	secID, found := e.master.FindByFIGI(res.FIGI)
	if !found {
		sec, err := e.master.CreateSecurity(NewSecurity{
			Name:       res.Name,
			AssetClass: ClassifyVendorType(res.SecurityType, res.MarketSector),
			Currency:   currency,
			FIGI:       res.FIGI,
		})
		if err != nil {
			return uuid.Nil, fmt.Errorf("create from mapping: %w", err)
		}
		secID = sec.ID
		e.log.Info().Str("security_id", secID.String()).Str("figi", res.FIGI).Msg("security created from external mapping")
	}

	aliases := []Alias{ident, {Scheme: SchemeFIGI, Value: res.FIGI}}
	if res.CompositeFIGI != "" {
		aliases = append(aliases, Alias{Scheme: SchemeCompositeFIGI, Value: res.CompositeFIGI})
	}
	if res.Ticker != "" && res.ExchCode != "" {
		aliases = append(aliases, Alias{Scheme: SchemeTicker, Value: res.Ticker, Venue: res.ExchCode})
	}
	for _, a := range aliases {
		if err := e.master.Register(a, secID); err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) && a != ident {
				// Secondary alias owned elsewhere: keep going, the primary decides.
				e.log.Warn().Str("alias", a.String()).Str("existing", conflict.Existing.String()).Msg("skipping conflicting alias")
				continue
			}
			return uuid.Nil, err
		}
	}
	return secID, nil
}
