package lens

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

type RpkiValidateArgs struct {
	Prefix string `json:"prefix"`
	Asn    uint32 `json:"asn"`

	pfx netip.Prefix
}

func (a *RpkiValidateArgs) Validate() (err error) {
	if a.pfx, err = parsePrefix(a.Prefix); err != nil {
		return err
	}
	return nil
}

type RpkiRoasArgs struct {
	Asn    uint32 `json:"asn"`
	Prefix string `json:"prefix"`
	Source string `json:"source"`
	Date   string `json:"date"`

	pfx netip.Prefix
}

func (a *RpkiRoasArgs) Validate() (err error) {
	if len(a.Date) > 0 {
		return errs.Validation("date filter is unsupported in cache-first mode, only the current ROA set is cached")
	}
	if len(a.Prefix) > 0 {
		if a.pfx, err = parsePrefix(a.Prefix); err != nil {
			return err
		}
	}
	return nil
}

type RpkiAspasArgs struct {
	CustomerAsn uint32 `json:"customer_asn"`
	ProviderAsn uint32 `json:"provider_asn"`
	Source      string `json:"source"`
	Date        string `json:"date"`
}

func (a *RpkiAspasArgs) Validate() error {
	if len(a.Date) > 0 {
		return errs.Validation("date filter is unsupported in cache-first mode, only the current ASPA set is cached")
	}
	return nil
}

type ValidationState string

const (
	StateValid    ValidationState = "valid"
	StateInvalid  ValidationState = "invalid"
	StateNotFound ValidationState = "not-found"
)

type RpkiValidation struct {
	Prefix      string                 `json:"prefix" yaml:"prefix"`
	Asn         uint32                 `json:"asn" yaml:"asn"`
	State       ValidationState        `json:"state" yaml:"state"`
	Reason      string                 `json:"reason" yaml:"reason"`
	CoveringRoa []cachestore.RoaRecord `json:"covering_roas" yaml:"covering_roas"`
}

// RpkiLens validates route origins against the cached ROA and ASPA sets.
type RpkiLens struct {
	*BP
	store     *cachestore.Store
	refresher *Refresher
}

func NewRpkiLens(r *Refresher, logger *zap.Logger) *RpkiLens {
	return &RpkiLens{BP: NewBP("rpki", logger), store: r.Store, refresher: r}
}

func (l *RpkiLens) Datasets() []cachestore.Kind {
	return []cachestore.Kind{cachestore.RpkiRoa, cachestore.RpkiAspa}
}

func (l *RpkiLens) NeedsRefresh(ctx context.Context) bool {
	return datasetsStale(ctx, l.store, l.Datasets()...)
}

func (l *RpkiLens) Refresh(ctx context.Context, force bool, sink Sink) (any, error) {
	return l.refresher.Kinds(ctx, l.Datasets(), force, sink), nil
}

func (l *RpkiLens) Query(ctx context.Context, args any, _ Sink) (any, error) {
	switch a := args.(type) {
	case *RpkiValidateArgs:
		return l.Validate(ctx, a.pfx, a.Asn)
	case *RpkiRoasArgs:
		if err := l.checkSource(ctx, cachestore.RpkiRoa, a.Source); err != nil {
			return nil, err
		}
		roas, err := l.store.Roas(ctx, cachestore.RoaFilter{Asn: a.Asn, Prefix: a.pfx})
		if err != nil {
			return nil, err
		}
		return nonNil(roas), nil
	case *RpkiAspasArgs:
		if err := l.checkSource(ctx, cachestore.RpkiAspa, a.Source); err != nil {
			return nil, err
		}
		aspas, err := l.store.Aspas(ctx, cachestore.AspaFilter{CustomerAsn: a.CustomerAsn, ProviderAsn: a.ProviderAsn})
		if err != nil {
			return nil, err
		}
		return aspas, nil
	}
	return nil, l.unsupported(args)
}

// checkSource rejects a source filter naming another provider than the one
// the cached dataset came from.
func (l *RpkiLens) checkSource(ctx context.Context, k cachestore.Kind, source string) error {
	if len(source) == 0 {
		return nil
	}
	st, err := l.store.Status(ctx, k)
	if err != nil {
		return err
	}
	if len(st.Source) > 0 && !strings.EqualFold(st.Source, source) {
		return errs.Validation("source %q is not cached, %s data comes from %q", source, k, st.Source)
	}
	return nil
}

// Validate runs route origin validation of (p, asn).
func (l *RpkiLens) Validate(ctx context.Context, p netip.Prefix, asn uint32) (*RpkiValidation, error) {
	roas, err := l.store.RoasCovering(ctx, p)
	if err != nil {
		return nil, err
	}
	res := &RpkiValidation{Prefix: p.String(), Asn: asn, CoveringRoa: nonNil(roas)}
	if len(roas) == 0 {
		res.State = StateNotFound
		res.Reason = fmt.Sprintf("no ROA covers %s", p)
		if empty, err := l.store.Empty(ctx, cachestore.RpkiRoa); err == nil && empty {
			res.Reason += "; the ROA cache is empty, run database.refresh"
		}
		return res, nil
	}

	var lengthMismatch *cachestore.RoaRecord
	for i, roa := range roas {
		if roa.Asn != asn || roa.Asn == 0 {
			continue
		}
		if p.Bits() <= int(roa.MaxLength) {
			res.State = StateValid
			res.Reason = fmt.Sprintf("ROA %s max-length %d authorizes AS%d", roa.Prefix, roa.MaxLength, asn)
			return res, nil
		}
		if lengthMismatch == nil {
			lengthMismatch = &roas[i]
		}
	}

	res.State = StateInvalid
	if lengthMismatch != nil {
		res.Reason = fmt.Sprintf("prefix length /%d exceeds max-length %d of ROA %s for AS%d",
			p.Bits(), lengthMismatch.MaxLength, lengthMismatch.Prefix, asn)
	} else {
		res.Reason = fmt.Sprintf("%d covering ROA(s) found, none authorizes AS%d", len(roas), asn)
	}
	return res, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return netip.Prefix{}, errs.Validation("prefix is required")
	}
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()), nil
	}
	return netip.Prefix{}, errs.Validation("invalid prefix %q", s)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
