package lens

import (
	"context"
	"net/netip"

	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

type Pfx2asLookupArgs struct {
	Prefix string `json:"prefix"`
	Asn    uint32 `json:"asn"`
	Mode   string `json:"mode"`

	pfx  netip.Prefix
	mode cachestore.Pfx2asMode
}

func (a *Pfx2asLookupArgs) Validate() error {
	if len(a.Prefix) == 0 && a.Asn == 0 {
		return errs.Validation("prefix or asn is required")
	}
	if len(a.Prefix) > 0 {
		p, err := parsePrefix(a.Prefix)
		if err != nil {
			return err
		}
		a.pfx = p
	}
	m, ok := cachestore.ParsePfx2asMode(a.Mode)
	if !ok {
		return errs.Validation("unknown mode %q, expected longest, exact, covering or covered", a.Mode)
	}
	a.mode = m
	return nil
}

type Pfx2asResult struct {
	Prefix  string                    `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Asn     uint32                    `json:"asn,omitempty" yaml:"asn,omitempty"`
	Mode    cachestore.Pfx2asMode     `json:"mode" yaml:"mode"`
	Found   bool                      `json:"found" yaml:"found"`
	Results []cachestore.Pfx2asRecord `json:"results" yaml:"results"`
}

// Pfx2asLens answers prefix-to-origin questions from the cache only. An
// empty cache is an empty result.
type Pfx2asLens struct {
	*BP
	store     *cachestore.Store
	refresher *Refresher
}

func NewPfx2asLens(r *Refresher, logger *zap.Logger) *Pfx2asLens {
	return &Pfx2asLens{BP: NewBP("pfx2as", logger), store: r.Store, refresher: r}
}

func (l *Pfx2asLens) Datasets() []cachestore.Kind { return []cachestore.Kind{cachestore.Pfx2as} }

func (l *Pfx2asLens) NeedsRefresh(ctx context.Context) bool {
	return datasetsStale(ctx, l.store, cachestore.Pfx2as)
}

func (l *Pfx2asLens) Refresh(ctx context.Context, force bool, sink Sink) (any, error) {
	return l.refresher.Kind(ctx, cachestore.Pfx2as, force, sink)
}

func (l *Pfx2asLens) Query(ctx context.Context, args any, _ Sink) (any, error) {
	a, ok := args.(*Pfx2asLookupArgs)
	if !ok {
		return nil, l.unsupported(args)
	}
	res := &Pfx2asResult{Mode: a.mode}
	var (
		recs []cachestore.Pfx2asRecord
		err  error
	)
	if a.pfx.IsValid() {
		res.Prefix = a.pfx.String()
		recs, err = l.store.Pfx2asLookup(ctx, a.pfx, a.mode)
		if err == nil && a.Asn != 0 {
			recs = filterAsn(recs, a.Asn)
		}
	} else {
		res.Asn = a.Asn
		recs, err = l.store.Pfx2asByAsn(ctx, a.Asn)
	}
	if err != nil {
		return nil, err
	}
	res.Results = nonNil(recs)
	res.Found = len(recs) > 0
	return res, nil
}

func filterAsn(recs []cachestore.Pfx2asRecord, asn uint32) []cachestore.Pfx2asRecord {
	out := recs[:0]
	for _, r := range recs {
		if r.Asn == asn {
			out = append(out, r)
		}
	}
	return out
}
