package lens

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

type As2orgSearchArgs struct {
	Query       []string `json:"query"`
	AsnOnly     bool     `json:"asn_only"`
	NameOnly    bool     `json:"name_only"`
	CountryOnly bool     `json:"country_only"`
	FullCountry bool     `json:"full_country"`
	FullTable   bool     `json:"full_table"`
}

func (a *As2orgSearchArgs) Validate() error {
	n := 0
	for _, b := range []bool{a.AsnOnly, a.NameOnly, a.CountryOnly} {
		if b {
			n++
		}
	}
	if n > 1 {
		return errs.Validation("asn_only, name_only and country_only are mutually exclusive")
	}
	if len(a.Query) == 0 {
		return errs.Validation("query is required")
	}
	if a.AsnOnly {
		for _, q := range a.Query {
			if _, ok := parseAsn(q); !ok {
				return errs.Validation("invalid asn %q", q)
			}
		}
	}
	return nil
}

type As2orgBootstrapArgs struct {
	Force bool `json:"force"`
}

// As2orgEntry is one search hit. Org fields beyond the name are filled in
// with full_table only.
type As2orgEntry struct {
	Asn     uint32 `json:"asn" yaml:"asn"`
	AsName  string `json:"as_name" yaml:"as_name"`
	OrgName string `json:"org_name" yaml:"org_name"`
	Country string `json:"country" yaml:"country"`
	OrgID   string `json:"org_id,omitempty" yaml:"org_id,omitempty"`
	OrgSize int    `json:"org_size,omitempty" yaml:"org_size,omitempty"`
	Source  string `json:"source,omitempty" yaml:"source,omitempty"`
}

type As2orgLens struct {
	*BP
	store     *cachestore.Store
	refresher *Refresher
}

func NewAs2orgLens(r *Refresher, logger *zap.Logger) *As2orgLens {
	return &As2orgLens{BP: NewBP("as2org", logger), store: r.Store, refresher: r}
}

func (l *As2orgLens) Datasets() []cachestore.Kind { return []cachestore.Kind{cachestore.As2org} }

func (l *As2orgLens) NeedsRefresh(ctx context.Context) bool {
	return datasetsStale(ctx, l.store, cachestore.As2org)
}

func (l *As2orgLens) Refresh(ctx context.Context, force bool, sink Sink) (any, error) {
	return l.refresher.Kind(ctx, cachestore.As2org, force, sink)
}

func (l *As2orgLens) Query(ctx context.Context, args any, sink Sink) (any, error) {
	switch a := args.(type) {
	case *As2orgSearchArgs:
		return l.Search(ctx, a)
	case *As2orgBootstrapArgs:
		return l.Refresh(ctx, a.Force, sink)
	}
	return nil, l.unsupported(args)
}

func (l *As2orgLens) Search(ctx context.Context, a *As2orgSearchArgs) ([]As2orgEntry, error) {
	out := []As2orgEntry{}
	seen := make(map[uint32]bool)
	for _, q := range a.Query {
		q = strings.TrimSpace(q)
		if len(q) == 0 {
			continue
		}
		var (
			rows []cachestore.As2orgRow
			err  error
		)
		asn, isAsn := parseAsn(q)
		switch {
		case a.AsnOnly || (isAsn && !a.NameOnly && !a.CountryOnly):
			rows, err = l.store.As2orgByAsn(ctx, asn)
		case a.CountryOnly:
			rows, err = l.byCountry(ctx, q)
		default:
			rows, err = l.store.SearchAs2org(ctx, q)
		}
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if seen[r.Asn] {
				continue
			}
			seen[r.Asn] = true
			out = append(out, l.entry(r, a))
		}
	}
	return out, nil
}

// byCountry accepts a country code or a name resolvable to exactly one
// country.
func (l *As2orgLens) byCountry(ctx context.Context, q string) ([]cachestore.As2orgRow, error) {
	code := q
	if len(q) != 2 {
		cs := LookupCountry(q)
		if len(cs) != 1 {
			return nil, errs.Validation("country %q matches %d countries", q, len(cs))
		}
		code = cs[0].Code
	}
	return l.store.As2orgByCountry(ctx, code)
}

func (l *As2orgLens) entry(r cachestore.As2orgRow, a *As2orgSearchArgs) As2orgEntry {
	e := As2orgEntry{Asn: r.Asn, AsName: r.AsName, OrgName: r.OrgName, Country: r.Country}
	if a.FullCountry {
		e.Country = CountryName(r.Country)
	}
	if a.FullTable {
		e.OrgID, e.OrgSize, e.Source = r.OrgID, r.OrgSize, r.Source
	}
	return e
}

// parseAsn accepts "13335" and "AS13335".
func parseAsn(s string) (uint32, bool) {
	s = strings.TrimSpace(s)
	if len(s) > 2 && strings.EqualFold(s[:2], "as") {
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
