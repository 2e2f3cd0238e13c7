package lens

import (
	"context"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

type InspectArgs struct {
	Query string `json:"query"`
	// Sections restricts the report to the named sections.
	Sections []string `json:"sections"`
}

func (a *InspectArgs) Validate() error {
	if len(strings.TrimSpace(a.Query)) == 0 {
		return errs.Validation("query is required")
	}
	return nil
}

// Section is one part of an inspect report. Exactly one of Data and Error
// is set.
type Section struct {
	OK    bool          `json:"ok" yaml:"ok"`
	Data  any           `json:"data,omitempty" yaml:"data,omitempty"`
	Error *SectionError `json:"error,omitempty" yaml:"error,omitempty"`
}

type InspectReport struct {
	Query    string             `json:"query" yaml:"query"`
	Type     string             `json:"type" yaml:"type"`
	Sections map[string]Section `json:"sections" yaml:"sections"`
}

// SectionEvent is streamed when one section is done.
type SectionEvent struct {
	Section string  `json:"section" yaml:"section"`
	Result  Section `json:"result" yaml:"result"`
}

// InspectLens answers a free-form query by running the relevant lenses
// concurrently. A failing section is reported inside the report and never
// fails the whole call.
type InspectLens struct {
	*BP
	ip      Lens
	rpki    Lens
	as2org  Lens
	as2rel  Lens
	pfx2as  Lens
	country Lens
}

type InspectLenses struct {
	IP      *IpLens
	Rpki    *RpkiLens
	As2org  *As2orgLens
	As2rel  *As2relLens
	Pfx2as  *Pfx2asLens
	Country *CountryLens
}

func NewInspectLens(ls InspectLenses, logger *zap.Logger) *InspectLens {
	return &InspectLens{
		BP:      NewBP("inspect", logger),
		ip:      ls.IP,
		rpki:    ls.Rpki,
		as2org:  ls.As2org,
		as2rel:  ls.As2rel,
		pfx2as:  ls.Pfx2as,
		country: ls.Country,
	}
}

type task struct {
	lens Lens
	args any
}

func (l *InspectLens) Query(ctx context.Context, args any, sink Sink) (any, error) {
	a, ok := args.(*InspectArgs)
	if !ok {
		return nil, l.unsupported(args)
	}
	kind, plan := l.plan(strings.TrimSpace(a.Query))
	if len(a.Sections) > 0 {
		keep := make(map[string]bool, len(a.Sections))
		for _, s := range a.Sections {
			keep[s] = true
		}
		for name := range plan {
			if !keep[name] {
				delete(plan, name)
			}
		}
	}

	report := &InspectReport{Query: a.Query, Type: kind, Sections: make(map[string]Section, len(plan))}
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for name, t := range plan {
		g.Go(func() error {
			sec := l.run(ctx, name, t)
			mu.Lock()
			report.Sections[name] = sec
			mu.Unlock()
			sink.Stream(uuid.NewString(), SectionEvent{Section: name, Result: sec})
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

func (l *InspectLens) run(ctx context.Context, name string, t task) (sec Section) {
	defer func() {
		if r := recover(); r != nil {
			l.L().Error("inspect section panicked", zap.String("section", name), zap.Any("panic", r))
			sec = Section{Error: &SectionError{Code: errs.CodeInternal, Message: "internal error"}}
		}
	}()
	if v, ok := t.args.(Validator); ok {
		if err := v.Validate(); err != nil {
			return Section{Error: newSectionError(err)}
		}
	}
	data, err := t.lens.Query(ctx, t.args, Discard)
	if err != nil {
		l.L().Debug("inspect section failed", zap.String("section", name), zap.Error(err))
		return Section{Error: newSectionError(err)}
	}
	return Section{OK: true, Data: data}
}

// plan classifies q and picks the sections to run.
func (l *InspectLens) plan(q string) (string, map[string]task) {
	if addr, err := netip.ParseAddr(q); err == nil {
		return "ip", map[string]task{
			"ip":     {l.ip, &IpLookupArgs{IP: addr.String()}},
			"pfx2as": {l.pfx2as, &Pfx2asLookupArgs{Prefix: addr.String(), Mode: "longest"}},
			"rpki":   {l.rpki, &RpkiRoasArgs{Prefix: addr.String()}},
		}
	}
	if p, err := netip.ParsePrefix(q); err == nil {
		return "prefix", map[string]task{
			"pfx2as":  {l.pfx2as, &Pfx2asLookupArgs{Prefix: p.String(), Mode: "longest"}},
			"covered": {l.pfx2as, &Pfx2asLookupArgs{Prefix: p.String(), Mode: "covered"}},
			"rpki":    {l.rpki, &RpkiRoasArgs{Prefix: p.String()}},
		}
	}
	if asn, ok := parseAsn(q); ok {
		s := strconv.FormatUint(uint64(asn), 10)
		return "asn", map[string]task{
			"as2org": {l.as2org, &As2orgSearchArgs{Query: []string{s}, AsnOnly: true, FullTable: true}},
			"as2rel": {l.as2rel, &As2relSearchArgs{Asns: []uint32{asn}, ShowName: true}},
			"pfx2as": {l.pfx2as, &Pfx2asLookupArgs{Asn: asn}},
			"roas":   {l.rpki, &RpkiRoasArgs{Asn: asn}},
			"aspas":  {l.rpki, &RpkiAspasArgs{CustomerAsn: asn}},
		}
	}
	if len(q) <= 3 {
		if cs := LookupCountry(q); len(cs) == 1 {
			return "country", map[string]task{
				"country": {l.country, &CountryLookupArgs{Query: q}},
				"as2org":  {l.as2org, &As2orgSearchArgs{Query: []string{cs[0].Code}, CountryOnly: true}},
			}
		}
	}
	return "name", map[string]task{
		"as2org": {l.as2org, &As2orgSearchArgs{Query: []string{q}, NameOnly: true, FullTable: true}},
	}
}
