package lens

import (
	"context"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

type As2relSearchArgs struct {
	Asns      []uint32 `json:"asns"`
	SortByAsn bool     `json:"sort_by_asn"`
	ShowName  bool     `json:"show_name"`
}

func (a *As2relSearchArgs) Validate() error {
	if len(a.Asns) == 0 || len(a.Asns) > 2 {
		return errs.Validation("asns must hold one or two ASNs, got %d", len(a.Asns))
	}
	return nil
}

type As2relRelationshipArgs struct {
	Asn1 uint32 `json:"asn1"`
	Asn2 uint32 `json:"asn2"`
}

func (a *As2relRelationshipArgs) Validate() error {
	if a.Asn1 == 0 || a.Asn2 == 0 {
		return errs.Validation("asn1 and asn2 are required")
	}
	return nil
}

type As2relUpdateArgs struct {
	URL string `json:"url"`
}

func (a *As2relUpdateArgs) Validate() error {
	if len(a.URL) > 0 && !strings.HasPrefix(a.URL, "http://") && !strings.HasPrefix(a.URL, "https://") {
		return errs.Validation("url must be an http(s) url")
	}
	return nil
}

// As2relEntry aggregates every relationship record of one AS pair. The
// percentages are shares of the route collector peers that saw the pair.
type As2relEntry struct {
	Asn1        uint32  `json:"asn1" yaml:"asn1"`
	Asn2        uint32  `json:"asn2" yaml:"asn2"`
	Asn2Name    string  `json:"asn2_name,omitempty" yaml:"asn2_name,omitempty"`
	Connected   float64 `json:"connected_pct" yaml:"connected_pct"`
	Peer        float64 `json:"peer_pct" yaml:"peer_pct"`
	As1Upstream float64 `json:"as1_upstream_pct" yaml:"as1_upstream_pct"`
	As2Upstream float64 `json:"as2_upstream_pct" yaml:"as2_upstream_pct"`
}

type As2relResult struct {
	MaxPeers uint32        `json:"max_peers" yaml:"max_peers"`
	Entries  []As2relEntry `json:"entries" yaml:"entries"`
}

type As2relRelationship struct {
	As2relResult `yaml:",inline"`
	Relationship string `json:"relationship" yaml:"relationship"`
}

type As2relLens struct {
	*BP
	store     *cachestore.Store
	refresher *Refresher
}

func NewAs2relLens(r *Refresher, logger *zap.Logger) *As2relLens {
	return &As2relLens{BP: NewBP("as2rel", logger), store: r.Store, refresher: r}
}

func (l *As2relLens) Datasets() []cachestore.Kind { return []cachestore.Kind{cachestore.As2rel} }

func (l *As2relLens) NeedsRefresh(ctx context.Context) bool {
	return datasetsStale(ctx, l.store, cachestore.As2rel)
}

func (l *As2relLens) Refresh(ctx context.Context, force bool, sink Sink) (any, error) {
	return l.refresher.Kind(ctx, cachestore.As2rel, force, sink)
}

func (l *As2relLens) Query(ctx context.Context, args any, sink Sink) (any, error) {
	switch a := args.(type) {
	case *As2relSearchArgs:
		return l.Search(ctx, a)
	case *As2relRelationshipArgs:
		return l.Relationship(ctx, a.Asn1, a.Asn2)
	case *As2relUpdateArgs:
		if len(a.URL) == 0 {
			return l.Refresh(ctx, true, sink)
		}
		return l.refresher.one(ctx, l.refresher.Sources.As2relFrom(a.URL), true, sink)
	}
	return nil, l.unsupported(args)
}

func (l *As2relLens) Search(ctx context.Context, a *As2relSearchArgs) (*As2relResult, error) {
	var (
		recs []cachestore.As2relRecord
		err  error
	)
	if len(a.Asns) == 1 {
		recs, err = l.store.As2relFor(ctx, a.Asns[0])
	} else {
		recs, err = l.store.As2relPair(ctx, a.Asns[0], a.Asns[1])
	}
	if err != nil {
		return nil, err
	}
	res, err := l.aggregate(ctx, recs)
	if err != nil {
		return nil, err
	}

	if a.SortByAsn {
		sort.SliceStable(res.Entries, func(i, j int) bool { return res.Entries[i].Asn2 < res.Entries[j].Asn2 })
	}
	if a.ShowName && len(res.Entries) > 0 {
		asns := make([]uint32, 0, len(res.Entries))
		for _, e := range res.Entries {
			asns = append(asns, e.Asn2)
		}
		names, err := l.store.As2orgNames(ctx, asns)
		if err != nil {
			return nil, err
		}
		for i := range res.Entries {
			res.Entries[i].Asn2Name = names[res.Entries[i].Asn2]
		}
	}
	return res, nil
}

func (l *As2relLens) Relationship(ctx context.Context, asn1, asn2 uint32) (*As2relRelationship, error) {
	recs, err := l.store.As2relPair(ctx, asn1, asn2)
	if err != nil {
		return nil, err
	}
	res, err := l.aggregate(ctx, recs)
	if err != nil {
		return nil, err
	}
	out := &As2relRelationship{As2relResult: *res, Relationship: "none"}
	if len(res.Entries) > 0 {
		out.Relationship = describe(res.Entries[0])
	}
	return out, nil
}

// aggregate folds the records of each pair into one entry. Records must be
// oriented from the same asn1. Entries are ordered by connectivity.
func (l *As2relLens) aggregate(ctx context.Context, recs []cachestore.As2relRecord) (*As2relResult, error) {
	res := &As2relResult{Entries: []As2relEntry{}}
	if len(recs) == 0 {
		return res, nil
	}
	maxPeers, err := l.store.As2relMaxPeers(ctx)
	if err != nil {
		return nil, err
	}
	res.MaxPeers = maxPeers

	type counts struct{ connected, peer, up1, up2 uint32 }
	byPair := make(map[[2]uint32]*counts)
	var order [][2]uint32
	for _, r := range recs {
		k := [2]uint32{r.Asn1, r.Asn2}
		c := byPair[k]
		if c == nil {
			c = new(counts)
			byPair[k] = c
			order = append(order, k)
		}
		c.connected = max(c.connected, r.PeersCount)
		switch r.Rel {
		case cachestore.RelPeer:
			c.peer += r.PeersCount
		case cachestore.RelProviderCustomer:
			c.up1 += r.PeersCount
		case cachestore.RelCustomerProvider:
			c.up2 += r.PeersCount
		}
	}

	pct := func(n uint32) float64 {
		if maxPeers == 0 {
			return 0
		}
		return math.Round(float64(n)/float64(maxPeers)*1000) / 10
	}
	for _, k := range order {
		c := byPair[k]
		res.Entries = append(res.Entries, As2relEntry{
			Asn1:        k[0],
			Asn2:        k[1],
			Connected:   pct(c.connected),
			Peer:        pct(c.peer),
			As1Upstream: pct(c.up1),
			As2Upstream: pct(c.up2),
		})
	}
	sort.SliceStable(res.Entries, func(i, j int) bool {
		if res.Entries[i].Connected != res.Entries[j].Connected {
			return res.Entries[i].Connected > res.Entries[j].Connected
		}
		return res.Entries[i].Asn2 < res.Entries[j].Asn2
	})
	return res, nil
}

func describe(e As2relEntry) string {
	switch {
	case e.Peer >= e.As1Upstream && e.Peer >= e.As2Upstream:
		return "peer"
	case e.As1Upstream >= e.As2Upstream:
		return "asn1 is upstream of asn2"
	default:
		return "asn2 is upstream of asn1"
	}
}
