package lens

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

type DatabaseStatusArgs struct{}

type DatabaseRefreshArgs struct {
	// Source is "all", "rpki" or one dataset name. Default is "all".
	Source string `json:"source"`
	Force  bool   `json:"force"`

	kinds []cachestore.Kind
}

func (a *DatabaseRefreshArgs) Validate() error {
	switch s := strings.ToLower(strings.TrimSpace(a.Source)); s {
	case "", "all":
		a.kinds = cachestore.Kinds
	case "rpki":
		a.kinds = []cachestore.Kind{cachestore.RpkiRoa, cachestore.RpkiAspa}
	default:
		k, err := cachestore.ParseKind(s)
		if err != nil {
			return errs.Validation("%v, expected all, rpki or one of %s", err, kindList())
		}
		a.kinds = []cachestore.Kind{k}
	}
	return nil
}

func kindList() string {
	ss := make([]string, len(cachestore.Kinds))
	for i, k := range cachestore.Kinds {
		ss[i] = string(k)
	}
	return strings.Join(ss, ", ")
}

type DatabaseStatus struct {
	CachePath string              `json:"cache_path" yaml:"cache_path"`
	Datasets  []cachestore.Status `json:"datasets" yaml:"datasets"`
}

// DatabaseRefreshResult reports a refresh of several datasets. Failures are
// reported per dataset.
type DatabaseRefreshResult struct {
	Datasets []KindResult `json:"datasets" yaml:"datasets"`
}

// DatabaseLens manages the cache as a whole.
type DatabaseLens struct {
	*BP
	store     *cachestore.Store
	refresher *Refresher
}

func NewDatabaseLens(r *Refresher, logger *zap.Logger) *DatabaseLens {
	return &DatabaseLens{BP: NewBP("database", logger), store: r.Store, refresher: r}
}

func (l *DatabaseLens) Datasets() []cachestore.Kind { return cachestore.Kinds }

func (l *DatabaseLens) NeedsRefresh(ctx context.Context) bool {
	return datasetsStale(ctx, l.store, cachestore.Kinds...)
}

func (l *DatabaseLens) Query(ctx context.Context, args any, sink Sink) (any, error) {
	switch a := args.(type) {
	case *DatabaseStatusArgs:
		sts, err := l.store.StatusAll(ctx)
		if err != nil {
			return nil, err
		}
		return &DatabaseStatus{CachePath: l.store.Path(), Datasets: sts}, nil
	case *DatabaseRefreshArgs:
		if len(a.kinds) == 1 {
			return l.refresher.Kind(ctx, a.kinds[0], a.Force, sink)
		}
		return &DatabaseRefreshResult{Datasets: l.refresher.Kinds(ctx, a.kinds, a.Force, sink)}, nil
	default:
		return nil, l.unsupported(args)
	}
}
