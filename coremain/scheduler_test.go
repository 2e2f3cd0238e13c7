package coremain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
	"github.com/bgpkit/monocle-sub001/pkg/errs"
	"github.com/bgpkit/monocle-sub001/pkg/lens"
)

type stubLens struct {
	*lens.BP
	kind  cachestore.Kind
	stale bool
	calls int
	res   any
	err   error
}

func newStubLens(kind cachestore.Kind, stale bool) *stubLens {
	return &stubLens{
		BP:    lens.NewBP(string(kind), nil),
		kind:  kind,
		stale: stale,
		res:   &cachestore.RefreshOutcome{Kind: kind, Outcome: cachestore.Refreshed, Rows: 1},
	}
}

func (l *stubLens) Datasets() []cachestore.Kind { return []cachestore.Kind{l.kind} }

func (l *stubLens) NeedsRefresh(context.Context) bool { return l.stale }

func (l *stubLens) Query(context.Context, any, lens.Sink) (any, error) { return nil, nil }

func (l *stubLens) Refresh(context.Context, bool, lens.Sink) (any, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	l.stale = false
	return l.res, nil
}

type stubGate struct {
	*lens.BP
	stale bool
}

func (g *stubGate) NeedsRefresh(context.Context) bool { return g.stale }

func (g *stubGate) Query(context.Context, any, lens.Sink) (any, error) { return nil, nil }

func Test_scheduler_tick(t *testing.T) {
	ctx := context.Background()

	as2org := newStubLens(cachestore.As2org, true)
	as2rel := newStubLens(cachestore.As2rel, false)
	pfx2as := newStubLens(cachestore.Pfx2as, true)
	pfx2as.err = errs.Fetch("pfx2as", errors.New("upstream down"))
	rpki := newStubLens(cachestore.RpkiRoa, true)
	rpki.res = []lens.KindResult{
		{Dataset: cachestore.RpkiRoa, OK: true, Outcome: &cachestore.RefreshOutcome{Kind: cachestore.RpkiRoa, Outcome: cachestore.Refreshed}},
		{Dataset: cachestore.RpkiAspa, Error: &lens.SectionError{Code: errs.CodeFetch, Message: "boom"}},
	}

	gate := &stubGate{BP: lens.NewBP("database", nil)}
	s := &scheduler{
		gate:   gate,
		lenses: []lens.Refreshable{as2org, as2rel, pfx2as, rpki},
		logger: zap.NewNop(),
	}

	// nothing is stale according to the gate
	if n := s.tick(ctx); n != 0 {
		t.Fatalf("tick() = %d, want 0", n)
	}
	for _, l := range []*stubLens{as2org, as2rel, pfx2as, rpki} {
		if l.calls != 0 {
			t.Fatalf("%s refreshed while the gate was fresh", l.Name())
		}
	}

	gate.stale = true
	if n := s.tick(ctx); n != 1 {
		t.Fatalf("tick() = %d, want 1", n)
	}
	assert.Equal(t, 1, as2org.calls)
	assert.Equal(t, 0, as2rel.calls)
	assert.Equal(t, 1, pfx2as.calls)
	assert.Equal(t, 1, rpki.calls)

	// as2org is fresh now, the failed ones are retried
	pfx2as.err = nil
	if n := s.tick(ctx); n != 1 {
		t.Fatalf("tick() = %d, want 1", n)
	}
	assert.Equal(t, 1, as2org.calls)
	assert.Equal(t, 2, pfx2as.calls)
	assert.Equal(t, 1, rpki.calls)
}

func Test_scheduler_canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := newStubLens(cachestore.As2org, true)
	s := &scheduler{lenses: []lens.Refreshable{l}, logger: zap.NewNop()}
	assert.Equal(t, 0, s.tick(ctx))
	assert.Equal(t, 0, l.calls)
}

func Test_scheduler_runOnStart(t *testing.T) {
	l := newStubLens(cachestore.Pfx2as, true)
	s := &scheduler{
		lenses: []lens.Refreshable{l},
		cfg:    RefreshConfig{OnStart: true},
		logger: zap.NewNop(),
	}
	// Interval 0 returns after the first tick.
	s.run(context.Background())
	assert.Equal(t, 1, l.calls)
	assert.False(t, l.stale)

	l.stale = true
	l.err = errors.New("disk full")
	s.run(context.Background())
	assert.Equal(t, 2, l.calls)
	assert.True(t, l.stale)
}
