package cachestore

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

type fakeSource struct {
	name    string
	kind    Kind
	payload func(n int) Payload
	err     error
	block   chan struct{}
	started chan struct{}

	calls atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Kind() Kind   { return f.kind }

func (f *fakeSource) Fetch(ctx context.Context) (Payload, error) {
	n := int(f.calls.Add(1))
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.payload(n), nil
}

func roaSource(roas ...RoaRecord) *fakeSource {
	return &fakeSource{
		name:    "test",
		kind:    RpkiRoa,
		payload: func(int) Payload { return RoaPayload(roas) },
	}
}

func newTestStore(t *testing.T, opts Opts) *Store {
	t.Helper()
	opts.Path = filepath.Join(t.TempDir(), "monocle.sqlite3")
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_unusablePath(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	_, err := Open(context.Background(), Opts{Path: filepath.Join(f, "cache.sqlite3")})
	require.Error(t, err)
	assert.Equal(t, errs.CodeStorage, errs.CodeOf(err))
}

func TestStore_statusNeverUpdated(t *testing.T) {
	s := newTestStore(t, Opts{})
	all, err := s.StatusAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, len(Kinds))
	for _, st := range all {
		assert.True(t, st.Stale, st.Kind)
		assert.True(t, st.LastUpdated.IsZero())
		assert.Zero(t, st.Rows)
	}
}

func TestStore_RefreshSkipAndForce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Opts{})
	src := roaSource(RoaRecord{Prefix: netip.MustParsePrefix("1.1.1.0/24"), MaxLength: 24, Asn: 13335, TA: "apnic"})

	out, err := s.Refresh(ctx, src, false, nil)
	require.NoError(t, err)
	assert.Equal(t, Refreshed, out.Outcome)
	assert.Equal(t, 1, out.Rows)

	out, err = s.Refresh(ctx, src, false, nil)
	require.NoError(t, err)
	assert.Equal(t, Skipped, out.Outcome)
	assert.Equal(t, int32(1), src.calls.Load())

	out, err = s.Refresh(ctx, src, true, nil)
	require.NoError(t, err)
	assert.Equal(t, Refreshed, out.Outcome)
	assert.Equal(t, int32(2), src.calls.Load())

	st, err := s.Status(ctx, RpkiRoa)
	require.NoError(t, err)
	assert.False(t, st.Stale)
	assert.Equal(t, "test", st.Source)
	assert.Equal(t, 1, st.Rows)
}

func TestStore_RefreshStaleAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, Opts{Now: func() time.Time { return now }})
	src := roaSource()

	_, err := s.Refresh(ctx, src, false, nil)
	require.NoError(t, err)

	now = now.Add(DefaultTTL[RpkiRoa] + time.Second)
	out, err := s.Refresh(ctx, src, false, nil)
	require.NoError(t, err)
	assert.Equal(t, Refreshed, out.Outcome)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestStore_RefreshProgress(t *testing.T) {
	s := newTestStore(t, Opts{})
	var stages []string
	_, err := s.Refresh(context.Background(), roaSource(), true, func(p Progress) {
		stages = append(stages, p.Stage)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{StageFetching, StageFetched, StageWriting, StageCommitted}, stages)
}

func TestStore_RefreshInProgress(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Opts{})
	src := roaSource()
	src.block = make(chan struct{})
	src.started = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := s.Refresh(ctx, src, true, nil)
		done <- err
	}()
	<-src.started
	assert.True(t, s.InProgress(RpkiRoa))

	_, err := s.Refresh(ctx, roaSource(), true, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrRefreshInProgress))

	// Other kinds are not blocked.
	_, err = s.Refresh(ctx, &fakeSource{name: "test", kind: RpkiAspa, payload: func(int) Payload { return AspaPayload{} }}, true, nil)
	require.NoError(t, err)

	close(src.block)
	require.NoError(t, <-done)
	assert.False(t, s.InProgress(RpkiRoa))
}

func TestStore_RefreshTimeoutKeepsData(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Opts{FetchTimeout: 50 * time.Millisecond})
	roa := RoaRecord{Prefix: netip.MustParsePrefix("1.1.1.0/24"), MaxLength: 24, Asn: 13335, TA: "apnic"}
	_, err := s.Refresh(ctx, roaSource(roa), true, nil)
	require.NoError(t, err)

	slow := roaSource()
	slow.block = make(chan struct{})
	_, err = s.Refresh(ctx, slow, true, nil)
	require.Error(t, err)
	e := errs.From(err)
	assert.Equal(t, errs.CodeFetch, e.Code)
	assert.True(t, e.Retryable)
	require.IsType(t, errs.FetchDetails{}, e.Details)
	assert.Equal(t, "timeout", e.Details.(errs.FetchDetails).Reason)

	roas, err := s.RoasCovering(ctx, netip.MustParsePrefix("1.1.1.0/24"))
	require.NoError(t, err)
	assert.Equal(t, []RoaRecord{roa}, roas)
}

func TestStore_RefreshFetchErrorKeepsData(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Opts{})
	_, err := s.Refresh(ctx, roaSource(RoaRecord{Prefix: netip.MustParsePrefix("10.0.0.0/8"), MaxLength: 8, Asn: 1}), true, nil)
	require.NoError(t, err)

	_, err = s.Refresh(ctx, &fakeSource{name: "test", kind: RpkiRoa, err: errors.New("boom")}, true, nil)
	assert.Equal(t, errs.CodeFetch, errs.CodeOf(err))

	st, err := s.Status(ctx, RpkiRoa)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Rows)
}

func TestStore_ConcurrentReadersSeeWholeDataset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Opts{})

	// Generation n writes n*100 rows, all with asn n.
	src := &fakeSource{name: "test", kind: Pfx2as, payload: func(n int) Payload {
		p := make(Pfx2asPayload, 0, n*100)
		for i := 0; i < n*100; i++ {
			addr := netip.AddrFrom4([4]byte{10, byte(i >> 8), byte(i), 0})
			p = append(p, Pfx2asRecord{Prefix: netip.PrefixFrom(addr, 24), Asn: uint32(n), Count: 1})
		}
		return p
	}}
	_, err := s.Refresh(ctx, src, true, nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				recs, err := s.Pfx2asLookup(ctx, netip.MustParsePrefix("10.0.0.0/8"), ModeCovered)
				if !assert.NoError(t, err) {
					return
				}
				if !assert.NotEmpty(t, recs) {
					return
				}
				gen := recs[0].Asn
				assert.Len(t, recs, int(gen)*100)
				for _, r := range recs {
					if r.Asn != gen {
						assert.Failf(t, "mixed dataset", "saw asn %d and %d", gen, r.Asn)
						return
					}
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		_, err := s.Refresh(ctx, src, true, nil)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestStore_Pfx2asModes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Opts{})
	mp := netip.MustParsePrefix
	_, err := s.Refresh(ctx, &fakeSource{name: "bgpkit", kind: Pfx2as, payload: func(int) Payload {
		return Pfx2asPayload{
			{Prefix: mp("1.0.0.0/8"), Asn: 1, Count: 5},
			{Prefix: mp("1.1.0.0/16"), Asn: 2, Count: 5},
			{Prefix: mp("1.1.1.0/24"), Asn: 13335, Count: 10},
			{Prefix: mp("1.1.1.0/24"), Asn: 4, Count: 1},
			{Prefix: mp("1.1.1.128/25"), Asn: 5, Count: 1},
			{Prefix: mp("2001:db8::/32"), Asn: 6, Count: 1},
		}
	}}, true, nil)
	require.NoError(t, err)

	asns := func(recs []Pfx2asRecord) []uint32 {
		out := make([]uint32, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.Asn)
		}
		return out
	}

	recs, err := s.Pfx2asLookup(ctx, mp("1.1.1.0/24"), ModeLongest)
	require.NoError(t, err)
	assert.Equal(t, []uint32{13335, 4}, asns(recs))

	recs, err = s.Pfx2asLookup(ctx, mp("1.1.2.0/24"), ModeLongest)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, asns(recs))

	recs, err = s.Pfx2asLookup(ctx, mp("1.1.0.0/16"), ModeExact)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, asns(recs))

	recs, err = s.Pfx2asLookup(ctx, mp("1.1.1.0/24"), ModeCovering)
	require.NoError(t, err)
	assert.Equal(t, []uint32{13335, 4, 2, 1}, asns(recs))

	recs, err = s.Pfx2asLookup(ctx, mp("1.1.0.0/16"), ModeCovered)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 13335, 4, 2}, asns(recs))

	recs, err = s.Pfx2asLookup(ctx, mp("9.9.9.0/24"), ModeLongest)
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = s.Pfx2asByAsn(ctx, 6)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, mp("2001:db8::/32"), recs[0].Prefix)
}

func TestStore_As2orgAndAs2rel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Opts{})
	_, err := s.Refresh(ctx, &fakeSource{name: "caida", kind: As2org, payload: func(int) Payload {
		return As2orgPayload{
			{Asn: 13335, AsName: "CLOUDFLARENET", OrgID: "CLOUD14-ARIN", OrgName: "Cloudflare, Inc.", Country: "US", Source: "ARIN"},
			{Asn: 209242, AsName: "CLOUDFLARESPECTRUM", OrgID: "CLOUD14-ARIN", OrgName: "Cloudflare, Inc.", Country: "US", Source: "ARIN"},
			{Asn: 3333, AsName: "RIPE-NCC-AS", OrgID: "ORG-RIEN1-RIPE", OrgName: "RIPE NCC", Country: "NL", Source: "RIPE"},
		}
	}}, true, nil)
	require.NoError(t, err)

	rows, err := s.SearchAs2org(ctx, "cloudflare")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].OrgSize)

	rows, err = s.As2orgByCountry(ctx, "nl")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint32(3333), rows[0].Asn)

	rows, err = s.SearchAs2org(ctx, "100%")
	require.NoError(t, err)
	assert.Empty(t, rows)

	names, err := s.As2orgNames(ctx, []uint32{13335, 64512})
	require.NoError(t, err)
	assert.Equal(t, map[uint32]string{13335: "Cloudflare, Inc."}, names)

	_, err = s.Refresh(ctx, &fakeSource{name: "bgpkit", kind: As2rel, payload: func(int) Payload {
		return As2relPayload{
			{Asn1: 174, Asn2: 13335, PathsCount: 100, PeersCount: 50, Rel: RelProviderCustomer},
			{Asn1: 13335, Asn2: 3333, PathsCount: 10, PeersCount: 80, Rel: RelPeer},
		}
	}}, true, nil)
	require.NoError(t, err)

	rels, err := s.As2relFor(ctx, 13335)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	for _, r := range rels {
		assert.Equal(t, uint32(13335), r.Asn1)
		if r.Asn2 == 174 {
			assert.Equal(t, RelCustomerProvider, r.Rel)
		}
	}

	rels, err = s.As2relPair(ctx, 3333, 13335)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, uint32(3333), rels[0].Asn1)

	max, err := s.As2relMaxPeers(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(80), max)
}

func TestStore_RpkiQueries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Opts{})
	mp := netip.MustParsePrefix
	_, err := s.Refresh(ctx, roaSource(
		RoaRecord{Prefix: mp("1.1.1.0/24"), MaxLength: 24, Asn: 13335, TA: "apnic"},
		RoaRecord{Prefix: mp("1.0.0.0/8"), MaxLength: 16, Asn: 64500, TA: "apnic"},
		RoaRecord{Prefix: mp("8.8.8.0/24"), MaxLength: 24, Asn: 15169, TA: "arin"},
	), true, nil)
	require.NoError(t, err)

	roas, err := s.RoasCovering(ctx, mp("1.1.1.0/24"))
	require.NoError(t, err)
	require.Len(t, roas, 2)
	assert.Equal(t, uint32(13335), roas[0].Asn)

	roas, err = s.Roas(ctx, RoaFilter{Asn: 15169})
	require.NoError(t, err)
	require.Len(t, roas, 1)

	_, err = s.Refresh(ctx, &fakeSource{name: "test", kind: RpkiAspa, payload: func(int) Payload {
		return AspaPayload{
			{CustomerAsn: 64496, Providers: []uint32{64511, 64510}},
			{CustomerAsn: 64497, Providers: nil},
		}
	}}, true, nil)
	require.NoError(t, err)

	aspas, err := s.Aspas(ctx, AspaFilter{})
	require.NoError(t, err)
	assert.Equal(t, []AspaRecord{
		{CustomerAsn: 64496, Providers: []uint32{64510, 64511}},
		{CustomerAsn: 64497, Providers: []uint32{}},
	}, aspas)

	aspas, err = s.Aspas(ctx, AspaFilter{ProviderAsn: 64511})
	require.NoError(t, err)
	require.Len(t, aspas, 1)
	assert.Len(t, aspas[0].Providers, 2)
}
