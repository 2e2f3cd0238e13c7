package source

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
)

const caidaSample = `# format: jsonl
{"changed":"20240101","country":"US","name":"Cloudflare, Inc.","organizationId":"CLOUD14-ARIN","source":"ARIN","type":"Organization"}
{"asn":"13335","changed":"20240101","name":"CLOUDFLARENET","opaqueId":"x","organizationId":"CLOUD14-ARIN","source":"ARIN","type":"ASN"}
{"asn":"not-a-number","name":"BROKEN","organizationId":"CLOUD14-ARIN","type":"ASN"}
`

const rpkiSample = `{
  "metadata": {"counts": 2},
  "roas": [
    {"prefix": "1.1.1.0/24", "maxLength": 24, "asn": "AS13335", "ta": "apnic"},
    {"prefix": "2606:4700::/32", "maxLength": 48, "asn": 13335, "ta": "arin"}
  ],
  "aspas": [
    {"customer_asid": 64496, "providers": ["AS64511", 64510]}
  ]
}`

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return b.Bytes()
}

func TestAs2org_gzipJSONL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gz(t, caidaSample))
	}))
	defer srv.Close()

	set := NewSet(Opts{As2orgURL: srv.URL})
	src, err := set.For(cachestore.As2org)
	require.NoError(t, err)
	assert.Equal(t, "caida", src.Name())

	p, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())
	rec := p.(cachestore.As2orgPayload)[0]
	assert.Equal(t, uint32(13335), rec.Asn)
	assert.Equal(t, "Cloudflare, Inc.", rec.OrgName)
	assert.Equal(t, "US", rec.Country)
}

func TestAs2rel_plainJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"asn1":174,"asn2":13335,"paths_count":10,"peers_count":3,"rel":1}]`))
	}))
	defer srv.Close()

	p, err := NewSet(Opts{}).As2relFrom(srv.URL).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cachestore.As2relPayload{{Asn1: 174, Asn2: 13335, PathsCount: 10, PeersCount: 3, Rel: 1}}, p)
}

func TestRpki_roaAndAspa(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(rpkiSample))
	}))
	defer srv.Close()

	set := NewSet(Opts{RpkiURL: srv.URL})
	roaSrc, _ := set.For(cachestore.RpkiRoa)
	aspaSrc, _ := set.For(cachestore.RpkiAspa)

	p, err := roaSrc.Fetch(context.Background())
	require.NoError(t, err)
	roas := p.(cachestore.RoaPayload)
	require.Len(t, roas, 2)
	assert.Equal(t, netip.MustParsePrefix("1.1.1.0/24"), roas[0].Prefix)
	assert.Equal(t, uint32(13335), roas[1].Asn)

	p, err = aspaSrc.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cachestore.AspaPayload{{CustomerAsn: 64496, Providers: []uint32{64511, 64510}}}, p)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRpki_sharedFetchOutlivesCanceledCaller(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Write([]byte(rpkiSample))
	}))
	defer srv.Close()
	var once sync.Once
	releaseAll := func() { once.Do(func() { close(release) }) }
	defer releaseAll()

	set := NewSet(Opts{RpkiURL: srv.URL})
	roaSrc, _ := set.For(cachestore.RpkiRoa)
	aspaSrc, _ := set.For(cachestore.RpkiAspa)

	roaCtx, cancelRoa := context.WithCancel(context.Background())
	roaErr := make(chan error, 1)
	go func() {
		_, err := roaSrc.Fetch(roaCtx)
		roaErr <- err
	}()
	<-started

	type result struct {
		p   cachestore.Payload
		err error
	}
	aspaRes := make(chan result, 1)
	go func() {
		p, err := aspaSrc.Fetch(context.Background())
		aspaRes <- result{p, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelRoa()
	select {
	case err := <-roaErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("canceled caller is still waiting")
	}

	releaseAll()
	select {
	case r := <-aspaRes:
		require.NoError(t, r.err)
		assert.Equal(t, cachestore.AspaPayload{{CustomerAsn: 64496, Providers: []uint32{64511, 64510}}}, r.p)
	case <-time.After(5 * time.Second):
		t.Fatal("aspa fetch did not finish")
	}
}

func TestGet_badStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	src, _ := NewSet(Opts{Pfx2asURL: srv.URL}).For(cachestore.Pfx2as)
	_, err := src.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "404"))
}

func TestParseAsn(t *testing.T) {
	for in, want := range map[string]uint32{"13335": 13335, "AS13335": 13335, "as64512": 64512} {
		got, err := parseAsn(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := parseAsn("ASX")
	assert.Error(t, err)
}
