package coremain

import (
	"bytes"
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/errs"
	"github.com/bgpkit/monocle-sub001/pkg/lens"
	"github.com/bgpkit/monocle-sub001/pkg/protocol"
	C "github.com/bgpkit/monocle-sub001/pkg/query_context"
)

func newTestMonocle(t *testing.T) *Monocle {
	t.Helper()
	cfg := &Config{Cache: CacheConfig{Path: filepath.Join(t.TempDir(), "cache.sqlite3")}}
	require.NoError(t, cfg.init())
	m, err := NewMonocle(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func call(t *testing.T, m *Monocle, meta *C.RequestMeta, method string, params map[string]any) protocol.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var last protocol.Response
	for r := range m.GetDispatcher().Dispatch(ctx, meta, &protocol.Request{ID: "t", Method: method, Params: params}) {
		last = r
	}
	require.True(t, last.Terminal())
	return last
}

func TestMonocle_catalog(t *testing.T) {
	m := newTestMonocle(t)
	ws := C.NewRequestMeta(C.ProtocolWS, netip.MustParseAddr("192.0.2.1"))

	r := call(t, m, ws, "system.methods", nil)
	require.Equal(t, protocol.TypeResult, r.Type)
	methods := r.Data.([]lens.MethodInfo)
	assert.Len(t, methods, 17)
	names := make([]string, 0, len(methods))
	for _, mi := range methods {
		names = append(names, mi.Name)
	}
	assert.Contains(t, names, "database.refresh")
	assert.Contains(t, names, "inspect")

	r = call(t, m, ws, "as2rel.update", nil)
	require.Equal(t, protocol.TypeError, r.Type)
	assert.Equal(t, errs.CodeDBFirstPolicy, r.Data.(protocol.ErrorData).Code)

	r = call(t, m, ws, "database.status", nil)
	require.Equal(t, protocol.TypeResult, r.Type)
	st := r.Data.(*lens.DatabaseStatus)
	assert.Equal(t, m.cfg.Cache.Path, st.CachePath)
	assert.NotEmpty(t, st.Datasets)

	r = call(t, m, ws, "country.lookup", map[string]any{"query": "DE"})
	require.Equal(t, protocol.TypeResult, r.Type)
	assert.Equal(t, []lens.Country{{Code: "DE", Alpha3: "DEU", Name: "Germany"}}, r.Data)

	r = call(t, m, ws, "system.info", nil)
	require.Equal(t, protocol.TypeResult, r.Type)
	assert.Equal(t, Version, r.Data.(*lens.SystemInfo).Version)
}

func TestCLI_country(t *testing.T) {
	dir := isolate(t)
	f := filepath.Join(dir, "monocle.yaml")
	require.NoError(t, os.WriteFile(f, []byte("cache:\n  path: "+filepath.Join(dir, "c.sqlite3")+"\n"), 0o644))

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		gf.format = "json"
	})

	rootCmd.SetArgs([]string{"--config", f, "--format", "yaml", "country", "US"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "- code: US\n  alpha3: USA\n  name: United States\n", out.String())

	out.Reset()
	rootCmd.SetArgs([]string{"--config", f, "--format", "json", "rpki", "validate", "not-a-prefix", "AS13335"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), string(errs.CodeInvalidParams)))
	assert.Empty(t, out.String())
}

func TestParseASNArg(t *testing.T) {
	for in, want := range map[string]uint32{"13335": 13335, "AS13335": 13335, "as64512": 64512, " 4200000000 ": 4200000000} {
		got, err := parseASNArg(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"", "AS", "0", "ASx", "4294967296", "1.1.1.0/24"} {
		_, err := parseASNArg(in)
		assert.Error(t, err, in)
	}
}

func TestFormatter(t *testing.T) {
	_, err := NewFormatter("table")
	assert.Error(t, err)

	data := map[string]any{"asn": 13335, "name": "CLOUDFLARENET"}
	f, err := NewFormatter("json")
	require.NoError(t, err)
	s, err := f.Format(data)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"asn\": 13335,\n  \"name\": \"CLOUDFLARENET\"\n}\n", s)

	f, err = NewFormatter("YAML")
	require.NoError(t, err)
	s, err = f.Format(data)
	require.NoError(t, err)
	assert.Equal(t, "asn: 13335\nname: CLOUDFLARENET\n", s)
}
