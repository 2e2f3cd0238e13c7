package coremain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/mlog"
	"github.com/bgpkit/monocle-sub001/pkg/cache"
	"github.com/bgpkit/monocle-sub001/pkg/cache/mem_cache"
	"github.com/bgpkit/monocle-sub001/pkg/cache/redis_cache"
	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
	"github.com/bgpkit/monocle-sub001/pkg/dispatcher"
	"github.com/bgpkit/monocle-sub001/pkg/ipinfo"
	"github.com/bgpkit/monocle-sub001/pkg/lens"
	"github.com/bgpkit/monocle-sub001/pkg/safe_close"
	"github.com/bgpkit/monocle-sub001/pkg/server"
	"github.com/bgpkit/monocle-sub001/pkg/source"
)

// Monocle holds every component of one process. CLI commands and the RPC
// server share it.
type Monocle struct {
	cfg    *Config
	logger *zap.Logger

	store      *cachestore.Store
	refresher  *lens.Refresher
	lenses     *Lenses
	dispatcher *dispatcher.Dispatcher

	metricsReg *prometheus.Registry
	closers    []io.Closer
}

// Lenses are the query domains of the process.
type Lenses struct {
	Time     *lens.TimeLens
	Country  *lens.CountryLens
	IP       *lens.IpLens
	Rpki     *lens.RpkiLens
	As2org   *lens.As2orgLens
	As2rel   *lens.As2relLens
	Pfx2as   *lens.Pfx2asLens
	Inspect  *lens.InspectLens
	Database *lens.DatabaseLens
	System   *lens.SystemLens
}

// refreshables lists the lenses the scheduler keeps fresh.
func (ls *Lenses) refreshables() []lens.Refreshable {
	return []lens.Refreshable{ls.As2org, ls.As2rel, ls.Pfx2as, ls.Rpki}
}

func NewMonocle(ctx context.Context, cfg *Config, logger *zap.Logger) (*Monocle, error) {
	m := &Monocle{
		cfg:        cfg,
		logger:     logger,
		metricsReg: newMetricsReg(),
	}
	ok := false
	defer func() {
		if !ok {
			m.Close()
		}
	}()

	ttl := make(map[cachestore.Kind]time.Duration, len(cfg.Cache.TTL))
	for name, d := range cfg.Cache.TTL {
		k, err := cachestore.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("invalid cache.ttl: %w", err)
		}
		ttl[k] = d
	}
	store, err := cachestore.Open(ctx, cachestore.Opts{
		Path:         cfg.Cache.Path,
		TTL:          ttl,
		FetchTimeout: cfg.Cache.FetchTimeout,
		Logger:       logger.Named("cache"),
	})
	if err != nil {
		return nil, err
	}
	m.store = store
	m.closers = append(m.closers, store)

	srcOpts := cfg.Sources
	srcOpts.Logger = logger.Named("source")
	m.refresher = &lens.Refresher{Store: store, Sources: source.NewSet(srcOpts), Logger: logger.Named("refresh")}

	ipOpts, err := m.ipLensOpts()
	if err != nil {
		return nil, err
	}
	m.lenses = m.newLenses(ipOpts)

	metrics, err := dispatcher.NewMetrics(m.GetMetricsReg())
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	m.dispatcher = dispatcher.NewDispatcher(dispatcher.Opts{Logger: logger.Named("dispatcher"), Metrics: metrics})
	if err := registerMethods(m.dispatcher, m.lenses); err != nil {
		return nil, err
	}
	m.dispatcher.Freeze()
	ok = true
	return m, nil
}

func (m *Monocle) newLenses(ipOpts lens.IpLensOpts) *Lenses {
	lg, r := m.logger, m.refresher
	ls := &Lenses{
		Time:     lens.NewTimeLens(lg),
		Country:  lens.NewCountryLens(lg),
		Rpki:     lens.NewRpkiLens(r, lg),
		As2org:   lens.NewAs2orgLens(r, lg),
		As2rel:   lens.NewAs2relLens(r, lg),
		Pfx2as:   lens.NewPfx2asLens(r, lg),
		Database: lens.NewDatabaseLens(r, lg),
	}
	ls.IP = lens.NewIpLens(m.store, ls.Rpki, ipOpts, lg)
	ls.Inspect = lens.NewInspectLens(lens.InspectLenses{
		IP:      ls.IP,
		Rpki:    ls.Rpki,
		As2org:  ls.As2org,
		As2rel:  ls.As2rel,
		Pfx2as:  ls.Pfx2as,
		Country: ls.Country,
	}, lg)
	ls.System = lens.NewSystemLens(lens.SystemLensOpts{
		Version:   Version,
		CachePath: m.store.Path(),
		Methods:   func() []lens.MethodInfo { return m.dispatcher.Methods() },
	}, lg)
	return ls
}

func (m *Monocle) ipLensOpts() (lens.IpLensOpts, error) {
	c := m.cfg.IP
	var opts lens.IpLensOpts
	if len(c.GeoIPCountry) > 0 || len(c.GeoIPASN) > 0 {
		g, err := ipinfo.OpenGeoIP(c.GeoIPCountry, c.GeoIPASN)
		if err != nil {
			return opts, fmt.Errorf("failed to open geoip database: %w", err)
		}
		m.closers = append(m.closers, g)
		opts.GeoIP = g
	}
	if len(c.RDNSServer) > 0 {
		opts.Resolver = ipinfo.NewResolver(c.RDNSServer, c.RDNSTimeout)
	}
	if ra := c.RemoteAPI; ra.Enabled {
		backend, err := m.responseCache(ra)
		if err != nil {
			return opts, err
		}
		m.closers = append(m.closers, backend)
		opts.Remote = ipinfo.NewRemote(ipinfo.RemoteOpts{
			URL:      ra.URL,
			Timeout:  ra.Timeout,
			Cache:    backend,
			CacheTTL: ra.CacheTTL,
			Logger:   m.logger.Named("ip_api"),
		})
	}
	return opts, nil
}

func (m *Monocle) responseCache(ra RemoteAPIConfig) (cache.Backend, error) {
	if len(ra.Redis) == 0 {
		return mem_cache.NewMemCache(ra.CacheSize, 0), nil
	}
	opt, err := redis.ParseURL(ra.Redis)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)
	return redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
		Client:       client,
		ClientCloser: client,
		Logger:       m.logger.Named("redis"),
	})
}

func (m *Monocle) Close() error {
	var es []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(); err != nil {
			es = append(es, err)
		}
	}
	m.closers = nil
	return errors.Join(es...)
}

func (m *Monocle) GetDispatcher() *dispatcher.Dispatcher {
	return m.dispatcher
}

func (m *Monocle) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("monocle_", m.metricsReg)
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// RunMonocle runs the RPC server, the api server and the refresh scheduler
// until ctx is done or one of them fails.
func RunMonocle(ctx context.Context, cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	m, err := NewMonocle(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer m.Close()

	sc := safe_close.NewSafeClose()
	sc.Attach(func(scCtx context.Context) {
		select {
		case <-ctx.Done():
			sc.SendCloseSignal(nil)
		case <-scCtx.Done():
		}
	})

	if err := m.startServer(sc); err != nil {
		sc.CloseWait()
		return err
	}
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		m.startAPIServer(sc, httpAddr)
	}
	sc.Attach(func(scCtx context.Context) {
		newScheduler(m, cfg.Refresh).run(scCtx)
	})

	<-sc.ReceiveCloseSignal()
	sc.CloseWait()
	return sc.Err()
}

func (m *Monocle) startServer(sc *safe_close.SafeClose) error {
	c := m.cfg.Server
	l, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.Listen, err)
	}
	s := server.NewServer(server.ServerOpts{
		Logger:         m.logger.Named("server"),
		Dispatcher:     m.dispatcher,
		Path:           c.Path,
		SrcIPHeader:    c.SrcIPHeader,
		ProxyProtocol:  c.ProxyProtocol,
		AllowedOrigins: c.AllowedOrigins,
		IdleTimeout:    c.IdleTimeout,
	})
	sc.Attach(func(ctx context.Context) {
		errChan := make(chan error, 1)
		go func() {
			m.logger.Info("starting websocket server", zap.Stringer("addr", l.Addr()))
			errChan <- s.ServeWS(l)
		}()
		select {
		case err := <-errChan:
			sc.SendCloseSignal(err)
		case <-ctx.Done():
			s.Close()
			<-errChan
		}
	})
	return nil
}

func (m *Monocle) startAPIServer(sc *safe_close.SafeClose, httpAddr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	sc.Attach(func(ctx context.Context) {
		errChan := make(chan error, 1)
		go func() {
			m.logger.Info("starting api http server", zap.String("addr", httpAddr))
			errChan <- httpServer.ListenAndServe()
		}()
		select {
		case err := <-errChan:
			sc.SendCloseSignal(err)
		case <-ctx.Done():
			httpServer.Close()
		}
	})
}

// handleHealth reports 200 while the cache is readable.
func (m *Monocle) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := m.store.StatusAll(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}
