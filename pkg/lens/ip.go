package lens

import (
	"context"
	"errors"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
	"github.com/bgpkit/monocle-sub001/pkg/errs"
	"github.com/bgpkit/monocle-sub001/pkg/ipinfo"
)

type IpLookupArgs struct {
	IP     string `json:"ip"`
	Simple bool   `json:"simple"`

	addr netip.Addr
}

func (a *IpLookupArgs) Validate() error {
	s := strings.TrimSpace(a.IP)
	if len(s) == 0 {
		return nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return errs.Validation("invalid ip %q", a.IP)
	}
	a.addr = addr.Unmap()
	return nil
}

type IpSimple struct {
	IP     string `json:"ip" yaml:"ip"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Asn    uint32 `json:"asn,omitempty" yaml:"asn,omitempty"`
}

type IpInfo struct {
	IpSimple `yaml:",inline"`
	AsName   string            `json:"as_name,omitempty" yaml:"as_name,omitempty"`
	Class    ipinfo.Class      `json:"class" yaml:"class"`
	Rpki     *RpkiValidation   `json:"rpki,omitempty" yaml:"rpki,omitempty"`
	Geo      *ipinfo.Geo       `json:"geo,omitempty" yaml:"geo,omitempty"`
	Rdns     []string          `json:"rdns,omitempty" yaml:"rdns,omitempty"`
	Remote   ipinfo.RemoteInfo `json:"remote,omitempty" yaml:"remote,omitempty"`
	Errors   map[string]string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

type IpLensOpts struct {
	// All optional.
	GeoIP    *ipinfo.GeoIP
	Resolver *ipinfo.Resolver
	Remote   *ipinfo.Remote
}

// IpLens combines cached routing data of an address with optional
// external metadata.
type IpLens struct {
	*BP
	store *cachestore.Store
	rpki  *RpkiLens
	opts  IpLensOpts
}

func NewIpLens(store *cachestore.Store, rpki *RpkiLens, opts IpLensOpts, logger *zap.Logger) *IpLens {
	return &IpLens{BP: NewBP("ip", logger), store: store, rpki: rpki, opts: opts}
}

func (l *IpLens) Query(ctx context.Context, args any, _ Sink) (any, error) {
	a, ok := args.(*IpLookupArgs)
	if !ok {
		return nil, l.unsupported(args)
	}
	return l.Lookup(ctx, a)
}

func (l *IpLens) Lookup(ctx context.Context, a *IpLookupArgs) (any, error) {
	addr := a.addr
	var remote ipinfo.RemoteInfo
	if !addr.IsValid() {
		if l.opts.Remote == nil {
			return nil, errs.Validation("ip is required when no ip api is configured")
		}
		info, err := l.opts.Remote.Lookup(ctx, netip.Addr{})
		if err != nil {
			return nil, errs.Fetch("ip api", err)
		}
		self, ok := info.IP()
		if !ok {
			return nil, errs.Fetch("ip api", errors.New("response has no ip"))
		}
		addr, remote = self, info
	}

	simple := IpSimple{IP: addr.String()}
	recs, err := l.store.Pfx2asLookup(ctx, netip.PrefixFrom(addr, addr.BitLen()), cachestore.ModeLongest)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		simple.Prefix = recs[0].Prefix.String()
		simple.Asn = recs[0].Asn
	}
	if a.Simple {
		return &simple, nil
	}

	res := &IpInfo{IpSimple: simple, Class: ipinfo.Classify(addr), Remote: remote}
	fail := func(part string, err error) {
		if res.Errors == nil {
			res.Errors = make(map[string]string)
		}
		res.Errors[part] = err.Error()
		l.L().Debug("ip enrichment failed", zap.String("part", part), zap.Error(err))
	}

	if simple.Asn != 0 {
		names, err := l.store.As2orgNames(ctx, []uint32{simple.Asn})
		if err != nil {
			return nil, err
		}
		res.AsName = names[simple.Asn]

		p := recs[0].Prefix
		if res.Rpki, err = l.rpki.Validate(ctx, p, simple.Asn); err != nil {
			return nil, err
		}
	}

	if l.opts.GeoIP.Enabled() {
		if geo, err := l.opts.GeoIP.Lookup(addr); err != nil {
			fail("geo", err)
		} else {
			res.Geo = geo
		}
	}
	if l.opts.Resolver != nil {
		if names, err := l.opts.Resolver.PTR(ctx, addr); err != nil {
			fail("rdns", err)
		} else {
			res.Rdns = names
		}
	}
	if l.opts.Remote != nil && res.Remote == nil && !res.Class.Bogon {
		if info, err := l.opts.Remote.Lookup(ctx, addr); err != nil {
			fail("remote", err)
		} else {
			res.Remote = info
		}
	}
	return res, nil
}
