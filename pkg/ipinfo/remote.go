package ipinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bgpkit/monocle-sub001/pkg/cache"
)

const DefaultAPIURL = "https://api.bgpkit.com/v3/utils/ip"

var nopLogger = zap.NewNop()

type RemoteOpts struct {
	// URL of the IP API. The address is passed as the "ip" query
	// parameter; without it the API reports the caller's address.
	URL string

	// Timeout of one API call. Default is 10s.
	Timeout time.Duration

	// Cache holds API responses for CacheTTL. Optional.
	Cache    cache.Backend
	CacheTTL time.Duration

	Client *http.Client
	Logger *zap.Logger
}

func (opts *RemoteOpts) Init() {
	if len(opts.URL) == 0 {
		opts.URL = DefaultAPIURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Remote queries an IP metadata API.
type Remote struct {
	opts RemoteOpts
	sf   singleflight.Group
}

func NewRemote(opts RemoteOpts) *Remote {
	opts.Init()
	return &Remote{opts: opts}
}

// RemoteInfo is the decoded API response. Only ip is interpreted.
type RemoteInfo map[string]any

// IP returns the address the API answered for.
func (r RemoteInfo) IP() (netip.Addr, bool) {
	s, _ := r["ip"].(string)
	a, err := netip.ParseAddr(s)
	return a, err == nil
}

// Lookup returns API data of addr, or of the caller when addr is invalid.
// Responses about a given address are cached; responses about the caller
// are not.
func (r *Remote) Lookup(ctx context.Context, addr netip.Addr) (RemoteInfo, error) {
	key := ""
	if addr.IsValid() {
		key = addr.Unmap().String()
		if c := r.opts.Cache; c != nil {
			if b, ok := c.Get(ctx, key); ok {
				var info RemoteInfo
				if err := json.Unmarshal(b, &info); err == nil {
					return info, nil
				}
			}
		}
	}

	v, err, _ := r.sf.Do(key, func() (any, error) {
		return r.fetch(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	b := v.([]byte)
	var info RemoteInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("decode ip api response: %w", err)
	}
	if c := r.opts.Cache; c != nil && len(key) > 0 {
		c.Store(ctx, key, b, r.opts.CacheTTL)
	}
	return info, nil
}

func (r *Remote) fetch(ctx context.Context, ip string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	u, err := url.Parse(r.opts.URL)
	if err != nil {
		return nil, err
	}
	if len(ip) > 0 {
		q := u.Query()
		q.Set("ip", ip)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		r.opts.Logger.Debug("ip api error", zap.Int("status", resp.StatusCode), zap.ByteString("body", b))
		return nil, fmt.Errorf("ip api: unexpected status %s", resp.Status)
	}
	if !json.Valid(b) {
		return nil, errors.New("ip api: response is not json")
	}
	return b, nil
}
