// Package source fetches complete routing datasets from their public
// providers and turns them into cachestore payloads.
package source

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
)

const (
	DefaultAs2orgURL = "https://publicdata.caida.org/datasets/as-organizations/latest.as-org2info.jsonl.gz"
	DefaultAs2relURL = "https://data.bgpkit.com/as2rel/as2rel-latest.json.bz2"
	DefaultPfx2asURL = "https://data.bgpkit.com/pfx2as/pfx2as-latest.json.bz2"
	DefaultRpkiURL   = "https://rpki.cloudflare.com/rpki.json"
)

var nopLogger = zap.NewNop()

type Opts struct {
	As2orgURL string `yaml:"as2org"`
	As2relURL string `yaml:"as2rel"`
	Pfx2asURL string `yaml:"pfx2as"`
	RpkiURL   string `yaml:"rpki"`

	// UserAgent sent with every request.
	UserAgent string `yaml:"user_agent"`

	Client *http.Client `yaml:"-"`
	Logger *zap.Logger  `yaml:"-"`
}

func (opts *Opts) Init() {
	if len(opts.As2orgURL) == 0 {
		opts.As2orgURL = DefaultAs2orgURL
	}
	if len(opts.As2relURL) == 0 {
		opts.As2relURL = DefaultAs2relURL
	}
	if len(opts.Pfx2asURL) == 0 {
		opts.Pfx2asURL = DefaultPfx2asURL
	}
	if len(opts.RpkiURL) == 0 {
		opts.RpkiURL = DefaultRpkiURL
	}
	if len(opts.UserAgent) == 0 {
		opts.UserAgent = "monocle"
	}
	if opts.Client == nil {
		// No client timeout: the cache store bounds every fetch with the
		// context deadline.
		opts.Client = &http.Client{Transport: http.DefaultTransport}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Set builds the Source of every dataset kind from one Opts.
type Set struct {
	opts Opts
	rpki *rpkiDocument
}

func NewSet(opts Opts) *Set {
	opts.Init()
	s := &Set{opts: opts}
	s.rpki = &rpkiDocument{getter: getter{opts: &s.opts}, url: s.opts.RpkiURL}
	return s
}

// For returns the default Source of k.
func (s *Set) For(k cachestore.Kind) (cachestore.Source, error) {
	switch k {
	case cachestore.As2org:
		return &As2org{getter: getter{opts: &s.opts}, URL: s.opts.As2orgURL}, nil
	case cachestore.As2rel:
		return &As2rel{getter: getter{opts: &s.opts}, URL: s.opts.As2relURL}, nil
	case cachestore.Pfx2as:
		return &Pfx2as{getter: getter{opts: &s.opts}, URL: s.opts.Pfx2asURL}, nil
	case cachestore.RpkiRoa:
		return &Roa{doc: s.rpki}, nil
	case cachestore.RpkiAspa:
		return &Aspa{doc: s.rpki}, nil
	}
	return nil, fmt.Errorf("no source for dataset %q", k)
}

// As2relFrom returns an as2rel Source reading from url instead of the
// configured one.
func (s *Set) As2relFrom(url string) cachestore.Source {
	return &As2rel{getter: getter{opts: &s.opts}, URL: url}
}

type getter struct {
	opts *Opts
}

// get issues a GET for url and returns the body, decompressed when it
// starts with a gzip or bzip2 header.
func (g getter) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", g.opts.UserAgent)

	start := time.Now()
	resp, err := g.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	g.opts.Logger.Debug("source response",
		zap.String("url", url),
		zap.Int64("content_length", resp.ContentLength),
		zap.Duration("elapsed", time.Since(start)))

	r, err := decompress(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	return readCloser{Reader: r, c: resp.Body}, nil
}

type readCloser struct {
	io.Reader
	c io.Closer
}

func (rc readCloser) Close() error { return rc.c.Close() }

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
)

func decompress(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	head, err := br.Peek(3)
	if err != nil && err != io.EOF {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return gzip.NewReader(br)
	case bytes.HasPrefix(head, bzip2Magic):
		return bzip2.NewReader(br), nil
	}
	return br, nil
}
