package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
)

// rpkiDocument is the Cloudflare rpki.json export. It carries both ROAs and
// ASPAs; concurrent refreshes of the two kinds share one download.
type rpkiDocument struct {
	getter
	url string
	sf  singleflight.Group
}

type rpkiJSON struct {
	Roas []struct {
		Prefix    string   `json:"prefix"`
		MaxLength uint8    `json:"maxLength"`
		Asn       asnValue `json:"asn"`
		TA        string   `json:"ta"`
	} `json:"roas"`
	Aspas []struct {
		CustomerAsid asnValue   `json:"customer_asid"`
		Providers    []asnValue `json:"providers"`
	} `json:"aspas"`
}

// sharedFetchTimeout bounds a shared download whose leader had no deadline.
const sharedFetchTimeout = 10 * time.Minute

// load returns the parsed document. The download is shared by concurrent
// callers and runs detached from their cancellation; it keeps the deadline
// of the caller that started it. Each caller stops waiting when its own ctx
// is done.
func (d *rpkiDocument) load(ctx context.Context) (*rpkiJSON, error) {
	ch := d.sf.DoChan(d.url, func() (any, error) {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(sharedFetchTimeout)
		}
		fetchCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
		defer cancel()

		body, err := d.get(fetchCtx, d.url)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		doc := new(rpkiJSON)
		if err := json.NewDecoder(body).Decode(doc); err != nil {
			return nil, fmt.Errorf("decode rpki.json: %w", err)
		}
		return doc, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*rpkiJSON), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type Roa struct {
	doc *rpkiDocument
}

func (s *Roa) Name() string          { return "cloudflare" }
func (s *Roa) Kind() cachestore.Kind { return cachestore.RpkiRoa }

func (s *Roa) Fetch(ctx context.Context) (cachestore.Payload, error) {
	doc, err := s.doc.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(cachestore.RoaPayload, 0, len(doc.Roas))
	for _, r := range doc.Roas {
		p, err := netip.ParsePrefix(r.Prefix)
		if err != nil {
			continue
		}
		maxLen := r.MaxLength
		if int(maxLen) < p.Bits() {
			maxLen = uint8(p.Bits())
		}
		out = append(out, cachestore.RoaRecord{Prefix: p.Masked(), MaxLength: maxLen, Asn: uint32(r.Asn), TA: r.TA})
	}
	return out, nil
}

type Aspa struct {
	doc *rpkiDocument
}

func (s *Aspa) Name() string          { return "cloudflare" }
func (s *Aspa) Kind() cachestore.Kind { return cachestore.RpkiAspa }

func (s *Aspa) Fetch(ctx context.Context) (cachestore.Payload, error) {
	doc, err := s.doc.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(cachestore.AspaPayload, 0, len(doc.Aspas))
	for _, a := range doc.Aspas {
		providers := make([]uint32, 0, len(a.Providers))
		for _, p := range a.Providers {
			if p != 0 {
				providers = append(providers, uint32(p))
			}
		}
		out = append(out, cachestore.AspaRecord{CustomerAsn: uint32(a.CustomerAsid), Providers: providers})
	}
	return out, nil
}
