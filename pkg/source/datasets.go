package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
)

// As2org reads the CAIDA AS-organizations dataset (JSON lines).
type As2org struct {
	getter
	URL string
}

func (s *As2org) Name() string          { return "caida" }
func (s *As2org) Kind() cachestore.Kind { return cachestore.As2org }

type caidaLine struct {
	Type           string `json:"type"`
	Asn            string `json:"asn"`
	Name           string `json:"name"`
	OrganizationID string `json:"organizationId"`
	Country        string `json:"country"`
	Source         string `json:"source"`
}

func (s *As2org) Fetch(ctx context.Context) (cachestore.Payload, error) {
	body, err := s.get(ctx, s.URL)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return parseAs2org(body)
}

func parseAs2org(r io.Reader) (cachestore.As2orgPayload, error) {
	type org struct{ name, country, source string }
	orgs := make(map[string]org)
	var ases []caidaLine

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 || b[0] == '#' {
			continue
		}
		var l caidaLine
		if err := json.Unmarshal(b, &l); err != nil {
			return nil, fmt.Errorf("as2org line %d: %w", line, err)
		}
		switch l.Type {
		case "Organization":
			orgs[l.OrganizationID] = org{name: l.Name, country: l.Country, source: l.Source}
		case "ASN":
			ases = append(ases, l)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make(cachestore.As2orgPayload, 0, len(ases))
	for _, a := range ases {
		asn, err := parseAsn(a.Asn)
		if err != nil {
			continue
		}
		o := orgs[a.OrganizationID]
		src := a.Source
		if len(src) == 0 {
			src = o.source
		}
		out = append(out, cachestore.As2orgRecord{
			Asn:     asn,
			AsName:  a.Name,
			OrgID:   a.OrganizationID,
			OrgName: o.name,
			Country: o.country,
			Source:  src,
		})
	}
	return out, nil
}

// As2rel reads the BGPKIT AS relationship dataset.
type As2rel struct {
	getter
	URL string
}

func (s *As2rel) Name() string          { return "bgpkit" }
func (s *As2rel) Kind() cachestore.Kind { return cachestore.As2rel }

func (s *As2rel) Fetch(ctx context.Context) (cachestore.Payload, error) {
	body, err := s.get(ctx, s.URL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var recs []cachestore.As2relRecord
	if err := json.NewDecoder(body).Decode(&recs); err != nil {
		return nil, fmt.Errorf("decode as2rel: %w", err)
	}
	for i, r := range recs {
		if r.Rel < -1 || r.Rel > 1 {
			return nil, fmt.Errorf("as2rel record #%d: invalid rel %d", i, r.Rel)
		}
	}
	return cachestore.As2relPayload(recs), nil
}

// Pfx2as reads the BGPKIT prefix-to-AS dataset.
type Pfx2as struct {
	getter
	URL string
}

func (s *Pfx2as) Name() string          { return "bgpkit" }
func (s *Pfx2as) Kind() cachestore.Kind { return cachestore.Pfx2as }

func (s *Pfx2as) Fetch(ctx context.Context) (cachestore.Payload, error) {
	body, err := s.get(ctx, s.URL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var raw []struct {
		Prefix string `json:"prefix"`
		Asn    uint32 `json:"asn"`
		Count  uint32 `json:"count"`
	}
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode pfx2as: %w", err)
	}
	out := make(cachestore.Pfx2asPayload, 0, len(raw))
	for _, r := range raw {
		p, err := netip.ParsePrefix(r.Prefix)
		if err != nil {
			continue
		}
		out = append(out, cachestore.Pfx2asRecord{Prefix: p.Masked(), Asn: r.Asn, Count: r.Count})
	}
	return out, nil
}

// parseAsn accepts "13335", "AS13335" and "as13335".
func parseAsn(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if len(s) > 2 && strings.EqualFold(s[:2], "as") {
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid asn %q", s)
	}
	return uint32(n), nil
}

// asnValue decodes an ASN given either as a JSON number or a string.
type asnValue uint32

func (a *asnValue) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := parseAsn(s)
		if err != nil {
			return err
		}
		*a = asnValue(n)
		return nil
	}
	var n uint32
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*a = asnValue(n)
	return nil
}
