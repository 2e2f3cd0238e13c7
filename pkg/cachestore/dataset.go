package cachestore

import (
	"context"
	"fmt"
	"net/netip"
	"time"
)

// Kind names one dataset. Each kind has exactly one authoritative copy in
// the store.
type Kind string

const (
	As2org   Kind = "as2org"
	As2rel   Kind = "as2rel"
	Pfx2as   Kind = "pfx2as"
	RpkiRoa  Kind = "rpki_roa"
	RpkiAspa Kind = "rpki_aspa"
)

// Kinds lists every dataset kind in a stable order.
var Kinds = []Kind{As2org, As2rel, Pfx2as, RpkiRoa, RpkiAspa}

// DefaultTTL is the maximum age of each dataset before it is reported stale.
var DefaultTTL = map[Kind]time.Duration{
	As2org:   7 * 24 * time.Hour,
	As2rel:   7 * 24 * time.Hour,
	Pfx2as:   24 * time.Hour,
	RpkiRoa:  time.Hour,
	RpkiAspa: time.Hour,
}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown dataset %q", s)
}

// Status is the freshness report of one dataset.
type Status struct {
	Kind        Kind      `json:"dataset" yaml:"dataset"`
	LastUpdated time.Time `json:"last_updated,omitzero" yaml:"last_updated,omitempty"`
	Source      string    `json:"source,omitempty" yaml:"source,omitempty"`
	Rows        int       `json:"rows" yaml:"rows"`
	TTL         string    `json:"ttl" yaml:"ttl"`
	Stale       bool      `json:"stale" yaml:"stale"`
}

// Outcome of a refresh call.
type Outcome string

const (
	Refreshed Outcome = "refreshed"
	Skipped   Outcome = "skipped"
)

type RefreshOutcome struct {
	Kind      Kind      `json:"dataset" yaml:"dataset"`
	Outcome   Outcome   `json:"outcome" yaml:"outcome"`
	Source    string    `json:"source,omitempty" yaml:"source,omitempty"`
	Rows      int       `json:"rows" yaml:"rows"`
	UpdatedAt time.Time `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
	Took      string    `json:"took,omitempty" yaml:"took,omitempty"`
}

// Progress is reported while a refresh runs.
type Progress struct {
	Kind   Kind   `json:"dataset"`
	Stage  string `json:"stage"`
	Source string `json:"source,omitempty"`
	Rows   int    `json:"rows,omitempty"`
}

const (
	StageFetching  = "fetching"
	StageFetched   = "fetched"
	StageWriting   = "writing"
	StageCommitted = "committed"
)

type ProgressFunc func(Progress)

// Source produces the full content of one dataset kind. Implementations
// live outside this package and must honour ctx's deadline.
type Source interface {
	// Name identifies the upstream provider, e.g. "caida".
	Name() string
	Kind() Kind
	Fetch(ctx context.Context) (Payload, error)
}

// Payload is a complete replacement for one dataset. It is sealed: only the
// payload types of this package satisfy it.
type Payload interface {
	Kind() Kind
	Len() int
	insert(ctx context.Context, tx execer) error
}

type As2orgRecord struct {
	Asn     uint32 `json:"asn" yaml:"asn"`
	AsName  string `json:"as_name" yaml:"as_name"`
	OrgID   string `json:"org_id" yaml:"org_id"`
	OrgName string `json:"org_name" yaml:"org_name"`
	Country string `json:"country" yaml:"country"`
	Source  string `json:"source" yaml:"source"`
}

// Relationship values as published by the as2rel source.
const (
	RelPeer             int8 = 0
	RelProviderCustomer int8 = 1  // asn1 is upstream of asn2
	RelCustomerProvider int8 = -1 // asn2 is upstream of asn1
)

type As2relRecord struct {
	Asn1       uint32 `json:"asn1"`
	Asn2       uint32 `json:"asn2"`
	PathsCount uint32 `json:"paths_count"`
	PeersCount uint32 `json:"peers_count"`
	Rel        int8   `json:"rel"`
}

// Flip returns the same relationship seen from asn2.
func (r As2relRecord) Flip() As2relRecord {
	r.Asn1, r.Asn2 = r.Asn2, r.Asn1
	r.Rel = -r.Rel
	return r
}

type Pfx2asRecord struct {
	Prefix netip.Prefix `json:"prefix" yaml:"prefix"`
	Asn    uint32       `json:"asn" yaml:"asn"`
	Count  uint32       `json:"count" yaml:"count"`
}

type RoaRecord struct {
	Prefix    netip.Prefix `json:"prefix" yaml:"prefix"`
	MaxLength uint8        `json:"max_length" yaml:"max_length"`
	Asn       uint32       `json:"asn" yaml:"asn"`
	TA        string       `json:"ta" yaml:"ta"`
}

type AspaRecord struct {
	CustomerAsn uint32   `json:"customer_asn" yaml:"customer_asn"`
	Providers   []uint32 `json:"providers" yaml:"providers"`
}

type (
	As2orgPayload []As2orgRecord
	As2relPayload []As2relRecord
	Pfx2asPayload []Pfx2asRecord
	RoaPayload    []RoaRecord
	AspaPayload   []AspaRecord
)

func (p As2orgPayload) Kind() Kind { return As2org }
func (p As2orgPayload) Len() int   { return len(p) }
func (p As2relPayload) Kind() Kind { return As2rel }
func (p As2relPayload) Len() int   { return len(p) }
func (p Pfx2asPayload) Kind() Kind { return Pfx2as }
func (p Pfx2asPayload) Len() int   { return len(p) }
func (p RoaPayload) Kind() Kind    { return RpkiRoa }
func (p RoaPayload) Len() int      { return len(p) }
func (p AspaPayload) Kind() Kind   { return RpkiAspa }
func (p AspaPayload) Len() int     { return len(p) }
