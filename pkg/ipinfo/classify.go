// Package ipinfo gathers metadata about one IP address from sources other
// than the cache store: address classification, MaxMind databases, reverse
// DNS and a remote IP API.
package ipinfo

import (
	"net/netip"

	"go4.org/netipx"
)

// Special-purpose ranges, most specific first within a family.
var specialRanges = []struct {
	class  string
	prefix string
}{
	{"unspecified", "0.0.0.0/32"},
	{"this-network", "0.0.0.0/8"},
	{"private", "10.0.0.0/8"},
	{"cgnat", "100.64.0.0/10"},
	{"loopback", "127.0.0.0/8"},
	{"link-local", "169.254.0.0/16"},
	{"private", "172.16.0.0/12"},
	{"ietf-protocol", "192.0.0.0/24"},
	{"documentation", "192.0.2.0/24"},
	{"private", "192.168.0.0/16"},
	{"benchmarking", "198.18.0.0/15"},
	{"documentation", "198.51.100.0/24"},
	{"documentation", "203.0.113.0/24"},
	{"multicast", "224.0.0.0/4"},
	{"broadcast", "255.255.255.255/32"},
	{"reserved", "240.0.0.0/4"},
	{"unspecified", "::/128"},
	{"loopback", "::1/128"},
	{"ipv4-mapped", "::ffff:0:0/96"},
	{"discard", "100::/64"},
	{"ietf-protocol", "2001::/23"},
	{"documentation", "2001:db8::/32"},
	{"unique-local", "fc00::/7"},
	{"link-local", "fe80::/10"},
	{"multicast", "ff00::/8"},
}

var (
	bogons  *netipx.IPSet
	classes []classRange
)

type classRange struct {
	class string
	r     netipx.IPRange
}

func init() {
	var b netipx.IPSetBuilder
	for _, s := range specialRanges {
		p := netip.MustParsePrefix(s.prefix)
		b.AddPrefix(p)
		classes = append(classes, classRange{class: s.class, r: netipx.RangeOfPrefix(p)})
	}
	set, err := b.IPSet()
	if err != nil {
		panic(err)
	}
	bogons = set
}

// Class describes what kind of address an IP is.
type Class struct {
	// Bogon is true for any address that should not appear in the global
	// routing table.
	Bogon bool   `json:"bogon" yaml:"bogon"`
	Kind  string `json:"kind" yaml:"kind"`
}

func Classify(addr netip.Addr) Class {
	addr = addr.Unmap()
	if !bogons.Contains(addr) {
		return Class{Kind: "public"}
	}
	for _, c := range classes {
		if c.r.Contains(addr) {
			return Class{Bogon: true, Kind: c.class}
		}
	}
	return Class{Bogon: true, Kind: "reserved"}
}

// IsBogonPrefix reports whether p overlaps a special-purpose range.
func IsBogonPrefix(p netip.Prefix) bool {
	return bogons.OverlapsPrefix(p)
}
