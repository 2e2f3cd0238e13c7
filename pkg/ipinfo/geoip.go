package ipinfo

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
)

// Geo is what the MaxMind databases know about an address.
type Geo struct {
	Country     string `json:"country,omitempty" yaml:"country,omitempty"`
	CountryName string `json:"country_name,omitempty" yaml:"country_name,omitempty"`
	Asn         uint32 `json:"asn,omitempty" yaml:"asn,omitempty"`
	AsOrg       string `json:"as_org,omitempty" yaml:"as_org,omitempty"`
}

// GeoIP reads optional GeoLite2/GeoIP2 Country and ASN databases. Either
// may be absent.
type GeoIP struct {
	country *geoip2.Reader
	asn     *geoip2.Reader
}

func OpenGeoIP(countryDB, asnDB string) (*GeoIP, error) {
	g := new(GeoIP)
	if len(countryDB) > 0 {
		r, err := geoip2.Open(countryDB)
		if err != nil {
			return nil, fmt.Errorf("open country database: %w", err)
		}
		g.country = r
	}
	if len(asnDB) > 0 {
		r, err := geoip2.Open(asnDB)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("open asn database: %w", err)
		}
		g.asn = r
	}
	return g, nil
}

func (g *GeoIP) Enabled() bool {
	return g != nil && (g.country != nil || g.asn != nil)
}

func (g *GeoIP) Lookup(addr netip.Addr) (*Geo, error) {
	ip := addr.Unmap().AsSlice()
	out := new(Geo)
	if g.country != nil {
		c, err := g.country.Country(ip)
		if err != nil {
			return nil, err
		}
		out.Country = c.Country.IsoCode
		out.CountryName = c.Country.Names["en"]
	}
	if g.asn != nil {
		a, err := g.asn.ASN(ip)
		if err != nil {
			return nil, err
		}
		out.Asn = uint32(a.AutonomousSystemNumber)
		out.AsOrg = a.AutonomousSystemOrganization
	}
	return out, nil
}

func (g *GeoIP) Close() error {
	var err error
	if g.country != nil {
		err = g.country.Close()
	}
	if g.asn != nil {
		err = errors.Join(err, g.asn.Close())
	}
	return err
}
