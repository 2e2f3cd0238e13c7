package cachestore

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"

	"go4.org/netipx"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		kind       TEXT PRIMARY KEY,
		updated_at INTEGER NOT NULL,
		source     TEXT NOT NULL,
		rows       INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS as2org (
		asn      INTEGER NOT NULL,
		as_name  TEXT NOT NULL,
		org_id   TEXT NOT NULL,
		org_name TEXT NOT NULL,
		country  TEXT NOT NULL,
		source   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_as2org_asn ON as2org(asn)`,
	`CREATE INDEX IF NOT EXISTS idx_as2org_org ON as2org(org_id)`,
	`CREATE INDEX IF NOT EXISTS idx_as2org_country ON as2org(country)`,
	`CREATE TABLE IF NOT EXISTS as2rel (
		asn1        INTEGER NOT NULL,
		asn2        INTEGER NOT NULL,
		paths_count INTEGER NOT NULL,
		peers_count INTEGER NOT NULL,
		rel         INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_as2rel_asn1 ON as2rel(asn1)`,
	`CREATE INDEX IF NOT EXISTS idx_as2rel_asn2 ON as2rel(asn2)`,
	`CREATE TABLE IF NOT EXISTS pfx2as (
		prefix      TEXT NOT NULL,
		family      INTEGER NOT NULL,
		prefix_len  INTEGER NOT NULL,
		range_start BLOB NOT NULL,
		range_end   BLOB NOT NULL,
		asn         INTEGER NOT NULL,
		count       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pfx2as_prefix ON pfx2as(prefix)`,
	`CREATE INDEX IF NOT EXISTS idx_pfx2as_asn ON pfx2as(asn)`,
	`CREATE INDEX IF NOT EXISTS idx_pfx2as_range ON pfx2as(family, range_start)`,
	`CREATE TABLE IF NOT EXISTS rpki_roa (
		prefix     TEXT NOT NULL,
		prefix_len INTEGER NOT NULL,
		max_length INTEGER NOT NULL,
		asn        INTEGER NOT NULL,
		ta         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_roa_prefix ON rpki_roa(prefix)`,
	`CREATE INDEX IF NOT EXISTS idx_roa_asn ON rpki_roa(asn)`,
	`CREATE TABLE IF NOT EXISTS rpki_aspa (
		customer_asn INTEGER NOT NULL,
		provider_asn INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_aspa_customer ON rpki_aspa(customer_asn)`,
	`CREATE INDEX IF NOT EXISTS idx_aspa_provider ON rpki_aspa(provider_asn)`,
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	for i, s := range schema {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("schema statement #%d: %w", i, err)
		}
	}
	return nil
}

func family(p netip.Prefix) int {
	if p.Addr().Is4() {
		return 4
	}
	return 6
}

// prefixRange returns the first and last address of p as 16-byte keys.
// Byte order of the keys matches address order within one family.
func prefixRange(p netip.Prefix) (start, end []byte) {
	s := p.Masked().Addr().As16()
	e := netipx.PrefixLastIP(p).As16()
	return s[:], e[:]
}

// supernets returns p and every shorter prefix covering it, most specific
// first, in canonical text form.
func supernets(p netip.Prefix) []any {
	p = p.Masked()
	out := make([]any, 0, p.Bits()+1)
	for l := p.Bits(); l >= 0; l-- {
		out = append(out, netip.PrefixFrom(p.Addr(), l).Masked().String())
	}
	return out
}

func insertAll(ctx context.Context, tx execer, query string, n int, args func(i int) []any) error {
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return fmt.Errorf("insert row #%d: %w", i, err)
		}
	}
	return nil
}

func (p As2orgPayload) insert(ctx context.Context, tx execer) error {
	return insertAll(ctx, tx,
		`INSERT INTO as2org(asn, as_name, org_id, org_name, country, source) VALUES(?,?,?,?,?,?)`,
		len(p), func(i int) []any {
			r := p[i]
			return []any{r.Asn, r.AsName, r.OrgID, r.OrgName, r.Country, r.Source}
		})
}

func (p As2relPayload) insert(ctx context.Context, tx execer) error {
	return insertAll(ctx, tx,
		`INSERT INTO as2rel(asn1, asn2, paths_count, peers_count, rel) VALUES(?,?,?,?,?)`,
		len(p), func(i int) []any {
			r := p[i]
			return []any{r.Asn1, r.Asn2, r.PathsCount, r.PeersCount, r.Rel}
		})
}

func (p Pfx2asPayload) insert(ctx context.Context, tx execer) error {
	return insertAll(ctx, tx,
		`INSERT INTO pfx2as(prefix, family, prefix_len, range_start, range_end, asn, count) VALUES(?,?,?,?,?,?,?)`,
		len(p), func(i int) []any {
			r := p[i]
			pfx := r.Prefix.Masked()
			s, e := prefixRange(pfx)
			return []any{pfx.String(), family(pfx), pfx.Bits(), s, e, r.Asn, r.Count}
		})
}

func (p RoaPayload) insert(ctx context.Context, tx execer) error {
	return insertAll(ctx, tx,
		`INSERT INTO rpki_roa(prefix, prefix_len, max_length, asn, ta) VALUES(?,?,?,?,?)`,
		len(p), func(i int) []any {
			r := p[i]
			pfx := r.Prefix.Masked()
			return []any{pfx.String(), pfx.Bits(), r.MaxLength, r.Asn, r.TA}
		})
}

func (p AspaPayload) insert(ctx context.Context, tx execer) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO rpki_aspa(customer_asn, provider_asn) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range p {
		providers := r.Providers
		if len(providers) == 0 {
			// AS0 ASPA: the customer declares no upstream at all.
			providers = []uint32{0}
		}
		for _, provider := range providers {
			if _, err := stmt.ExecContext(ctx, r.CustomerAsn, provider); err != nil {
				return fmt.Errorf("insert aspa AS%d: %w", r.CustomerAsn, err)
			}
		}
	}
	return nil
}
