package cachestore

import (
	"context"
	"database/sql"
	"net/netip"
	"sort"
	"strings"
)

// As2orgRow is an as2org record with the number of ASes of its organization.
type As2orgRow struct {
	As2orgRecord
	OrgSize int `json:"org_size" yaml:"org_size"`
}

const as2orgSelect = `SELECT a.asn, a.as_name, a.org_id, a.org_name, a.country, a.source,
	(SELECT COUNT(*) FROM as2org o WHERE o.org_id = a.org_id) FROM as2org a `

func scanAs2org(rows *sql.Rows) ([]As2orgRow, error) {
	defer rows.Close()
	var out []As2orgRow
	for rows.Next() {
		var r As2orgRow
		if err := rows.Scan(&r.Asn, &r.AsName, &r.OrgID, &r.OrgName, &r.Country, &r.Source, &r.OrgSize); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) queryAs2org(ctx context.Context, where string, args ...any) ([]As2orgRow, error) {
	var out []As2orgRow
	err := s.view(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, as2orgSelect+where, args...)
		if err != nil {
			return err
		}
		out, err = scanAs2org(rows)
		return err
	})
	return out, err
}

func (s *Store) As2orgByAsn(ctx context.Context, asn uint32) ([]As2orgRow, error) {
	return s.queryAs2org(ctx, `WHERE a.asn = ?`, asn)
}

// SearchAs2org matches q as a case-insensitive substring of the AS name,
// the organization name or the organization id.
func (s *Store) SearchAs2org(ctx context.Context, q string) ([]As2orgRow, error) {
	like := "%" + escapeLike(strings.ToLower(q)) + "%"
	return s.queryAs2org(ctx,
		`WHERE lower(a.as_name) LIKE ? ESCAPE '\' OR lower(a.org_name) LIKE ? ESCAPE '\' OR lower(a.org_id) LIKE ? ESCAPE '\'
		ORDER BY a.asn`, like, like, like)
}

func (s *Store) As2orgByCountry(ctx context.Context, cc string) ([]As2orgRow, error) {
	return s.queryAs2org(ctx, `WHERE upper(a.country) = ? ORDER BY a.asn`, strings.ToUpper(cc))
}

// OrgSize returns the number of ASes registered to orgID.
func (s *Store) OrgSize(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.view(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM as2org WHERE org_id = ?`, orgID).Scan(&n)
	})
	return n, err
}

// As2orgNames returns the AS name of every asn present in the dataset.
func (s *Store) As2orgNames(ctx context.Context, asns []uint32) (map[uint32]string, error) {
	out := make(map[uint32]string, len(asns))
	if len(asns) == 0 {
		return out, nil
	}
	err := s.view(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT asn, as_name, org_name FROM as2org WHERE asn IN (`+placeholders(len(asns))+`)`, uint32Args(asns)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var asn uint32
			var asName, orgName string
			if err := rows.Scan(&asn, &asName, &orgName); err != nil {
				return err
			}
			if orgName != "" {
				out[asn] = orgName
			} else {
				out[asn] = asName
			}
		}
		return rows.Err()
	})
	return out, err
}

// As2relFor returns every relationship involving asn, oriented so that Asn1
// is asn.
func (s *Store) As2relFor(ctx context.Context, asn uint32) ([]As2relRecord, error) {
	var out []As2relRecord
	err := s.view(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT asn1, asn2, paths_count, peers_count, rel FROM as2rel WHERE asn1 = ? OR asn2 = ?`, asn, asn)
		if err != nil {
			return err
		}
		out, err = scanAs2rel(rows, asn)
		return err
	})
	return out, err
}

// As2relPair returns the relationships between a and b, oriented from a.
func (s *Store) As2relPair(ctx context.Context, a, b uint32) ([]As2relRecord, error) {
	var out []As2relRecord
	err := s.view(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT asn1, asn2, paths_count, peers_count, rel FROM as2rel
			WHERE (asn1 = ? AND asn2 = ?) OR (asn1 = ? AND asn2 = ?)`, a, b, b, a)
		if err != nil {
			return err
		}
		out, err = scanAs2rel(rows, a)
		return err
	})
	return out, err
}

// As2relMaxPeers returns the largest peers_count of the dataset, i.e. the
// number of route collector peers that saw any relationship.
func (s *Store) As2relMaxPeers(ctx context.Context) (uint32, error) {
	var n sql.NullInt64
	err := s.view(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT MAX(peers_count) FROM as2rel`).Scan(&n)
	})
	return uint32(n.Int64), err
}

func scanAs2rel(rows *sql.Rows, from uint32) ([]As2relRecord, error) {
	defer rows.Close()
	var out []As2relRecord
	for rows.Next() {
		var r As2relRecord
		if err := rows.Scan(&r.Asn1, &r.Asn2, &r.PathsCount, &r.PeersCount, &r.Rel); err != nil {
			return nil, err
		}
		if r.Asn1 != from {
			r = r.Flip()
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Pfx2asMode selects how Pfx2asLookup matches the query prefix.
type Pfx2asMode string

const (
	ModeLongest  Pfx2asMode = "longest"
	ModeExact    Pfx2asMode = "exact"
	ModeCovering Pfx2asMode = "covering"
	ModeCovered  Pfx2asMode = "covered"
)

func ParsePfx2asMode(s string) (Pfx2asMode, bool) {
	switch strings.ToLower(s) {
	case "", "longest", "lpm":
		return ModeLongest, true
	case "exact":
		return ModeExact, true
	case "covering", "super", "supernet":
		return ModeCovering, true
	case "covered", "sub", "subnet":
		return ModeCovered, true
	}
	return "", false
}

// Pfx2asLookup returns the prefix-to-origin records matching p. Records are
// ordered from the most specific prefix, then by observation count.
func (s *Store) Pfx2asLookup(ctx context.Context, p netip.Prefix, mode Pfx2asMode) ([]Pfx2asRecord, error) {
	p = p.Masked()
	var (
		where string
		args  []any
	)
	switch mode {
	case ModeExact:
		where, args = `prefix = ?`, []any{p.String()}
	case ModeCovered:
		start, end := prefixRange(p)
		where = `family = ? AND range_start >= ? AND range_end <= ? AND prefix_len >= ?`
		args = []any{family(p), start, end, p.Bits()}
	default:
		sn := supernets(p)
		where, args = `prefix IN (`+placeholders(len(sn))+`)`, sn
	}

	var out []Pfx2asRecord
	err := s.view(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT prefix, asn, count FROM pfx2as WHERE `+where+` ORDER BY prefix_len DESC, count DESC, asn`, args...)
		if err != nil {
			return err
		}
		out, err = scanPfx2as(rows)
		return err
	})
	if err != nil {
		return nil, err
	}

	if mode == ModeLongest && len(out) > 0 {
		best := out[0].Prefix.Bits()
		n := 0
		for _, r := range out {
			if r.Prefix.Bits() == best {
				out[n] = r
				n++
			}
		}
		out = out[:n]
	}
	return out, nil
}

// Pfx2asByAsn returns the prefixes originated by asn.
func (s *Store) Pfx2asByAsn(ctx context.Context, asn uint32) ([]Pfx2asRecord, error) {
	var out []Pfx2asRecord
	err := s.view(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT prefix, asn, count FROM pfx2as WHERE asn = ? ORDER BY family, range_start, prefix_len`, asn)
		if err != nil {
			return err
		}
		out, err = scanPfx2as(rows)
		return err
	})
	return out, err
}

func scanPfx2as(rows *sql.Rows) ([]Pfx2asRecord, error) {
	defer rows.Close()
	var out []Pfx2asRecord
	for rows.Next() {
		var (
			r   Pfx2asRecord
			pfx string
		)
		if err := rows.Scan(&pfx, &r.Asn, &r.Count); err != nil {
			return nil, err
		}
		p, err := netip.ParsePrefix(pfx)
		if err != nil {
			return nil, err
		}
		r.Prefix = p
		out = append(out, r)
	}
	return out, rows.Err()
}

// RoasCovering returns every ROA whose prefix equals or covers p.
func (s *Store) RoasCovering(ctx context.Context, p netip.Prefix) ([]RoaRecord, error) {
	return s.Roas(ctx, RoaFilter{Prefix: p})
}

type RoaFilter struct {
	// Asn filters by origin when non-zero.
	Asn uint32
	// Prefix keeps ROAs covering it when valid.
	Prefix netip.Prefix
}

func (s *Store) Roas(ctx context.Context, f RoaFilter) ([]RoaRecord, error) {
	var (
		conds []string
		args  []any
	)
	if f.Asn != 0 {
		conds = append(conds, `asn = ?`)
		args = append(args, f.Asn)
	}
	if f.Prefix.IsValid() {
		sn := supernets(f.Prefix)
		conds = append(conds, `prefix IN (`+placeholders(len(sn))+`)`)
		args = append(args, sn...)
	}
	q := `SELECT prefix, max_length, asn, ta FROM rpki_roa`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	q += ` ORDER BY prefix_len DESC, prefix, asn`

	var out []RoaRecord
	err := s.view(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r   RoaRecord
				pfx string
			)
			if err := rows.Scan(&pfx, &r.MaxLength, &r.Asn, &r.TA); err != nil {
				return err
			}
			if r.Prefix, err = netip.ParsePrefix(pfx); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

type AspaFilter struct {
	CustomerAsn uint32
	ProviderAsn uint32
}

// Aspas returns ASPA objects grouped by customer. With a provider filter,
// only customers that list that provider are returned, with their full
// provider set.
func (s *Store) Aspas(ctx context.Context, f AspaFilter) ([]AspaRecord, error) {
	var (
		conds []string
		args  []any
	)
	if f.CustomerAsn != 0 {
		conds = append(conds, `customer_asn = ?`)
		args = append(args, f.CustomerAsn)
	}
	if f.ProviderAsn != 0 {
		conds = append(conds, `customer_asn IN (SELECT customer_asn FROM rpki_aspa WHERE provider_asn = ?)`)
		args = append(args, f.ProviderAsn)
	}
	q := `SELECT customer_asn, provider_asn FROM rpki_aspa`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}

	grouped := make(map[uint32][]uint32)
	err := s.view(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c, p uint32
			if err := rows.Scan(&c, &p); err != nil {
				return err
			}
			if _, ok := grouped[c]; !ok {
				grouped[c] = []uint32{}
			}
			if p != 0 {
				grouped[c] = append(grouped[c], p)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	out := make([]AspaRecord, 0, len(grouped))
	for c, ps := range grouped {
		sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
		out = append(out, AspaRecord{CustomerAsn: c, Providers: ps})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerAsn < out[j].CustomerAsn })
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func uint32Args(v []uint32) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
