package lens

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

type Country struct {
	Code   string `json:"code" yaml:"code"`
	Alpha3 string `json:"alpha3" yaml:"alpha3"`
	Name   string `json:"name" yaml:"name"`
}

type CountryLookupArgs struct {
	Query string `json:"query"`
}

// CountryLens resolves ISO 3166-1 codes and names from a static table.
type CountryLens struct {
	*BP
}

func NewCountryLens(logger *zap.Logger) *CountryLens {
	return &CountryLens{BP: NewBP("country", logger)}
}

func (l *CountryLens) Query(_ context.Context, args any, _ Sink) (any, error) {
	a, ok := args.(*CountryLookupArgs)
	if !ok {
		return nil, l.unsupported(args)
	}
	return LookupCountry(a.Query), nil
}

// LookupCountry matches q against alpha-2 and alpha-3 codes first, then as
// a case-insensitive substring of the name. An empty q returns every
// country.
func LookupCountry(q string) []Country {
	q = strings.TrimSpace(q)
	if len(q) == 0 {
		out := make([]Country, len(countries))
		copy(out, countries)
		return out
	}
	for _, c := range countries {
		if strings.EqualFold(c.Code, q) || strings.EqualFold(c.Alpha3, q) {
			return []Country{c}
		}
	}
	lq := strings.ToLower(q)
	out := []Country{}
	for _, c := range countries {
		if strings.Contains(strings.ToLower(c.Name), lq) {
			out = append(out, c)
		}
	}
	return out
}

// CountryName returns the name of an alpha-2 code, or code itself when it
// is unknown.
func CountryName(code string) string {
	for _, c := range countries {
		if strings.EqualFold(c.Code, code) {
			return c.Name
		}
	}
	return code
}
