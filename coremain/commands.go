package coremain

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bgpkit/monocle-sub001/mlog"
	"github.com/bgpkit/monocle-sub001/pkg/dispatcher"
	"github.com/bgpkit/monocle-sub001/pkg/protocol"
	C "github.com/bgpkit/monocle-sub001/pkg/query_context"
)

func addQueryCmds(root *cobra.Command) {
	root.AddCommand(
		newTimeCmd(),
		newCountryCmd(),
		newIpCmd(),
		newRpkiCmd(),
		newAs2orgCmd(),
		newAs2relCmd(),
		newPfx2asCmd(),
		newInspectCmd(),
		newDatabaseCmd(),
	)
}

func newTimeCmd() *cobra.Command {
	var format string
	c := &cobra.Command{
		Use:   "time [TIME]...",
		Short: "Convert between unix timestamps and RFC 3339 times.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethod(cmd, "time.parse", map[string]any{"times": args, "format": format}, false)
		},
	}
	c.Flags().StringVarP(&format, "time-format", "t", "", "rfc3339, unix, human, rfc1123 or date")
	return c
}

func newCountryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "country [QUERY]",
		Short: "Look up ISO 3166 country codes and names.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethod(cmd, "country.lookup", map[string]any{"query": firstArg(args)}, false)
		},
	}
}

func newIpCmd() *cobra.Command {
	var simple bool
	c := &cobra.Command{
		Use:   "ip [IP]",
		Short: "Show routing and metadata of an address, or of this host.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethod(cmd, "ip.lookup", map[string]any{"ip": firstArg(args), "simple": simple}, false)
		},
	}
	c.Flags().BoolVar(&simple, "simple", false, "only print the address, prefix and origin")
	return c
}

func newRpkiCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "rpki",
		Short: "RPKI validation and object lookups.",
	}

	c.AddCommand(&cobra.Command{
		Use:   "validate PREFIX ASN",
		Short: "Validate a route origin against cached ROAs.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			asn, err := parseASNArg(args[1])
			if err != nil {
				return err
			}
			return runMethod(cmd, "rpki.validate", map[string]any{"prefix": args[0], "asn": asn}, false)
		},
	})

	var roas struct {
		asn, prefix, source, date string
	}
	roasCmd := &cobra.Command{
		Use:   "roas",
		Short: "List cached ROAs.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := map[string]any{"prefix": roas.prefix, "source": roas.source, "date": roas.date}
			if len(roas.asn) > 0 {
				asn, err := parseASNArg(roas.asn)
				if err != nil {
					return err
				}
				p["asn"] = asn
			}
			return runMethod(cmd, "rpki.roas", p, false)
		},
	}
	roasCmd.Flags().StringVar(&roas.asn, "asn", "", "origin ASN")
	roasCmd.Flags().StringVar(&roas.prefix, "prefix", "", "prefix covered by the ROA")
	roasCmd.Flags().StringVar(&roas.source, "source", "", "RPKI data source")
	roasCmd.Flags().StringVar(&roas.date, "date", "", "historical date")
	c.AddCommand(roasCmd)

	var aspas struct {
		customer, provider, source, date string
	}
	aspasCmd := &cobra.Command{
		Use:   "aspas",
		Short: "List cached ASPA objects.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := map[string]any{"source": aspas.source, "date": aspas.date}
			for k, v := range map[string]string{"customer_asn": aspas.customer, "provider_asn": aspas.provider} {
				if len(v) == 0 {
					continue
				}
				asn, err := parseASNArg(v)
				if err != nil {
					return err
				}
				p[k] = asn
			}
			return runMethod(cmd, "rpki.aspas", p, false)
		},
	}
	aspasCmd.Flags().StringVar(&aspas.customer, "customer", "", "customer ASN")
	aspasCmd.Flags().StringVar(&aspas.provider, "provider", "", "provider ASN")
	aspasCmd.Flags().StringVar(&aspas.source, "source", "", "RPKI data source")
	aspasCmd.Flags().StringVar(&aspas.date, "date", "", "historical date")
	c.AddCommand(aspasCmd)
	return c
}

func newAs2orgCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "as2org",
		Short: "Search AS and organization names.",
	}

	var sf struct {
		asnOnly, nameOnly, countryOnly, fullCountry, fullTable bool
	}
	search := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Search by ASN, name or country.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethod(cmd, "as2org.search", map[string]any{
				"query":        args,
				"asn_only":     sf.asnOnly,
				"name_only":    sf.nameOnly,
				"country_only": sf.countryOnly,
				"full_country": sf.fullCountry,
				"full_table":   sf.fullTable,
			}, false)
		},
	}
	fs := search.Flags()
	fs.BoolVarP(&sf.asnOnly, "asn-only", "a", false, "treat queries as ASNs")
	fs.BoolVarP(&sf.nameOnly, "name-only", "n", false, "treat queries as names")
	fs.BoolVarP(&sf.countryOnly, "country-only", "C", false, "treat queries as countries")
	fs.BoolVarP(&sf.fullCountry, "full-country", "F", false, "print full country names")
	fs.BoolVarP(&sf.fullTable, "full-table", "f", false, "print all organization fields")
	c.AddCommand(search)

	var force bool
	bootstrap := &cobra.Command{
		Use:   "bootstrap",
		Short: "Load the as2org dataset into the cache.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethod(cmd, "as2org.bootstrap", map[string]any{"force": force}, false)
		},
	}
	bootstrap.Flags().BoolVar(&force, "force", false, "reload even when the cache is fresh")
	c.AddCommand(bootstrap)
	return c
}

func newAs2relCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "as2rel",
		Short: "AS-level relationships.",
	}

	var sortByAsn, showName bool
	search := &cobra.Command{
		Use:   "search ASN [ASN]",
		Short: "Show relationships of one AS, or between two.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			asns, err := parseASNArgs(args)
			if err != nil {
				return err
			}
			return runMethod(cmd, "as2rel.search", map[string]any{
				"asns": asns, "sort_by_asn": sortByAsn, "show_name": showName,
			}, false)
		},
	}
	search.Flags().BoolVar(&sortByAsn, "sort-by-asn", false, "sort by peer ASN instead of visibility")
	search.Flags().BoolVar(&showName, "show-name", false, "include AS names")
	c.AddCommand(search)

	c.AddCommand(&cobra.Command{
		Use:   "relationship ASN1 ASN2",
		Short: "Show the relationship between two ASes.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			asns, err := parseASNArgs(args)
			if err != nil {
				return err
			}
			return runMethod(cmd, "as2rel.relationship", map[string]any{"asn1": asns[0], "asn2": asns[1]}, false)
		},
	})

	var url string
	update := &cobra.Command{
		Use:   "update",
		Short: "Reload the as2rel dataset into the cache.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethod(cmd, "as2rel.update", map[string]any{"url": url}, true)
		},
	}
	update.Flags().StringVar(&url, "url", "", "dataset url, overrides the configured source")
	c.AddCommand(update)
	return c
}

func newPfx2asCmd() *cobra.Command {
	var mode, asn string
	c := &cobra.Command{
		Use:   "pfx2as PREFIX|ASN",
		Short: "Map prefixes to origin ASes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := map[string]any{"mode": mode}
			if n, err := parseASNArg(args[0]); err == nil {
				p["asn"] = n
			} else {
				p["prefix"] = args[0]
			}
			if len(asn) > 0 {
				n, err := parseASNArg(asn)
				if err != nil {
					return err
				}
				p["asn"] = n
			}
			return runMethod(cmd, "pfx2as.lookup", p, false)
		},
	}
	c.Flags().StringVar(&mode, "mode", "longest", "longest, exact, covering or covered")
	c.Flags().StringVar(&asn, "asn", "", "only keep results originated by this ASN")
	return c
}

func newInspectCmd() *cobra.Command {
	var sections []string
	c := &cobra.Command{
		Use:   "inspect QUERY",
		Short: "Show everything known about an address, prefix, ASN, country or name.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethod(cmd, "inspect", map[string]any{
				"query":    strings.Join(args, " "),
				"sections": sections,
			}, false)
		},
	}
	c.Flags().StringSliceVar(&sections, "section", nil, "only run the named sections")
	return c
}

func newDatabaseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "database",
		Short: "Inspect and refresh the local cache.",
	}
	c.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the state of every cached dataset.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethod(cmd, "database.status", nil, false)
		},
	})

	var force bool
	refresh := &cobra.Command{
		Use:   "refresh [all|rpki|DATASET]",
		Short: "Refresh cached datasets.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethod(cmd, dispatcher.RefreshMethod, map[string]any{"source": firstArg(args), "force": force}, false)
		},
	}
	refresh.Flags().BoolVar(&force, "force", false, "refresh even when datasets are fresh")
	c.AddCommand(refresh)
	return c
}

// runMethod runs one method in-process and prints its terminal result.
// Progress and stream envelopes go to stderr as json lines.
func runMethod(cmd *cobra.Command, method string, params map[string]any, entrypoint bool) error {
	f, err := NewFormatter(gf.format)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig(gf.config)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	if len(cfg.Log.Level) == 0 {
		cfg.Log.Level = "warn"
	}
	logger, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := NewMonocle(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	meta := C.NewRequestMeta(C.ProtocolCLI, netip.Addr{})
	if entrypoint {
		meta = C.NewEntrypointMeta(C.ProtocolCLI)
	}
	req := &protocol.Request{ID: "cli", Method: method, Params: params}
	return printResponses(cmd, f, m.GetDispatcher().Dispatch(ctx, meta, req))
}

func printResponses(cmd *cobra.Command, f Formatter, ch <-chan protocol.Response) error {
	errOut := json.NewEncoder(cmd.ErrOrStderr())
	var err error
	for r := range ch {
		switch r.Type {
		case protocol.TypeProgress, protocol.TypeStream:
			_ = errOut.Encode(r)
		case protocol.TypeResult:
			var s string
			if s, err = f.Format(r.Data); err == nil {
				_, err = fmt.Fprint(cmd.OutOrStdout(), s)
			}
		case protocol.TypeError:
			if ed, ok := r.Data.(protocol.ErrorData); ok {
				err = fmt.Errorf("%s: %s", ed.Code, ed.Message)
			} else {
				err = fmt.Errorf("%v", r.Data)
			}
		}
	}
	return err
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// parseASNArg accepts "13335" and "AS13335".
func parseASNArg(s string) (uint32, error) {
	t := strings.TrimSpace(s)
	if len(t) > 2 && strings.EqualFold(t[:2], "as") {
		t = t[2:]
	}
	n, err := strconv.ParseUint(t, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid asn %q", s)
	}
	return uint32(n), nil
}

func parseASNArgs(args []string) ([]uint32, error) {
	out := make([]uint32, 0, len(args))
	for _, a := range args {
		n, err := parseASNArg(a)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
