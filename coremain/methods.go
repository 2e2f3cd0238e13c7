package coremain

import (
	"fmt"

	"github.com/bgpkit/monocle-sub001/pkg/dispatcher"
	"github.com/bgpkit/monocle-sub001/pkg/lens"
)

func newArgs[T any]() func() any {
	return func() any { return new(T) }
}

// registerMethods binds the method catalog to ls.
func registerMethods(d *dispatcher.Dispatcher, ls *Lenses) error {
	descs := []dispatcher.MethodDescriptor{
		{Name: "time.parse", Lens: ls.Time, NewArgs: newArgs[lens.TimeParseArgs]()},
		{Name: "country.lookup", Lens: ls.Country, NewArgs: newArgs[lens.CountryLookupArgs]()},
		{Name: "ip.lookup", Lens: ls.IP, NewArgs: newArgs[lens.IpLookupArgs]()},
		{Name: "rpki.validate", Lens: ls.Rpki, NewArgs: newArgs[lens.RpkiValidateArgs]()},
		{Name: "rpki.roas", Lens: ls.Rpki, NewArgs: newArgs[lens.RpkiRoasArgs]()},
		{Name: "rpki.aspas", Lens: ls.Rpki, NewArgs: newArgs[lens.RpkiAspasArgs]()},
		{Name: "as2org.search", Lens: ls.As2org, NewArgs: newArgs[lens.As2orgSearchArgs]()},
		{Name: "as2org.bootstrap", Lens: ls.As2org, NewArgs: newArgs[lens.As2orgBootstrapArgs](), Streaming: true, Refresh: true},
		{Name: "as2rel.search", Lens: ls.As2rel, NewArgs: newArgs[lens.As2relSearchArgs]()},
		{Name: "as2rel.relationship", Lens: ls.As2rel, NewArgs: newArgs[lens.As2relRelationshipArgs]()},
		{
			Name:      "as2rel.update",
			Lens:      ls.As2rel,
			NewArgs:   newArgs[lens.As2relUpdateArgs](),
			Streaming: true,
			Policy:    dispatcher.PolicyWriteRestricted,
			Refresh:   true,
		},
		{Name: "pfx2as.lookup", Lens: ls.Pfx2as, NewArgs: newArgs[lens.Pfx2asLookupArgs]()},
		{Name: "inspect", Lens: ls.Inspect, NewArgs: newArgs[lens.InspectArgs](), Streaming: true},
		{Name: "database.status", Lens: ls.Database, NewArgs: newArgs[lens.DatabaseStatusArgs]()},
		{Name: dispatcher.RefreshMethod, Lens: ls.Database, NewArgs: newArgs[lens.DatabaseRefreshArgs](), Streaming: true, Refresh: true},
		{Name: "system.info", Lens: ls.System, NewArgs: newArgs[lens.SystemInfoArgs]()},
		{Name: "system.methods", Lens: ls.System, NewArgs: newArgs[lens.SystemMethodsArgs]()},
	}
	for _, desc := range descs {
		if err := d.Register(desc); err != nil {
			return fmt.Errorf("failed to register method: %w", err)
		}
	}
	return nil
}
