// Package lens implements every query domain behind one capability
// interface. Lenses never keep dataset rows between calls: every query
// reads the cache store.
package lens

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

var nopLogger = zap.NewNop()

type Lens interface {
	Name() string

	// Query runs one operation. args is one of the argument types of the
	// lens, already decoded and validated.
	Query(ctx context.Context, args any, sink Sink) (any, error)

	// NeedsRefresh reports whether the data behind the lens is stale.
	NeedsRefresh(ctx context.Context) bool

	// Refresh reloads the data behind the lens. Lenses without data do
	// nothing.
	Refresh(ctx context.Context, force bool, sink Sink) (any, error)
}

// Refreshable is implemented by lenses backed by cached datasets. Only
// these may be bound to a method that writes the cache.
type Refreshable interface {
	Lens
	Datasets() []cachestore.Kind
}

// Validator is implemented by argument types that check themselves after
// decoding. A failure is reported as INVALID_PARAMS.
type Validator interface {
	Validate() error
}

// Sink receives the non-terminal output of a streaming operation.
type Sink interface {
	// Progress reports the state of the running operation.
	Progress(data any)

	// Stream emits one partial result. opID tells sub-operations apart; an
	// empty opID is the operation's own id.
	Stream(opID string, data any)
}

type discard struct{}

func (discard) Progress(any)       {}
func (discard) Stream(string, any) {}

// Discard drops everything.
var Discard Sink = discard{}

// BP is the base of every lens. It supplies the defaults of the optional
// capabilities.
type BP struct {
	name   string
	logger *zap.Logger
}

func NewBP(name string, logger *zap.Logger) *BP {
	if logger == nil {
		logger = nopLogger
	}
	return &BP{name: name, logger: logger.Named(name)}
}

func (b *BP) Name() string { return b.name }

func (b *BP) L() *zap.Logger { return b.logger }

func (b *BP) NeedsRefresh(context.Context) bool { return false }

func (b *BP) Refresh(context.Context, bool, Sink) (any, error) { return nil, nil }

func (b *BP) unsupported(args any) error {
	return errs.Internal(fmt.Errorf("lens %s: unsupported argument type %T", b.name, args))
}

// datasetsStale reports whether any of kinds is stale in store.
func datasetsStale(ctx context.Context, store *cachestore.Store, kinds ...cachestore.Kind) bool {
	for _, k := range kinds {
		st, err := store.Status(ctx, k)
		if err != nil || st.Stale {
			return true
		}
	}
	return false
}
