// Package dispatcher routes request envelopes to lenses. It owns argument
// decoding, the write policy of the cache and the envelope sequence of
// every request.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/errs"
	"github.com/bgpkit/monocle-sub001/pkg/lens"
	"github.com/bgpkit/monocle-sub001/pkg/protocol"
	C "github.com/bgpkit/monocle-sub001/pkg/query_context"
)

var nopLogger = zap.NewNop()

var (
	ErrFrozen       = errors.New("dispatcher is frozen")
	ErrDuplicated   = errors.New("duplicated method")
	ErrNotRefreshed = errors.New("lens has no cached data to refresh")
)

type Policy string

const (
	PolicyNormal Policy = "normal"
	// PolicyWriteRestricted methods write the cache and only run for the
	// designated refresh entrypoint of their dataset.
	PolicyWriteRestricted Policy = "write-restricted"
)

// RefreshMethod is the method every caller may use to update the cache.
const RefreshMethod = "database.refresh"

type MethodDescriptor struct {
	Name string
	Lens lens.Lens

	// NewArgs returns a pointer to a zero argument value. params are decoded
	// into it by json tag.
	NewArgs func() any

	Streaming bool
	Policy    Policy

	// Refresh marks a method that writes the cache. Its lens must implement
	// lens.Refreshable.
	Refresh bool
}

type Opts struct {
	Logger *zap.Logger

	// Metrics is optional.
	Metrics *Metrics
}

func (opts *Opts) Init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Dispatcher is safe for concurrent use once frozen.
type Dispatcher struct {
	opts Opts

	m       sync.RWMutex
	frozen  bool
	methods map[string]*MethodDescriptor
}

func NewDispatcher(opts Opts) *Dispatcher {
	opts.Init()
	return &Dispatcher{opts: opts, methods: make(map[string]*MethodDescriptor)}
}

// Register adds a method. It fails after Freeze, on a duplicated name and on
// a refresh method bound to a lens without datasets.
func (d *Dispatcher) Register(desc MethodDescriptor) error {
	if len(desc.Name) == 0 || desc.Lens == nil || desc.NewArgs == nil {
		return fmt.Errorf("incomplete method descriptor %q", desc.Name)
	}
	if len(desc.Policy) == 0 {
		desc.Policy = PolicyNormal
	}
	if desc.Refresh || desc.Policy == PolicyWriteRestricted {
		if _, ok := desc.Lens.(lens.Refreshable); !ok {
			return fmt.Errorf("method %s: %w: %s", desc.Name, ErrNotRefreshed, desc.Lens.Name())
		}
	}

	d.m.Lock()
	defer d.m.Unlock()
	if d.frozen {
		return fmt.Errorf("method %s: %w", desc.Name, ErrFrozen)
	}
	if _, dup := d.methods[desc.Name]; dup {
		return fmt.Errorf("%w %s", ErrDuplicated, desc.Name)
	}
	d.methods[desc.Name] = &desc
	return nil
}

// Freeze closes the method table.
func (d *Dispatcher) Freeze() {
	d.m.Lock()
	d.frozen = true
	d.m.Unlock()
}

func (d *Dispatcher) lookup(name string) *MethodDescriptor {
	d.m.RLock()
	defer d.m.RUnlock()
	return d.methods[name]
}

// Methods lists the registered methods sorted by name.
func (d *Dispatcher) Methods() []lens.MethodInfo {
	d.m.RLock()
	out := make([]lens.MethodInfo, 0, len(d.methods))
	for _, desc := range d.methods {
		out = append(out, lens.MethodInfo{
			Name:      desc.Name,
			Lens:      desc.Lens.Name(),
			Streaming: desc.Streaming,
			Policy:    string(desc.Policy),
		})
	}
	d.m.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs req and returns its envelopes. The channel always ends with
// exactly one terminal envelope and is then closed. Callers must drain it.
func (d *Dispatcher) Dispatch(ctx context.Context, meta *C.RequestMeta, req *protocol.Request) <-chan protocol.Response {
	out := make(chan protocol.Response, 8)
	go d.run(ctx, C.NewContext(req.ID, req.Method, meta), req, out)
	return out
}

func (d *Dispatcher) run(ctx context.Context, qCtx *C.Context, req *protocol.Request, out chan protocol.Response) {
	d.opts.Metrics.begin()
	var opID string
	sink := &chanSink{ctx: ctx, id: req.ID, out: out}
	defer func() {
		if r := recover(); r != nil {
			d.opts.Logger.Error("method panicked", qCtx.InfoField(), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			d.finish(qCtx, sink, protocol.Error(req.ID, opID, errs.Internal(fmt.Errorf("panic: %v", r))))
		}
	}()

	desc := d.lookup(req.Method)
	if desc == nil {
		d.finish(qCtx, sink, protocol.Error(req.ID, "", errs.MethodNotFound(req.Method)))
		return
	}
	var s lens.Sink = lens.Discard
	if desc.Streaming {
		opID = uuid.NewString()
		sink.opID = opID
		s = sink
	}

	// A restricted method is refused whatever its params are.
	if desc.Policy == PolicyWriteRestricted && !qCtx.ReqMeta().IsRefreshEntrypoint() {
		d.finish(qCtx, sink, protocol.Error(req.ID, opID, errs.Policy(fmt.Sprintf(
			"%s only runs from the refresh entrypoint of its dataset, use %s to update the cache",
			desc.Name, RefreshMethod))))
		return
	}

	args, err := d.decodeArgs(desc, req.Params)
	if err != nil {
		d.finish(qCtx, sink, protocol.Error(req.ID, opID, err))
		return
	}

	res, err := desc.Lens.Query(ctx, args, s)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		d.finish(qCtx, sink, protocol.Error(req.ID, opID, err))
		return
	}
	d.finish(qCtx, sink, protocol.Result(req.ID, opID, res))
}

// decodeArgs builds the argument value of desc from params. Any mismatch is
// an INVALID_PARAMS error.
func (d *Dispatcher) decodeArgs(desc *MethodDescriptor, params map[string]any) (any, error) {
	args := desc.NewArgs()
	if len(params) > 0 {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "json",
			ErrorUnused:      true,
			WeaklyTypedInput: true,
			Result:           args,
		})
		if err != nil {
			return nil, errs.Internal(err)
		}
		if err := dec.Decode(params); err != nil {
			return nil, errs.Validation("invalid params of %s: %v", desc.Name, err)
		}
	}
	if v, ok := args.(lens.Validator); ok {
		if err := v.Validate(); err != nil {
			if errs.CodeOf(err) == errs.CodeInvalidParams {
				return nil, err
			}
			return nil, errs.Validation("%v", err)
		}
	}
	return args, nil
}

func (d *Dispatcher) finish(qCtx *C.Context, sink *chanSink, r protocol.Response) {
	code := "ok"
	if r.Type == protocol.TypeError {
		ed := r.Data.(protocol.ErrorData)
		code = string(ed.Code)
		if ed.Code == errs.CodeInternal {
			d.opts.Logger.Warn("request failed", qCtx.InfoField(), zap.String("code", code))
		} else {
			d.opts.Logger.Debug("request failed", qCtx.InfoField(), zap.String("code", code), zap.String("msg", ed.Message))
		}
	} else {
		d.opts.Logger.Debug("request done", qCtx.InfoField())
	}
	method := qCtx.Method()
	if d.lookup(method) == nil {
		method = "unknown"
	}
	d.opts.Metrics.end(method, code, time.Since(qCtx.StartTime()))
	sink.close(r)
}

// chanSink forwards non-terminal envelopes of one request. After close it
// drops everything.
type chanSink struct {
	ctx  context.Context
	id   string
	opID string
	out  chan protocol.Response

	m      sync.Mutex
	closed bool
}

func (s *chanSink) send(r protocol.Response) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- r:
	case <-s.ctx.Done():
	}
}

func (s *chanSink) Progress(data any) {
	s.send(protocol.Progress(s.id, s.opID, data))
}

func (s *chanSink) Stream(opID string, data any) {
	if len(opID) == 0 {
		opID = s.opID
	}
	s.send(protocol.Stream(s.id, opID, data))
}

func (s *chanSink) close(terminal protocol.Response) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.out <- terminal
	close(s.out)
}
