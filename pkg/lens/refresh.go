package lens

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

// SourceSet provides the upstream Source of each dataset kind.
type SourceSet interface {
	For(k cachestore.Kind) (cachestore.Source, error)
	As2relFrom(url string) cachestore.Source
}

// Refresher is the single write path of the cache shared by every lens.
type Refresher struct {
	Store   *cachestore.Store
	Sources SourceSet
	Logger  *zap.Logger
}

// KindResult is the outcome of one dataset inside a multi-dataset refresh.
type KindResult struct {
	Dataset cachestore.Kind            `json:"dataset" yaml:"dataset"`
	OK      bool                       `json:"ok" yaml:"ok"`
	Outcome *cachestore.RefreshOutcome `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Error   *SectionError              `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r *Refresher) one(ctx context.Context, src cachestore.Source, force bool, sink Sink) (*cachestore.RefreshOutcome, error) {
	return r.Store.Refresh(ctx, src, force, func(p cachestore.Progress) {
		sink.Progress(p)
	})
}

// Kind refreshes one dataset from its configured source.
func (r *Refresher) Kind(ctx context.Context, k cachestore.Kind, force bool, sink Sink) (*cachestore.RefreshOutcome, error) {
	src, err := r.Sources.For(k)
	if err != nil {
		return nil, errs.Validation("%v", err)
	}
	return r.one(ctx, src, force, sink)
}

// Kinds refreshes several datasets concurrently. Each dataset is replaced
// on its own; the failure of one does not affect the others.
func (r *Refresher) Kinds(ctx context.Context, kinds []cachestore.Kind, force bool, sink Sink) []KindResult {
	out := make([]KindResult, len(kinds))
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	locked := lockedSink{s: sink, mu: &mu}
	for i, k := range kinds {
		g.Go(func() error {
			res := KindResult{Dataset: k}
			defer func() {
				if p := recover(); p != nil {
					r.logger().Error("dataset refresh panicked", zap.String("dataset", string(k)), zap.Any("panic", p))
					out[i] = KindResult{Dataset: k, Error: &SectionError{Code: errs.CodeInternal, Message: "internal error"}}
				}
			}()
			o, err := r.Kind(ctx, k, force, locked)
			if err != nil {
				r.logger().Warn("dataset refresh failed", zap.String("dataset", string(k)), zap.Error(err))
				res.Error = newSectionError(err)
			} else {
				res.OK, res.Outcome = true, o
			}
			out[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Refresher) logger() *zap.Logger {
	if r.Logger == nil {
		return nopLogger
	}
	return r.Logger
}

// lockedSink serializes concurrent producers writing into one Sink.
type lockedSink struct {
	s  Sink
	mu *sync.Mutex
}

func (l lockedSink) Progress(data any) {
	l.mu.Lock()
	l.s.Progress(data)
	l.mu.Unlock()
}

func (l lockedSink) Stream(opID string, data any) {
	l.mu.Lock()
	l.s.Stream(opID, data)
	l.mu.Unlock()
}

// SectionError is the error of one part of a composite result.
type SectionError struct {
	Code    errs.Code `json:"code" yaml:"code"`
	Message string    `json:"message" yaml:"message"`
}

func newSectionError(err error) *SectionError {
	e := errs.From(err)
	return &SectionError{Code: e.Code, Message: e.Message}
}
