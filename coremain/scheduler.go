package coremain

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/cachestore"
	"github.com/bgpkit/monocle-sub001/pkg/lens"
)

// scheduler refreshes stale datasets in the background. It is an in-process
// refresh entrypoint: it calls Refresh of every lens whose data is stale.
type scheduler struct {
	gate   lens.Lens
	lenses []lens.Refreshable
	cfg    RefreshConfig
	logger *zap.Logger
}

func newScheduler(m *Monocle, cfg RefreshConfig) *scheduler {
	return &scheduler{
		gate:   m.lenses.Database,
		lenses: m.lenses.refreshables(),
		cfg:    cfg,
		logger: m.logger.Named("scheduler"),
	}
}

func (s *scheduler) run(ctx context.Context) {
	if s.cfg.OnStart {
		s.tick(ctx)
	}
	if s.cfg.Interval <= 0 {
		return
	}
	s.logger.Info("refresh scheduler started", zap.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick refreshes the stale lenses one after another and returns how many
// were refreshed without error.
func (s *scheduler) tick(ctx context.Context) int {
	if s.gate != nil && !s.gate.NeedsRefresh(ctx) {
		s.logger.Debug("every dataset is fresh")
		return 0
	}
	ok := 0
	for _, l := range s.lenses {
		if ctx.Err() != nil {
			return ok
		}
		if !l.NeedsRefresh(ctx) {
			continue
		}
		s.logger.Info("refreshing stale datasets", zap.String("lens", l.Name()))
		res, err := l.Refresh(ctx, false, lens.Discard)
		if err != nil {
			s.logger.Warn("scheduled refresh failed", zap.String("lens", l.Name()), zap.Error(err))
			continue
		}
		if s.logResult(l.Name(), res) {
			ok++
		}
	}
	return ok
}

// logResult logs the outcome of one Refresh and reports whether every
// dataset in it succeeded.
func (s *scheduler) logResult(name string, res any) bool {
	switch v := res.(type) {
	case *cachestore.RefreshOutcome:
		s.logger.Info("dataset refreshed", zap.String("lens", name), zap.String("dataset", string(v.Kind)),
			zap.String("outcome", string(v.Outcome)), zap.Int("rows", v.Rows))
	case []lens.KindResult:
		allOK := true
		for _, kr := range v {
			if kr.OK {
				s.logger.Info("dataset refreshed", zap.String("lens", name), zap.String("dataset", string(kr.Dataset)),
					zap.String("outcome", string(kr.Outcome.Outcome)), zap.Int("rows", kr.Outcome.Rows))
				continue
			}
			allOK = false
			s.logger.Warn("dataset refresh failed", zap.String("lens", name), zap.String("dataset", string(kr.Dataset)),
				zap.String("code", string(kr.Error.Code)), zap.String("msg", kr.Error.Message))
		}
		return allOK
	}
	return true
}
