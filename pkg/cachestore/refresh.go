package cachestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

// Refresh replaces the dataset produced by src.
//
// A refresh of a kind that already has one running is rejected with
// REFRESH_IN_PROGRESS; it is never queued. Without force, a fresh dataset is
// left untouched and the outcome is Skipped. The fetch is bounded by
// Opts.FetchTimeout. Rows are swapped inside one transaction: on any error or
// cancellation the previous dataset stays in place.
func (s *Store) Refresh(ctx context.Context, src Source, force bool, progress ProgressFunc) (*RefreshOutcome, error) {
	k := src.Kind()
	if _, ok := s.opts.TTL[k]; !ok {
		return nil, errs.Validation("unknown dataset %q", k)
	}
	if progress == nil {
		progress = func(Progress) {}
	}

	if !s.acquire(k) {
		return nil, errs.RefreshInProgress(string(k))
	}
	defer s.release(k)

	start := time.Now()
	lg := s.opts.Logger.With(zap.String("dataset", string(k)), zap.String("source", src.Name()))

	if !force {
		st, err := s.Status(ctx, k)
		if err != nil {
			return nil, err
		}
		if !st.Stale {
			lg.Debug("dataset is fresh, refresh skipped", zap.Time("last_updated", st.LastUpdated))
			return &RefreshOutcome{
				Kind:      k,
				Outcome:   Skipped,
				Source:    st.Source,
				Rows:      st.Rows,
				UpdatedAt: st.LastUpdated,
			}, nil
		}
	}

	progress(Progress{Kind: k, Stage: StageFetching, Source: src.Name()})
	payload, err := s.fetch(ctx, src)
	if err != nil {
		lg.Warn("dataset fetch failed", zap.Error(err))
		return nil, err
	}
	if payload.Kind() != k {
		return nil, errs.Internal(fmt.Errorf("source %s returned %s payload for %s", src.Name(), payload.Kind(), k))
	}
	progress(Progress{Kind: k, Stage: StageFetched, Source: src.Name(), Rows: payload.Len()})

	progress(Progress{Kind: k, Stage: StageWriting, Source: src.Name(), Rows: payload.Len()})
	updated, err := s.replace(ctx, k, src.Name(), payload)
	if err != nil {
		lg.Error("dataset write failed", zap.Error(err))
		return nil, err
	}
	progress(Progress{Kind: k, Stage: StageCommitted, Source: src.Name(), Rows: payload.Len()})

	took := time.Since(start)
	lg.Info("dataset refreshed", zap.Int("rows", payload.Len()), zap.Duration("took", took))
	return &RefreshOutcome{
		Kind:      k,
		Outcome:   Refreshed,
		Source:    src.Name(),
		Rows:      payload.Len(),
		UpdatedAt: updated,
		Took:      took.Round(time.Millisecond).String(),
	}, nil
}

// InProgress reports whether a refresh of k is running.
func (s *Store) InProgress(k Kind) bool {
	s.m.Lock()
	defer s.m.Unlock()
	_, ok := s.inflight[k]
	return ok
}

func (s *Store) acquire(k Kind) bool {
	s.m.Lock()
	defer s.m.Unlock()
	if _, busy := s.inflight[k]; busy {
		return false
	}
	s.inflight[k] = struct{}{}
	return true
}

func (s *Store) release(k Kind) {
	s.m.Lock()
	delete(s.inflight, k)
	s.m.Unlock()
}

func (s *Store) fetch(ctx context.Context, src Source) (Payload, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	p, err := src.Fetch(fetchCtx)
	if err != nil {
		// The caller went away: not a remote failure.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		var e *errs.Error
		if errors.As(err, &e) {
			return nil, e
		}
		return nil, errs.Fetch(src.Name(), err)
	}
	if p == nil {
		return nil, errs.Fetch(src.Name(), errors.New("empty payload"))
	}
	return p, nil
}

func (s *Store) replace(ctx context.Context, k Kind, source string, p Payload) (time.Time, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, errs.Storage("begin write", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+string(k)); err != nil {
		return time.Time{}, errs.Storage("clear "+string(k), err)
	}
	if err := p.insert(ctx, tx); err != nil {
		return time.Time{}, errs.Storage("write "+string(k), err)
	}
	now := s.opts.Now().UTC().Truncate(time.Second)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta(kind, updated_at, source, rows) VALUES(?,?,?,?)
		ON CONFLICT(kind) DO UPDATE SET updated_at=excluded.updated_at, source=excluded.source, rows=excluded.rows`,
		string(k), now.Unix(), source, p.Len()); err != nil {
		return time.Time{}, errs.Storage("write meta", err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, errs.Storage("commit "+string(k), err)
	}
	return now, nil
}
