package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/MarcoPoloResearchLab/boardsync/internal/ephemeral"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/MarcoPoloResearchLab/boardsync/internal/reconciler"

const (
	defaultInterval        = 5 * time.Second
	defaultBatchSize       = 10
	defaultSnapshotEvery   = 5
	defaultMaxSnapshots    = 50
	defaultShutdownTimeout = 10 * time.Second
)

var (
	errMissingCache   = errors.New("board cache is required")
	errMissingBoards  = errors.New("durable board store is required")
	errMissingResets  = errors.New("reset publisher is required")
	errInvalidCadence = errors.New("snapshot cadence must be positive")
)

// Outcome describes what one flush did to one board.
type Outcome string

// Flush outcomes.
const (
	OutcomeFlushed  Outcome = "flushed"
	OutcomeClean    Outcome = "clean"
	OutcomeConflict Outcome = "conflict"
	OutcomeDropped  Outcome = "dropped"
	OutcomeFailed   Outcome = "failed"
)

// Cache is the ephemeral board state drained by the reconciler.
type Cache interface {
	ActiveBoards(ctx context.Context) ([]boards.BoardID, error)
	ReadBoard(ctx context.Context, boardID boards.BoardID) (ephemeral.CachedBoard, error)
	MarkFlushed(ctx context.Context, boardID boards.BoardID, baseVersion, revision int64) (bool, error)
	ResetBoard(ctx context.Context, state boards.BoardState) (bool, error)
	DropBoard(ctx context.Context, boardID boards.BoardID) error
	ClearDirty(ctx context.Context, boardID boards.BoardID) error
}

// ResetPublisher announces that a board cache was replaced by the durable row.
type ResetPublisher interface {
	PublishReset(ctx context.Context, boardID boards.BoardID) error
}

// Durable is the subset of the durable store the reconciler writes through.
type Durable interface {
	LoadBoard(ctx context.Context, boardID boards.BoardID) (boards.BoardState, error)
	CompareAndSwapObjects(ctx context.Context, boardID boards.BoardID, expectedVersion int64, objects []boards.Object, deletedIDs []string) (bool, error)
	CreateSnapshot(ctx context.Context, boardID boards.BoardID, boardVersion int64, objects []boards.Object, maxRetained int) (boards.Snapshot, error)
}

// Config describes the reconciler's collaborators and cadence.
type Config struct {
	Cache           Cache
	Resets          ResetPublisher
	Boards          Durable
	Interval        time.Duration
	BatchSize       int
	SnapshotEvery   int
	MaxSnapshots    int
	ShutdownTimeout time.Duration
	TracerProvider  trace.TracerProvider
	Logger          *zap.Logger
}

// Report summarizes one pass over the active boards.
type Report struct {
	Boards   int
	Outcomes map[boards.BoardID]Outcome
}

// Count returns how many boards ended with the given outcome.
func (r Report) Count(outcome Outcome) int {
	count := 0
	for _, value := range r.Outcomes {
		if value == outcome {
			count++
		}
	}
	return count
}

// Reconciler periodically drains dirty board caches into durable storage under
// version-guarded writes. Instances share nothing; the durable version arbitrates.
type Reconciler struct {
	cache           Cache
	resets          ResetPublisher
	boards          Durable
	interval        time.Duration
	batchSize       int
	snapshotEvery   int
	maxSnapshots    int
	shutdownTimeout time.Duration
	tracer          trace.Tracer
	logger          *zap.Logger

	mu     sync.Mutex
	counts map[boards.BoardID]int
}

// New validates the configuration and constructs a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Resets == nil {
		return nil, errMissingResets
	}
	if cfg.Boards == nil {
		return nil, errMissingBoards
	}
	if cfg.SnapshotEvery < 0 {
		return nil, errInvalidCadence
	}
	provider := cfg.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		cache:           cfg.Cache,
		resets:          cfg.Resets,
		boards:          cfg.Boards,
		interval:        positiveDuration(cfg.Interval, defaultInterval),
		batchSize:       positiveInt(cfg.BatchSize, defaultBatchSize),
		snapshotEvery:   positiveInt(cfg.SnapshotEvery, defaultSnapshotEvery),
		maxSnapshots:    positiveInt(cfg.MaxSnapshots, defaultMaxSnapshots),
		shutdownTimeout: positiveDuration(cfg.ShutdownTimeout, defaultShutdownTimeout),
		tracer:          provider.Tracer(tracerName),
		logger:          logger,
		counts:          make(map[boards.BoardID]int),
	}, nil
}

// Run ticks until ctx is cancelled, then performs one final pass without the batch limit.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("reconcile tick failed", zap.Error(err))
			}
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.shutdownTimeout)
			report, err := r.pass(finalCtx, "reconciler.final_pass", -1)
			cancel()
			if err != nil {
				r.logger.Error("final reconcile pass failed", zap.Error(err))
				return
			}
			r.logger.Info("final reconcile pass complete",
				zap.Int("boards", report.Boards),
				zap.Int("flushed", report.Count(OutcomeFlushed)),
				zap.Int("failed", report.Count(OutcomeFailed)))
			return
		}
	}
}

// Tick runs one bounded pass over every active board. An error is returned only when the
// active boards could not be enumerated; per-board failures are logged and reported.
func (r *Reconciler) Tick(ctx context.Context) (Report, error) {
	return r.pass(ctx, "reconciler.tick", r.batchSize)
}

// Flush reconciles a single board.
func (r *Reconciler) Flush(ctx context.Context, boardID boards.BoardID) Outcome {
	ctx, span := r.tracer.Start(ctx, "reconciler.flush", trace.WithAttributes(
		attribute.String("board.id", boardID.String()),
	))
	defer span.End()

	outcome, err := r.flush(ctx, boardID)
	span.SetAttributes(attribute.String("reconcile.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome
}

func (r *Reconciler) pass(ctx context.Context, spanName string, limit int) (Report, error) {
	ctx, span := r.tracer.Start(ctx, spanName)
	defer span.End()

	boardIDs, err := r.cache.ActiveBoards(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Report{}, err
	}
	span.SetAttributes(attribute.Int("reconcile.boards", len(boardIDs)))
	report := Report{Boards: len(boardIDs), Outcomes: make(map[boards.BoardID]Outcome, len(boardIDs))}
	var reportMu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)
	for _, boardID := range boardIDs {
		group.Go(func() error {
			outcome := r.Flush(groupCtx, boardID)
			reportMu.Lock()
			report.Outcomes[boardID] = outcome
			reportMu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return report, nil
}

func (r *Reconciler) flush(ctx context.Context, boardID boards.BoardID) (Outcome, error) {
	boardField := zap.String("board_id", boardID.String())
	cached, err := r.cache.ReadBoard(ctx, boardID)
	if errors.Is(err, ephemeral.ErrBoardNotCached) {
		if err := r.cache.ClearDirty(ctx, boardID); err != nil {
			r.logger.Warn("failed to clear dirty marker", boardField, zap.Error(err))
		}
		return OutcomeClean, nil
	}
	if err != nil {
		r.logger.Warn("reconcile read failed", boardField, zap.Error(err))
		return OutcomeFailed, err
	}
	if !cached.Dirty() {
		return OutcomeClean, nil
	}

	swapped, err := r.boards.CompareAndSwapObjects(ctx, boardID, cached.Version, cached.Objects, cached.Tombstones)
	if err != nil {
		r.logger.Warn("reconcile write failed", boardField, zap.Int64("version", cached.Version), zap.Error(err))
		return OutcomeFailed, err
	}
	if !swapped {
		return r.recover(ctx, boardID)
	}

	if _, err := r.cache.MarkFlushed(ctx, boardID, cached.Version, cached.Revision); err != nil {
		r.logger.Error("failed to record flush", boardField, zap.Int64("version", cached.Version+1), zap.Error(err))
	}
	if r.recordSave(boardID) && len(cached.Objects) > 0 {
		snapshot, err := r.boards.CreateSnapshot(ctx, boardID, cached.Version+1, cached.Objects, r.maxSnapshots)
		if err != nil {
			r.logger.Error("snapshot failed", boardField, zap.Int64("version", cached.Version+1), zap.Error(err))
		} else {
			r.logger.Debug("snapshot created", boardField, zap.Int64("snapshot", snapshot.VersionNumber))
		}
	}
	r.logger.Debug("board flushed", boardField,
		zap.Int64("version", cached.Version+1),
		zap.Int("objects", len(cached.Objects)))
	return OutcomeFlushed, nil
}

// recover adopts the durable row after a lost compare-and-swap. Pending cache writes are
// discarded and sessions are told to resync.
func (r *Reconciler) recover(ctx context.Context, boardID boards.BoardID) (Outcome, error) {
	boardField := zap.String("board_id", boardID.String())
	r.resetCount(boardID)

	state, err := r.boards.LoadBoard(ctx, boardID)
	if errors.Is(err, boards.ErrBoardNotFound) {
		if err := r.cache.DropBoard(ctx, boardID); err != nil {
			r.logger.Warn("failed to drop cache of deleted board", boardField, zap.Error(err))
			return OutcomeFailed, err
		}
		r.logger.Info("board deleted; cache dropped", boardField)
		return OutcomeDropped, nil
	}
	if err != nil {
		r.logger.Warn("reconcile reload failed", boardField, zap.Error(err))
		return OutcomeFailed, err
	}

	replaced, err := r.cache.ResetBoard(ctx, state)
	if err != nil {
		r.logger.Warn("reconcile reset failed", boardField, zap.Error(err))
		return OutcomeFailed, err
	}
	if replaced {
		if err := r.resets.PublishReset(ctx, boardID); err != nil {
			r.logger.Warn("failed to announce board reset", boardField, zap.Error(err))
		}
	}
	r.logger.Info("version conflict; cache replaced by durable board",
		boardField,
		zap.Int64("version", state.Version),
		zap.Bool("replaced", replaced))
	return OutcomeConflict, nil
}

// recordSave counts a successful save and reports whether it completes a snapshot cadence.
func (r *Reconciler) recordSave(boardID boards.BoardID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[boardID]++
	if r.counts[boardID] < r.snapshotEvery {
		return false
	}
	r.counts[boardID] = 0
	return true
}

func (r *Reconciler) resetCount(boardID boards.BoardID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counts, boardID)
}

// SaveCount returns the consecutive successful saves since the last snapshot or conflict.
func (r *Reconciler) SaveCount(boardID boards.BoardID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[boardID]
}

func positiveDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func positiveInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
