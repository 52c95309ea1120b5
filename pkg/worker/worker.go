// Package worker drives the transcription pipeline: it claims pending
// windows from the corpus store, leases an engine credential, and records
// the outcome.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillaudio/scriptorium/pkg/corpusstore"
	"github.com/quillaudio/scriptorium/pkg/enginepool"
	"github.com/quillaudio/scriptorium/pkg/transcribe"
)

// Config tunes the worker loop.
type Config struct {
	// PollInterval is how long to sleep when no window is pending.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// QuotaCooldown is how long a credential rests after the backend
	// reports quota exhaustion.
	QuotaCooldown time.Duration `mapstructure:"quota_cooldown"`

	// ExhaustedBackoff is how long the worker sleeps when every credential
	// is cooling.
	ExhaustedBackoff time.Duration `mapstructure:"exhausted_backoff"`

	// Translate requests a translation pass from the engine.
	Translate bool `mapstructure:"translate"`
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     10 * time.Second,
		QuotaCooldown:    time.Hour,
		ExhaustedBackoff: 15 * time.Minute,
	}
}

// Worker processes windows one at a time. Run one Worker per process; the
// store's conditional claims make multiple processes safe.
type Worker struct {
	db     *sql.DB
	pool   *enginepool.Pool
	engine transcribe.Engine
	log    *zap.Logger
	cfg    Config

	now func() time.Time
}

// New creates a worker.
func New(db *sql.DB, pool *enginepool.Pool, engine transcribe.Engine, log *zap.Logger, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.QuotaCooldown <= 0 {
		cfg.QuotaCooldown = def.QuotaCooldown
	}
	if cfg.ExhaustedBackoff <= 0 {
		cfg.ExhaustedBackoff = def.ExhaustedBackoff
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Worker{
		db:     db,
		pool:   pool,
		engine: engine,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Run processes windows until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := w.ProcessOne(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, corpusstore.ErrNoPendingWindows):
			if err := sleep(ctx, w.cfg.PollInterval); err != nil {
				return err
			}
		case errors.Is(err, enginepool.ErrExhausted):
			w.log.Warn("all engine credentials cooling, backing off",
				zap.Duration("backoff", w.cfg.ExhaustedBackoff))
			if err := sleep(ctx, w.cfg.ExhaustedBackoff); err != nil {
				return err
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			// Store-level failures are not retried in a tight loop.
			w.log.Error("processing failed", zap.Error(err))
			if err := sleep(ctx, w.cfg.PollInterval); err != nil {
				return err
			}
		}
	}
}

// ProcessOne claims and transcribes a single window.
//
// Quota exhaustion on a credential does not fail the window: the credential
// is cooled and the same claim retries on the next lease. Only when the
// pool runs dry mid-claim does the window go back to pending.
func (w *Worker) ProcessOne(ctx context.Context) error {
	// Probe the pool before claiming so an idle-but-exhausted worker does
	// not churn windows through pending/processing.
	lease, err := w.pool.Lease()
	if err != nil {
		return err
	}

	win, job, err := corpusstore.ClaimNextWindow(ctx, w.db)
	if err != nil {
		return err
	}

	log := w.log.With(
		zap.String("window", win.Key().String()),
		zap.String("job_id", job.JobID),
		zap.Int("attempt", job.Attempt))
	log.Info("claimed window for transcription")

	for {
		if err := corpusstore.RecordJobEngine(ctx, w.db, job.JobID, lease.Variant, lease.Credential); err != nil {
			return err
		}
		if err := lease.Wait(ctx); err != nil {
			return err
		}

		result, err := w.engine.Transcribe(ctx, transcribe.Request{
			AudioPath:  win.AudioPath,
			Variant:    lease.Variant,
			Credential: lease.Key,
			Translate:  w.cfg.Translate,
		})

		switch {
		case err == nil:
			utterances := segmentsToUtterances(result.Segments, win.Length)
			if err := corpusstore.CompleteTranscription(ctx, w.db, win.Key(), job.JobID, utterances); err != nil {
				return fmt.Errorf("store transcription: %w", err)
			}
			log.Info("window transcribed",
				zap.String("variant", lease.Variant),
				zap.String("credential", lease.Credential),
				zap.Int("utterances", len(utterances)))
			return nil

		case transcribe.IsQuotaExceeded(err):
			until := w.now().Add(w.cfg.QuotaCooldown)
			log.Warn("credential quota exhausted, cooling",
				zap.String("variant", lease.Variant),
				zap.String("credential", lease.Credential),
				zap.Time("until", until))
			if err := w.pool.MarkCooling(lease.Variant, lease.Credential, until); err != nil {
				return err
			}

			lease, err = w.pool.Lease()
			if err != nil {
				if failErr := corpusstore.FailTranscription(ctx, w.db, win.Key(), job.JobID, "all engine credentials cooling down"); failErr != nil {
					return failErr
				}
				return err
			}

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// Shutdown mid-transcription: put the window back without
			// counting it as an engine failure.
			if failErr := corpusstore.FailTranscription(context.WithoutCancel(ctx), w.db, win.Key(), job.JobID, "worker interrupted"); failErr != nil {
				return failErr
			}
			return err

		default:
			log.Warn("transcription failed, window returns to pending", zap.Error(err))
			return corpusstore.FailTranscription(ctx, w.db, win.Key(), job.JobID, err.Error())
		}
	}
}

// segmentsToUtterances converts engine segments into unverified utterances,
// clamping spans to the window and dropping anything empty after clamping.
func segmentsToUtterances(segments []transcribe.Segment, windowLength time.Duration) []corpusstore.Utterance {
	var out []corpusstore.Utterance
	for _, s := range segments {
		start, end := s.Start, s.End
		if start < 0 {
			start = 0
		}
		if end > windowLength {
			end = windowLength
		}
		if start >= end || s.Transcript == "" {
			continue
		}
		out = append(out, corpusstore.Utterance{
			UtteranceID: uuid.NewString(),
			RelStart:    start,
			RelEnd:      end,
			Transcript:  s.Transcript,
			Translation: s.Translation,
		})
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
