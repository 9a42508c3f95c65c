package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Sender delivers one job. It may be called again for the same job after a failure.
type Sender interface {
	Send(ctx context.Context, job Job) error
}

// Options tune the dispatcher.
type Options struct {
	Concurrency   int
	MaxAttempts   int
	BackoffBase   time.Duration
	SendTimeout   time.Duration
	PollInterval  time.Duration
	PruneInterval time.Duration
	HighSpreadPct decimal.Decimal
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = time.Minute
	}
	if o.HighSpreadPct.IsZero() {
		o.HighSpreadPct = decimal.NewFromInt(5)
	}
	return o
}

// Queue accepts jobs from any number of producers and delivers them with a
// bounded worker pool, retrying with exponential backoff.
type Queue struct {
	backend Backend
	sender  Sender
	opts    Options
	backoff *backoff.Backoff
	logger  zerolog.Logger
	now     func() time.Time
	wake    chan struct{}
}

// New builds a dispatcher over backend.
func New(backend Backend, sender Sender, opts Options, logger zerolog.Logger) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		backend: backend,
		sender:  sender,
		opts:    opts,
		backoff: &backoff.Backoff{Min: opts.BackoffBase, Max: time.Hour, Factor: 2},
		logger:  logger.With().Str("component", "dispatch").Logger(),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue stamps the job with an id, priority and enqueue time and stores it.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Priority = PriorityFor(job.SpreadPct, q.opts.HighSpreadPct)
	job.Attempts = 0
	job.EnqueuedAt = q.now().UTC()
	if err := q.backend.Push(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue alert %s: %w", job.Symbol, err)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job.ID, nil
}

// Counts exposes queue depth.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	return q.backend.Counts(ctx)
}

// Run drains the queue until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info().Int("concurrency", q.opts.Concurrency).Int("max_attempts", q.opts.MaxAttempts).Msg("dispatch workers starting")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Concurrency; i++ {
		g.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		q.pruneLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (q *Queue) work(ctx context.Context) {
	for ctx.Err() == nil {
		if q.ProcessNext(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-time.After(q.opts.PollInterval):
		}
	}
}

func (q *Queue) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(q.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.backend.Prune(ctx, q.now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Warn().Err(err).Msg("prune finished jobs failed")
			}
		}
	}
}

// ProcessNext takes one ready job and attempts delivery. It reports whether a job was handled.
func (q *Queue) ProcessNext(ctx context.Context) bool {
	job, ok, err := q.backend.Pop(ctx, q.now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error().Err(err).Msg("pop job failed")
		}
		return false
	}
	if !ok {
		return false
	}

	job.Attempts++
	log := q.logger.With().Str("job", job.ID).Str("user", job.UserID).Str("symbol", job.Symbol).Int("attempt", job.Attempts).Logger()

	sendCtx, cancel := context.WithTimeout(ctx, q.opts.SendTimeout)
	sendErr := q.sender.Send(sendCtx, job)
	cancel()

	// bookkeeping must outlive a shutdown that interrupted the send
	bookCtx := context.WithoutCancel(ctx)
	now := q.now().UTC()

	if sendErr == nil {
		job.FinishedAt = now
		job.LastError = ""
		if err := q.backend.Complete(bookCtx, job); err != nil {
			log.Error().Err(err).Msg("mark job completed failed")
		}
		log.Debug().Msg("alert delivered")
		return true
	}

	job.LastError = sendErr.Error()
	if job.Attempts >= q.opts.MaxAttempts {
		job.FinishedAt = now
		if err := q.backend.Fail(bookCtx, job); err != nil {
			log.Error().Err(err).Msg("move job to failed set failed")
		}
		log.Error().Err(sendErr).Msg("alert delivery exhausted retries")
		return true
	}

	delay := q.backoff.ForAttempt(float64(job.Attempts - 1))
	job.NextAttemptAt = now.Add(delay)
	if err := q.backend.Retry(bookCtx, job); err != nil {
		log.Error().Err(err).Msg("schedule retry failed")
	}
	log.Warn().Err(sendErr).Dur("retry_in", delay).Msg("alert delivery failed, retrying")
	return true
}
