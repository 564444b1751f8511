package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler executes one job. Returning nil completes it; returning an error
// schedules a retry unless the error is Permanent or attempts are exhausted.
type Handler func(ctx context.Context, job Job) error

type sweep struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	lastRun  time.Time
}

// Runner polls the store for due jobs and dispatches them.
type Runner struct {
	Store        Store
	Logger       zerolog.Logger
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Lease        time.Duration
	Now          func() time.Time

	handlers map[Type]Handler
	sweeps   []*sweep

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRunner(store Store, logger zerolog.Logger) *Runner {
	return &Runner{
		Store:        store,
		Logger:       logger.With().Str("component", "jobs").Logger(),
		PollInterval: 5 * time.Second,
		BatchSize:    50,
		MaxAttempts:  5,
		Lease:        5 * time.Minute,
		Now:          time.Now,
		handlers:     make(map[Type]Handler),
	}
}

// Handle registers the handler for a job type.
func (r *Runner) Handle(t Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Every registers a periodic sweep run from the polling loop.
func (r *Runner) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps = append(r.sweeps, &sweep{name: name, interval: interval, fn: fn})
}

// Start begins polling in a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker != nil {
		return
	}
	r.ticker = time.NewTicker(r.PollInterval)
	r.stop = make(chan struct{})
	r.wg.Add(1)

	go r.run(ctx)

	r.Logger.Info().Dur("poll_interval", r.PollInterval).Msg("job runner started")
}

// Stop stops polling and waits for the in-flight batch.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.ticker == nil {
		r.mu.Unlock()
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.ticker = nil
	r.mu.Unlock()

	r.wg.Wait()
	r.Logger.Info().Msg("job runner stopped")
}

func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()

	r.tick(ctx)

	r.mu.Lock()
	ticker := r.ticker
	r.mu.Unlock()
	if ticker == nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	r.runSweeps(ctx)
	if _, err := r.RunNow(ctx); err != nil {
		r.Logger.Error().Err(err).Msg("claiming due jobs")
	}
}

// RunNow processes due jobs until none remain and returns how many ran.
func (r *Runner) RunNow(ctx context.Context) (int, error) {
	processed := 0
	for {
		batch, err := r.Store.ClaimDueJobs(ctx, r.Now().UTC(), r.Lease, r.BatchSize)
		if err != nil {
			return processed, err
		}
		if len(batch) == 0 {
			return processed, nil
		}
		for _, job := range batch {
			r.dispatch(ctx, job)
			processed++
		}
		if len(batch) < r.BatchSize {
			return processed, nil
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, job Job) {
	log := r.Logger.With().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Int("attempt", job.Attempts).
		Logger()

	r.mu.Lock()
	h, ok := r.handlers[job.Type]
	r.mu.Unlock()

	var err error
	if !ok {
		err = Permanent(fmt.Errorf("no handler for job type %q", job.Type))
	} else {
		err = safeCall(ctx, h, job)
	}

	switch {
	case err == nil:
		if cerr := r.Store.CompleteJob(ctx, job.ID); cerr != nil {
			log.Error().Err(cerr).Msg("marking job done")
			return
		}
		log.Debug().Msg("job done")
	case IsPermanent(err) || job.Attempts >= r.MaxAttempts:
		if ferr := r.Store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("marking job failed")
		}
		log.Error().Err(err).Msg("job failed permanently")
	default:
		next := r.Now().UTC().Add(Backoff(job.Attempts))
		if rerr := r.Store.RetryJob(ctx, job.ID, next, err.Error()); rerr != nil {
			log.Error().Err(rerr).Msg("rescheduling job")
		}
		log.Warn().Err(err).Time("retry_at", next).Msg("job failed, will retry")
	}
}

func (r *Runner) runSweeps(ctx context.Context) {
	now := r.Now()

	r.mu.Lock()
	due := make([]*sweep, 0, len(r.sweeps))
	for _, s := range r.sweeps {
		if s.lastRun.IsZero() || now.Sub(s.lastRun) >= s.interval {
			s.lastRun = now
			due = append(due, s)
		}
	}
	r.mu.Unlock()

	for _, s := range due {
		if err := s.fn(ctx); err != nil {
			r.Logger.Error().Err(err).Str("sweep", s.name).Msg("sweep failed")
		}
	}
}

// Backoff returns the retry delay after the given number of attempts:
// 10s, 20s, 40s ... capped at one hour.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := 10 * time.Second
	for i := 1; i < attempts && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

func safeCall(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, job)
}
