package overflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SubmitFunc replays one parked job through the normal admission path. It
// returns ErrNoCapacity when admission still denies the key, any other error
// for a failed upstream call, and nil on success.
type SubmitFunc func(ctx context.Context, job *Job) error

// ErrNoCapacity is the sentinel a SubmitFunc returns when the job's key has
// no admission capacity yet. The job goes back to the queue without burning
// an attempt.
type noCapacityError struct{}

func (noCapacityError) Error() string { return "overflow: no capacity" }

// ErrNoCapacity signals the drainer to put the job back untouched.
var ErrNoCapacity = noCapacityError{}

// DrainerConfig tunes the background drainer.
type DrainerConfig struct {
	// Schedule is a cron expression for the wall-clock drain tick.
	// Default "* * * * *" (every minute).
	Schedule string
	// MaxAttempts before a job is dropped. Default 3.
	MaxAttempts int
	// RetryBackoff between attempts of one job. Default 30s.
	RetryBackoff time.Duration
}

// Drainer replays parked jobs. It wakes on a cron schedule and whenever the
// rate limiter signals that a concurrency slot was released, and drains
// FIFO until the queue is empty or capacity runs out.
type Drainer struct {
	store  *Store
	submit SubmitFunc
	cfg    DrainerConfig
	log    *slog.Logger

	// wake coalesces external capacity-release signals.
	wake chan struct{}

	cron     *cron.Cron
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once

	// onEvent, when set, receives queue telemetry
	// (drained|failed|dropped) plus the current depth.
	onEvent func(event string, depth int64)
}

func NewDrainer(store *Store, submit SubmitFunc, cfg DrainerConfig, log *slog.Logger) *Drainer {
	if cfg.Schedule == "" {
		cfg.Schedule = "* * * * *"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Drainer{
		store:  store,
		submit: submit,
		cfg:    cfg,
		log:    log,
		wake:   make(chan struct{}, 1),
	}
}

// OnEvent registers a telemetry callback. Call before Start.
func (d *Drainer) OnEvent(fn func(event string, depth int64)) { d.onEvent = fn }

// Wake nudges the drainer outside its schedule. Non-blocking; signals
// coalesce.
func (d *Drainer) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start launches the drain loop and cron tick. Returns an error only when
// the schedule expression cannot be parsed.
func (d *Drainer) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	d.cron = cron.New()
	if _, err := d.cron.AddFunc(d.cfg.Schedule, d.Wake); err != nil {
		return err
	}
	d.cron.Start()

	d.wg.Add(1)
	go d.loop(ctx)
	return nil
}

// Stop halts the cron tick and waits for the loop to exit.
func (d *Drainer) Stop() {
	d.stopOnce.Do(func() {
		if d.cron != nil {
			d.cron.Stop()
		}
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
	})
}

func (d *Drainer) loop(ctx context.Context) {
	defer d.wg.Done()

	// Jobs claimed by a previous process would otherwise be stranded.
	if n, err := d.store.RecoverInFlight(ctx); err != nil {
		d.log.Error("overflow_recover_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		d.log.Info("overflow_recovered", slog.Int64("jobs", n))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			d.drain(ctx)
		}
	}
}

// drain replays due jobs until the queue is empty, capacity runs out, or the
// context dies.
func (d *Drainer) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := d.store.NextPending(ctx)
		if err != nil {
			d.log.Error("overflow_next_failed", slog.String("error", err.Error()))
			return
		}
		if job == nil {
			return
		}

		err = d.submit(ctx, job)
		switch {
		case err == nil:
			if derr := d.store.MarkDone(ctx, job.JobID); derr != nil {
				d.log.Error("overflow_done_failed",
					slog.String("job_id", job.JobID), slog.String("error", derr.Error()))
			}
			d.log.Info("overflow_drained",
				slog.String("job_id", job.JobID),
				slog.String("request_id", job.RequestID),
				slog.Duration("queued_for", time.Since(job.EnqueuedAt)),
			)
			d.emit("drained")

		case err == ErrNoCapacity:
			// Put it back without counting an attempt and stop draining;
			// the next release signal will wake us.
			if rerr := d.store.Requeue(ctx, job); rerr != nil {
				d.log.Error("overflow_requeue_failed",
					slog.String("job_id", job.JobID), slog.String("error", rerr.Error()))
			}
			return

		default:
			dropped, ferr := d.store.MarkFailed(ctx, job, d.cfg.MaxAttempts, d.cfg.RetryBackoff)
			if ferr != nil {
				d.log.Error("overflow_requeue_failed",
					slog.String("job_id", job.JobID), slog.String("error", ferr.Error()))
				return
			}
			if dropped {
				d.log.Warn("overflow_dropped",
					slog.String("job_id", job.JobID),
					slog.String("request_id", job.RequestID),
					slog.Int("attempts", job.Attempts+1),
					slog.String("error", err.Error()),
				)
				d.emit("dropped")
			} else {
				d.log.Warn("overflow_attempt_failed",
					slog.String("job_id", job.JobID),
					slog.Int("attempts", job.Attempts+1),
					slog.String("error", err.Error()),
				)
				d.emit("failed")
			}
		}
	}
}

func (d *Drainer) emit(event string) {
	if d.onEvent == nil {
		return
	}
	depth, err := d.store.Depth(context.Background())
	if err != nil {
		depth = -1
	}
	d.onEvent(event, depth)
}
