package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/synqronlabs/heron"
)

const (
	DefaultRetryBase   = 15 * time.Minute
	DefaultMaxAttempts = 20
	maxRetryDelay      = 4 * time.Hour
)

// Runner delivers spooled messages. It implements heron.QueueRunner so
// ETRN can start a run for one domain. A Runner built as a struct literal
// needs only Spool and Deliverer; zero fields take their defaults.
type Runner struct {
	Spool       *Spool
	Deliverer   Deliverer
	Logger      *slog.Logger
	RetryBase   time.Duration
	MaxAttempts int

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
	now      func() time.Time
}

var _ heron.QueueRunner = (*Runner)(nil)

// NewRunner delivers messages from spool through d.
func NewRunner(spool *Spool, d Deliverer) *Runner {
	return &Runner{
		Spool:       spool,
		Deliverer:   d,
		Logger:      slog.Default(),
		RetryBase:   DefaultRetryBase,
		MaxAttempts: DefaultMaxAttempts,
		inFlight:    make(map[string]bool),
		now:         time.Now,
	}
}

// Matches reports whether rec has a pending recipient selected by match:
// "@domain" selects domain and its subdomains, a bare name selects that
// host only and the empty string selects everything.
func Matches(rec *Record, match string) bool {
	if match == "" {
		return len(rec.Pending()) > 0
	}
	match = strings.ToLower(match)
	for _, addr := range rec.Pending() {
		_, domain, ok := strings.Cut(addr, "@")
		if !ok {
			continue
		}
		domain = strings.ToLower(domain)
		if suffix, isDomain := strings.CutPrefix(match, "@"); isDomain {
			if domain == suffix || strings.HasSuffix(domain, "."+suffix) {
				return true
			}
		} else if domain == match {
			return true
		}
	}
	return false
}

// RunQueue implements heron.QueueRunner. Matching messages are delivered
// in the background regardless of their retry time.
func (r *Runner) RunQueue(ctx context.Context, match string) (bool, error) {
	if r.Deliverer == nil {
		return false, nil
	}
	ids, err := r.Spool.List()
	if err != nil {
		return false, err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.process(ctx, ids, match, true)
	}()
	return true, nil
}

// Flush delivers every message whose retry time has come and waits for
// the run to finish.
func (r *Runner) Flush(ctx context.Context) error {
	ids, err := r.Spool.List()
	if err != nil {
		return err
	}
	r.process(ctx, ids, "", false)
	return nil
}

// Run flushes the queue every interval until ctx is done.
func (r *Runner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := r.Flush(ctx); err != nil {
			r.logger().Error("queue run failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until background runs started by RunQueue finish.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight == nil {
		r.inFlight = make(map[string]bool)
	}
	if r.inFlight[id] {
		return false
	}
	r.inFlight[id] = true
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, id)
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Runner) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func (r *Runner) process(ctx context.Context, ids []string, match string, force bool) {
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if !r.claim(id) {
			continue
		}
		r.deliverOne(ctx, id, match, force)
		r.release(id)
	}
}

func (r *Runner) deliverOne(ctx context.Context, id, match string, force bool) {
	logger := r.logger().With(slog.String("id", id))
	rec, err := r.Spool.Load(id)
	if err != nil {
		logger.Error("cannot load queued message", slog.Any("error", err))
		return
	}
	if !Matches(rec, match) {
		return
	}
	if !force && r.clock().Before(rec.NextAttempt) {
		return
	}
	body, err := r.Spool.Body(id)
	if err != nil {
		logger.Error("cannot read queued message", slog.Any("error", err))
		return
	}

	derr := r.Deliverer.Deliver(ctx, rec, body)
	if len(rec.Pending()) == 0 {
		if derr != nil {
			logger.Warn("recipients refused", slog.Any("error", derr))
		}
		logger.Info("message delivered", slog.String("from", rec.Sender))
		if err := r.Spool.Remove(id); err != nil {
			logger.Error("cannot remove delivered message", slog.Any("error", err))
		}
		return
	}

	rec.Attempts++
	if derr != nil {
		rec.LastError = derr.Error()
	}
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if rec.Attempts >= maxAttempts {
		logger.Error("giving up on message",
			slog.Int("attempts", rec.Attempts),
			slog.String("last_error", rec.LastError),
			slog.Any("pending", rec.Pending()),
		)
		if err := r.Spool.Remove(id); err != nil {
			logger.Error("cannot remove expired message", slog.Any("error", err))
		}
		return
	}
	base := r.RetryBase
	if base <= 0 {
		base = DefaultRetryBase
	}
	rec.NextAttempt = r.clock().Add(retryDelay(base, rec.Attempts))
	logger.Info("delivery deferred",
		slog.Int("attempts", rec.Attempts),
		slog.Time("next_attempt", rec.NextAttempt),
		slog.Any("error", derr),
	)
	if err := r.Spool.Save(rec); err != nil {
		logger.Error("cannot update queued message", slog.Any("error", err))
	}
}

// retryDelay doubles base for every failed attempt up to four hours.
func retryDelay(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}
