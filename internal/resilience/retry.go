package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/loomhq/loom/internal/backoff"
	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/pkg/models"
)

// RetryConfig bounds the retry loop shared by model and tool decorators.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget, including the first call.
	MaxAttempts int

	// Policy is the backoff schedule between attempts.
	Policy backoff.Policy
}

// DefaultRetryConfig returns three attempts with the default backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, Policy: backoff.DefaultPolicy()}
}

// subject names what is being retried for event payloads.
type subject struct {
	modelID  string
	toolName string
}

func (s subject) payload() *models.ResilienceEventPayload {
	return &models.ResilienceEventPayload{ModelID: s.modelID, ToolName: s.toolName}
}

func (s subject) key() string {
	if s.modelID != "" {
		return s.modelID
	}
	return s.toolName
}

// retrier runs the shared retry loop. sleep is injectable for tests.
type retrier struct {
	cfg   RetryConfig
	bus   *bus.Bus
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

func newRetrier(cfg RetryConfig, b *bus.Bus, rng *rand.Rand) *retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &retrier{cfg: cfg, bus: b, rng: rng, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// do runs fn up to MaxAttempts times. Authentication and client errors stop
// immediately; rate limits wait at least the server-mandated delay.
func (r *retrier) do(ctx context.Context, sub subject, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.emitRecovered(sub, attempt-1)
			}
			return nil
		}
		lastErr = err

		class := Classify(err)
		if !class.Transient() {
			return err
		}
		if attempt >= r.cfg.MaxAttempts {
			break
		}

		wait := backoff.Compute(r.cfg.Policy, attempt, r.rng)
		if class == ClassRateLimit {
			retryAfter := RetryAfterOf(err)
			if retryAfter > wait {
				wait = retryAfter
			}
			r.emitRateLimit(sub, err, retryAfter, wait)
		}
		r.emitRetry(sub, attempt, wait)

		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func (r *retrier) emitRetry(sub subject, attempt int, wait time.Duration) {
	if r.bus == nil {
		return
	}
	e := models.NewEvent(models.EventRetryRequested, sub.key())
	due := e.CreatedAt.Add(wait)
	e.DueAt = &due
	p := sub.payload()
	p.Attempt = attempt
	p.MaxAttempts = r.cfg.MaxAttempts
	p.SuggestedInterval = wait
	e.Resilience = p
	r.bus.Publish(e)
}

func (r *retrier) emitRateLimit(sub subject, cause error, retryAfter, wait time.Duration) {
	if r.bus == nil {
		return
	}
	e := models.NewEvent(models.EventRateLimitHit, sub.key())
	due := e.CreatedAt.Add(wait)
	e.DueAt = &due
	p := sub.payload()
	p.RetryAfter = retryAfter
	p.OriginalRequest = cause.Error()
	e.Resilience = p
	r.bus.Publish(e)
}

func (r *retrier) emitRecovered(sub subject, failedAttempts int) {
	if r.bus == nil {
		return
	}
	e := models.NewEvent(models.EventRecoveryCompleted, sub.key())
	p := sub.payload()
	p.AttemptsBeforeRecovery = failedAttempts
	e.Resilience = p
	r.bus.Publish(e)
}
