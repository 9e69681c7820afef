package resilience

import (
	"context"
	"math/rand"

	"golang.org/x/time/rate"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/pkg/models"
)

// RetryingModel decorates a model with the retry loop.
type RetryingModel struct {
	inner   llm.Model
	retrier *retrier
}

// NewRetryingModel wraps the model. A nil rng disables jitter.
func NewRetryingModel(inner llm.Model, cfg RetryConfig, b *bus.Bus, rng *rand.Rand) *RetryingModel {
	return &RetryingModel{inner: inner, retrier: newRetrier(cfg, b, rng)}
}

func (m *RetryingModel) ID() string { return m.inner.ID() }

func (m *RetryingModel) Generate(ctx context.Context, req *llm.GenerateRequest) (*models.ChatMessage, error) {
	var out *models.ChatMessage
	err := m.retrier.do(ctx, subject{modelID: m.inner.ID()}, func(ctx context.Context) error {
		msg, err := m.inner.Generate(ctx, req)
		if err != nil {
			return err
		}
		out = msg
		return nil
	})
	return out, err
}

// BreakerModel decorates a model with a circuit breaker keyed by model id.
type BreakerModel struct {
	inner   llm.Model
	breaker *Breaker
}

// NewBreakerModel wraps the model. The breaker may be shared across models.
func NewBreakerModel(inner llm.Model, breaker *Breaker) *BreakerModel {
	return &BreakerModel{inner: inner, breaker: breaker}
}

func (m *BreakerModel) ID() string { return m.inner.ID() }

func (m *BreakerModel) Generate(ctx context.Context, req *llm.GenerateRequest) (*models.ChatMessage, error) {
	if err := m.breaker.Allow(m.inner.ID()); err != nil {
		return nil, err
	}
	msg, err := m.inner.Generate(ctx, req)
	m.breaker.Record(m.inner.ID(), err)
	return msg, err
}

// PacedModel paces Generate calls through a token-bucket limiter.
type PacedModel struct {
	inner   llm.Model
	limiter *rate.Limiter
}

// NewPacedModel wraps the model with the given requests-per-second pace.
func NewPacedModel(inner llm.Model, rps float64) *PacedModel {
	return &PacedModel{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

func (m *PacedModel) ID() string { return m.inner.ID() }

func (m *PacedModel) Generate(ctx context.Context, req *llm.GenerateRequest) (*models.ChatMessage, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return m.inner.Generate(ctx, req)
}

// FailoverModel tries an ordered list of models. Each entry exhausts its own
// retries before the next is tried; authentication errors end the chain
// immediately.
type FailoverModel struct {
	chain []llm.Model
	bus   *bus.Bus
}

// NewFailover builds the failover chain. The first model is the primary.
func NewFailover(b *bus.Bus, chain ...llm.Model) *FailoverModel {
	return &FailoverModel{chain: chain, bus: b}
}

// ID reports the primary model's id.
func (m *FailoverModel) ID() string {
	if len(m.chain) == 0 {
		return ""
	}
	return m.chain[0].ID()
}

func (m *FailoverModel) Generate(ctx context.Context, req *llm.GenerateRequest) (*models.ChatMessage, error) {
	var lastErr error
	for i, model := range m.chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := model.Generate(ctx, req)
		if err == nil {
			return msg, nil
		}
		lastErr = err

		if Classify(err) == ClassAuthentication {
			return nil, err
		}
		if i+1 < len(m.chain) {
			m.emitFailover(model.ID(), m.chain[i+1].ID(), i+1)
		}
	}
	return nil, lastErr
}

func (m *FailoverModel) emitFailover(from, to string, attempt int) {
	if m.bus == nil {
		return
	}
	e := models.NewEvent(models.EventFailoverOccurred, from)
	e.Resilience = &models.ResilienceEventPayload{
		FromModelID: from,
		ToModelID:   to,
		Attempt:     attempt,
	}
	m.bus.Publish(e)
}

// Wrap composes the standard stack around a model: breaker innermost, retry
// around it. Failover is applied by the caller over several wrapped models.
func Wrap(inner llm.Model, cfg RetryConfig, breaker *Breaker, b *bus.Bus, rng *rand.Rand) llm.Model {
	var m llm.Model = inner
	if breaker != nil {
		m = NewBreakerModel(m, breaker)
	}
	m = NewRetryingModel(m, cfg, b, rng)
	return m
}
