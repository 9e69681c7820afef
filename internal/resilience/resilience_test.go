package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/pkg/models"
)

type httpError struct {
	code       int
	msg        string
	retryAfter time.Duration
}

func (e *httpError) Error() string   { return e.msg }
func (e *httpError) StatusCode() int { return e.code }

func (e *httpError) RetryAfter() time.Duration { return e.retryAfter }

// scriptedModel returns the queued results in order, repeating the last one.
type scriptedModel struct {
	id      string
	results []error
	calls   int
}

func (m *scriptedModel) ID() string { return m.id }

func (m *scriptedModel) Generate(_ context.Context, _ *llm.GenerateRequest) (*models.ChatMessage, error) {
	i := m.calls
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	m.calls++
	if err := m.results[i]; err != nil {
		return nil, err
	}
	return &models.ChatMessage{Role: models.RoleAssistant, Content: "ok"}, nil
}

func noSleep(r *retrier) (slept *[]time.Duration) {
	var log []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		log = append(log, d)
		return nil
	}
	return &log
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{&httpError{code: 429, msg: "slow down"}, ClassRateLimit},
		{&httpError{code: 401, msg: "nope"}, ClassAuthentication},
		{&httpError{code: 503, msg: "unavailable"}, ClassServerError},
		{&httpError{code: 404, msg: "missing"}, ClassClientError},
		{&httpError{code: 408, msg: "slow"}, ClassTimeout},
		{context.DeadlineExceeded, ClassTimeout},
		{errors.New("Rate limit exceeded, try later"), ClassRateLimit},
		{errors.New("invalid api key provided"), ClassAuthentication},
		{errors.New("request timed out"), ClassTimeout},
		{errors.New("502 Bad Gateway"), ClassServerError},
		{errors.New("bad request: missing field"), ClassClientError},
		{errors.New("connection reset by peer"), ClassUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}

	if ClassAuthentication.Transient() || ClassClientError.Transient() {
		t.Error("auth and client errors must not be transient")
	}
	if !ClassUnknown.Transient() {
		t.Error("unknown errors are generic transport failures and retry")
	}
}

func TestRetryAfterOf(t *testing.T) {
	if got := RetryAfterOf(&httpError{code: 429, msg: "x", retryAfter: 7 * time.Second}); got != 7*time.Second {
		t.Errorf("interface extraction = %s", got)
	}
	if got := RetryAfterOf(errors.New("rate limited, retry-after: 3")); got != 3*time.Second {
		t.Errorf("message fallback = %s", got)
	}
	if got := RetryAfterOf(errors.New("rate limited")); got != 0 {
		t.Errorf("absent hint = %s", got)
	}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	b := bus.New()
	rec := bus.NewRecorder(b)
	inner := &scriptedModel{id: "m1", results: []error{&httpError{code: 500, msg: "boom"}, nil}}
	m := NewRetryingModel(inner, DefaultRetryConfig(), b, nil)
	noSleep(m.retrier)

	msg, err := m.Generate(context.Background(), &llm.GenerateRequest{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if msg.Content != "ok" {
		t.Errorf("content = %q", msg.Content)
	}
	if inner.calls != 2 {
		t.Errorf("calls = %d, want 2", inner.calls)
	}

	if got := rec.ByKind(models.EventRetryRequested); len(got) != 1 {
		t.Errorf("RetryRequested count = %d, want 1", len(got))
	}
	recovered := rec.ByKind(models.EventRecoveryCompleted)
	if len(recovered) != 1 || recovered[0].Resilience.AttemptsBeforeRecovery != 1 {
		t.Errorf("RecoveryCompleted = %+v", recovered)
	}
}

func TestRetryNeverOnAuthentication(t *testing.T) {
	b := bus.New()
	rec := bus.NewRecorder(b)
	inner := &scriptedModel{id: "m1", results: []error{&httpError{code: 401, msg: "bad key"}}}
	m := NewRetryingModel(inner, DefaultRetryConfig(), b, nil)
	noSleep(m.retrier)

	if _, err := m.Generate(context.Background(), &llm.GenerateRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1 (zero retries on auth)", inner.calls)
	}
	if len(rec.Events()) != 0 {
		t.Errorf("no events expected, got %d", len(rec.Events()))
	}
}

func TestRetryRespectsAttemptBudget(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 3
	inner := &scriptedModel{id: "m1", results: []error{&httpError{code: 500, msg: "down"}}}
	m := NewRetryingModel(inner, cfg, nil, nil)
	noSleep(m.retrier)

	_, err := m.Generate(context.Background(), &llm.GenerateRequest{})
	if err == nil {
		t.Fatal("expected error after budget exhausted")
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want exactly 3", inner.calls)
	}
}

func TestRateLimitWaitsRetryAfter(t *testing.T) {
	b := bus.New()
	rec := bus.NewRecorder(b)
	inner := &scriptedModel{id: "m1", results: []error{
		&httpError{code: 429, msg: "rate limited", retryAfter: 5 * time.Second},
		nil,
	}}
	m := NewRetryingModel(inner, DefaultRetryConfig(), b, nil)
	slept := noSleep(m.retrier)

	if _, err := m.Generate(context.Background(), &llm.GenerateRequest{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	hits := rec.ByKind(models.EventRateLimitHit)
	if len(hits) != 1 {
		t.Fatalf("RateLimitHit count = %d, want 1", len(hits))
	}
	if hits[0].Resilience.RetryAfter != 5*time.Second {
		t.Errorf("retry_after = %s", hits[0].Resilience.RetryAfter)
	}
	if hits[0].DueAt == nil {
		t.Error("rate-limit event should carry a due time")
	}
	if len(*slept) != 1 || (*slept)[0] < 5*time.Second {
		t.Errorf("slept %v, want at least retry_after", *slept)
	}
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	br := NewBreaker(2, time.Minute)
	now := time.Unix(1000, 0)
	br.now = func() time.Time { return now }

	fail := errors.New("server error")
	if err := br.Allow("m1"); err != nil {
		t.Fatalf("closed breaker should allow: %v", err)
	}
	br.Record("m1", fail)
	br.Record("m1", fail)

	var unavailable *ServiceUnavailableError
	if err := br.Allow("m1"); !errors.As(err, &unavailable) {
		t.Fatalf("tripped breaker should fail fast, got %v", err)
	}

	// Other keys are unaffected.
	if err := br.Allow("m2"); err != nil {
		t.Errorf("independent key blocked: %v", err)
	}

	// After cooldown: one probe admitted, concurrent calls still blocked.
	now = now.Add(2 * time.Minute)
	if err := br.Allow("m1"); err != nil {
		t.Fatalf("half-open probe should be admitted: %v", err)
	}
	if err := br.Allow("m1"); err == nil {
		t.Error("second call during probe should fail fast")
	}

	// Failed probe re-opens.
	br.Record("m1", fail)
	if err := br.Allow("m1"); err == nil {
		t.Error("failed probe should re-open the circuit")
	}

	// Successful probe closes.
	now = now.Add(2 * time.Minute)
	if err := br.Allow("m1"); err != nil {
		t.Fatalf("probe after second cooldown: %v", err)
	}
	br.Record("m1", nil)
	if err := br.Allow("m1"); err != nil {
		t.Errorf("closed after successful probe: %v", err)
	}
}

func TestFailoverSkipsToNextModel(t *testing.T) {
	b := bus.New()
	rec := bus.NewRecorder(b)
	primary := &scriptedModel{id: "primary", results: []error{&httpError{code: 500, msg: "down"}}}
	secondary := &scriptedModel{id: "secondary", results: []error{nil}}
	m := NewFailover(b, primary, secondary)

	msg, err := m.Generate(context.Background(), &llm.GenerateRequest{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if msg == nil || secondary.calls != 1 {
		t.Errorf("secondary not used: calls = %d", secondary.calls)
	}

	events := rec.ByKind(models.EventFailoverOccurred)
	if len(events) != 1 {
		t.Fatalf("FailoverOccurred count = %d, want 1", len(events))
	}
	p := events[0].Resilience
	if p.FromModelID != "primary" || p.ToModelID != "secondary" {
		t.Errorf("failover payload = %+v", p)
	}
}

func TestFailoverNeverOnAuthentication(t *testing.T) {
	b := bus.New()
	rec := bus.NewRecorder(b)
	primary := &scriptedModel{id: "primary", results: []error{&httpError{code: 401, msg: "bad key"}}}
	secondary := &scriptedModel{id: "secondary", results: []error{nil}}
	m := NewFailover(b, primary, secondary)

	if _, err := m.Generate(context.Background(), &llm.GenerateRequest{}); err == nil {
		t.Fatal("expected auth error to surface")
	}
	if secondary.calls != 0 {
		t.Error("must not fail over on authentication errors")
	}
	if len(rec.ByKind(models.EventFailoverOccurred)) != 0 {
		t.Error("no failover events expected")
	}
}

func TestWrapLayering(t *testing.T) {
	inner := &scriptedModel{id: "m1", results: []error{&httpError{code: 500, msg: "boom"}, nil}}
	br := NewBreaker(5, time.Minute)
	m := Wrap(inner, DefaultRetryConfig(), br, nil, nil)

	rm, ok := m.(*RetryingModel)
	if !ok {
		t.Fatalf("outermost layer = %T, want retry", m)
	}
	noSleep(rm.retrier)

	if _, err := m.Generate(context.Background(), &llm.GenerateRequest{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if m.ID() != "m1" {
		t.Errorf("ID = %s", m.ID())
	}
	if inner.calls != 2 {
		t.Errorf("calls = %d, want retry through the breaker", inner.calls)
	}
}

func TestPacedModelPassesThrough(t *testing.T) {
	inner := &scriptedModel{id: "m1", results: []error{nil}}
	m := NewPacedModel(inner, 1000)

	for i := 0; i < 3; i++ {
		if _, err := m.Generate(context.Background(), &llm.GenerateRequest{}); err != nil {
			t.Fatalf("Generate %d: %v", i, err)
		}
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d", inner.calls)
	}
}
