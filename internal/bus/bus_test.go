package bus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/loomhq/loom/pkg/models"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	rec := NewRecorder(b)

	for i := 0; i < 10; i++ {
		e := models.NewEvent(models.EventStepCompleted, "run-1")
		e.Step = &models.StepEventPayload{StepNumber: i}
		b.Publish(e)
	}

	got := rec.ByCorrelation("run-1")
	if len(got) != 10 {
		t.Fatalf("recorded %d events, want 10", len(got))
	}
	for i, e := range got {
		if e.Step.StepNumber != i {
			t.Errorf("event %d has step %d, out of order", i, e.Step.StepNumber)
		}
	}
}

func TestSubscribeFiltersByKind(t *testing.T) {
	b := New()
	rec := NewRecorder(b, models.EventToolCallCompleted)

	b.Publish(models.NewEvent(models.EventToolCallRequested, "r1"))
	b.Publish(models.NewEvent(models.EventToolCallCompleted, "r1"))
	b.Publish(models.NewEvent(models.EventStepCompleted, "run-1"))

	got := rec.Events()
	if len(got) != 1 {
		t.Fatalf("recorded %d events, want 1", len(got))
	}
	if got[0].Kind != models.EventToolCallCompleted {
		t.Errorf("kind = %s", got[0].Kind)
	}
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	b := New()

	b.Subscribe(func(models.Event) { panic("boom") })
	rec := NewRecorder(b)

	b.Publish(models.NewEvent(models.EventErrorOccurred, "run-1"))

	if len(rec.Events()) != 1 {
		t.Fatal("later subscriber should still receive the event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var count int
	cancel := b.Subscribe(func(models.Event) { count++ })

	b.Publish(models.NewEvent(models.EventStepCompleted, "run-1"))
	cancel()
	b.Publish(models.NewEvent(models.EventStepCompleted, "run-1"))

	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}

	// Idempotent.
	cancel()
}

func TestSubscribeName(t *testing.T) {
	b := New()
	var hit bool
	_, ok := b.SubscribeName("task.completed", func(models.Event) { hit = true })
	if !ok {
		t.Fatal("task.completed should be a known alias")
	}
	if _, ok := b.SubscribeName("no.such.kind", func(models.Event) {}); ok {
		t.Error("unknown alias should be rejected")
	}

	b.Publish(models.NewEvent(models.EventTaskCompleted, "run-1"))
	if !hit {
		t.Error("aliased subscriber was not invoked")
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New()
	rec := NewRecorder(b)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Publish(models.NewEvent(models.EventStepCompleted, fmt.Sprintf("run-%d", g)))
			}
		}(g)
	}
	wg.Wait()

	if got := len(rec.Events()); got != 400 {
		t.Errorf("recorded %d events, want 400", got)
	}
}

func TestCloseDropsSubscribers(t *testing.T) {
	b := New()
	rec := NewRecorder(b)
	b.Close()
	b.Publish(models.NewEvent(models.EventStepCompleted, "run-1"))
	if len(rec.Events()) != 0 {
		t.Error("closed bus must not deliver")
	}
	if cancel := b.Subscribe(func(models.Event) {}); cancel == nil {
		t.Error("subscribe on closed bus should return a no-op cancel")
	}
}
