package scheduler

import (
	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/pkg/models"
)

// On registers a callback for an event-name alias (the §4.2 kind strings,
// e.g. "step.completed"). The handler must be a func(models.Event) or an
// untyped func(any); anything else is rejected with InvalidCallbackError.
func (s *Scheduler) On(alias string, handler any) (cancel func(), err error) {
	if s.bus == nil {
		return nil, &InvalidCallbackError{Alias: alias, Reason: "scheduler has no event bus"}
	}
	kind, ok := bus.KindForName(alias)
	if !ok {
		return nil, &InvalidCallbackError{Alias: alias, Reason: "unknown event name"}
	}

	var fn bus.Handler
	switch h := handler.(type) {
	case func(models.Event):
		fn = h
	case bus.Handler:
		fn = h
	case func(any):
		fn = func(e models.Event) { h(e) }
	default:
		return nil, &InvalidCallbackError{Alias: alias, Reason: "handler must be func(models.Event)"}
	}

	return s.bus.Subscribe(fn, kind), nil
}
