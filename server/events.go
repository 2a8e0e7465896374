package server

import (
	"context"

	log "github.com/sirupsen/logrus"

	"skyfeeds/models"
	"skyfeeds/savedfeeds"
)

const listenerQueueSize = 64

type persistFailedPayload struct {
	Error     string                   `json:"error"`
	Mutations []models.PendingMutation `json:"mutations"`
	State     FeedsResponse            `json:"state"`
}

// StoreListener forwards store events to SSE clients. Rendering happens on a
// separate goroutine so slow metadata lookups never hold up the store.
func StoreListener(ctx context.Context, renderer *Renderer, bc *Broadcaster, pending func() int) savedfeeds.Listener {
	queue := make(chan interface{}, listenerQueueSize)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-queue:
				forward(ctx, renderer, bc, pending, event)
			}
		}
	}()

	return func(event interface{}) {
		select {
		case queue <- event:
		default:
			log.WithFields(log.Fields{
				"event": event,
			}).Warn("Event queue full, dropping store event")
		}
	}
}

func forward(ctx context.Context, renderer *Renderer, bc *Broadcaster, pending func() int, event interface{}) {
	switch evt := event.(type) {
	case models.StateChangedEvent:
		bc.Broadcast(Event{Name: "state", Data: renderer.Render(ctx, evt.State, pending())})
	case models.PersistedEvent:
		bc.Broadcast(Event{Name: "persisted", Data: evt.Generation})
	case models.PersistFailedEvent:
		bc.Broadcast(Event{Name: "persist-failed", Data: persistFailedPayload{
			Error:     evt.Err.Error(),
			Mutations: evt.Mutations,
			State:     renderer.Render(ctx, evt.State, 0),
		}})
	case models.LoadFailedEvent:
		bc.Broadcast(Event{Name: "load-failed", Data: evt.Err.Error()})
	}
}
