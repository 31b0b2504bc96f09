package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/m2mdec/internal/events"
)

// registerSSERoutes streams decoder events. Frame and input events are
// left out; they fire once per access unit.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Decoder event stream",
		Description: "State changes, resolution changes, decode errors, end of stream and device loss via Server-Sent Events",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"state-changed":      events.StateChangedEvent{},
		"resolution-changed": events.ResolutionChangedEvent{},
		"decode-error":       events.DecodeErrorEvent{},
		"end-of-stream":      events.EndOfStreamEvent{},
		"device-lost":        events.DeviceLostEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		bus := s.options.EventBus
		if bus == nil {
			<-ctx.Done()
			return
		}

		eventCh := make(chan any, 16)
		unsubscribers := []func(){
			events.SubscribeToChannel[events.StateChangedEvent](bus, eventCh),
			events.SubscribeToChannel[events.ResolutionChangedEvent](bus, eventCh),
			events.SubscribeToChannel[events.DecodeErrorEvent](bus, eventCh),
			events.SubscribeToChannel[events.EndOfStreamEvent](bus, eventCh),
			events.SubscribeToChannel[events.DeviceLostEvent](bus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
