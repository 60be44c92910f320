package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/simplecp/agent/internal/events"
	"github.com/simplecp/agent/internal/supervisor"
)

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of backend state transitions, health checks, restart scheduling and update progress",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"backend-state":     events.BackendStateEvent{},
		"health-check":      events.HealthCheckEvent{},
		"restart-scheduled": events.RestartScheduledEvent{},
		"budget-exhausted":  events.BudgetExhaustedEvent{},
		"backend-log":       events.BackendLogEvent{},
		"config-reloaded":   events.ConfigReloadedEvent{},
		"update-state":      events.UpdateStateEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 10)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.BackendStateEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.HealthCheckEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.RestartScheduledEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.BudgetExhaustedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.BackendLogEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.ConfigReloadedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.UpdateStateEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Send the current state first so a reconnecting GUI never has
		// to wait for the next transition.
		status := s.supervisor.Status()
		if err := send.Data(stateEvent(status)); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					// Connection failed, clean up and exit
					return
				}
			}
		}
	})
}

func stateEvent(status supervisor.Status) events.BackendStateEvent {
	return events.BackendStateEvent{
		State:        string(status.Connection),
		Reason:       status.Reason,
		Remedy:       status.Remedy,
		AttemptsUsed: status.AttemptsUsed,
		RestartCount: status.RestartCount,
		PID:          status.PID,
		Timestamp:    time.Now().Format(time.RFC3339),
	}
}
