package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/simplecp/agent/internal/api/models"
	"github.com/simplecp/agent/internal/supervisor"
)

// registerBackendRoutes registers backend status and lifecycle endpoints.
func (s *Server) registerBackendRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-backend-status",
		Method:      http.MethodGet,
		Path:        "/api/status",
		Summary:     "Backend Status",
		Description: "Get the supervisor state, restart budget and backend process info",
		Tags:        []string{"backend"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(ctx context.Context, _ *struct{}) (*models.BackendStatusResponse, error) {
		return &models.BackendStatusResponse{Body: statusBody(s.supervisor.Status())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "start-backend",
		Method:      http.MethodPost,
		Path:        "/api/backend/start",
		Summary:     "Start Backend",
		Description: "Start the clipboard backend and begin health monitoring",
		Tags:        []string{"backend"},
		Security:    withAuth(),
		Errors:      []int{401, 409},
	}, func(ctx context.Context, _ *struct{}) (*models.ActionResponse, error) {
		if err := s.supervisor.Start(); err != nil {
			return nil, mapSupervisorError(err)
		}
		return actionResponse("Backend starting"), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-backend",
		Method:      http.MethodPost,
		Path:        "/api/backend/stop",
		Summary:     "Stop Backend",
		Description: "Terminate the backend and stop monitoring. The restart budget is preserved.",
		Tags:        []string{"backend"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(ctx context.Context, _ *struct{}) (*models.ActionResponse, error) {
		if err := s.supervisor.Stop(); err != nil {
			return nil, huma.Error500InternalServerError(err.Error())
		}
		return actionResponse("Backend stopped"), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "restart-backend",
		Method:      http.MethodPost,
		Path:        "/api/backend/restart",
		Summary:     "Restart Backend",
		Description: "Force one terminate-and-relaunch cycle. Consumes one restart attempt.",
		Tags:        []string{"backend"},
		Security:    withAuth(),
		Errors:      []int{401, 409},
	}, func(ctx context.Context, _ *struct{}) (*models.ActionResponse, error) {
		if err := s.supervisor.ForceRestart(); err != nil {
			return nil, mapSupervisorError(err)
		}
		return actionResponse("Backend restarting"), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "reset-backend-budget",
		Method:      http.MethodPost,
		Path:        "/api/backend/reset",
		Summary:     "Reset Restart Budget",
		Description: "Zero the restart counters. From the exhausted state the supervisor returns to stopped, ready for a manual start.",
		Tags:        []string{"backend"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(ctx context.Context, _ *struct{}) (*models.ActionResponse, error) {
		if err := s.supervisor.ResetBudget(); err != nil {
			return nil, huma.Error500InternalServerError(err.Error())
		}
		return actionResponse("Restart budget reset"), nil
	})
}

func statusBody(status supervisor.Status) models.BackendStatusData {
	return models.BackendStatusData{
		State:               string(status.State),
		Connection:          string(status.Connection),
		Reason:              status.Reason,
		Remedy:              status.Remedy,
		AttemptsUsed:        status.AttemptsUsed,
		MaxAttempts:         status.MaxAttempts,
		ConsecutiveFailures: status.ConsecutiveFailures,
		RestartCount:        status.RestartCount,
		RestartDelay:        status.RestartDelay,
		Monitoring:          status.Monitoring,
		Adopted:             status.Adopted,
		PID:                 status.PID,
		Port:                status.Port,
	}
}

func actionResponse(message string) *models.ActionResponse {
	return &models.ActionResponse{Body: models.ActionData{Message: message}}
}

// mapSupervisorError converts supervisor errors to Huma HTTP errors.
func mapSupervisorError(err error) error {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, supervisor.ErrBudgetExhausted):
		return huma.Error409Conflict(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}
