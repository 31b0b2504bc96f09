package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/m2mdec/internal/api/models"
	"github.com/smazurov/m2mdec/internal/logging"
)

// registerLogRoutes exposes the retained log history.
func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Recent logs",
		Description: "Most recent log records, optionally of a single module",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, input *models.LogsRequest) (*models.LogsResponse, error) {
		entries := logging.Recent(input.Module, input.Limit)

		resp := &models.LogsResponse{}
		resp.Body.Entries = make([]models.LogEntryData, 0, len(entries))
		for _, e := range entries {
			resp.Body.Entries = append(resp.Body.Entries, models.LogEntryData{
				Time:    e.Time,
				Level:   e.Level,
				Module:  e.Module,
				Message: e.Message,
				Attrs:   e.Attrs,
			})
		}
		resp.Body.Count = len(resp.Body.Entries)
		return resp, nil
	})
}
