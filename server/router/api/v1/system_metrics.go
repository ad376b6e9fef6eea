package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	chatv1 "github.com/hrygo/casechat/api/chat/v1"
	"github.com/hrygo/casechat/server/internal/observability"
)

// MetricsOverviewResponse represents the overview response of turn metrics.
type MetricsOverviewResponse struct {
	TotalTurns    int64                                             `json:"total_turns"`
	FailedTurns   int64                                             `json:"failed_turns"`
	CanceledTurns int64                                             `json:"canceled_turns"`
	ActiveStreams int64                                             `json:"active_streams"`
	StreamChunks  int64                                             `json:"stream_chunks"`
	SuccessRate   float64                                           `json:"success_rate"`
	Providers     map[string]*observability.ProviderMetricsSnapshot `json:"providers"`
}

// GetMetricsOverview returns the turn metrics collected since the server started.
// GET /api/chat/system/metrics
func (s *APIV1Service) GetMetricsOverview(c echo.Context) error {
	snapshot := s.Controller.Metrics().Snapshot()
	return c.JSON(http.StatusOK, MetricsOverviewResponse{
		TotalTurns:    snapshot.TurnTotal,
		FailedTurns:   snapshot.TurnFailed,
		CanceledTurns: snapshot.TurnCanceled,
		ActiveStreams: snapshot.ActiveStreams,
		StreamChunks:  snapshot.StreamChunks,
		SuccessRate:   snapshot.SuccessRate(),
		Providers:     snapshot.Providers,
	})
}

// Healthz reports liveness. It needs no authentication.
// GET /healthz
func (s *APIV1Service) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, chatv1.HealthResponse{
		Status:  "ok",
		Version: s.Profile.Version,
		Mode:    s.Profile.Mode,
	})
}
