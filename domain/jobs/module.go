package jobs

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/conveyorhq/conveyor/pkg/auth"
)

// Module provides the queue API. The queue registry itself is provided by
// the worker runtime, which knows the configured backends.
var Module = fx.Module("jobs",
	fx.Provide(
		newService,
		NewHandler,
	),
	fx.Invoke(RegisterJobRoutes),
)

// serviceParams collects the service dependencies; the input validator is
// optional so headless deployments run without the worker registry.
type serviceParams struct {
	fx.In
	Queues    *Queues
	Validator InputValidator `optional:"true"`
	Log       *slog.Logger
}

func newService(p serviceParams) *Service {
	return NewService(p.Queues, p.Validator, p.Log)
}

// RegisterJobRoutes registers the queue API routes
func RegisterJobRoutes(e *echo.Echo, h *Handler, admin *auth.Middleware) {
	RegisterRoutes(e, h, admin)
}
