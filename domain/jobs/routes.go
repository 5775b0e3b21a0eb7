package jobs

import (
	"github.com/labstack/echo/v4"

	"github.com/conveyorhq/conveyor/pkg/auth"
)

// RegisterRoutes registers the queue API with the Echo router. Reads and
// the change stream are open; mutations require the admin token when one
// is configured.
func RegisterRoutes(e *echo.Echo, h *Handler, admin *auth.Middleware) {
	g := e.Group("/api")

	g.GET("/queues", h.ListQueues)
	g.GET("/queues/:queue/jobs", h.ListJobs)
	g.GET("/queues/:queue/jobs/:id", h.GetJob)
	g.GET("/queues/:queue/stats", h.Stats)
	g.GET("/queues/:queue/events", h.Stream)
	g.GET("/runs/:runID/jobs", h.RunJobs)

	mutate := g.Group("", admin.RequireAdmin())
	mutate.POST("/queues/:queue/jobs", h.Enqueue)
	mutate.POST("/queues/:queue/jobs/:id/abort", h.AbortJob)
	mutate.DELETE("/queues/:queue/jobs/:id", h.DeleteJob)
}
