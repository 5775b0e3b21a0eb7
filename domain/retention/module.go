package retention

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/internal/config"
)

// Module provides retention sweeps over all registered queues
var Module = fx.Module("retention",
	fx.Provide(newService),
)

// serviceParams collects the service dependencies; the archiver is
// optional so deployments without object storage just delete.
type serviceParams struct {
	fx.In
	Queues   *jobs.Queues
	Cfg      *config.Config
	Archiver Archiver `optional:"true"`
	Log      *slog.Logger
}

func newService(p serviceParams) *Service {
	return NewService(p.Queues, &p.Cfg.Retention, p.Archiver, p.Log)
}
