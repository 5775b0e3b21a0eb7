package archive

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/conveyorhq/conveyor/domain/retention"
	"github.com/conveyorhq/conveyor/internal/config"
)

// Module provides the retention archiver when object storage is
// configured; otherwise expired jobs are deleted without export.
var Module = fx.Module("archive",
	fx.Provide(NewArchiver),
)

// NewArchiver returns a nil Archiver when archiving is not configured.
func NewArchiver(cfg *config.Config, log *slog.Logger) (retention.Archiver, error) {
	if !cfg.Archive.IsConfigured() {
		log.Info("archive disabled, expired jobs are deleted without export")
		return nil, nil
	}
	return NewExporter(&cfg.Archive, log)
}
