package alerts

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

// Module provides failure alerting: a Mailgun-backed sender when credentials
// are present, a log-only sender otherwise, and the notifier watching every
// queue's change feed.
var Module = fx.Module("alerts",
	fx.Provide(
		NewSender, // Uses Mailgun when configured, otherwise log-only
		newNotifier,
	),
	fx.Invoke(RegisterNotifierLifecycle),
)

// NewSender picks the Mailgun sender when alerts are fully configured and
// falls back to a sender that only logs.
func NewSender(cfg *config.Config, log *slog.Logger) Sender {
	if s := NewMailgunSender(&cfg.Alerts, log); s != nil {
		log.Info("using Mailgun alert sender",
			slog.String("domain", cfg.Alerts.MailgunDomain),
			slog.String("from", cfg.Alerts.FromEmail),
			slog.Int("recipients", len(cfg.Alerts.Recipients)))
		return s
	}
	log.Info("using log-only alert sender (Mailgun not configured)")
	return &logSender{log: log.With(logger.Scope("alerts.log"))}
}

// logSender records alerts in the log instead of emailing them.
type logSender struct {
	log *slog.Logger
}

func (s *logSender) Send(ctx context.Context, opts SendOptions) (*SendResult, error) {
	s.log.Info("alert (log only)",
		slog.String("to", opts.To),
		slog.String("subject", opts.Subject))
	return &SendResult{Success: true, MessageID: "log-" + opts.To}, nil
}

func newNotifier(cfg *config.Config, queues *jobs.Queues, sender Sender, log *slog.Logger) *Notifier {
	return NewNotifier(&cfg.Alerts, queues, sender, log)
}

// RegisterNotifierLifecycle starts the notifier with the app when alerting
// is enabled.
func RegisterNotifierLifecycle(lc fx.Lifecycle, notifier *Notifier, cfg *config.Config, log *slog.Logger) {
	if !cfg.Alerts.Enabled {
		log.Info("failure alerts disabled")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return notifier.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return notifier.Stop(ctx)
		},
	})
}
