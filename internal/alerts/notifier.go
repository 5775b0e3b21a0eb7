// Package alerts emails operators when jobs fail. A notifier subscribes to
// the change feed of every registered queue, filters for transitions into
// FAILED, and fans a rate-limited summary email out to the configured
// recipients.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

// Sender is the interface for sending alert emails.
type Sender interface {
	Send(ctx context.Context, opts SendOptions) (*SendResult, error)
}

// SendOptions contains options for sending an email
type SendOptions struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// SendResult contains the result of sending an email
type SendResult struct {
	Success   bool
	MessageID string
	Error     string
}

// pendingBuffer caps failures queued behind a slow SMTP round trip.
const pendingBuffer = 64

// Notifier watches every registered queue and emails the configured
// recipients when a job transitions into FAILED. Sends happen on a dedicated
// goroutine so subscription callbacks never block, and a token bucket drops
// excess emails during failure storms. Only transitions observed across two
// polls alert; priming INSERTs after a restart stay quiet, so jobs that were
// already failed do not re-alert.
type Notifier struct {
	cfg     *config.AlertsConfig
	queues  *jobs.Queues
	sender  Sender
	limiter *rate.Limiter
	log     *slog.Logger

	ch        chan *jobs.Job
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu      sync.Mutex
	unsubs  []func()
	running bool
}

// NewNotifier creates a notifier over the registered queues. The limiter
// spends one token per outbound email.
func NewNotifier(cfg *config.AlertsConfig, queues *jobs.Queues, sender Sender, log *slog.Logger) *Notifier {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Notifier{
		cfg:     cfg,
		queues:  queues,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		log:     log.With(logger.Scope("alerts")),
		ch:      make(chan *jobs.Job, pendingBuffer),
	}
}

// Start subscribes to every registered queue and begins delivering alerts.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = true
	n.stopCh = make(chan struct{})
	n.stoppedCh = make(chan struct{})
	n.mu.Unlock()

	go n.run()

	for _, name := range n.queues.Names() {
		store, ok := n.queues.Get(name)
		if !ok {
			continue
		}
		unsub, err := store.Subscribe(ctx, n.onChange, jobs.SubscribeOptions{})
		if err != nil {
			_ = n.Stop(ctx)
			return fmt.Errorf("subscribe alerts on %s: %w", name, err)
		}
		n.mu.Lock()
		n.unsubs = append(n.unsubs, unsub)
		n.mu.Unlock()
	}

	n.log.Info("alert notifier started",
		slog.Int("queues", len(n.queues.Names())),
		slog.Int("recipients", len(n.cfg.Recipients)),
		slog.Bool("only_exhausted", n.cfg.OnlyExhausted))
	return nil
}

// Stop detaches from the change feeds and waits for the in-flight send.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	unsubs := n.unsubs
	n.unsubs = nil
	close(n.stopCh)
	n.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	select {
	case <-n.stoppedCh:
		n.log.Info("alert notifier stopped")
	case <-ctx.Done():
		n.log.Warn("alert notifier stop timeout")
	}
	return nil
}

// onChange runs on a subscription goroutine and must not block: it filters
// for fresh FAILED transitions and hands matches to the send loop.
func (n *Notifier) onChange(ev jobs.Change) {
	if ev.Type != jobs.ChangeUpdate || ev.New == nil || ev.Old == nil {
		return
	}
	if ev.New.Status != jobs.StatusFailed || ev.Old.Status == jobs.StatusFailed {
		return
	}
	if n.cfg.OnlyExhausted && ev.New.ErrorCode != jobs.CodeRetriesExhausted {
		return
	}
	select {
	case n.ch <- ev.New:
	default:
		n.log.Warn("alert buffer full, dropping failure notification",
			slog.Int64("job_id", ev.New.ID),
			slog.String("queue", ev.New.QueueName))
	}
}

func (n *Notifier) run() {
	defer close(n.stoppedCh)
	for {
		select {
		case <-n.stopCh:
			return
		case j := <-n.ch:
			n.notify(j)
		}
	}
}

// notify fans one failure out to every recipient. When the limiter runs dry
// the remaining sends for this failure are dropped, not queued.
func (n *Notifier) notify(j *jobs.Job) {
	subject, text, html, err := renderFailure(j)
	if err != nil {
		n.log.Error("failed to render alert email",
			logger.Error(err),
			slog.Int64("job_id", j.ID))
		return
	}

	ctx := context.Background()
	for _, to := range n.cfg.Recipients {
		if !n.limiter.Allow() {
			n.log.Debug("alert rate limit reached, dropping sends",
				slog.Int64("job_id", j.ID),
				slog.String("queue", j.QueueName))
			return
		}
		result, err := n.sender.Send(ctx, SendOptions{To: to, Subject: subject, Text: text, HTML: html})
		switch {
		case err != nil:
			n.log.Error("alert send failed", logger.Error(err), slog.String("to", to))
		case !result.Success:
			n.log.Warn("alert send rejected",
				slog.String("to", to),
				slog.String("error", result.Error))
		default:
			n.log.Info("alert email sent",
				slog.String("to", to),
				slog.Int64("job_id", j.ID),
				slog.String("queue", j.QueueName),
				slog.String("message_id", result.MessageID))
		}
	}
}
