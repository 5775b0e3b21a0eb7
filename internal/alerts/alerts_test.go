package alerts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/domain/jobs/memqueue"
	"github.com/conveyorhq/conveyor/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newQueues(t *testing.T, name string) (*jobs.Queues, jobs.Storage) {
	t.Helper()
	store, err := memqueue.New(memqueue.NewStore(), jobs.Options{QueueName: name}, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Setup(context.Background()))
	queues := jobs.NewQueues()
	require.NoError(t, queues.Register(name, store, jobs.QueueMeta{}))
	t.Cleanup(func() { _ = queues.Close() })
	return queues, store
}

type fakeSender struct {
	mu   sync.Mutex
	sent []SendOptions
}

func (f *fakeSender) Send(_ context.Context, opts SendOptions) (*SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, opts)
	return &SendResult{Success: true, MessageID: fmt.Sprintf("fake-%d", len(f.sent))}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) all() []SendOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SendOptions, len(f.sent))
	copy(out, f.sent)
	return out
}

// failJob walks one job through claim and failure. The pauses give the
// change feed a poll between transitions so the failure arrives as an
// update, the same way a real run unfolds over time.
func failJob(t *testing.T, store jobs.Storage, code string) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	job := &jobs.Job{Input: jobs.JSON{"task_type": "embed"}}
	require.NoError(t, store.Add(ctx, job))
	time.Sleep(20 * time.Millisecond)
	claimed, err := store.Next(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	time.Sleep(20 * time.Millisecond)
	claimed.Status = jobs.StatusFailed
	claimed.Error = "model exploded"
	claimed.ErrorCode = code
	require.NoError(t, store.Complete(ctx, claimed))
	return claimed
}

func startNotifier(t *testing.T, cfg *config.AlertsConfig, queues *jobs.Queues, sender Sender) *Notifier {
	t.Helper()
	n := NewNotifier(cfg, queues, sender, testLogger())
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	// Let the priming poll settle before tests mutate the queue.
	time.Sleep(20 * time.Millisecond)
	return n
}

func TestNotifierAlertsOnFailedTransition(t *testing.T) {
	queues, store := newQueues(t, "embeddings")
	sender := &fakeSender{}
	cfg := &config.AlertsConfig{
		Recipients:    []string{"ops@example.com"},
		RatePerMinute: 600,
		Burst:         10,
	}
	startNotifier(t, cfg, queues, sender)

	failed := failJob(t, store, jobs.CodeRetriesExhausted)

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	sent := sender.all()[0]
	assert.Equal(t, "ops@example.com", sent.To)
	assert.Contains(t, sent.Subject, "embeddings")
	assert.Contains(t, sent.Subject, fmt.Sprintf("job %d", failed.ID))
	assert.Contains(t, sent.Text, "model exploded")
	assert.Contains(t, sent.HTML, jobs.CodeRetriesExhausted)
}

func TestNotifierFansOutToAllRecipients(t *testing.T) {
	queues, store := newQueues(t, "embeddings")
	sender := &fakeSender{}
	cfg := &config.AlertsConfig{
		Recipients:    []string{"a@example.com", "b@example.com"},
		RatePerMinute: 600,
		Burst:         10,
	}
	startNotifier(t, cfg, queues, sender)

	failJob(t, store, jobs.CodeRetriesExhausted)

	require.Eventually(t, func() bool { return sender.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	var tos []string
	for _, s := range sender.all() {
		tos = append(tos, s.To)
	}
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, tos)
}

func TestNotifierOnlyExhaustedFilters(t *testing.T) {
	queues, store := newQueues(t, "embeddings")
	sender := &fakeSender{}
	cfg := &config.AlertsConfig{
		Recipients:    []string{"ops@example.com"},
		OnlyExhausted: true,
		RatePerMinute: 600,
		Burst:         10,
	}
	startNotifier(t, cfg, queues, sender)

	failJob(t, store, jobs.CodeDeadlineExceeded)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, sender.count(), "non-exhausted failure must not alert")

	failJob(t, store, jobs.CodeRetriesExhausted)
	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestNotifierAllFailuresWhenFilterOff(t *testing.T) {
	queues, store := newQueues(t, "embeddings")
	sender := &fakeSender{}
	cfg := &config.AlertsConfig{
		Recipients:    []string{"ops@example.com"},
		OnlyExhausted: false,
		RatePerMinute: 600,
		Burst:         10,
	}
	startNotifier(t, cfg, queues, sender)

	failJob(t, store, jobs.CodeDeadlineExceeded)

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestNotifierSkipsPreexistingFailures(t *testing.T) {
	queues, store := newQueues(t, "embeddings")
	sender := &fakeSender{}

	// Job fails before the notifier attaches: the priming poll reports it
	// as an insert and must stay quiet.
	failJob(t, store, jobs.CodeRetriesExhausted)

	cfg := &config.AlertsConfig{
		Recipients:    []string{"ops@example.com"},
		RatePerMinute: 600,
		Burst:         10,
	}
	startNotifier(t, cfg, queues, sender)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, sender.count(), "restart must not re-alert old failures")

	failJob(t, store, jobs.CodeRetriesExhausted)
	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestNotifierRateLimitDrops(t *testing.T) {
	queues, store := newQueues(t, "embeddings")
	sender := &fakeSender{}
	cfg := &config.AlertsConfig{
		Recipients:    []string{"ops@example.com"},
		RatePerMinute: 1,
		Burst:         1,
	}
	startNotifier(t, cfg, queues, sender)

	failJob(t, store, jobs.CodeRetriesExhausted)
	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	failJob(t, store, jobs.CodeRetriesExhausted)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sender.count(), "second alert inside the rate window must be dropped")
}

func TestNotifierStartIdempotent(t *testing.T) {
	queues, _ := newQueues(t, "embeddings")
	n := NewNotifier(&config.AlertsConfig{Recipients: []string{"ops@example.com"}}, queues, &fakeSender{}, testLogger())
	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Stop(context.Background()))
	require.NoError(t, n.Stop(context.Background()))
}

func TestRenderFailureEmail(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	j := &jobs.Job{
		ID:          42,
		QueueName:   "embeddings",
		JobRunID:    "run-7",
		Status:      jobs.StatusFailed,
		Error:       `model "titan" not found`,
		ErrorCode:   jobs.CodeRetriesExhausted,
		RunAttempts: 24,
		MaxRetries:  23,
		CreatedAt:   now,
		LastRanAt:   &now,
		WorkerID:    "worker-3",
		Input:       jobs.JSON{"task_type": "embed"},
	}

	subject, text, html, err := renderFailure(j)
	require.NoError(t, err)

	assert.Contains(t, subject, "job 42")
	assert.Contains(t, subject, "embeddings")
	assert.Contains(t, subject, jobs.CodeRetriesExhausted)

	// Plain text keeps the error verbatim, HTML escapes it.
	assert.Contains(t, text, `model "titan" not found`)
	assert.Contains(t, text, "run-7")
	assert.Contains(t, text, "worker-3")
	assert.Contains(t, text, "task_type")
	assert.Contains(t, html, "model &quot;titan&quot; not found")
	assert.Contains(t, html, "24")
}

func TestRenderFailureEmailDefaultsCode(t *testing.T) {
	j := &jobs.Job{ID: 1, QueueName: "q", Status: jobs.StatusFailed, CreatedAt: time.Now()}
	subject, text, _, err := renderFailure(j)
	require.NoError(t, err)
	assert.Contains(t, subject, "(FAILED)")
	assert.NotContains(t, text, "Run:")
}

func TestInputPreviewTruncates(t *testing.T) {
	big := strings.Repeat("x", 3*maxInputPreview)
	preview := inputPreview(jobs.JSON{"blob": big})
	assert.LessOrEqual(t, len(preview), maxInputPreview+32)
	assert.Contains(t, preview, "truncated")
}

func TestNewSenderFallsBackToLogOnly(t *testing.T) {
	cfg := &config.Config{}
	s := NewSender(cfg, testLogger())
	_, ok := s.(*logSender)
	assert.True(t, ok)

	result, err := s.Send(context.Background(), SendOptions{To: "ops@example.com", Subject: "s"})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestNewSenderUsesMailgunWhenConfigured(t *testing.T) {
	cfg := &config.Config{}
	cfg.Alerts = config.AlertsConfig{
		Enabled:       true,
		MailgunDomain: "mg.example.com",
		MailgunAPIKey: "key-test",
		FromEmail:     "conveyor@example.com",
		FromName:      "Conveyor",
		Recipients:    []string{"ops@example.com"},
	}
	s := NewSender(cfg, testLogger())
	_, ok := s.(*MailgunSender)
	assert.True(t, ok)
}

func TestNewMailgunSenderNilWhenUnconfigured(t *testing.T) {
	assert.Nil(t, NewMailgunSender(&config.AlertsConfig{}, testLogger()))
	assert.Nil(t, NewMailgunSender(&config.AlertsConfig{Enabled: true}, testLogger()))
}
