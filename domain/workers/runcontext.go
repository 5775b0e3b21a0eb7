package workers

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/conveyorhq/conveyor/domain/jobs"
)

// RunContext carries one job attempt into its run function: the claimed
// job, the resolved model (nil when the input names none), and the
// progress reporter.
type RunContext struct {
	Job   *jobs.Job
	Model *Model

	store jobs.Storage
	log   *slog.Logger

	// saveCtx outlives the job context so a final progress report during
	// cancellation cleanup still lands.
	saveCtx context.Context
	delta   float64

	mu       sync.Mutex
	progress float64
	message  string
	details  map[string]any
	saved    float64
	savedMsg string
}

func newRunContext(job *jobs.Job, model *Model, store jobs.Storage, saveCtx context.Context, delta float64, log *slog.Logger) *RunContext {
	return &RunContext{
		Job:      job,
		Model:    model,
		store:    store,
		log:      log,
		saveCtx:  saveCtx,
		delta:    delta,
		progress: job.Progress,
		message:  job.ProgressMessage,
		details:  job.ProgressDetails,
		saved:    job.Progress,
		savedMsg: job.ProgressMessage,
	}
}

// Progress reports attempt progress. Values are clamped to [0,100] and
// monotonic within the attempt; regressions are ignored. Writes reach
// storage only when progress advanced by at least the configured delta or
// the message/details changed, bounding the write rate of chatty
// providers.
func (rc *RunContext) Progress(progress float64, message string, details map[string]any) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	rc.mu.Lock()
	if progress < rc.progress {
		progress = rc.progress
	}
	changed := message != rc.message || !reflect.DeepEqual(details, rc.details)
	rc.progress = progress
	rc.message = message
	rc.details = details

	flush := progress-rc.saved >= rc.delta || progress == 100 && rc.saved != 100 || changed
	if !flush {
		rc.mu.Unlock()
		return
	}
	rc.saved = progress
	rc.savedMsg = message
	rc.mu.Unlock()

	if err := rc.store.SaveProgress(rc.saveCtx, rc.Job.ID, progress, message, details); err != nil {
		rc.log.Debug("progress write dropped",
			slog.Int64("job_id", rc.Job.ID),
			slog.String("error", err.Error()))
	}
}

// Current returns the latest reported progress values, whether or not
// they have reached storage yet.
func (rc *RunContext) Current() (float64, string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.progress, rc.message
}
