package alerts

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aymerick/raymond"

	"github.com/conveyorhq/conveyor/domain/jobs"
)

//go:embed templates/failure.hbs
var failureHTML string

//go:embed templates/failure.txt.hbs
var failureText string

var (
	htmlTmpl = raymond.MustParse(failureHTML)
	textTmpl = raymond.MustParse(failureText)
)

// maxInputPreview bounds how much of the job input is inlined into the email.
const maxInputPreview = 2048

// renderFailure builds the subject and both bodies for one failed job.
func renderFailure(j *jobs.Job) (subject, text, html string, err error) {
	code := j.ErrorCode
	if code == "" {
		code = "FAILED"
	}
	subject = fmt.Sprintf("[conveyor] job %d on %s failed (%s)", j.ID, j.QueueName, code)

	ctx := templateContext(j, code)
	text, err = textTmpl.Exec(ctx)
	if err != nil {
		return "", "", "", fmt.Errorf("render alert text: %w", err)
	}
	html, err = htmlTmpl.Exec(ctx)
	if err != nil {
		return "", "", "", fmt.Errorf("render alert html: %w", err)
	}
	return subject, text, html, nil
}

func templateContext(j *jobs.Job, code string) map[string]interface{} {
	ctx := map[string]interface{}{
		"id":          j.ID,
		"queue":       j.QueueName,
		"error":       j.Error,
		"error_code":  code,
		"attempts":    j.RunAttempts,
		"max_retries": j.MaxRetries,
		"created_at":  j.CreatedAt.Format(time.RFC3339),
	}
	if j.JobRunID != "" {
		ctx["run_id"] = j.JobRunID
	}
	if j.WorkerID != "" {
		ctx["worker_id"] = j.WorkerID
	}
	if j.LastRanAt != nil {
		ctx["last_ran_at"] = j.LastRanAt.Format(time.RFC3339)
	}
	if preview := inputPreview(j.Input); preview != "" {
		ctx["input"] = preview
	}
	return ctx
}

// inputPreview pretty-prints the job input, truncated so huge payloads do
// not bloat the email.
func inputPreview(input jobs.JSON) string {
	if len(input) == 0 {
		return ""
	}
	raw, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return ""
	}
	if len(raw) > maxInputPreview {
		return string(raw[:maxInputPreview]) + "\n... truncated"
	}
	return string(raw)
}
