package e2e

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/domain/workers"
	"github.com/conveyorhq/conveyor/internal/testutil"
)

// QueueAPISuite drives the whole HTTP surface end to end: enqueue over the
// API, real runners executing the job, results read back over the API.
type QueueAPISuite struct {
	testutil.BaseSuite
}

func TestQueueAPISuite(t *testing.T) {
	suite.Run(t, new(QueueAPISuite))
}

// testRunFunc branches on input.mode so one registration covers every
// scenario the suite needs.
func testRunFunc(ctx context.Context, run *workers.RunContext) (map[string]any, error) {
	switch mode, _ := run.Job.Input["mode"].(string); mode {
	case "fail":
		return nil, jobs.NewRetryable("synthetic transient failure", 0)
	case "fail_permanent":
		return nil, jobs.NewPermanent("", "synthetic permanent failure")
	case "slow":
		run.Progress(10, "working", nil)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(30 * time.Second):
			return map[string]any{"done": true}, nil
		}
	default:
		return map[string]any{"echo": run.Job.Input["value"]}, nil
	}
}

func (s *QueueAPISuite) SetupSuite() {
	s.Options = []testutil.ServerOption{
		testutil.WithRunFunc("embeddings", "", testRunFunc),
	}
}

// enqueueJob submits a job through the API and returns its id.
func enqueueJob(s *testutil.BaseSuite, input map[string]any, extra map[string]any) int64 {
	body := map[string]any{"input": input}
	for k, v := range extra {
		body[k] = v
	}
	resp := s.Client.POST("/api/queues/embeddings/jobs",
		testutil.WithAdminToken(),
		testutil.WithJSON(body),
	)
	s.Require().Equal(http.StatusCreated, resp.StatusCode, "enqueue failed: %s", resp.String())

	var result jobs.EnqueueResponse
	s.Require().NoError(resp.JSON(&result))
	s.Require().NotNil(result.Job)
	return result.Job.ID
}

// getJob fetches one job over the API.
func getJob(s *testutil.BaseSuite, id int64) *jobs.JobResponse {
	resp := s.Client.GET(fmt.Sprintf("/api/queues/embeddings/jobs/%d", id))
	s.Require().Equal(http.StatusOK, resp.StatusCode, "get job failed: %s", resp.String())
	var job jobs.JobResponse
	s.Require().NoError(resp.JSON(&job))
	return &job
}

// waitForStatus polls the API until the job reaches the wanted status.
func waitForStatus(s *testutil.BaseSuite, id int64, want string) *jobs.JobResponse {
	var job *jobs.JobResponse
	s.Require().Eventually(func() bool {
		job = getJob(s, id)
		return job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %d never reached %s", id, want)
	return job
}

func (s *QueueAPISuite) enqueue(input map[string]any, extra map[string]any) int64 {
	return enqueueJob(&s.BaseSuite, input, extra)
}

func (s *QueueAPISuite) getJob(id int64) *jobs.JobResponse {
	return getJob(&s.BaseSuite, id)
}

func (s *QueueAPISuite) waitForStatus(id int64, want string) *jobs.JobResponse {
	return waitForStatus(&s.BaseSuite, id, want)
}

func (s *QueueAPISuite) TestHealthEndpoints() {
	resp := s.Client.GET("/healthz")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("OK", resp.String())

	resp = s.Client.GET("/health")
	s.Equal(http.StatusOK, resp.StatusCode)

	resp = s.Client.GET("/ready")
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *QueueAPISuite) TestListQueues() {
	resp := s.Client.GET("/api/queues")
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var body struct {
		Queues []string `json:"queues"`
	}
	s.Require().NoError(resp.JSON(&body))
	s.Equal([]string{"embeddings"}, body.Queues)
}

func (s *QueueAPISuite) TestEnqueueRunsToCompletion() {
	id := s.enqueue(map[string]any{"mode": "echo", "value": "hello"}, nil)

	job := s.waitForStatus(id, string(jobs.StatusCompleted))
	s.Equal("hello", job.Output["echo"])
	s.Equal(1, job.RunAttempts)
	s.NotEmpty(job.WorkerID)
	s.NotNil(job.CompletedAt)
	s.Equal(float64(100), job.Progress)
}

func (s *QueueAPISuite) TestEnqueueRequiresAdminToken() {
	resp := s.Client.POST("/api/queues/embeddings/jobs",
		testutil.WithJSON(map[string]any{"input": map[string]any{"mode": "echo"}}),
	)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	resp = s.Client.POST("/api/queues/embeddings/jobs",
		testutil.WithBearer("wrong-token"),
		testutil.WithJSON(map[string]any{"input": map[string]any{"mode": "echo"}}),
	)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *QueueAPISuite) TestEnqueueRejectsEmptyInput() {
	resp := s.Client.POST("/api/queues/embeddings/jobs",
		testutil.WithAdminToken(),
		testutil.WithJSON(map[string]any{"input": map[string]any{}}),
	)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *QueueAPISuite) TestUnknownQueueIs404() {
	resp := s.Client.GET("/api/queues/ghost/jobs")
	s.Equal(http.StatusNotFound, resp.StatusCode)

	resp = s.Client.POST("/api/queues/ghost/jobs",
		testutil.WithAdminToken(),
		testutil.WithJSON(map[string]any{"input": map[string]any{"mode": "echo"}}),
	)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *QueueAPISuite) TestDedupeReturnsCachedOutput() {
	input := map[string]any{"mode": "echo", "value": "cache-me"}
	id := s.enqueue(input, nil)
	s.waitForStatus(id, string(jobs.StatusCompleted))

	resp := s.Client.POST("/api/queues/embeddings/jobs",
		testutil.WithAdminToken(),
		testutil.WithJSON(map[string]any{"input": input, "dedupe": true}),
	)
	s.Require().Equal(http.StatusOK, resp.StatusCode, "dedupe hit should not create a job: %s", resp.String())

	var result jobs.EnqueueResponse
	s.Require().NoError(resp.JSON(&result))
	s.True(result.Cached)
	s.Nil(result.Job)
	s.Equal("cache-me", result.Output["echo"])
}

func (s *QueueAPISuite) TestRetriesExhaustJob() {
	// The default definitions allow 2 retries, so the job fails for good
	// on its third attempt.
	id := s.enqueue(map[string]any{"mode": "fail"}, nil)

	job := s.waitForStatus(id, string(jobs.StatusFailed))
	s.Equal(3, job.RunAttempts)
	s.Equal(jobs.CodeRetriesExhausted, job.ErrorCode)
	s.Contains(job.Error, "synthetic transient failure")
}

func (s *QueueAPISuite) TestPermanentErrorSkipsRetries() {
	id := s.enqueue(map[string]any{"mode": "fail_permanent"}, nil)

	job := s.waitForStatus(id, string(jobs.StatusFailed))
	s.Equal(1, job.RunAttempts)
	s.Equal(jobs.CodePermanent, job.ErrorCode)
}

func (s *QueueAPISuite) TestAbortProcessingJob() {
	id := s.enqueue(map[string]any{"mode": "slow"}, nil)
	s.waitForStatus(id, string(jobs.StatusProcessing))

	resp := s.Client.POST(fmt.Sprintf("/api/queues/embeddings/jobs/%d/abort", id),
		testutil.WithAdminToken(),
	)
	s.Require().Equal(http.StatusAccepted, resp.StatusCode, "abort failed: %s", resp.String())

	job := s.waitForStatus(id, string(jobs.StatusFailed))
	s.Equal(jobs.CodeAborted, job.ErrorCode)
}

func (s *QueueAPISuite) TestAbortRequiresProcessing() {
	id := s.enqueue(map[string]any{"mode": "echo", "value": "x"}, nil)
	s.waitForStatus(id, string(jobs.StatusCompleted))

	resp := s.Client.POST(fmt.Sprintf("/api/queues/embeddings/jobs/%d/abort", id),
		testutil.WithAdminToken(),
	)
	s.Equal(http.StatusConflict, resp.StatusCode)
}

func (s *QueueAPISuite) TestRunGroupsJobs() {
	runID := "run-e2e-42"
	first := s.enqueue(map[string]any{"mode": "echo", "value": "a"}, map[string]any{"run_id": runID})
	second := s.enqueue(map[string]any{"mode": "echo", "value": "b"}, map[string]any{"run_id": runID})
	s.waitForStatus(first, string(jobs.StatusCompleted))
	s.waitForStatus(second, string(jobs.StatusCompleted))

	resp := s.Client.GET("/api/runs/" + runID + "/jobs")
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var body struct {
		RunID string              `json:"run_id"`
		Jobs  []*jobs.JobResponse `json:"jobs"`
	}
	s.Require().NoError(resp.JSON(&body))
	s.Equal(runID, body.RunID)
	s.Require().Len(body.Jobs, 2)
	s.Equal(first, body.Jobs[0].ID)
	s.Equal(second, body.Jobs[1].ID)
}

func (s *QueueAPISuite) TestStatsCountByStatus() {
	id := s.enqueue(map[string]any{"mode": "echo", "value": "x"}, nil)
	s.waitForStatus(id, string(jobs.StatusCompleted))

	resp := s.Client.GET("/api/queues/embeddings/stats")
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var stats jobs.QueueStats
	s.Require().NoError(resp.JSON(&stats))
	s.Equal("embeddings", stats.Queue)
	s.Equal(1, stats.Counts[string(jobs.StatusCompleted)])
	s.Equal(1, stats.Total)
}

func (s *QueueAPISuite) TestListJobsFiltersByStatus() {
	done := s.enqueue(map[string]any{"mode": "echo", "value": "x"}, nil)
	s.waitForStatus(done, string(jobs.StatusCompleted))

	resp := s.Client.GET("/api/queues/embeddings/jobs", testutil.WithQuery("status", string(jobs.StatusCompleted)))
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var body struct {
		Jobs []*jobs.JobResponse `json:"jobs"`
	}
	s.Require().NoError(resp.JSON(&body))
	s.Require().Len(body.Jobs, 1)
	s.Equal(done, body.Jobs[0].ID)

	resp = s.Client.GET("/api/queues/embeddings/jobs", testutil.WithQuery("status", "BOGUS"))
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *QueueAPISuite) TestDeleteJob() {
	id := s.enqueue(map[string]any{"mode": "echo", "value": "x"}, nil)
	s.waitForStatus(id, string(jobs.StatusCompleted))

	path := fmt.Sprintf("/api/queues/embeddings/jobs/%d", id)

	resp := s.Client.DELETE(path)
	s.Equal(http.StatusUnauthorized, resp.StatusCode, "delete must need the admin token")

	resp = s.Client.DELETE(path, testutil.WithAdminToken())
	s.Equal(http.StatusNoContent, resp.StatusCode)

	resp = s.Client.GET(path)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}
