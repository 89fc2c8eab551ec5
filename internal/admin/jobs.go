package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/syphar/crates.io/internal/store"
)

// registerJobRoutes wires the job inspection endpoints.
//
//	GET  /jobs                 list jobs with optional filters
//	GET  /jobs/{id}            single job
//	POST /jobs/{id}/requeue    move a failed job back to pending
//	GET  /queues               claimable jobs per queue
func registerJobRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List background jobs",
		Tags:        []string{"Jobs"},
	}, srv.listJobsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get a background job",
		Tags:        []string{"Jobs"},
	}, srv.getJobHandler)

	huma.Register(api, huma.Operation{
		OperationID: "requeue-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/requeue",
		Summary:     "Requeue a failed job",
		Description: "Moves a permanently failed job back to pending and grants it more attempts.",
		Tags:        []string{"Jobs"},
	}, srv.requeueJobHandler)

	huma.Register(api, huma.Operation{
		OperationID: "list-queues",
		Method:      http.MethodGet,
		Path:        "/queues",
		Summary:     "Queue depths",
		Description: "Number of pending or retryable jobs per queue.",
		Tags:        []string{"Jobs"},
	}, srv.listQueuesHandler)
}

// ── Response types ────────────────────────────────────────────────────────────

// JobItem is the API representation of a background_jobs row.
type JobItem struct {
	ID          int64           `json:"id"`
	JobType     string          `json:"job_type"`
	Queue       string          `json:"queue"`
	Priority    int16           `json:"priority"`
	Status      string          `json:"status"`
	Attempts    int32           `json:"attempts"`
	MaxAttempts int32           `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload"`
	DedupKey    *string         `json:"dedup_key,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	LockHolder  *string         `json:"lock_holder,omitempty"`
	LockedAt    *string         `json:"locked_at,omitempty"`  // RFC3339
	NotBefore   *string         `json:"not_before,omitempty"` // RFC3339
	CreatedAt   string          `json:"created_at"`           // RFC3339
}

func jobItem(j *store.Job) JobItem {
	return JobItem{
		ID:          j.ID,
		JobType:     j.JobType,
		Queue:       j.Queue,
		Priority:    j.Priority,
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Payload:     j.Payload,
		DedupKey:    j.DedupKey,
		LastError:   j.LastError,
		LockHolder:  j.LockHolder,
		LockedAt:    formatTime(j.LockedAt),
		NotBefore:   formatTime(j.NotBefore),
		CreatedAt:   j.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// ── List ──────────────────────────────────────────────────────────────────────

// ListJobsInput is the query of GET /jobs.
type ListJobsInput struct {
	Status string `query:"status" enum:"pending,locked,retryable,failed" doc:"Filter by status"`
	Queue  string `query:"queue" doc:"Filter by queue"`
	Type   string `query:"type" doc:"Filter by job type"`
	Limit  uint64 `query:"limit" default:"50" minimum:"1" maximum:"500" doc:"Maximum number of jobs"`
}

// ListJobsOutput is the response of GET /jobs.
type ListJobsOutput struct {
	Body *ListJobsBody
}

// ListJobsBody is the JSON body of the list response.
type ListJobsBody struct {
	Items []JobItem `json:"items"`
}

func (srv *Server) listJobsHandler(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	jobs, err := srv.store.ListJobs(ctx, store.ListJobsFilter{
		Status:  store.Status(input.Status),
		Queue:   input.Queue,
		JobType: input.Type,
		Limit:   input.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	body := &ListJobsBody{Items: make([]JobItem, 0, len(jobs))}
	for _, j := range jobs {
		body.Items = append(body.Items, jobItem(j))
	}
	return &ListJobsOutput{Body: body}, nil
}

// ── Single job ────────────────────────────────────────────────────────────────

// GetJobInput identifies one job.
type GetJobInput struct {
	ID int64 `path:"id" doc:"Job id"`
}

// JobOutput is a single job response.
type JobOutput struct {
	Body *JobItem
}

func (srv *Server) getJobHandler(ctx context.Context, input *GetJobInput) (*JobOutput, error) {
	j, err := srv.store.GetJob(ctx, input.ID)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil, huma.Error404NotFound("job not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	item := jobItem(j)
	return &JobOutput{Body: &item}, nil
}

// RequeueJobInput is the request of POST /jobs/{id}/requeue.
type RequeueJobInput struct {
	ID       int64 `path:"id" doc:"Job id"`
	Attempts int32 `query:"attempts" default:"1" minimum:"1" maximum:"100" doc:"Additional executions to grant"`
}

func (srv *Server) requeueJobHandler(ctx context.Context, input *RequeueJobInput) (*JobOutput, error) {
	j, err := srv.store.RequeueJob(ctx, input.ID, input.Attempts)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return nil, huma.Error404NotFound("job not found", nil)
	case errors.Is(err, store.ErrJobNotFailed):
		return nil, huma.Error409Conflict("only failed jobs can be requeued")
	case errors.Is(err, store.ErrDuplicatePending):
		return nil, huma.Error409Conflict("an equivalent job is already pending")
	case err != nil:
		return nil, fmt.Errorf("requeue job: %w", err)
	}
	item := jobItem(j)
	return &JobOutput{Body: &item}, nil
}

// ── Queues ────────────────────────────────────────────────────────────────────

// QueueItem is the depth of one queue.
type QueueItem struct {
	Queue string `json:"queue"`
	Depth int64  `json:"depth"`
}

// ListQueuesOutput is the response of GET /queues.
type ListQueuesOutput struct {
	Body *ListQueuesBody
}

// ListQueuesBody is the JSON body of the queues response.
type ListQueuesBody struct {
	Queues []QueueItem `json:"queues"`
}

func (srv *Server) listQueuesHandler(ctx context.Context, _ *struct{}) (*ListQueuesOutput, error) {
	depths, err := srv.store.QueueDepths(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	srv.metrics.SetQueueDepths(depths)

	body := &ListQueuesBody{Queues: make([]QueueItem, 0, len(depths))}
	for q, n := range depths {
		body.Queues = append(body.Queues, QueueItem{Queue: q, Depth: n})
	}
	sort.Slice(body.Queues, func(i, j int) bool { return body.Queues[i].Queue < body.Queues[j].Queue })
	return &ListQueuesOutput{Body: body}, nil
}
