// Package jobservice owns the job table: submission, the
// PENDING→RUNNING→terminal state machine, managed-deployment
// orchestration, streaming output capture, and parameter redaction. It
// is the busiest of the core subsystems — every other service either
// feeds it work or reacts to the events it emits.
package jobservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/hvorchestrator/pkg/envelope"
	"github.com/cuemby/hvorchestrator/pkg/log"
	"github.com/cuemby/hvorchestrator/pkg/metrics"
	"github.com/cuemby/hvorchestrator/pkg/scheduler"
	"github.com/cuemby/hvorchestrator/pkg/streamdecode"
	"github.com/cuemby/hvorchestrator/pkg/transport"
	"github.com/cuemby/hvorchestrator/pkg/types"
	"github.com/rs/zerolog"
)

const redactionMask = "***REDACTED***"

var sensitiveSubstrings = []string{"password", "_pw", "secret", "token"}

// Broadcaster is the subset of the WebSocket hub the job service uses.
type Broadcaster interface {
	Broadcast(msgType string, topic string, payload any)
}

// NotificationUpserter is the subset of the notification service the
// job service depends on, so tests can supply a fake.
type NotificationUpserter interface {
	UpsertByKey(category types.NotificationCategory, key, title, message string, level types.NotificationLevel, metadata map[string]any) *types.Notification
}

// OutputFunc is invoked once per stdout chunk and once per stderr
// chunk an agent round-trip produces, before the final result.
type OutputFunc func(stdout bool, chunk []byte)

// Executor performs one envelope round-trip against hostname using
// sess, streaming any intermediate progress output to onOutput. It is
// the boundary to the black-box PowerShell agent; the job service
// never speaks the management transport protocol directly.
type Executor interface {
	Execute(ctx context.Context, sess transport.Session, req envelope.JobRequest, onOutput OutputFunc) (envelope.JobResultEnvelope, error)
}

// Service is the job table and orchestrator.
type Service struct {
	mu   sync.RWMutex
	jobs map[string]*types.Job

	sched    *scheduler.Scheduler
	sessions *transport.Cache
	exec     Executor
	notify   NotificationUpserter
	hub      Broadcaster
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a job service. sched must already be Start()ed.
func New(sched *scheduler.Scheduler, sessions *transport.Cache, exec Executor, notify NotificationUpserter, hub Broadcaster) *Service {
	return &Service{
		jobs:     make(map[string]*types.Job),
		sched:    sched,
		sessions: sessions,
		exec:     exec,
		notify:   notify,
		hub:      hub,
		logger:   log.WithComponent("jobservice"),
		now:      time.Now,
	}
}

// Submit allocates a job record, publishes its pending notification,
// and schedules its execution worker. It returns immediately; the job
// runs asynchronously.
func (s *Service) Submit(jobType types.JobType, targetHost string, parameters map[string]any) *types.Job {
	job := &types.Job{
		JobID:      uuid.NewString(),
		JobType:    jobType,
		Status:     types.JobStatusPending,
		CreatedAt:  s.now(),
		TargetHost: targetHost,
		Parameters: parameters,
		Output:     []string{},
	}

	s.mu.Lock()
	s.jobs[job.JobID] = job
	s.mu.Unlock()

	s.upsertJobNotification(job, fmt.Sprintf("Job %s queued", job.JobID))
	s.broadcastJob(job, "status")

	go s.run(job)

	return job
}

// submitSync mirrors Submit but runs the job on the caller's goroutine
// instead of dispatching it to the background, so managed-deployment
// orchestration can await one initialize child job's terminal state
// without polling.
func (s *Service) submitSync(jobType types.JobType, targetHost string, parameters map[string]any) *types.Job {
	job := &types.Job{
		JobID:      uuid.NewString(),
		JobType:    jobType,
		Status:     types.JobStatusPending,
		CreatedAt:  s.now(),
		TargetHost: targetHost,
		Parameters: parameters,
		Output:     []string{},
	}

	s.mu.Lock()
	s.jobs[job.JobID] = job
	s.mu.Unlock()

	s.upsertJobNotification(job, fmt.Sprintf("Job %s queued", job.JobID))
	s.broadcastJob(job, "status")

	s.run(job)
	return job
}

// Get returns a redacted copy of job_id, or nil if unknown.
func (s *Service) Get(jobID string) *types.Job {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return redactedClone(job)
}

// List returns redacted copies of every tracked job.
func (s *Service) List() []*types.Job {
	s.mu.RLock()
	out := make([]*types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	s.mu.RUnlock()

	redacted := make([]*types.Job, len(out))
	for i, job := range out {
		redacted[i] = redactedClone(job)
	}
	return redacted
}

func (s *Service) run(job *types.Job) {
	if !s.transitionToRunning(job) {
		return // cancelled before dispatch isn't modeled on Job directly; reserved for future cancel API
	}

	var err error
	switch job.JobType {
	case types.JobTypeManagedDeployment:
		err = s.runManagedDeployment(job)
	default:
		err = s.runSingleOperation(job, job.JobID)
	}

	if err != nil {
		s.transitionToFailed(job, err)
		return
	}
	s.transitionToCompleted(job)
}

func (s *Service) transitionToRunning(job *types.Job) bool {
	s.mu.Lock()
	if job.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	job.Status = types.JobStatusRunning
	job.StartedAt = &now
	s.mu.Unlock()

	metrics.JobsInFlight.Inc()
	s.upsertJobNotification(job, fmt.Sprintf("Job %s running", job.JobID))
	s.broadcastJob(job, "status")
	return true
}

func (s *Service) transitionToCompleted(job *types.Job) {
	s.mu.Lock()
	now := s.now()
	job.Status = types.JobStatusCompleted
	job.CompletedAt = &now
	s.mu.Unlock()

	metrics.JobsInFlight.Dec()
	metrics.JobsTotal.WithLabelValues(string(job.JobType), "completed").Inc()
	s.observeDuration(job)
	s.upsertJobNotification(job, fmt.Sprintf("Job %s completed", job.JobID))
	s.broadcastJob(job, "status")
}

func (s *Service) transitionToFailed(job *types.Job, err error) {
	s.mu.Lock()
	now := s.now()
	job.Status = types.JobStatusFailed
	job.CompletedAt = &now
	job.Error = err.Error()
	s.mu.Unlock()

	metrics.JobsInFlight.Dec()
	metrics.JobsTotal.WithLabelValues(string(job.JobType), "failed").Inc()
	s.observeDuration(job)
	s.upsertJobNotification(job, fmt.Sprintf("Job %s failed: %s", job.JobID, err.Error()))
	s.broadcastJob(job, "status")
}

func (s *Service) observeDuration(job *types.Job) {
	if job.StartedAt == nil || job.CompletedAt == nil {
		return
	}
	metrics.JobDuration.WithLabelValues(string(job.JobType)).Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
}

// runSingleOperation runs the direct envelope round-trip for a
// non-managed job type, streaming output to topic jobs:{streamJobID}.
func (s *Service) runSingleOperation(job *types.Job, streamJobID string) error {
	operation, ioBound := operationFor(job.JobType)

	fut := s.sched.RunBlocking(context.Background(), job.TargetHost, categoryFor(job.JobType), ioBound,
		string(job.JobType), 0, func(ctx context.Context) (map[string]any, error) {
			return s.execute(ctx, job, streamJobID, operation, job.Parameters)
		})

	res, err := fut.Wait(context.Background())
	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}
	return nil
}

func (s *Service) execute(ctx context.Context, job *types.Job, streamJobID, operation string, resourceSpec map[string]any) (map[string]any, error) {
	sess, err := s.sessions.GetSession(job.TargetHost)
	if err != nil {
		return nil, &TransportError{Hostname: job.TargetHost, Cause: err}
	}

	req := envelope.CreateJobRequest(operation, resourceSpec, "", nil)

	decoder := streamdecode.New()
	onOutput := func(stdout bool, chunk []byte) {
		var lines []string
		if stdout {
			lines = decoder.FeedStdout(chunk)
		} else {
			lines = decoder.FeedStderr(chunk)
		}
		for _, line := range lines {
			s.appendOutput(job, streamJobID, line)
		}
	}

	result, err := s.exec.Execute(ctx, sess, req, onOutput)
	for _, line := range decoder.Flush() {
		s.appendOutput(job, streamJobID, line)
	}
	if err != nil {
		// A ParseError means the executor already classified this as
		// malformed agent output (spec §7); anything else is treated as
		// a transport/session fault rather than re-wrapped twice.
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			return nil, err
		}
		return nil, &TransportError{Hostname: job.TargetHost, Cause: err}
	}

	if result.CorrelationID != req.CorrelationID {
		return nil, &TransportError{Hostname: job.TargetHost, Cause: fmt.Errorf("correlation id mismatch, sent %s got %s", req.CorrelationID, result.CorrelationID)}
	}

	switch result.Status {
	case envelope.StatusSuccess:
		return result.Data, nil
	case envelope.StatusPartial:
		return result.Data, &AgentPartial{Message: result.Message, Logs: result.Logs}
	default:
		return nil, &AgentError{Code: result.Code, Message: result.Message}
	}
}

// appendOutput appends line to job.output under the job lock, then
// broadcasts outside the lock, matching the fixed lock-then-broadcast
// ordering used across every job transition.
func (s *Service) appendOutput(job *types.Job, streamJobID, line string) {
	s.mu.Lock()
	job.Output = append(job.Output, line)
	s.mu.Unlock()

	s.hub.Broadcast("job", "jobs:"+streamJobID, map[string]any{
		"job_id": streamJobID,
		"action": "output",
		"line":   line,
	})
}

func (s *Service) upsertJobNotification(job *types.Job, message string) {
	level := types.NotificationLevelInfo
	switch job.Status {
	case types.JobStatusFailed:
		level = types.NotificationLevelError
	case types.JobStatusCompleted:
		level = types.NotificationLevelSuccess
	}

	n := s.notify.UpsertByKey(types.NotificationCategoryJob, job.JobID, fmt.Sprintf("Job %s", job.JobType), message, level, map[string]any{
		"job_id": job.JobID,
		"status": string(job.Status),
	})

	s.mu.Lock()
	job.NotificationID = n.ID
	s.mu.Unlock()
}

func (s *Service) broadcastJob(job *types.Job, action string) {
	s.hub.Broadcast("job", "jobs", map[string]any{
		"job_id": job.JobID,
		"action": action,
		"status": string(job.Status),
	})
	s.hub.Broadcast("job", "jobs:"+job.JobID, map[string]any{
		"job_id": job.JobID,
		"action": action,
		"status": string(job.Status),
	})
}

func operationFor(jt types.JobType) (operation string, ioBound bool) {
	switch jt {
	case types.JobTypeProvisionVM:
		return "vm.create", false
	case types.JobTypeDeleteVM:
		return "vm.delete", false
	case types.JobTypeCreateDisk:
		return "disk.create", true
	case types.JobTypeCreateNIC:
		return "nic.create", false
	case types.JobTypeInitializeVM:
		return "initialize", true
	default:
		return "noop-test", false
	}
}

func categoryFor(jt types.JobType) scheduler.Category {
	if jt == types.JobTypeManagedDeployment {
		return scheduler.CategoryDeployment
	}
	return scheduler.CategoryJob
}

// redactedClone deep-copies job and masks any parameter whose field
// name matches a sensitive pattern, recursively through nested maps.
// If redaction itself fails for any reason, parameters are emptied
// rather than risking a leak.
func redactedClone(job *types.Job) *types.Job {
	clone := job.Clone()
	defer func() {
		if r := recover(); r != nil {
			clone.Parameters = map[string]any{}
		}
	}()
	clone.Parameters = redact(clone.Parameters)
	return clone
}

func redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveField(k) {
			out[k] = redactionMask
			continue
		}
		switch vv := v.(type) {
		case map[string]any:
			out[k] = redact(vv)
		default:
			out[k] = vv
		}
	}
	return out
}

func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, sub := range sensitiveSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
