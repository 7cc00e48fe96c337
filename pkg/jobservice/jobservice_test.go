package jobservice

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/hvorchestrator/pkg/envelope"
	"github.com/cuemby/hvorchestrator/pkg/scheduler"
	"github.com/cuemby/hvorchestrator/pkg/transport"
	"github.com/cuemby/hvorchestrator/pkg/types"
)

type fakeSession struct{ hostname string }

func (f *fakeSession) Hostname() string { return f.hostname }
func (f *fakeSession) Close() error     { return nil }

type fakeExecutor struct {
	mu        sync.Mutex
	responses map[string]envelope.JobResultEnvelope
	errs      map[string]error
	onOutput  map[string][][2]string // operation -> [(stdoutFlag, chunk)]
	calls     []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		responses: make(map[string]envelope.JobResultEnvelope),
		errs:      make(map[string]error),
		onOutput:  make(map[string][][2]string),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, sess transport.Session, req envelope.JobRequest, onOutput OutputFunc) (envelope.JobResultEnvelope, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Operation)
	f.mu.Unlock()

	for _, chunk := range f.onOutput[req.Operation] {
		onOutput(chunk[0] == "stdout", []byte(chunk[1]))
	}

	if err, ok := f.errs[req.Operation]; ok {
		return envelope.JobResultEnvelope{}, err
	}
	resp := f.responses[req.Operation]
	resp.CorrelationID = req.CorrelationID
	if resp.Status == "" {
		resp.Status = envelope.StatusSuccess
	}
	return resp, nil
}

type fakeNotify struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotify) UpsertByKey(category types.NotificationCategory, key, title, message string, level types.NotificationLevel, metadata map[string]any) *types.Notification {
	f.mu.Lock()
	f.calls = append(f.calls, key+":"+message)
	f.mu.Unlock()
	return &types.Notification{ID: "notif-" + key, Category: category, RelatedEntity: key}
}

type fakeHub struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeHub) Broadcast(msgType string, topic string, payload any) {
	f.mu.Lock()
	f.events = append(f.events, msgType+"/"+topic)
	f.mu.Unlock()
}

func (f *fakeHub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestService(exec *fakeExecutor) (*Service, *scheduler.Scheduler) {
	sched := scheduler.New(scheduler.Config{MinWorkers: 2, MaxWorkers: 4, IdleSeconds: time.Second, ScaleUpBacklog: 10, ScaleUpDurationThreshold: time.Second})
	sched.Start()
	sessions := transport.NewCache(func(hostname string) (transport.Session, error) {
		return &fakeSession{hostname: hostname}, nil
	})
	svc := New(sched, sessions, exec, &fakeNotify{}, &fakeHub{})
	return svc, sched
}

func waitTerminal(t *testing.T, svc *Service, jobID string) *types.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job := svc.Get(jobID)
		if job != nil && job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach terminal state in time")
	return nil
}

func TestSubmitNoopTestCompletesWithCorrelationRoundTrip(t *testing.T) {
	exec := newFakeExecutor()
	exec.responses["noop-test"] = envelope.JobResultEnvelope{
		Status: envelope.StatusSuccess,
		Data:   map[string]any{"test_field_echo": "value"},
	}
	svc, sched := newTestService(exec)
	defer sched.Stop()

	job := svc.Submit(types.JobTypeNoopTest, "H1", map[string]any{"test": "value"})
	final := waitTerminal(t, svc, job.JobID)

	require.Equal(t, types.JobStatusCompleted, final.Status)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	require.True(t, !final.StartedAt.Before(final.CreatedAt))
}

func TestSubmitFailsJobOnAgentError(t *testing.T) {
	exec := newFakeExecutor()
	exec.responses["vm.create"] = envelope.JobResultEnvelope{
		Status:  envelope.StatusError,
		Message: "insufficient resources",
		Code:    "E_RESOURCES",
	}
	svc, sched := newTestService(exec)
	defer sched.Stop()

	job := svc.Submit(types.JobTypeProvisionVM, "H1", map[string]any{})
	final := waitTerminal(t, svc, job.JobID)

	require.Equal(t, types.JobStatusFailed, final.Status)
	require.Contains(t, final.Error, "E_RESOURCES")
}

func TestSubmitFailsJobOnTransportError(t *testing.T) {
	exec := newFakeExecutor()
	exec.errs["vm.create"] = fmt.Errorf("connection reset")
	svc, sched := newTestService(exec)
	defer sched.Stop()

	job := svc.Submit(types.JobTypeProvisionVM, "H1", map[string]any{})
	final := waitTerminal(t, svc, job.JobID)

	require.Equal(t, types.JobStatusFailed, final.Status)
	require.Contains(t, final.Error, "transport")
}

func TestGetRedactsSensitiveParameters(t *testing.T) {
	exec := newFakeExecutor()
	exec.responses["vm.create"] = envelope.JobResultEnvelope{Status: envelope.StatusSuccess}
	svc, sched := newTestService(exec)
	defer sched.Stop()

	job := svc.Submit(types.JobTypeProvisionVM, "H1", map[string]any{
		"admin_password": "hunter2",
		"nested": map[string]any{
			"api_token": "abc",
			"name":      "keep-me",
		},
		"hostname": "H1",
	})
	waitTerminal(t, svc, job.JobID)

	got := svc.Get(job.JobID)
	require.Equal(t, redactionMask, got.Parameters["admin_password"])
	nested := got.Parameters["nested"].(map[string]any)
	require.Equal(t, redactionMask, nested["api_token"])
	require.Equal(t, "keep-me", nested["name"])
	require.Equal(t, "H1", got.Parameters["hostname"])
}

func TestRedactionIsIdempotent(t *testing.T) {
	input := map[string]any{"password": "x", "ok": "y"}
	once := redact(input)
	twice := redact(once)
	require.Equal(t, once, twice)
}

func TestOutputIsAppendedInOrder(t *testing.T) {
	exec := newFakeExecutor()
	exec.onOutput["vm.create"] = [][2]string{{"stdout", "line one\n"}, {"stdout", "line two\n"}}
	exec.responses["vm.create"] = envelope.JobResultEnvelope{Status: envelope.StatusSuccess}
	svc, sched := newTestService(exec)
	defer sched.Stop()

	job := svc.Submit(types.JobTypeProvisionVM, "H1", map[string]any{})
	final := waitTerminal(t, svc, job.JobID)

	require.Equal(t, []string{"line one", "line two"}, final.Output)
}

func TestManagedDeploymentRunsStepsInOrder(t *testing.T) {
	exec := newFakeExecutor()
	exec.responses["vm.create"] = envelope.JobResultEnvelope{Status: envelope.StatusSuccess, Data: map[string]any{"vm_id": "vm-1"}}
	exec.responses["disk.create"] = envelope.JobResultEnvelope{Status: envelope.StatusSuccess}
	exec.responses["nic.create"] = envelope.JobResultEnvelope{Status: envelope.StatusSuccess}
	exec.responses["initialize"] = envelope.JobResultEnvelope{Status: envelope.StatusSuccess}

	svc, sched := newTestService(exec)
	defer sched.Stop()

	job := svc.Submit(types.JobTypeManagedDeployment, "H1", map[string]any{
		"vm_spec":   map[string]any{"cpu": 2},
		"disk_spec": map[string]any{"size_gb": 40},
		"nic_spec":  map[string]any{"vlan": 10},
		"guest_config": map[string]any{
			"guest_la_uid": "admin",
			"guest_la_pw":  "secret",
		},
	})
	final := waitTerminal(t, svc, job.JobID)

	require.Equal(t, types.JobStatusCompleted, final.Status)

	exec.mu.Lock()
	calls := append([]string(nil), exec.calls...)
	exec.mu.Unlock()
	require.Contains(t, calls, "vm.create")
	require.Contains(t, calls, "disk.create")
	require.Contains(t, calls, "nic.create")
	require.Contains(t, calls, "initialize")
	require.Equal(t, []string{"vm.create", "disk.create", "nic.create", "initialize"}, calls)

	require.Len(t, final.ChildJobs, 4)
}

func TestManagedDeploymentFailsOnNICStepWithoutRollback(t *testing.T) {
	exec := newFakeExecutor()
	exec.responses["vm.create"] = envelope.JobResultEnvelope{Status: envelope.StatusSuccess, Data: map[string]any{"vm_id": "vm-1"}}
	exec.responses["disk.create"] = envelope.JobResultEnvelope{Status: envelope.StatusSuccess}
	exec.responses["nic.create"] = envelope.JobResultEnvelope{Status: envelope.StatusError, Message: "vlan exhausted"}

	svc, sched := newTestService(exec)
	defer sched.Stop()

	job := svc.Submit(types.JobTypeManagedDeployment, "H1", map[string]any{
		"vm_spec":   map[string]any{"cpu": 2},
		"disk_spec": map[string]any{"size_gb": 40},
		"nic_spec":  map[string]any{"vlan": 10},
	})
	final := waitTerminal(t, svc, job.JobID)

	require.Equal(t, types.JobStatusFailed, final.Status)
	require.Contains(t, final.Error, "nic.create")

	var diskStep, nicStep *types.ChildJob
	for i := range final.ChildJobs {
		switch final.ChildJobs[i].Operation {
		case "disk.create":
			diskStep = &final.ChildJobs[i]
		case "nic.create":
			nicStep = &final.ChildJobs[i]
		}
	}
	require.NotNil(t, diskStep)
	require.Equal(t, types.JobStatusCompleted, diskStep.Status, "already-created resources are not rolled back")
	require.NotNil(t, nicStep)
	require.Equal(t, types.JobStatusFailed, nicStep.Status)
}

func TestComposeGuestConfigAllOrNoneGroups(t *testing.T) {
	req := ManagedDeploymentRequest{
		GuestLAUID:       "admin",
		GuestLAPW:        "pw",
		DomainJoinTarget: "corp.example.com",
		DomainJoinUID:    "joiner",
		DomainJoinPW:     "joinpw",
		DomainJoinOU:     "OU=VMs",
		StaticIPAddr:     "10.0.0.5",
		StaticCIDRPrefix: "24",
		StaticDefaultGW:  "10.0.0.1",
		StaticDNS1:       "10.0.0.2",
	}

	cfg := composeGuestConfig(req)
	require.Equal(t, "admin", cfg["guest_la_uid"])
	require.Equal(t, "corp.example.com", cfg["target"])
	require.Equal(t, "10.0.0.5", cfg["ip_addr"])
	require.NotContains(t, cfg, "ssh_user")
	require.NotContains(t, cfg, "dns2")
}

func TestComposeGuestConfigIsPure(t *testing.T) {
	req := ManagedDeploymentRequest{GuestLAUID: "a", GuestLAPW: "b"}
	first := composeGuestConfig(req)
	second := composeGuestConfig(req)
	require.Equal(t, first, second)
}

func TestListReturnsRedactedCopiesForAllJobs(t *testing.T) {
	exec := newFakeExecutor()
	exec.responses["noop-test"] = envelope.JobResultEnvelope{Status: envelope.StatusSuccess}
	svc, sched := newTestService(exec)
	defer sched.Stop()

	j1 := svc.Submit(types.JobTypeNoopTest, "H1", map[string]any{"token": "abc"})
	j2 := svc.Submit(types.JobTypeNoopTest, "H1", map[string]any{"token": "def"})
	waitTerminal(t, svc, j1.JobID)
	waitTerminal(t, svc, j2.JobID)

	list := svc.List()
	require.Len(t, list, 2)
	for _, j := range list {
		require.Equal(t, redactionMask, j.Parameters["token"])
	}
}
