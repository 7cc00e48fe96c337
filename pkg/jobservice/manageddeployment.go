package jobservice

import (
	"context"
	"fmt"

	"github.com/cuemby/hvorchestrator/pkg/scheduler"
	"github.com/cuemby/hvorchestrator/pkg/types"
)

// ManagedDeploymentRequest is the flat input to a managed_deployment_v2
// job. VMSpec is required; DiskSpec, NICSpec and the guest-config groups
// are each optional and validated all-or-none at ingestion (the HTTP
// layer, not here).
type ManagedDeploymentRequest struct {
	VMSpec   map[string]any
	DiskSpec map[string]any
	NICSpec  map[string]any

	GuestLAUID string
	GuestLAPW  string

	DomainJoinTarget string
	DomainJoinUID    string
	DomainJoinPW     string
	DomainJoinOU     string

	AnsibleSSHUser string
	AnsibleSSHKey  string

	StaticIPAddr     string
	StaticCIDRPrefix string
	StaticDefaultGW  string
	StaticDNS1       string
	StaticDNS2       string
	StaticDNSSuffix  string
}

// composeGuestConfig is a pure function: identical inputs produce
// identical outputs, and req is never mutated.
func composeGuestConfig(req ManagedDeploymentRequest) map[string]any {
	cfg := map[string]any{
		"guest_la_uid": req.GuestLAUID,
		"guest_la_pw":  req.GuestLAPW,
	}

	if req.DomainJoinTarget != "" {
		cfg["target"] = req.DomainJoinTarget
		cfg["uid"] = req.DomainJoinUID
		cfg["pw"] = req.DomainJoinPW
		cfg["ou"] = req.DomainJoinOU
	}

	if req.AnsibleSSHUser != "" {
		cfg["ssh_user"] = req.AnsibleSSHUser
		cfg["ssh_key"] = req.AnsibleSSHKey
	}

	if req.StaticIPAddr != "" {
		cfg["ip_addr"] = req.StaticIPAddr
		cfg["cidr_prefix"] = req.StaticCIDRPrefix
		cfg["default_gw"] = req.StaticDefaultGW
		cfg["dns1"] = req.StaticDNS1
	}
	if req.StaticDNS2 != "" {
		cfg["dns2"] = req.StaticDNS2
	}
	if req.StaticDNSSuffix != "" {
		cfg["dns_suffix"] = req.StaticDNSSuffix
	}

	return cfg
}

func parseManagedDeploymentRequest(params map[string]any) ManagedDeploymentRequest {
	var req ManagedDeploymentRequest
	req.VMSpec, _ = params["vm_spec"].(map[string]any)
	req.DiskSpec, _ = params["disk_spec"].(map[string]any)
	req.NICSpec, _ = params["nic_spec"].(map[string]any)

	guestConfig, _ := params["guest_config"].(map[string]any)
	if guestConfig == nil {
		return req
	}

	req.GuestLAUID = strField(guestConfig, "guest_la_uid")
	req.GuestLAPW = strField(guestConfig, "guest_la_pw")
	req.DomainJoinTarget = strField(guestConfig, "target")
	req.DomainJoinUID = strField(guestConfig, "uid")
	req.DomainJoinPW = strField(guestConfig, "pw")
	req.DomainJoinOU = strField(guestConfig, "ou")
	req.AnsibleSSHUser = strField(guestConfig, "ssh_user")
	req.AnsibleSSHKey = strField(guestConfig, "ssh_key")
	req.StaticIPAddr = strField(guestConfig, "ip_addr")
	req.StaticCIDRPrefix = strField(guestConfig, "cidr_prefix")
	req.StaticDefaultGW = strField(guestConfig, "default_gw")
	req.StaticDNS1 = strField(guestConfig, "dns1")
	req.StaticDNS2 = strField(guestConfig, "dns2")
	req.StaticDNSSuffix = strField(guestConfig, "dns_suffix")

	return req
}

func strField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// runManagedDeployment runs vm.create, then conditionally disk.create,
// nic.create, and initialize (as a tracked child job), in order. Any
// step's failure transitions the parent to failed with the step name
// in the error; already-created child resources are not rolled back.
func (s *Service) runManagedDeployment(job *types.Job) error {
	req := parseManagedDeploymentRequest(job.Parameters)
	guestConfig, hasGuestConfig := job.Parameters["guest_config"]

	vmSpec := req.VMSpec
	vmData, err := s.runStep(job, "vm.create", vmSpec, false)
	if err != nil {
		s.recordChildFailure(job, "vm.create", err)
		return fmt.Errorf("managed deployment step vm.create: %w", err)
	}
	s.recordChildSuccess(job, "vm.create")

	vmID, _ := vmData["vm_id"].(string)

	if req.DiskSpec != nil {
		diskSpec := withParent(req.DiskSpec, vmID)
		if _, err := s.runStep(job, "disk.create", diskSpec, true); err != nil {
			s.recordChildFailure(job, "disk.create", err)
			return fmt.Errorf("managed deployment step disk.create: %w", err)
		}
		s.recordChildSuccess(job, "disk.create")
	}

	if req.NICSpec != nil {
		nicSpec := withParent(req.NICSpec, vmID)
		if _, err := s.runStep(job, "nic.create", nicSpec, false); err != nil {
			s.recordChildFailure(job, "nic.create", err)
			return fmt.Errorf("managed deployment step nic.create: %w", err)
		}
		s.recordChildSuccess(job, "nic.create")
	}

	if hasGuestConfig && guestConfig != nil {
		composed := composeGuestConfig(req)
		childJob := s.submitChild(job, types.JobTypeInitializeVM, composed)
		if childJob.Status == types.JobStatusFailed {
			return fmt.Errorf("managed deployment step initialize: %s", childJob.Error)
		}
	}

	return nil
}

func withParent(spec map[string]any, vmID string) map[string]any {
	out := make(map[string]any, len(spec)+1)
	for k, v := range spec {
		out[k] = v
	}
	out["parent_vm_id"] = vmID
	return out
}

func (s *Service) runStep(job *types.Job, operation string, resourceSpec map[string]any, ioBound bool) (map[string]any, error) {
	fut := s.sched.RunBlocking(context.Background(), job.TargetHost, scheduler.CategoryDeployment, ioBound, operation, 0, func(ctx context.Context) (map[string]any, error) {
		return s.execute(ctx, job, job.JobID, operation, resourceSpec)
	})
	res, err := fut.Wait(context.Background())
	if err != nil {
		return nil, err
	}
	return res.Value, res.Err
}

// submitChild runs the initialize step as its own tracked job — with
// its own job_id, notifications, and output stream — so operators see
// independent progress, and blocks the parent's orchestration
// goroutine until it reaches a terminal state.
func (s *Service) submitChild(parent *types.Job, childType types.JobType, parameters map[string]any) *types.Job {
	s.mu.Lock()
	placeholderIdx := len(parent.ChildJobs)
	parent.ChildJobs = append(parent.ChildJobs, types.ChildJob{
		Operation: string(childType),
		Status:    types.JobStatusPending,
	})
	s.mu.Unlock()

	child := s.submitSync(childType, parent.TargetHost, parameters)

	s.mu.Lock()
	parent.ChildJobs[placeholderIdx].JobID = child.JobID
	parent.ChildJobs[placeholderIdx].Status = child.Status
	parent.ChildJobs[placeholderIdx].Error = child.Error
	s.mu.Unlock()

	return child
}

func (s *Service) recordChildSuccess(job *types.Job, operation string) {
	s.mu.Lock()
	for i := range job.ChildJobs {
		if job.ChildJobs[i].Operation == operation {
			job.ChildJobs[i].Status = types.JobStatusCompleted
			s.mu.Unlock()
			return
		}
	}
	job.ChildJobs = append(job.ChildJobs, types.ChildJob{Operation: operation, Status: types.JobStatusCompleted})
	s.mu.Unlock()
}

func (s *Service) recordChildFailure(job *types.Job, operation string, err error) {
	s.mu.Lock()
	for i := range job.ChildJobs {
		if job.ChildJobs[i].Operation == operation {
			job.ChildJobs[i].Status = types.JobStatusFailed
			job.ChildJobs[i].Error = err.Error()
			s.mu.Unlock()
			return
		}
	}
	job.ChildJobs = append(job.ChildJobs, types.ChildJob{Operation: operation, Status: types.JobStatusFailed, Error: err.Error()})
	s.mu.Unlock()
}
