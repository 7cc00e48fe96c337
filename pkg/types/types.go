/*
Package types defines the core data structures shared across the
orchestrator core: jobs, hosts, clusters, VMs, and notifications.

These are plain structs with string-enum constants, the same shape the
rest of this codebase uses for its domain model — no behavior lives here,
only the data the job, inventory, and notification services own.
*/
package types

import "time"

// JobType enumerates the operations a client may submit.
type JobType string

const (
	JobTypeProvisionVM       JobType = "provision_vm"
	JobTypeDeleteVM          JobType = "delete_vm"
	JobTypeManagedDeployment JobType = "managed_deployment_v2"
	JobTypeCreateDisk        JobType = "create_disk"
	JobTypeCreateNIC         JobType = "create_nic"
	JobTypeInitializeVM      JobType = "initialize_vm"
	JobTypeNoopTest          JobType = "noop_test"
)

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ChildJob is one step of a managed deployment, tracked on the parent job.
type ChildJob struct {
	JobID     string    `json:"job_id"`
	Operation string    `json:"operation"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// Job is the unit of work tracked by the job service.
type Job struct {
	JobID          string         `json:"job_id"`
	JobType        JobType        `json:"job_type"`
	Status         JobStatus      `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	TargetHost     string         `json:"target_host"`
	Parameters     map[string]any `json:"parameters"`
	Output         []string       `json:"output"`
	Error          string         `json:"error,omitempty"`
	NotificationID string         `json:"notification_id,omitempty"`
	ChildJobs      []ChildJob     `json:"child_jobs,omitempty"`
}

// Clone returns a deep-enough copy for safe handoff to readers: the
// parameter map and output/child slices are copied so a caller can't
// mutate service-owned state through the returned value.
func (j *Job) Clone() *Job {
	clone := *j
	clone.Parameters = deepCopyMap(j.Parameters)
	clone.Output = append([]string(nil), j.Output...)
	clone.ChildJobs = append([]ChildJob(nil), j.ChildJobs...)
	return &clone
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(vv)
		default:
			out[k] = vv
		}
	}
	return out
}

// VMState mirrors the guest power/provisioning state reported by the agent.
type VMState string

const (
	VMStateRunning  VMState = "Running"
	VMStateOff      VMState = "Off"
	VMStatePaused   VMState = "Paused"
	VMStateSaved    VMState = "Saved"
	VMStateStarting VMState = "Starting"
	VMStateStopping VMState = "Stopping"
	VMStateCreating VMState = "Creating"
	VMStateDeleting VMState = "Deleting"
	VMStateUnknown  VMState = "Unknown"
)

func (s VMState) Value() string { return string(s) }

// VM is a single virtual machine on a host.
type VM struct {
	Hostname string  `json:"hostname"`
	Name     string  `json:"vm_name"`
	VMID     string  `json:"vm_id,omitempty"`
	State    VMState `json:"state"`
}

// Key identifies a VM within a host's inventory.
func (v VM) Key() string { return v.Hostname + "/" + v.Name }

// HostResources describes host-local storage classes and networks
// reported by an inventory snapshot.
type HostResources struct {
	StorageClasses []string `json:"storage_classes,omitempty"`
	Networks       []string `json:"networks,omitempty"`
}

// Host is one Hyper-V host tracked by the inventory service.
type Host struct {
	Hostname  string         `json:"hostname"`
	Cluster   string         `json:"cluster,omitempty"`
	Connected bool           `json:"connected"`
	LastSeen  time.Time      `json:"last_seen"`
	Error     string         `json:"error,omitempty"`
	Resources *HostResources `json:"resources,omitempty"`

	// Epoch is the monotonic snapshot counter used to discard stale
	// inventory refreshes (see pkg/inventory). Not part of the wire
	// representation.
	Epoch uint64 `json:"-"`

	VMs map[string]*VM `json:"vms,omitempty"`
}

// Cluster is a named grouping of hosts, derived each refresh cycle from
// the union of host cluster assignments.
type Cluster struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// NotificationLevel is the severity of a notification.
type NotificationLevel string

const (
	NotificationLevelInfo    NotificationLevel = "info"
	NotificationLevelWarning NotificationLevel = "warning"
	NotificationLevelError   NotificationLevel = "error"
	NotificationLevelSuccess NotificationLevel = "success"
)

// NotificationCategory groups notifications for upsert and filtering.
type NotificationCategory string

const (
	NotificationCategorySystem         NotificationCategory = "system"
	NotificationCategoryHost           NotificationCategory = "host"
	NotificationCategoryVM             NotificationCategory = "vm"
	NotificationCategoryJob            NotificationCategory = "job"
	NotificationCategoryAuthentication NotificationCategory = "authentication"
)

// Notification is a single, possibly-upserted, user-facing event.
type Notification struct {
	ID            string               `json:"id"`
	Title         string               `json:"title"`
	Message       string               `json:"message"`
	Level         NotificationLevel    `json:"level"`
	Category      NotificationCategory `json:"category"`
	CreatedAt     time.Time            `json:"created_at"`
	Read          bool                 `json:"read"`
	RelatedEntity string               `json:"related_entity,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
}
