// Package envelope implements the wire contract exchanged with the
// PowerShell agent: a correlation-tracked JobRequest out, a parsed
// JobResultEnvelope back. It is pure and stateless — no I/O, no retries.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobRequest is serialized to JSON and sent to the agent over the
// management transport.
type JobRequest struct {
	Operation     string         `json:"operation"`
	ResourceSpec  map[string]any `json:"resource_spec"`
	CorrelationID string         `json:"correlation_id"`
	Metadata      map[string]any `json:"metadata"`
}

// ResultStatus is the outcome the agent reports.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
	StatusPartial ResultStatus = "partial"
)

// JobResultEnvelope is parsed from the agent's JSON response.
type JobResultEnvelope struct {
	Status        ResultStatus   `json:"status"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data"`
	Code          string         `json:"code,omitempty"`
	Logs          []string       `json:"logs,omitempty"`
	CorrelationID string         `json:"correlation_id"`
}

// CreateJobRequest builds a JobRequest, generating a correlation ID if
// one wasn't supplied and injecting a UTC timestamp into metadata if
// absent. It does not validate resourceSpec — that is the caller's job.
func CreateJobRequest(operation string, resourceSpec map[string]any, correlationID string, metadata map[string]any) JobRequest {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if _, ok := meta["timestamp"]; !ok {
		meta["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	if resourceSpec == nil {
		resourceSpec = map[string]any{}
	}

	return JobRequest{
		Operation:     operation,
		ResourceSpec:  resourceSpec,
		CorrelationID: correlationID,
		Metadata:      meta,
	}
}

// ParseJobResult decodes raw agent output into a JobResultEnvelope.
func ParseJobResult(raw []byte) (JobResultEnvelope, error) {
	var env JobResultEnvelope

	if len(raw) == 0 {
		return env, fmt.Errorf("envelope: empty agent response")
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return env, fmt.Errorf("envelope: agent response is not a JSON object: %w", err)
	}

	rawStatus, ok := generic["status"]
	if !ok {
		return env, fmt.Errorf("envelope: agent response missing required field %q", "status")
	}
	statusStr, ok := rawStatus.(string)
	if !ok {
		return env, fmt.Errorf("envelope: field %q is not a string", "status")
	}

	status := ResultStatus(statusStr)
	switch status {
	case StatusSuccess, StatusError, StatusPartial:
	default:
		return env, fmt.Errorf("envelope: unknown status value %q", statusStr)
	}

	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("envelope: failed to decode agent response: %w", err)
	}

	if env.Data == nil {
		env.Data = map[string]any{}
	}
	if env.Logs == nil {
		env.Logs = []string{}
	}

	return env, nil
}
