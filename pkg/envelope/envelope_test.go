package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateJobRequestGeneratesCorrelationID(t *testing.T) {
	req := CreateJobRequest("noop-test", map[string]any{"test": "value"}, "", nil)

	require.NotEmpty(t, req.CorrelationID)
	require.Equal(t, "noop-test", req.Operation)
	require.NotEmpty(t, req.Metadata["timestamp"])
}

func TestCreateJobRequestPreservesSuppliedCorrelationID(t *testing.T) {
	req := CreateJobRequest("noop-test", nil, "abc-123", map[string]any{"timestamp": "2020-01-01T00:00:00Z"})

	require.Equal(t, "abc-123", req.CorrelationID)
	require.Equal(t, "2020-01-01T00:00:00Z", req.Metadata["timestamp"])
}

func TestEnvelopeRoundTrip(t *testing.T) {
	req := CreateJobRequest("vm.create", map[string]any{"name": "vm-1"}, "cid-1", nil)

	raw, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded JobRequest
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, req.Operation, decoded.Operation)
	require.Equal(t, req.CorrelationID, decoded.CorrelationID)
	require.Equal(t, req.ResourceSpec, decoded.ResourceSpec)
	require.Equal(t, req.Metadata, decoded.Metadata)
}

func TestParseJobResultSuccess(t *testing.T) {
	raw := []byte(`{"status":"success","message":"ok","data":{"test_field_echo":"value"},"correlation_id":"abc-123"}`)

	env, err := ParseJobResult(raw)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, env.Status)
	require.Equal(t, "value", env.Data["test_field_echo"])
	require.Equal(t, "abc-123", env.CorrelationID)
	require.Empty(t, env.Logs)
}

func TestParseJobResultRejectsEmpty(t *testing.T) {
	_, err := ParseJobResult(nil)
	require.Error(t, err)
}

func TestParseJobResultRejectsNonObject(t *testing.T) {
	_, err := ParseJobResult([]byte(`"just a string"`))
	require.Error(t, err)
}

func TestParseJobResultRejectsMissingStatus(t *testing.T) {
	_, err := ParseJobResult([]byte(`{"message":"ok"}`))
	require.Error(t, err)
}

func TestParseJobResultRejectsUnknownStatus(t *testing.T) {
	_, err := ParseJobResult([]byte(`{"status":"bogus"}`))
	require.Error(t, err)
}

func TestParseJobResultDefaultsEmptyFields(t *testing.T) {
	env, err := ParseJobResult([]byte(`{"status":"error","message":"boom"}`))
	require.NoError(t, err)
	require.NotNil(t, env.Data)
	require.NotNil(t, env.Logs)
	require.Empty(t, env.Data)
	require.Empty(t, env.Logs)
}

func TestParseJobResultIgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{"status":"success","message":"ok","extra_unplanned_field":true}`)
	env, err := ParseJobResult(raw)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, env.Status)
}
