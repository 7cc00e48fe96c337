package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/hvorchestrator/pkg/jobservice"
	"github.com/cuemby/hvorchestrator/pkg/types"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Jobs.List())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job := s.Jobs.Get(id)
	if job == nil {
		writeError(w, r, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type createVMRequest struct {
	TargetHost string         `json:"target_host"`
	Spec       map[string]any `json:"spec"`
}

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req createVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetHost == "" {
		writeError(w, r, http.StatusBadRequest, "target_host and spec are required")
		return
	}
	job := s.Jobs.Submit(types.JobTypeProvisionVM, req.TargetHost, req.Spec)
	writeJSON(w, http.StatusAccepted, job)
}

type deleteVMRequest struct {
	TargetHost string         `json:"target_host"`
	Spec       map[string]any `json:"spec"`
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	var req deleteVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetHost == "" {
		writeError(w, r, http.StatusBadRequest, "target_host and spec are required")
		return
	}
	job := s.Jobs.Submit(types.JobTypeDeleteVM, req.TargetHost, req.Spec)
	writeJSON(w, http.StatusAccepted, job)
}

// deploymentRequest mirrors jobservice.ManagedDeploymentRequest's field
// groups at the wire layer; the all-or-none parameter-set validation
// described in spec §4.4.1 happens here, at ingestion, not inside the
// job service's pure composeGuestConfig.
type deploymentRequest struct {
	TargetHost  string         `json:"target_host"`
	VMSpec      map[string]any `json:"vm_spec"`
	DiskSpec    map[string]any `json:"disk_spec,omitempty"`
	NICSpec     map[string]any `json:"nic_spec,omitempty"`
	GuestConfig map[string]any `json:"guest_config,omitempty"`
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req deploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetHost == "" || req.VMSpec == nil {
		writeError(w, r, http.StatusBadRequest, "target_host and vm_spec are required")
		return
	}
	if err := validateGuestConfigGroups(req.GuestConfig); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	params := map[string]any{"vm_spec": req.VMSpec}
	if req.DiskSpec != nil {
		params["disk_spec"] = req.DiskSpec
	}
	if req.NICSpec != nil {
		params["nic_spec"] = req.NICSpec
	}
	if req.GuestConfig != nil {
		params["guest_config"] = req.GuestConfig
	}

	job := s.Jobs.Submit(types.JobTypeManagedDeployment, req.TargetHost, params)
	writeJSON(w, http.StatusAccepted, job)
}

// validateGuestConfigGroups enforces the all-or-none cardinality spec
// §4.4.1 assigns to the request validator: domain-join, ansible, and
// static-IP-required fields must be wholly present or wholly absent.
func validateGuestConfigGroups(cfg map[string]any) error {
	if cfg == nil {
		return nil
	}
	if err := allOrNone(cfg, "target", "uid", "pw", "ou"); err != nil {
		return err
	}
	if err := allOrNone(cfg, "ssh_user", "ssh_key"); err != nil {
		return err
	}
	if err := allOrNone(cfg, "ip_addr", "cidr_prefix", "default_gw", "dns1"); err != nil {
		return err
	}
	return nil
}

func allOrNone(m map[string]any, keys ...string) error {
	present := 0
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			present++
		}
	}
	if present != 0 && present != len(keys) {
		return &jobservice.ValidationError{Message: "fields " + join(keys) + " must be supplied together or not at all"}
	}
	return nil
}

func join(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += k
	}
	return out
}
