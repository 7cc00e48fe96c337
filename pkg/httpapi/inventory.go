package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/hvorchestrator/pkg/types"
)

type inventorySnapshot struct {
	Hosts    []*types.Host    `json:"hosts"`
	Clusters []*types.Cluster `json:"clusters"`
}

func (s *Server) handleInventorySnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, inventorySnapshot{
		Hosts:    s.Inventory.Hosts(),
		Clusters: s.Inventory.Clusters(),
	})
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Inventory.Hosts())
}

func (s *Server) handleHostVMs(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "host")
	host := s.Inventory.Host(hostname)
	if host == nil {
		writeError(w, r, http.StatusNotFound, "host not found")
		return
	}
	vms := make([]*types.VM, 0, len(host.VMs))
	for _, vm := range host.VMs {
		vms = append(vms, vm)
	}
	writeJSON(w, http.StatusOK, vms)
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	var vms []*types.VM
	for _, host := range s.Inventory.Hosts() {
		for _, vm := range host.VMs {
			vms = append(vms, vm)
		}
	}
	writeJSON(w, http.StatusOK, vms)
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "host")
	name := chi.URLParam(r, "name")
	host := s.Inventory.Host(hostname)
	if host == nil {
		writeError(w, r, http.StatusNotFound, "host not found")
		return
	}
	vm, ok := host.VMs[name]
	if !ok {
		writeError(w, r, http.StatusNotFound, "vm not found")
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleGetVMByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, host := range s.Inventory.Hosts() {
		for _, vm := range host.VMs {
			if vm.VMID == id {
				writeJSON(w, http.StatusOK, vm)
				return
			}
		}
	}
	writeError(w, r, http.StatusNotFound, "vm not found")
}
