// Package inventory implements the periodic refresh loop that keeps
// host, VM, and cluster state current: one INVENTORY-category
// scheduler task per host, applied under a per-host lock with a
// stale-epoch guard, followed by a cluster-membership rebuild once
// every host snapshot for the cycle has committed.
package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/hvorchestrator/pkg/log"
	"github.com/cuemby/hvorchestrator/pkg/metrics"
	"github.com/cuemby/hvorchestrator/pkg/scheduler"
	"github.com/cuemby/hvorchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// Broadcaster is the subset of the WebSocket hub the service uses.
type Broadcaster interface {
	Broadcast(msgType string, topic string, payload any)
}

// NotificationUpserter is the subset of the notification service the
// inventory service uses for reconnect/disconnect transitions.
type NotificationUpserter interface {
	UpsertByKey(category types.NotificationCategory, key, title, message string, level types.NotificationLevel, metadata map[string]any) *types.Notification
}

// Snapshot is what one host collection cycle produces.
type Snapshot struct {
	Hostname  string
	Connected bool
	Error     string
	Cluster   string
	Resources *types.HostResources
	VMs       []types.VM
}

// Collector gathers one host's snapshot. The concrete implementation
// (talking to the agent over the management transport) lives outside
// this package; Collector is the seam the inventory service depends on.
type Collector interface {
	Collect(ctx context.Context, hostname string) (Snapshot, error)
}

type hostEntry struct {
	mu    sync.Mutex
	host  *types.Host
	epoch uint64
}

// Config controls refresh cadence and the startup readiness budget.
type Config struct {
	RefreshInterval      time.Duration
	InitialRefreshBudget time.Duration
}

// Service is the inventory refresh loop and read model.
type Service struct {
	cfg       Config
	sched     *scheduler.Scheduler
	collector Collector
	notify    NotificationUpserter
	hub       Broadcaster
	logger    zerolog.Logger

	hostsMu sync.RWMutex
	hosts   map[string]*hostEntry

	clusterMu sync.RWMutex
	clusters  map[string]*types.Cluster

	readyMu     sync.Mutex
	lastRefresh *time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an inventory service tracking the given initial hostnames.
func New(cfg Config, sched *scheduler.Scheduler, collector Collector, notify NotificationUpserter, hub Broadcaster, hostnames []string) *Service {
	s := &Service{
		cfg:       cfg,
		sched:     sched,
		collector: collector,
		notify:    notify,
		hub:       hub,
		logger:    log.WithComponent("inventory"),
		hosts:     make(map[string]*hostEntry),
		clusters:  make(map[string]*types.Cluster),
		stopCh:    make(chan struct{}),
	}
	for _, h := range hostnames {
		s.hosts[h] = &hostEntry{host: &types.Host{Hostname: h, VMs: make(map[string]*types.VM)}}
	}
	return s
}

// Start runs the first refresh synchronously (bounded by
// InitialRefreshBudget) so readiness can gate on it, then launches the
// periodic loop.
func (s *Service) Start() {
	done := make(chan struct{})
	go func() {
		s.refreshCycle()
		close(done)
	}()

	budget := s.cfg.InitialRefreshBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(budget):
		s.logger.Warn().Dur("budget", budget).Msg("initial inventory refresh did not complete within budget; continuing in background")
	}

	s.wg.Add(1)
	go s.run()
}

// Stop signals the refresh loop to exit.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) run() {
	defer s.wg.Done()
	interval := s.cfg.RefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refreshCycle()
		}
	}
}

// refreshCycle schedules one INVENTORY-category task per tracked host
// and applies each snapshot as it returns; overlapping refreshes across
// disjoint host sets are permitted since each runs its own scheduler
// task and applies under its own host's lock.
func (s *Service) refreshCycle() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.InventoryRefreshDuration)
		metrics.InventoryRefreshCyclesTotal.Inc()
	}()

	s.hostsMu.RLock()
	hostnames := make([]string, 0, len(s.hosts))
	for h := range s.hosts {
		hostnames = append(hostnames, h)
	}
	s.hostsMu.RUnlock()

	var wg sync.WaitGroup
	for _, hostname := range hostnames {
		hostname := hostname
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.refreshHost(hostname)
		}()
	}
	wg.Wait()

	s.rebuildClusters()

	now := time.Now()
	s.readyMu.Lock()
	s.lastRefresh = &now
	s.readyMu.Unlock()
}

func (s *Service) refreshHost(hostname string) {
	entry := s.entryFor(hostname)

	// The dispatch-order epoch is assigned now, before the (possibly
	// slow) collection runs, so a refresh kicked off earlier always
	// carries a lower epoch than one kicked off later regardless of
	// which one's collection finishes first.
	entry.mu.Lock()
	entry.epoch++
	epoch := entry.epoch
	entry.mu.Unlock()

	fut := s.sched.RunBlocking(context.Background(), hostname, scheduler.CategoryInventory, false,
		"inventory.collect", 0, func(ctx context.Context) (map[string]any, error) {
			snap, err := s.collector.Collect(ctx, hostname)
			return map[string]any{"snapshot": snap}, err
		})

	res, err := fut.Wait(context.Background())
	if err != nil {
		s.applyFailure(entry, hostname, epoch, err.Error())
		return
	}
	if res.Err != nil {
		s.applyFailure(entry, hostname, epoch, res.Err.Error())
		return
	}
	snap, _ := res.Value["snapshot"].(Snapshot)
	s.applySnapshot(entry, epoch, snap)
}

func (s *Service) entryFor(hostname string) *hostEntry {
	s.hostsMu.Lock()
	defer s.hostsMu.Unlock()
	entry, ok := s.hosts[hostname]
	if !ok {
		entry = &hostEntry{host: &types.Host{Hostname: hostname, VMs: make(map[string]*types.VM)}}
		s.hosts[hostname] = entry
	}
	return entry
}

func (s *Service) applyFailure(entry *hostEntry, hostname string, epoch uint64, errMsg string) {
	entry.mu.Lock()
	if epoch < entry.host.Epoch {
		entry.mu.Unlock()
		metrics.InventoryStaleSnapshotsDropped.Inc()
		return
	}
	entry.host.Epoch = epoch
	wasConnected := entry.host.Connected
	entry.host.Connected = false
	entry.host.Error = errMsg
	entry.host.LastSeen = time.Now()
	entry.mu.Unlock()

	if wasConnected {
		s.notify.UpsertByKey(types.NotificationCategoryHost, "host:"+hostname, "Host unreachable", hostname+": "+errMsg, types.NotificationLevelError, nil)
		s.hub.Broadcast("notification", "notifications", map[string]any{"hostname": hostname, "connected": false})
	}
}

// applySnapshot applies snap under its host's lock, discarding it if
// its dispatch epoch is not newer than the last applied one.
func (s *Service) applySnapshot(entry *hostEntry, epoch uint64, snap Snapshot) {
	entry.mu.Lock()
	if epoch < entry.host.Epoch {
		// A later-dispatched, faster refresh already applied a newer
		// epoch; this stale snapshot is dropped without mutating the host.
		entry.mu.Unlock()
		metrics.InventoryStaleSnapshotsDropped.Inc()
		return
	}
	entry.host.Epoch = epoch

	wasConnected := entry.host.Connected
	entry.host.Connected = snap.Connected
	entry.host.Error = snap.Error
	entry.host.Cluster = snap.Cluster
	entry.host.Resources = snap.Resources
	entry.host.LastSeen = time.Now()

	newVMs := make(map[string]*types.VM, len(snap.VMs))
	for i := range snap.VMs {
		vm := snap.VMs[i]
		newVMs[vm.Name] = &vm
	}
	entry.host.VMs = newVMs
	entry.mu.Unlock()

	if snap.Connected && !wasConnected {
		s.notify.UpsertByKey(types.NotificationCategoryHost, "host:"+snap.Hostname, "Host reconnected", snap.Hostname+" is back online", types.NotificationLevelSuccess, nil)
		s.hub.Broadcast("notification", "notifications", map[string]any{"hostname": snap.Hostname, "connected": true})
	} else if !snap.Connected && wasConnected {
		s.notify.UpsertByKey(types.NotificationCategoryHost, "host:"+snap.Hostname, "Host unreachable", snap.Hostname+": "+snap.Error, types.NotificationLevelError, nil)
		s.hub.Broadcast("notification", "notifications", map[string]any{"hostname": snap.Hostname, "connected": false})
	}

	s.updateHostMetrics()
}

// rebuildClusters recomputes cluster membership from the union of
// current host cluster assignments. It runs only after every host
// application for the cycle has released its lock.
func (s *Service) rebuildClusters() {
	s.hostsMu.RLock()
	byCluster := make(map[string][]string)
	for hostname, entry := range s.hosts {
		entry.mu.Lock()
		cluster := entry.host.Cluster
		entry.mu.Unlock()
		if cluster == "" {
			continue
		}
		byCluster[cluster] = append(byCluster[cluster], hostname)
	}
	s.hostsMu.RUnlock()

	clusters := make(map[string]*types.Cluster, len(byCluster))
	for name, members := range byCluster {
		clusters[name] = &types.Cluster{Name: name, Members: members}
	}

	s.clusterMu.Lock()
	s.clusters = clusters
	s.clusterMu.Unlock()
}

func (s *Service) updateHostMetrics() {
	s.hostsMu.RLock()
	defer s.hostsMu.RUnlock()

	var connected, disconnected float64
	vmStates := make(map[types.VMState]float64)
	for _, entry := range s.hosts {
		entry.mu.Lock()
		if entry.host.Connected {
			connected++
		} else {
			disconnected++
		}
		for _, vm := range entry.host.VMs {
			vmStates[vm.State]++
		}
		entry.mu.Unlock()
	}
	metrics.InventoryHostsTotal.WithLabelValues("true").Set(connected)
	metrics.InventoryHostsTotal.WithLabelValues("false").Set(disconnected)
	for state, count := range vmStates {
		metrics.InventoryVMsTotal.WithLabelValues(string(state)).Set(count)
	}
}

// Hosts returns a snapshot copy of every tracked host.
func (s *Service) Hosts() []*types.Host {
	s.hostsMu.RLock()
	defer s.hostsMu.RUnlock()

	out := make([]*types.Host, 0, len(s.hosts))
	for _, entry := range s.hosts {
		entry.mu.Lock()
		out = append(out, cloneHost(entry.host))
		entry.mu.Unlock()
	}
	return out
}

// Host returns a snapshot copy of one host, or nil if unknown.
func (s *Service) Host(hostname string) *types.Host {
	s.hostsMu.RLock()
	entry, ok := s.hosts[hostname]
	s.hostsMu.RUnlock()
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneHost(entry.host)
}

// Clusters returns a snapshot copy of every cluster.
func (s *Service) Clusters() []*types.Cluster {
	s.clusterMu.RLock()
	defer s.clusterMu.RUnlock()

	out := make([]*types.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		cp := *c
		cp.Members = append([]string(nil), c.Members...)
		out = append(out, &cp)
	}
	return out
}

// Ready reports whether the first refresh has completed.
func (s *Service) Ready() bool {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	return s.lastRefresh != nil
}

func cloneHost(h *types.Host) *types.Host {
	cp := *h
	if h.Resources != nil {
		res := *h.Resources
		cp.Resources = &res
	}
	cp.VMs = make(map[string]*types.VM, len(h.VMs))
	for k, v := range h.VMs {
		vv := *v
		cp.VMs[k] = &vv
	}
	return &cp
}
