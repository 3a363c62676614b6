package atmnet

// resource.go lets the simulation watch what a node spends on the traffic it
// handles: events processed, bytes of datagrams held, calls established.  The
// usage meter charges every event to the node's cores and fails the node when its
// backlog of events or the bytes it holds pass their limits.

import (
	"github.com/iti/evt/evtm"
)

// ResourceMonitor is told about a node's resource use as it happens
type ResourceMonitor interface {
	OnPacketAllocated(bytes int)
	OnPacketFreed(bytes int)
	OnConnectionEstablished()
	OnConnectionTeardown()
	OnEventProcessed()
}

// nullMonitor ignores everything
type nullMonitor struct{}

func (nullMonitor) OnPacketAllocated(bytes int) {}
func (nullMonitor) OnPacketFreed(bytes int)     {}
func (nullMonitor) OnConnectionEstablished()    {}
func (nullMonitor) OnConnectionTeardown()       {}
func (nullMonitor) OnEventProcessed()           {}

// UsageReport is a snapshot of a usage meter
type UsageReport struct {
	Events      int
	Held        int // bytes of datagrams held now
	PeakHeld    int
	Connections int // calls active now
	Backlog     int // events waiting for a core
	PeakBacklog int
	Overloaded  bool
}

// usageMeter is the ResourceMonitor installed on a node whose parameters give it
// a processing cost, a backlog limit or a memory limit
type usageMeter struct {
	node   *Node
	evtMgr *evtm.EventManager
	cores  *coreScheduler

	evtCost  float64
	backlog  int
	memLimit int

	report UsageReport
}

// createUsageMeter is a constructor, from the node's parameters
func createUsageMeter(evtMgr *evtm.EventManager, node *Node) *usageMeter {
	um := new(usageMeter)
	um.node = node
	um.evtMgr = evtMgr
	um.cores = createCoreScheduler(node.cfg.cores)
	um.evtCost = node.cfg.evtCost
	um.backlog = node.cfg.backlog
	um.memLimit = node.cfg.memLimit
	return um
}

func (um *usageMeter) OnPacketAllocated(bytes int) {
	um.report.Held += bytes
	if um.report.Held > um.report.PeakHeld {
		um.report.PeakHeld = um.report.Held
	}
	if um.memLimit > 0 && um.report.Held > um.memLimit {
		um.overload("memory limit")
	}
}

func (um *usageMeter) OnPacketFreed(bytes int) {
	um.report.Held -= bytes
	if um.report.Held < 0 {
		um.report.Held = 0
	}
}

func (um *usageMeter) OnConnectionEstablished() {
	um.report.Connections += 1
}

func (um *usageMeter) OnConnectionTeardown() {
	if um.report.Connections > 0 {
		um.report.Connections -= 1
	}
}

func (um *usageMeter) OnEventProcessed() {
	um.report.Events += 1
	if !(um.evtCost > 0.0) {
		return
	}
	um.cores.schedule(um.evtMgr, "event", um.evtCost, um.evtCost, um, nil)

	um.report.Backlog = um.cores.backlog()
	if um.report.Backlog > um.report.PeakBacklog {
		um.report.PeakBacklog = um.report.Backlog
	}
	if um.backlog > 0 && um.report.Backlog > um.backlog {
		um.overload("event backlog")
	}
}

// overload fails the node, once
func (um *usageMeter) overload(reason string) {
	if um.report.Overloaded {
		return
	}
	um.report.Overloaded = true
	um.node.log.WithField("reason", reason).
		WithField("held", um.report.Held).
		WithField("backlog", um.report.Backlog).Warn("node overloaded")
	DropsTotal.WithLabelValues(um.node.Name, "overload").Inc()
	um.node.Shutdown(um.evtMgr)
}

// Usage returns the node's usage report, if a usage meter watches it
func (node *Node) Usage() (UsageReport, bool) {
	um, isMeter := node.monitor.(*usageMeter)
	if !isMeter {
		return UsageReport{}, false
	}
	rpt := um.report
	rpt.Backlog = um.cores.backlog()
	return rpt, true
}

// needsMeter is true when the node's parameters ask for resource accounting
func (np *nodeParams) needsMeter() bool {
	return np.evtCost > 0.0 || np.backlog > 0 || np.memLimit > 0
}
