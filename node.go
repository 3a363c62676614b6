package atmnet

// node.go holds the run-time representation of an ATM-attached node: an end
// system (an IP host or router that originates and terminates calls) or a switch
// (which only relays them).  All per-node state lives here: the tables, the call
// records, the timer arena, the VPI pools of its interfaces, and the buffers of
// the adaptation layer.

import (
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/rngstream"
	"github.com/sirupsen/logrus"
	"go4.org/netipx"
	"golang.org/x/exp/slices"
)

// NodeKind distinguishes end systems from switches
type NodeKind int

const (
	EndSystem NodeKind = iota
	Switch
)

var nodeKindToStr map[NodeKind]string = map[NodeKind]string{EndSystem: "EndSystem", Switch: "Switch"}

func nodeKindFromStr(kind string) (NodeKind, bool) {
	switch kind {
	case "EndSystem", "endsystem", "Host", "host":
		return EndSystem, true
	case "Switch", "switch":
		return Switch, true
	}
	return EndSystem, false
}

func (nk NodeKind) String() string {
	return nodeKindToStr[nk]
}

// DeliverFunc receives each datagram reassembled at a node, with the name of
// the interface its cells arrived on
type DeliverFunc func(node *Node, sdu []byte, intrfcName string)

// nodeParams are the per-node values set through experiment parameters
type nodeParams struct {
	t303      float64
	t310      float64
	t301      float64
	t306      float64
	t313      float64
	thinkTime float64 // called user's delay between Alert and Connect
	maxSDU    int
	idle      float64 // release an active call after this long without data, 0 disables
	callBW    float64 // bandwidth requested for calls this node originates, Mbits/sec
	cores     int
	evtCost   float64 // processing time charged per event, seconds
	backlog   int     // events waiting for a core before the node fails, 0 disables
	memLimit  int     // buffered bytes before the node fails, 0 disables
}

func defaultNodeParams() nodeParams {
	return nodeParams{t303: 4.0, t310: 10.0, t301: 180.0, t306: 30.0, t313: 4.0,
		thinkTime: 0.05, maxSDU: MaxSDU, idle: 0.0, callBW: 1.0, cores: 1}
}

// NodeStats counts what happened at a node
type NodeStats struct {
	CallsOriginated   int
	CallsActive       int
	CallsFailed       int
	CallsReleased     int
	SetupRejects      int
	UnreachableSetups int
	AdmissionFailures int
	CellsSent         int
	CellsSwitched     int
	CellsDropped      int
	UnknownCells      int
	PDUsDelivered     int
	ReasmDrops        int
	PendingDropped    int
}

// Node is an ATM-attached device
type Node struct {
	Name   string
	Number int
	Kind   NodeKind
	Groups []string
	Atm    AtmAddr
	IP     netip.Addr   // end systems only
	LIS    netip.Prefix // logical IP subnet the end system belongs to

	served  *netipx.IPSet // subnets reached through this end system
	intrfcs []*Intrfc

	arp   arpTable
	fwd   fwdTable
	xlate xlateTable
	conns connTable

	calls   map[CallKey]*callRecord
	callIDs map[callID]*callRecord
	origin  map[int]*callRecord // calls originated here, by VCI
	timers  *timerArena
	pending map[int]*pendingBuffer // by VCI of the pending call
	reasm   *reassembler
	nxtVCI  int

	cfg     nodeParams
	stats   NodeStats
	Deliver DeliverFunc
	monitor ResourceMonitor

	net *AtmNet
	rng *rngstream.RngStream
	log *logrus.Entry
}

// createNode is a constructor, from the node's description.  Addresses have been
// validated by the caller.
func createNode(an *AtmNet, desc *NodeDesc, kind NodeKind, atm AtmAddr) *Node {
	node := new(Node)
	node.Name = desc.Name
	node.Number = nxtID()
	node.Kind = kind
	node.Groups = desc.Groups
	node.Atm = atm
	node.intrfcs = make([]*Intrfc, 0)
	node.fwd = make(fwdTable)
	node.xlate = make(xlateTable)
	node.conns = make(connTable)
	node.calls = make(map[CallKey]*callRecord)
	node.callIDs = make(map[callID]*callRecord)
	node.origin = make(map[int]*callRecord)
	node.timers = createTimerArena()
	node.pending = make(map[int]*pendingBuffer)
	node.nxtVCI = FirstDataVCI
	node.cfg = defaultNodeParams()
	node.monitor = nullMonitor{}
	node.net = an
	node.rng = rngstream.New(desc.Name)
	node.log = nodeLogger(node)
	return node
}

func (node *Node) addIntrfc(intrfc *Intrfc) {
	intrfc.Idx = len(node.intrfcs)
	node.intrfcs = append(node.intrfcs, intrfc)
}

// setServed records the subnets the end system reaches
func (node *Node) setServed(prefixes []netip.Prefix) error {
	var builder netipx.IPSetBuilder
	for _, pfx := range prefixes {
		builder.AddPrefix(pfx)
	}
	served, err := builder.IPSet()
	if err != nil {
		return err
	}
	node.served = served
	return nil
}

// Served returns the subnets reached through the end system
func (node *Node) Served() []netip.Prefix {
	if node.served == nil {
		return []netip.Prefix{}
	}
	return node.served.Prefixes()
}

// reachable is true for datagrams the node can deliver: its own address, or an
// address in a subnet it serves
func (node *Node) reachable(dst netip.Addr) bool {
	if node.IP.IsValid() && dst == node.IP {
		return true
	}
	return node.served != nil && node.served.Contains(dst)
}

// neighborIntrfc returns the index of the interface whose link reaches the node with
// ATM address atm, or -1
func (node *Node) neighborIntrfc(atm AtmAddr) int {
	for _, intrfc := range node.intrfcs {
		if intrfc.Peer != nil && intrfc.peerAtm() == atm {
			return intrfc.Idx
		}
	}
	return -1
}

// allocVCI hands out the next VCI not in use by a call originated here
func (node *Node) allocVCI() int {
	for {
		vci := node.nxtVCI
		node.nxtVCI += 1
		if node.nxtVCI > 0xFFFF {
			node.nxtVCI = FirstDataVCI
		}
		if _, present := node.origin[vci]; !present {
			return vci
		}
	}
}

// matchParam is used to determine whether a run-time parameter description
// should be applied to the node
func (node *Node) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "name":
		return node.Name == attrbValue
	case "group":
		return slices.Contains(node.Groups, attrbValue)
	case "kind":
		return node.Kind.String() == attrbValue
	}
	return false
}

// setParam assigns the parameter named in input with the value given in the input
func (node *Node) setParam(paramType string, value valueStruct) {
	switch paramType {
	case "t303":
		node.cfg.t303 = value.floatValue
	case "t310":
		node.cfg.t310 = value.floatValue
	case "t301":
		node.cfg.t301 = value.floatValue
	case "t306":
		node.cfg.t306 = value.floatValue
	case "t313":
		node.cfg.t313 = value.floatValue
	case "thinktime":
		node.cfg.thinkTime = value.floatValue
	case "maxsdu":
		node.cfg.maxSDU = value.intValue
	case "idle":
		node.cfg.idle = value.floatValue
	case "callbw":
		node.cfg.callBW = value.floatValue
	case "cores":
		node.cfg.cores = value.intValue
	case "evtcost":
		node.cfg.evtCost = value.floatValue
	case "backlog":
		node.cfg.backlog = value.intValue
	case "memlimit":
		node.cfg.memLimit = value.intValue
	}
}

func (node *Node) paramObjName() string {
	return node.Name
}

// Intrfcs returns the node's interfaces
func (node *Node) Intrfcs() []*Intrfc {
	return node.intrfcs
}

// IntrfcByName returns the named interface of the node
func (node *Node) IntrfcByName(name string) (*Intrfc, bool) {
	for _, intrfc := range node.intrfcs {
		if intrfc.Name == name {
			return intrfc, true
		}
	}
	return nil, false
}

// Stats returns a copy of the node's counters
func (node *Node) Stats() NodeStats {
	return node.stats
}

// Conn returns the connection table entry of a flow
func (node *Node) Conn(fk FlowKey) (ConnEntry, bool) {
	ce, present := node.conns[fk]
	if !present {
		return ConnEntry{}, false
	}
	return *ce, true
}

// Calls returns the number of calls the node holds a record for
func (node *Node) Calls() int {
	uniq := make(map[*callRecord]bool)
	for _, rec := range node.calls {
		uniq[rec] = true
	}
	return len(uniq)
}

// CallStates lists the state of each call the node holds a record for
func (node *Node) CallStates() []CallState {
	uniq := make(map[*callRecord]bool)
	states := []CallState{}
	for _, rec := range node.calls {
		if !uniq[rec] {
			uniq[rec] = true
			states = append(states, rec.state)
		}
	}
	return states
}

// Translations returns a copy of the translation table
func (node *Node) Translations() map[XlateKey]XlateEntry {
	rtn := make(map[XlateKey]XlateEntry)
	for key, entry := range node.xlate {
		rtn[key] = entry
	}
	return rtn
}

// Route returns the forwarding entry toward an ATM destination
func (node *Node) Route(dst AtmAddr) (FwdEntry, bool) {
	return node.fwd.lookup(dst)
}

// Resolve returns the address-resolution entry reaching an IP destination
func (node *Node) Resolve(dst netip.Addr) (ArpEntry, bool) {
	ae, present := node.arp.resolve(dst)
	if !present {
		return ArpEntry{}, false
	}
	return *ae, true
}

// PendingTimers returns the number of signaling timers running
func (node *Node) PendingTimers() int {
	return node.timers.size()
}

// SetMonitor replaces the node's resource monitor
func (node *Node) SetMonitor(rm ResourceMonitor) {
	if rm == nil {
		rm = nullMonitor{}
	}
	node.monitor = rm
}

// Shutdown fails every interface of the node
func (node *Node) Shutdown(evtMgr *evtm.EventManager) {
	node.log.Warn("node shut down")
	for _, intrfc := range node.intrfcs {
		intrfc.Fail(evtMgr)
	}
}
