package atmnet

// link.go holds the interface model and the point-to-point links between
// interfaces.  A link delivers frames in the order they were sent.  Every frame
// costs its transmission time on the sending interface (the interface serializes
// frames using the time it next 'empties') plus the link latency.

import (
	"math"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
)

// the signaling channel
const (
	SigVCI int = 5
	SigVPI int = 0
)

// frame is what crosses a link: either a signaling message (on VCI 5, VPI 0) or a data cell
type frame struct {
	sig  *SigMsg
	cell *cell
}

// Intrfc is one end of a point-to-point link
type Intrfc struct {
	Name   string   // unique name, from the topology description
	Number int      // unique integer id
	Idx    int      // position in the list of the owning node's interfaces
	Groups []string // groups used to select the interface in experiment parameters
	Node   *Node    // node holding the interface
	Peer   *Intrfc  // interface at the other end of the cable

	bndwdth   float64 // Mbits/sec
	latency   float64 // seconds for the leading bit to cross the link
	minCallBW float64 // Mbits/sec, smallest call, bounds the VPI pool
	sigStats  bool    // record signaling traffic in the trace
	up        bool

	empties  float64  // time when the next frame can start transmission
	inflight []*frame // frames on the wire toward Peer, oldest first

	pool *vpiPool

	framesSent    int
	framesDropped int
}

// createIntrfc is a constructor
func createIntrfc(node *Node, desc *IntrfcDesc) *Intrfc {
	intrfc := new(Intrfc)
	intrfc.Name = desc.Name
	intrfc.Number = nxtID()
	intrfc.Groups = desc.Groups
	intrfc.Node = node
	intrfc.bndwdth = 155.52
	intrfc.latency = 1e-3
	intrfc.minCallBW = 0.064
	intrfc.up = true
	intrfc.inflight = make([]*frame, 0)
	return intrfc
}

// matchParam is used to determine whether a run-time parameter description
// should be applied to the interface
func (intrfc *Intrfc) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "name":
		return intrfc.Name == attrbValue
	case "group":
		return slices.Contains(intrfc.Groups, attrbValue)
	case "device":
		return intrfc.Node.Name == attrbValue
	case "kind":
		return nodeKindToStr[intrfc.Node.Kind] == attrbValue
	}
	return false
}

// setParam assigns the parameter named in input with the value given in the input
func (intrfc *Intrfc) setParam(paramType string, value valueStruct) {
	switch paramType {
	case "bandwidth":
		// Mbits/sec
		intrfc.bndwdth = value.floatValue
	case "latency":
		// seconds
		intrfc.latency = value.floatValue
	case "mincallbw":
		intrfc.minCallBW = value.floatValue
	case "sigstats":
		intrfc.sigStats = value.boolValue
	}
}

func (intrfc *Intrfc) paramObjName() string {
	return intrfc.Name
}

// initPool creates the VPI pool once parameters have been applied
func (intrfc *Intrfc) initPool() {
	intrfc.pool = createVpiPool(intrfc.bndwdth, intrfc.minCallBW)
}

// Up reports whether the link through the interface can carry traffic
func (intrfc *Intrfc) Up() bool {
	return intrfc.up && intrfc.Peer != nil && intrfc.Peer.up
}

// peerAtm is the ATM address of the node at the other end of the link
func (intrfc *Intrfc) peerAtm() AtmAddr {
	if intrfc.Peer == nil {
		return AtmAddr{}
	}
	return intrfc.Peer.Node.Atm
}

// Fail takes the interface down.  Frames already on the wire are lost, and the
// nodes at both ends clear the calls crossing the link once the current event is done.
func (intrfc *Intrfc) Fail(evtMgr *evtm.EventManager) {
	if !intrfc.up {
		return
	}
	intrfc.up = false
	evtMgr.Schedule(intrfc, nil, linkFailed, vrtime.SecondsToTime(0.0))
	if intrfc.Peer != nil {
		evtMgr.Schedule(intrfc.Peer, nil, linkFailed, vrtime.SecondsToTime(0.0))
	}
}

// linkFailed is the event handler telling a node one of its links has gone down
func linkFailed(evtMgr *evtm.EventManager, context any, data any) any {
	intrfc := context.(*Intrfc)
	intrfc.Node.intrfcFailed(evtMgr, intrfc.Idx)
	return nil
}

// Restore brings a failed interface back
func (intrfc *Intrfc) Restore() {
	intrfc.up = true
}

// Busy returns the number of VPI slots held by calls on the interface
func (intrfc *Intrfc) Busy() int {
	return intrfc.pool.busy()
}

// Committed returns the bandwidth held by calls on the interface
func (intrfc *Intrfc) Committed() float64 {
	return intrfc.pool.committed
}

// txTime is the time to clock one cell-sized frame onto the link
func (intrfc *Intrfc) txTime() float64 {
	if !(intrfc.bndwdth > 0.0) {
		return 0.0
	}
	return float64(8*CellSize) / (intrfc.bndwdth * 1e6)
}

// send puts a frame on the link, returning false if the link is down
func (intrfc *Intrfc) send(evtMgr *evtm.EventManager, fr *frame) bool {
	if !intrfc.Up() {
		intrfc.framesDropped += 1
		return false
	}

	now := evtMgr.CurrentSeconds()
	departs := math.Max(now, intrfc.empties) + intrfc.txTime()
	intrfc.empties = departs

	intrfc.inflight = append(intrfc.inflight, fr)
	intrfc.framesSent += 1

	evtMgr.Schedule(intrfc, nil, linkArrival, vrtime.SecondsToTime(departs-now+intrfc.latency))
	return true
}

// linkArrival is the event handler for a frame reaching the far end of a link.
// The frame taken is always the oldest one on the wire, so delivery order is the
// send order even when arrivals are scheduled for the same instant.
func linkArrival(evtMgr *evtm.EventManager, context any, data any) any {
	intrfc := context.(*Intrfc)
	if len(intrfc.inflight) == 0 {
		panic("link arrival with nothing in flight on " + intrfc.Name)
	}
	fr := intrfc.inflight[0]
	intrfc.inflight = intrfc.inflight[1:]

	if !intrfc.Up() {
		intrfc.framesDropped += 1
		return nil
	}

	peer := intrfc.Peer
	peer.Node.receiveFrame(evtMgr, peer, fr)
	return nil
}
