package atmnet

// signal.go holds the signaling state machine that sets up and clears virtual
// circuits.  A call is set up hop by hop: the calling user sends Setup toward the
// called user, each switch admits the call on an outgoing interface (reserving a VPI
// there), answers CallProceeding and passes the Setup on, and the called user answers
// Alert and then Connect.  Connect travels back hop by hop; each node on the way
// publishes its translation entry, acknowledges with ConnectAck, and goes Active.
// Calls are cleared with Release / ReleaseComplete.
//
// A node keeps one call record per call, reachable through the CallKey of each of
// its sides: the 'up' side faces the calling user, the 'down' sides (branches)
// face the called user.  There is more than one branch only while a Setup that
// could not be routed is flooded; the first branch to reach the called user (its
// Alert or Connect comes back) wins and the others are cleared.

import (
	"fmt"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// VCIs below FirstDataVCI are reserved
const FirstDataVCI int = 32

// SigKind is the type of a signaling message
type SigKind int

const (
	SigSetup SigKind = iota
	SigCallProceeding
	SigAlert
	SigConnect
	SigConnectAck
	SigRelease
	SigReleaseComplete
	numSigKinds
)

var sigKindToStr map[SigKind]string = map[SigKind]string{SigSetup: "Setup",
	SigCallProceeding: "CallProceeding", SigAlert: "Alert", SigConnect: "Connect",
	SigConnectAck: "ConnectAck", SigRelease: "Release", SigReleaseComplete: "ReleaseComplete"}

func (sk SigKind) String() string {
	return sigKindToStr[sk]
}

// Cause values carried in clearing messages, numbered as in Q.2931
type Cause int

const (
	CauseNone                Cause = 0
	CauseNoRoute             Cause = 3
	CauseNormal              Cause = 16
	CauseNetworkOutOfOrder   Cause = 38
	CauseNoCircuit           Cause = 45
	CauseResourceUnavailable Cause = 47
	CauseInvalidCallRef      Cause = 81
	CauseInvalidIE           Cause = 100
	CauseRecoveryOnTimer     Cause = 102
)

// SigMsg is a signaling message.  VCI and VPI identify the call on the link it
// crosses.  RefFlag is set when the sender is not the side that allocated them.
type SigMsg struct {
	Kind        SigKind
	VCI         int
	VPI         int
	RefFlag     bool
	CallingAtm  AtmAddr
	CalledAtm   AtmAddr
	CallingIP   netip.Addr
	CalledIP    netip.Addr
	CallingPort int
	CalledPort  int
	Bandwidth   float64
	Cause       Cause
}

// CallState is the state of a call record
type CallState int

const (
	Null CallState = iota
	CallInitiated
	OutgoingCallProceeding
	CallDelivered
	CallPresent
	CallReceived
	ConnectRequest
	IncomingCallProceeding
	Active
	ReleaseRequest
	ReleaseIndication
)

var callStateToStr map[CallState]string = map[CallState]string{Null: "Null",
	CallInitiated: "CallInitiated", OutgoingCallProceeding: "OutgoingCallProceeding",
	CallDelivered: "CallDelivered", CallPresent: "CallPresent", CallReceived: "CallReceived",
	ConnectRequest: "ConnectRequest", IncomingCallProceeding: "IncomingCallProceeding",
	Active: "Active", ReleaseRequest: "ReleaseRequest", ReleaseIndication: "ReleaseIndication"}

func (cs CallState) String() string {
	return callStateToStr[cs]
}

// CallRole is the part a node plays in a call, fixed when the record is created
type CallRole int

const (
	CallingUser      CallRole = iota
	CalledUser                // the node is the called end system
	CallingNetSwitch          // switch attached to the calling user
	CalledNetSwitch           // switch attached to the called user
	CommonNetSwitch           // switch attached to both
	Transit                   // switch attached to neither
	numRoles
)

var callRoleToStr map[CallRole]string = map[CallRole]string{CallingUser: "CallingUser",
	CalledUser: "CalledUser", CallingNetSwitch: "CallingNetSwitch", CalledNetSwitch: "CalledNetSwitch",
	CommonNetSwitch: "CommonNetSwitch", Transit: "Transit"}

func (cr CallRole) String() string {
	return callRoleToStr[cr]
}

// CallKey identifies a call at one of a node's interfaces. Local is true when this
// node allocated the VPI, i.e., it sent the Setup over that link.
type CallKey struct {
	Intrfc int
	VCI    int
	VPI    int
	Local  bool
}

// callID identifies a call across the network
type callID struct {
	calling AtmAddr
	vci     int
}

// callSide is one link a call crosses at this node
type callSide struct {
	intrfc    int
	peer      AtmAddr
	vci       int
	vpi       int
	local     bool // VPI was reserved here
	releasing bool // Release sent, ReleaseComplete awaited
}

func (cs *callSide) key() CallKey {
	return CallKey{Intrfc: cs.intrfc, VCI: cs.vci, VPI: cs.vpi, Local: cs.local}
}

// callRecord is a node's state for one call
type callRecord struct {
	number      int
	role        CallRole
	state       CallState
	callingAtm  AtmAddr
	calledAtm   AtmAddr
	callingIP   netip.Addr
	calledIP    netip.Addr
	callingPort int
	calledPort  int
	bndwdth     float64
	vci         int

	up   *callSide   // toward the calling user, nil at the calling user
	down []*callSide // toward the called user, empty at the called user
	owed *callSide   // side whose Release is answered once the others have cleared

	published []XlateKey // translations to withdraw when the call ends
	conn      *ConnEntry // connection table entry, calling user only
	wasActive bool
}

func (rec *callRecord) id() callID {
	return callID{calling: rec.callingAtm, vci: rec.vci}
}

// sides lists the up side (if any) followed by the branches
func (rec *callRecord) sides() []*callSide {
	rtn := make([]*callSide, 0, len(rec.down)+1)
	if rec.up != nil {
		rtn = append(rtn, rec.up)
	}
	rtn = append(rtn, rec.down...)
	return rtn
}

func (rec *callRecord) sidesExcept(cs *callSide) []*callSide {
	rtn := []*callSide{}
	for _, side := range rec.sides() {
		if side != cs {
			rtn = append(rtn, side)
		}
	}
	return rtn
}

func (rec *callRecord) sideByKey(ck CallKey) *callSide {
	for _, side := range rec.sides() {
		if side.key() == ck {
			return side
		}
	}
	return nil
}

func (rec *callRecord) isBranch(cs *callSide) bool {
	for _, side := range rec.down {
		if side == cs {
			return true
		}
	}
	return false
}

// settingUp is true before any branch has answered with Alert or Connect
func (rec *callRecord) settingUp() bool {
	switch rec.state {
	case CallInitiated, IncomingCallProceeding, OutgoingCallProceeding:
		return true
	}
	return false
}

func (rec *callRecord) anyReleasing() bool {
	for _, side := range rec.sides() {
		if side.releasing {
			return true
		}
	}
	return false
}

// message builds a message of the given kind about the call, addressed to side cs
func (rec *callRecord) message(kind SigKind, cs *callSide, cause Cause) *SigMsg {
	msg := new(SigMsg)
	msg.Kind = kind
	msg.VCI = cs.vci
	msg.VPI = cs.vpi
	msg.RefFlag = !cs.local
	msg.CallingAtm = rec.callingAtm
	msg.CalledAtm = rec.calledAtm
	msg.CallingIP = rec.callingIP
	msg.CalledIP = rec.calledIP
	msg.CallingPort = rec.callingPort
	msg.CalledPort = rec.calledPort
	msg.Bandwidth = rec.bndwdth
	msg.Cause = cause
	return msg
}

// sigHandler is the type of a signaling message handler. cs is the side the message arrived on.
type sigHandler func(node *Node, evtMgr *evtm.EventManager, rec *callRecord, cs *callSide, msg *SigMsg)

// sigHandlers selects the handler by the role of the record and the kind of message.
// A nil entry is a combination that cannot occur.
var sigHandlers [numRoles][numSigKinds]sigHandler

// createRecord is a constructor for a call record described by a Setup (or to be described by one)
func createRecord(role CallRole, msg *SigMsg) *callRecord {
	rec := new(callRecord)
	rec.number = nxtID()
	rec.role = role
	rec.state = Null
	rec.callingAtm = msg.CallingAtm
	rec.calledAtm = msg.CalledAtm
	rec.callingIP = msg.CallingIP
	rec.calledIP = msg.CalledIP
	rec.callingPort = msg.CallingPort
	rec.calledPort = msg.CalledPort
	rec.bndwdth = msg.Bandwidth
	rec.vci = msg.VCI
	rec.down = make([]*callSide, 0)
	rec.published = make([]XlateKey, 0)
	return rec
}

// recvSignal is called with each signaling message arriving at the node
func (node *Node) recvSignal(evtMgr *evtm.EventManager, in *Intrfc, msg *SigMsg) {
	node.traceSig(evtMgr, in, msg, "recv")
	SignalsTotal.WithLabelValues(node.Name, msg.Kind.String(), "recv").Inc()

	key := CallKey{Intrfc: in.Idx, VCI: msg.VCI, VPI: msg.VPI, Local: msg.RefFlag}
	rec, present := node.calls[key]
	if !present {
		node.unknownCall(evtMgr, in, key, msg)
		return
	}

	cs := rec.sideByKey(key)
	if cs == nil {
		panic(fmt.Errorf("call %d at %s indexed by %v without a side for it", rec.number, node.Name, key))
	}

	if msg.Kind == SigSetup {
		node.duplicateSetup(evtMgr, rec, cs)
		return
	}

	hdlr := sigHandlers[rec.role][msg.Kind]
	if hdlr == nil {
		panic(fmt.Errorf("no handler for %s in role %s", msg.Kind, rec.role))
	}
	hdlr(node, evtMgr, rec, cs, msg)
}

// unknownCall deals with a message whose call key matches no record
func (node *Node) unknownCall(evtMgr *evtm.EventManager, in *Intrfc, key CallKey, msg *SigMsg) {
	switch msg.Kind {
	case SigSetup:
		node.setupArrived(evtMgr, in, key, msg)
	case SigCallProceeding, SigAlert, SigConnect, SigRelease:
		// the other side holds state we do not; have it clear
		node.replyComplete(evtMgr, key, CauseInvalidCallRef)
	case SigConnectAck, SigReleaseComplete:
		// nothing to clear
	}
}

// setupArrived validates a Setup for a new call, creates its record and hands it to the role's handler
func (node *Node) setupArrived(evtMgr *evtm.EventManager, in *Intrfc, key CallKey, msg *SigMsg) {
	if key.Local || !node.validSetup(msg) {
		node.stats.SetupRejects += 1
		node.log.WithField("call", fmt.Sprintf("%s/%d", msg.CallingAtm, msg.VCI)).Debug("malformed setup rejected")
		node.replyComplete(evtMgr, key, CauseInvalidIE)
		return
	}

	// the same call reaching us again over another path would form a loop
	if _, present := node.callIDs[callID{calling: msg.CallingAtm, vci: msg.VCI}]; present {
		node.stats.SetupRejects += 1
		node.replyComplete(evtMgr, key, CauseNoRoute)
		return
	}

	role := node.deriveRole(msg)
	rec := createRecord(role, msg)
	rec.up = &callSide{intrfc: in.Idx, peer: in.peerAtm(), vci: msg.VCI, vpi: msg.VPI, local: false}

	hdlr := sigHandlers[role][SigSetup]
	if hdlr == nil {
		panic(fmt.Errorf("no setup handler for role %s", role))
	}
	hdlr(node, evtMgr, rec, rec.up, msg)
}

// validSetup checks the information a Setup carries
func (node *Node) validSetup(msg *SigMsg) bool {
	switch {
	case msg.CalledAtm.IsZero() || msg.CalledAtm.IsBroadcast():
		return false
	case msg.CallingAtm.IsZero() || msg.CallingAtm.IsBroadcast():
		return false
	case msg.CallingAtm == node.Atm:
		return false
	case msg.VCI < FirstDataVCI || msg.VPI < 1 || msg.VPI > MaxVPI:
		return false
	case !(msg.Bandwidth > 0.0):
		return false
	case !msg.CalledIP.Is4():
		return false
	}
	return true
}

// deriveRole works out the node's role in the call a Setup describes
func (node *Node) deriveRole(msg *SigMsg) CallRole {
	if msg.CalledAtm == node.Atm {
		return CalledUser
	}
	if node.Kind == EndSystem {
		// end systems do not relay, the transit handler will refuse the call
		return Transit
	}
	callingAttached := node.neighborIntrfc(msg.CallingAtm) >= 0
	calledAttached := node.neighborIntrfc(msg.CalledAtm) >= 0
	switch {
	case callingAttached && calledAttached:
		return CommonNetSwitch
	case callingAttached:
		return CallingNetSwitch
	case calledAttached:
		return CalledNetSwitch
	}
	return Transit
}

// duplicateSetup answers a Setup for a call already known, without new state
func (node *Node) duplicateSetup(evtMgr *evtm.EventManager, rec *callRecord, cs *callSide) {
	if cs != rec.up {
		return
	}
	switch rec.state {
	case IncomingCallProceeding, OutgoingCallProceeding:
		node.sendSig(evtMgr, rec, cs, SigCallProceeding, CauseNone)
	case CallReceived:
		node.sendSig(evtMgr, rec, cs, SigAlert, CauseNone)
	}
}

// register makes the record reachable through a side's key
func (node *Node) register(rec *callRecord, cs *callSide) {
	node.calls[cs.key()] = rec
	node.callIDs[rec.id()] = rec
}

// replyComplete answers a message about a call we hold no record for
func (node *Node) replyComplete(evtMgr *evtm.EventManager, key CallKey, cause Cause) {
	msg := &SigMsg{Kind: SigReleaseComplete, VCI: key.VCI, VPI: key.VPI, RefFlag: !key.Local, Cause: cause}
	node.transmitSig(evtMgr, key.Intrfc, msg)
}

// sendSig sends a message about the call out of side cs
func (node *Node) sendSig(evtMgr *evtm.EventManager, rec *callRecord, cs *callSide, kind SigKind, cause Cause) {
	node.transmitSig(evtMgr, cs.intrfc, rec.message(kind, cs, cause))
}

func (node *Node) transmitSig(evtMgr *evtm.EventManager, idx int, msg *SigMsg) {
	intrfc := node.intrfcs[idx]
	node.traceSig(evtMgr, intrfc, msg, "send")
	SignalsTotal.WithLabelValues(node.Name, msg.Kind.String(), "send").Inc()
	intrfc.send(evtMgr, &frame{sig: msg})
}

// candidateIntrfcs lists the interfaces a call may be extended through, never the one it arrived on
func (node *Node) candidateIntrfcs(rec *callRecord, exclude int) []int {
	// a switch attached to the called user goes straight there
	if rec.role == CalledNetSwitch || rec.role == CommonNetSwitch {
		idx := node.neighborIntrfc(rec.calledAtm)
		if idx >= 0 && idx != exclude && node.intrfcs[idx].Up() {
			return []int{idx}
		}
	}

	if node.Kind == EndSystem && rec.role != CallingUser {
		return nil
	}

	entry, present := node.fwd.lookup(rec.calledAtm)
	if present && entry.Intrfc != exclude && node.intrfcs[entry.Intrfc].Up() {
		return []int{entry.Intrfc}
	}

	// no usable forwarding entry, so flood
	cands := []int{}
	for _, intrfc := range node.intrfcs {
		if intrfc.Idx != exclude && intrfc.Up() {
			cands = append(cands, intrfc.Idx)
		}
	}
	return cands
}

// extendCall admits the call on each candidate interface, sending Setup and arming T303
// on every branch created.  It returns the number of branches.
func (node *Node) extendCall(evtMgr *evtm.EventManager, rec *callRecord, exclude int) int {
	for _, idx := range node.candidateIntrfcs(rec, exclude) {
		vpi, err := node.reserve(idx, rec.vci, rec.bndwdth)
		if err != nil {
			node.log.WithError(err).WithField("intrfc", node.intrfcs[idx].Name).Debug("admission refused")
			continue
		}
		cs := &callSide{intrfc: idx, peer: node.intrfcs[idx].peerAtm(), vci: rec.vci, vpi: vpi, local: true}
		rec.down = append(rec.down, cs)
		node.register(rec, cs)
		node.sendSig(evtMgr, rec, cs, SigSetup, CauseNone)
		node.timers.arm(evtMgr, node, cs.key(), T303, node.cfg.t303, 1)
	}
	return len(rec.down)
}

// reserve wraps the interface's allocator, counting the outcome
func (node *Node) reserve(idx int, vci int, bndwdth float64) (int, error) {
	intrfc := node.intrfcs[idx]
	vpi, err := intrfc.pool.tryReserve(vci, bndwdth)
	if err != nil {
		node.stats.AdmissionFailures += 1
		AdmissionsTotal.WithLabelValues(intrfc.Name, "refused").Inc()
		return 0, errors.Wrapf(err, "interface %s", intrfc.Name)
	}
	AdmissionsTotal.WithLabelValues(intrfc.Name, "accepted").Inc()
	return vpi, nil
}

// stillRouted tells whether a Setup that went unanswered on branch cs should be tried there again
func (node *Node) stillRouted(rec *callRecord, cs *callSide) bool {
	if !node.intrfcs[cs.intrfc].Up() {
		return false
	}
	if cs.peer == rec.calledAtm {
		return true
	}
	entry, present := node.fwd.lookup(rec.calledAtm)
	if !present {
		// the branch came from flooding
		return true
	}
	return entry.Intrfc == cs.intrfc
}

// selectBranch keeps branch winner and clears every other branch
func (node *Node) selectBranch(evtMgr *evtm.EventManager, rec *callRecord, winner *callSide) {
	if len(rec.down) < 2 {
		return
	}
	losers := rec.sidesExcept(winner)
	for _, cs := range losers {
		if cs == rec.up {
			continue
		}
		node.sendSig(evtMgr, rec, cs, SigReleaseComplete, CauseNormal)
		node.dropSide(rec, cs)
	}
}

// abandonBranch clears one branch, and the whole call if it was the last
func (node *Node) abandonBranch(evtMgr *evtm.EventManager, rec *callRecord, cs *callSide, cause Cause) {
	node.sendSig(evtMgr, rec, cs, SigReleaseComplete, cause)
	node.dropSide(rec, cs)
	if len(rec.down) == 0 {
		node.failCall(evtMgr, rec, cause)
	}
}

// failCall clears the call at once, telling every remaining side
func (node *Node) failCall(evtMgr *evtm.EventManager, rec *callRecord, cause Cause) {
	for _, cs := range rec.sides() {
		node.sendSig(evtMgr, rec, cs, SigReleaseComplete, cause)
	}
	node.destroy(evtMgr, rec, cause)
}

// localRelease starts clearing the call from this node: Release on every side, T306 on each
func (node *Node) localRelease(evtMgr *evtm.EventManager, rec *callRecord, cause Cause) {
	node.cancelCallTimers(rec)
	sides := rec.sides()
	if len(sides) == 0 {
		node.destroy(evtMgr, rec, cause)
		return
	}
	rec.owed = nil
	for _, cs := range sides {
		node.sendSig(evtMgr, rec, cs, SigRelease, cause)
		cs.releasing = true
		node.timers.arm(evtMgr, node, cs.key(), T306, node.cfg.t306, 1)
	}
	rec.state = ReleaseRequest
}

// sideComplete records that a side being released has cleared, finishing the release
// when it was the last such side
func (node *Node) sideComplete(evtMgr *evtm.EventManager, rec *callRecord, cs *callSide) {
	if cs == rec.owed {
		return
	}
	node.dropSide(rec, cs)
	if !rec.anyReleasing() {
		node.finishRelease(evtMgr, rec)
	}
}

// intrfcFailed clears the calls crossing interface idx, whose link has gone down.
// Nothing more can be sent or heard on that side, so it is dropped without a message.
// A call still being flooded toward the called user keeps any other branches it has.
func (node *Node) intrfcFailed(evtMgr *evtm.EventManager, idx int) {
	recs := []*callRecord{}
	for key, rec := range node.calls {
		if key.Intrfc == idx && !slices.Contains(recs, rec) {
			recs = append(recs, rec)
		}
	}
	if len(recs) == 0 {
		return
	}
	slices.SortFunc(recs, func(a, b *callRecord) int { return a.number - b.number })
	node.log.WithField("intrfc", node.intrfcs[idx].Name).
		WithField("calls", len(recs)).Info("link down, clearing calls")

	for _, rec := range recs {
		for _, cs := range rec.sides() {
			if cs.intrfc == idx {
				node.dropSide(rec, cs)
			}
		}

		switch {
		case rec.state == ReleaseRequest || rec.state == ReleaseIndication:
			if !rec.anyReleasing() {
				node.finishRelease(evtMgr, rec)
			}
		case rec.settingUp() && len(rec.down) > 0 && (rec.up != nil || rec.role == CallingUser):
			// the remaining branches may still reach the called user
		default:
			node.failCall(evtMgr, rec, CauseNetworkOutOfOrder)
		}
	}
}

// finishRelease answers the side owed a ReleaseComplete and discards the call
func (node *Node) finishRelease(evtMgr *evtm.EventManager, rec *callRecord) {
	if rec.owed != nil {
		node.sendSig(evtMgr, rec, rec.owed, SigReleaseComplete, CauseNormal)
	}
	node.destroy(evtMgr, rec, CauseNormal)
}

func (node *Node) cancelCallTimers(rec *callRecord) {
	for _, cs := range rec.sides() {
		node.timers.cancelAll(cs.key())
	}
}

// dropSide removes one side from the call, returning its VPI if it was reserved here
func (node *Node) dropSide(rec *callRecord, cs *callSide) {
	key := cs.key()
	node.timers.cancelAll(key)
	if cs.local {
		node.intrfcs[cs.intrfc].pool.release(cs.vpi)
	}
	if node.calls[key] == rec {
		delete(node.calls, key)
	}

	if rec.up == cs {
		rec.up = nil
	} else {
		for idx, side := range rec.down {
			if side == cs {
				rec.down = append(rec.down[:idx], rec.down[idx+1:]...)
				break
			}
		}
	}
	if rec.owed == cs {
		rec.owed = nil
	}
}

// destroy returns every resource the call holds and forgets it
func (node *Node) destroy(evtMgr *evtm.EventManager, rec *callRecord, cause Cause) {
	for _, cs := range rec.sides() {
		node.dropSide(rec, cs)
	}
	for _, xk := range rec.published {
		node.xlate.withdraw(xk)
	}
	rec.published = nil

	if node.callIDs[rec.id()] == rec {
		delete(node.callIDs, rec.id())
	}

	if rec.role == CallingUser {
		if node.origin[rec.vci] == rec {
			delete(node.origin, rec.vci)
		}
		if rec.conn != nil {
			rec.conn.Status = SigReleased
		}
		node.discardPending(rec.vci)
	}

	outcome := "failed"
	if rec.wasActive {
		outcome = "released"
		node.stats.CallsReleased += 1
		node.monitor.OnConnectionTeardown()
	} else {
		node.stats.CallsFailed += 1
	}
	CallsTotal.WithLabelValues(node.Name, outcome).Inc()

	node.log.WithField("call", fmt.Sprintf("%s/%d", rec.callingAtm, rec.vci)).
		WithField("role", rec.role.String()).
		WithField("state", rec.state.String()).
		WithField("cause", int(cause)).Debug("call cleared")

	rec.state = Null
}

// activate completes the call at this node
func (node *Node) activate(evtMgr *evtm.EventManager, rec *callRecord) {
	rec.state = Active
	rec.wasActive = true
	node.stats.CallsActive += 1
	node.monitor.OnConnectionEstablished()
	CallsTotal.WithLabelValues(node.Name, "established").Inc()
	node.log.WithField("call", fmt.Sprintf("%s/%d", rec.callingAtm, rec.vci)).
		WithField("role", rec.role.String()).Debug("call active")
}

// publish adds a translation on behalf of the call
func (node *Node) publish(rec *callRecord, key XlateKey, entry XlateEntry) {
	node.xlate.publish(key, entry)
	rec.published = append(rec.published, key)
}

// timerFired is called by the timer arena when a timer watching side ck expires
func (node *Node) timerFired(evtMgr *evtm.EventManager, ck CallKey, tt TimerType, tries int) {
	rec, present := node.calls[ck]
	if !present {
		return
	}
	cs := rec.sideByKey(ck)
	if cs == nil {
		return
	}

	switch tt {
	case T303:
		if !rec.settingUp() || !rec.isBranch(cs) {
			return
		}
		if tries < 2 && node.stillRouted(rec, cs) {
			node.sendSig(evtMgr, rec, cs, SigSetup, CauseNone)
			node.timers.arm(evtMgr, node, ck, T303, node.cfg.t303, tries+1)
			return
		}
		node.abandonBranch(evtMgr, rec, cs, CauseRecoveryOnTimer)

	case T310:
		if !rec.isBranch(cs) {
			return
		}
		node.abandonBranch(evtMgr, rec, cs, CauseRecoveryOnTimer)

	case T301, T313:
		node.localRelease(evtMgr, rec, CauseRecoveryOnTimer)

	case T306:
		node.finishRelease(evtMgr, rec)

	case TConnectDelay:
		if rec.state != CallReceived {
			return
		}
		node.sendSig(evtMgr, rec, cs, SigConnect, CauseNone)
		node.timers.arm(evtMgr, node, ck, T313, node.cfg.t313, 1)
		rec.state = ConnectRequest

	case TIdle:
		node.idleCheck(evtMgr, rec, cs)
	}
}

// idleCheck clears an active call whose flow has carried nothing for the idle period
func (node *Node) idleCheck(evtMgr *evtm.EventManager, rec *callRecord, cs *callSide) {
	if rec.state != Active || rec.conn == nil || !(node.cfg.idle > 0.0) {
		return
	}
	now := evtMgr.CurrentSeconds()
	quiet := now - rec.conn.LastActive
	if quiet+1e-9 >= node.cfg.idle {
		node.log.WithField("flow", rec.conn.Key).Debug("idle call released")
		node.localRelease(evtMgr, rec, CauseNormal)
		return
	}
	node.timers.arm(evtMgr, node, cs.key(), TIdle, node.cfg.idle-quiet, 1)
}
