package atmnet

// signal-handlers.go holds the handlers for each (role, message kind) pair and
// the table that binds them.  Every handler receives the record and the side the
// message arrived on.

import (
	"github.com/iti/evt/evtm"
)

func init() {
	relayRoles := []CallRole{CallingNetSwitch, CalledNetSwitch, CommonNetSwitch, Transit}

	for _, role := range relayRoles {
		sigHandlers[role][SigSetup] = relaySetup
		sigHandlers[role][SigCallProceeding] = proceedingArrived
		sigHandlers[role][SigAlert] = alertArrived
		sigHandlers[role][SigConnect] = connectArrived
		sigHandlers[role][SigConnectAck] = connectAckArrived
		sigHandlers[role][SigRelease] = releaseArrived
		sigHandlers[role][SigReleaseComplete] = releaseCompleteArrived
	}

	// the calling user never receives Setup for its own call
	sigHandlers[CallingUser][SigCallProceeding] = proceedingArrived
	sigHandlers[CallingUser][SigAlert] = alertArrived
	sigHandlers[CallingUser][SigConnect] = connectArrived
	sigHandlers[CallingUser][SigConnectAck] = ignoreMsg
	sigHandlers[CallingUser][SigRelease] = releaseArrived
	sigHandlers[CallingUser][SigReleaseComplete] = releaseCompleteArrived

	// the called user has no branches, so answers from downstream cannot arrive
	sigHandlers[CalledUser][SigSetup] = calledSetup
	sigHandlers[CalledUser][SigCallProceeding] = ignoreMsg
	sigHandlers[CalledUser][SigAlert] = ignoreMsg
	sigHandlers[CalledUser][SigConnect] = ignoreMsg
	sigHandlers[CalledUser][SigConnectAck] = connectAckArrived
	sigHandlers[CalledUser][SigRelease] = releaseArrived
	sigHandlers[CalledUser][SigReleaseComplete] = releaseCompleteArrived
}

// ignoreMsg is bound where a message is legal on the wire but means nothing to the role
func ignoreMsg(node *Node, evtMgr *evtm.EventManager, rec *callRecord, cs *callSide, msg *SigMsg) {
}

// relaySetup is the switch's answer to a Setup for a new call
func relaySetup(node *Node, evtMgr *evtm.EventManager, rec *callRecord, cs *callSide, msg *SigMsg) {
	// a switch attached to the calling user takes the call only from that user
	if (rec.role == CallingNetSwitch || rec.role == CommonNetSwitch) && cs.peer != rec.callingAtm {
		node.stats.SetupRejects += 1
		node.replyComplete(evtMgr, cs.key(), CauseInvalidIE)
		return
	}

	if node.extendCall(evtMgr, rec, cs.intrfc) == 0 {
		node.stats.SetupRejects += 1
		node.log.WithField("called", rec.calledAtm.String()).Debug("no forwarding path")
		node.replyComplete(evtMgr, cs.key(), CauseNoRoute)
		return
	}

	node.register(rec, cs)
	node.sendSig(evtMgr, rec, cs, SigCallProceeding, CauseNone)
	rec.state = IncomingCallProceeding
}

// calledSetup is the called user's answer to a Setup
func calledSetup(node *Node, evtMgr *evtm.EventManager, rec *callRecord, cs *callSide, msg *SigMsg) {
	rec.state = CallPresent

	// a datagram for somebody we cannot deliver to is dropped without answer
	if !node.reachable(rec.calledIP) {
		node.stats.UnreachableSetups += 1
		node.log.WithField("dst", rec.calledIP.String()).Debug("setup for unreachable destination")
		return
	}

	node.register(rec, cs)
	node.sendSig(evtMgr, rec, cs, SigAlert, CauseNone)
	rec.state = CallReceived
	node.timers.arm(evtMgr, node, cs.key(), TConnectDelay, node.cfg.thinkTime, 1)
}

// proceedingArrived: a branch has taken the call and passed it on.  While flooding,
// a branch that proceeds may still meet the call coming the other way further on
// and be refused there, so no branch is chosen until one reaches the called user.
func proceedingArrived(node *Node, evtMgr *evtm.EventManager, rec *callRecord, cs *callSide, msg *SigMsg) {
	if !rec.isBranch(cs) || !rec.settingUp() {
		return
	}
	if !node.timers.armed(cs.key(), T303) {
		// a repeated CallProceeding, answering a resent Setup
		return
	}
	node.timers.cancel(cs.key(), T303)
	node.timers.arm(evtMgr, node, cs.key(), T310, node.cfg.t310, 1)
	rec.state = OutgoingCallProceeding
}

// alertArrived: the called user has been reached
func alertArrived(node *Node, evtMgr *evtm.EventManager, rec *callRecord, cs *callSide, msg *SigMsg) {
	if !rec.isBranch(cs) || !rec.settingUp() {
		return
	}
	node.selectBranch(evtMgr, rec, cs)
	node.timers.cancel(cs.key(), T303)
	node.timers.cancel(cs.key(), T310)
	node.timers.arm(evtMgr, node, cs.key(), T301, node.cfg.t301, 1)
	if rec.up != nil {
		node.sendSig(evtMgr, rec, rec.up, SigAlert, CauseNone)
	}
	rec.state = CallDelivered
}

// connectArrived: the called user accepted the call
func connectArrived(node *Node, evtMgr *evtm.EventManager, rec *callRecord, cs *callSide, msg *SigMsg) {
	if !rec.isBranch(cs) || !(rec.settingUp() || rec.state == CallDelivered) {
		return
	}
	node.selectBranch(evtMgr, rec, cs)
	node.timers.cancel(cs.key(), T303)
	node.timers.cancel(cs.key(), T310)
	node.timers.cancel(cs.key(), T301)

	// the path that answered is the route to the called user from now on
	node.fwd.set(rec.calledAtm, FwdEntry{NextHop: cs.peer, Intrfc: cs.intrfc})

	if rec.up != nil {
		up := rec.up
		node.publish(rec, XlateKey{Intrfc: up.intrfc, VCI: up.vci, VPI: up.vpi},
			XlateEntry{Intrfc: cs.intrfc, VCI: cs.vci, VPI: cs.vpi})
		node.sendSig(evtMgr, rec, up, SigConnect, CauseNone)
		node.timers.arm(evtMgr, node, up.key(), T313, node.cfg.t313, 1)
	}
	node.sendSig(evtMgr, rec, cs, SigConnectAck, CauseNone)
	node.activate(evtMgr, rec)

	if rec.role == CallingUser {
		node.callActive(evtMgr, rec, cs)
	}
}

// connectAckArrived: the side toward the calling user has seen our Connect
func connectAckArrived(node *Node, evtMgr *evtm.EventManager, rec *callRecord, cs *callSide, msg *SigMsg) {
	if cs != rec.up {
		return
	}
	node.timers.cancel(cs.key(), T313)

	if rec.role == CalledUser && rec.state == ConnectRequest {
		node.publish(rec, XlateKey{Intrfc: cs.intrfc, VCI: cs.vci, VPI: cs.vpi},
			XlateEntry{Intrfc: LocalIntrfc, VCI: cs.vci, VPI: cs.vpi})
		node.activate(evtMgr, rec)
	}
}

// releaseArrived: side cs asks for the call to be cleared
func releaseArrived(node *Node, evtMgr *evtm.EventManager, rec *callRecord, cs *callSide, msg *SigMsg) {
	switch rec.state {
	case ReleaseRequest, ReleaseIndication:
		// crosses a Release we sent that way, which completes that side
		node.timers.cancelAll(cs.key())
		node.sideComplete(evtMgr, rec, cs)
		return
	}

	// one of several flooded branches backing out leaves the others alone
	if rec.isBranch(cs) && len(rec.down) > 1 {
		node.sendSig(evtMgr, rec, cs, SigReleaseComplete, CauseNormal)
		node.dropSide(rec, cs)
		return
	}

	node.cancelCallTimers(rec)
	others := rec.sidesExcept(cs)
	if len(others) == 0 {
		node.sendSig(evtMgr, rec, cs, SigReleaseComplete, CauseNormal)
		node.destroy(evtMgr, rec, msg.Cause)
		return
	}

	rec.owed = cs
	for _, side := range others {
		node.sendSig(evtMgr, rec, side, SigRelease, msg.Cause)
		side.releasing = true
		node.timers.arm(evtMgr, node, side.key(), T306, node.cfg.t306, 1)
	}
	rec.state = ReleaseIndication
}

// releaseCompleteArrived: side cs has cleared
func releaseCompleteArrived(node *Node, evtMgr *evtm.EventManager, rec *callRecord, cs *callSide, msg *SigMsg) {
	node.timers.cancelAll(cs.key())

	switch rec.state {
	case ReleaseRequest, ReleaseIndication:
		if cs == rec.owed {
			// the side we owed an answer has given up waiting
			node.dropSide(rec, cs)
			if !rec.anyReleasing() {
				node.finishRelease(evtMgr, rec)
			}
			return
		}
		node.sideComplete(evtMgr, rec, cs)
		return
	}

	// a flooded branch refusing the call leaves the others alone
	if rec.isBranch(cs) && len(rec.down) > 1 {
		node.dropSide(rec, cs)
		return
	}

	// otherwise the call is cleared everywhere
	node.dropSide(rec, cs)
	node.failCall(evtMgr, rec, msg.Cause)
}
