package atmnet

// dispatch.go connects the adaptation layer to the links below it and to IP
// above it.  Frames arriving from a link are split into signaling messages and
// data cells; data cells are switched onward or reassembled according to the
// translation table.  Datagrams offered by IP travel on the virtual circuit of
// their flow, which is set up on demand; while it is being set up they wait in
// the call's pending buffer.

import (
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/pkg/errors"
)

// receiveFrame is called by the link with every frame arriving on interface in
func (node *Node) receiveFrame(evtMgr *evtm.EventManager, in *Intrfc, fr *frame) {
	node.monitor.OnEventProcessed()

	if fr.sig != nil {
		node.recvSignal(evtMgr, in, fr.sig)
		return
	}

	c := fr.cell
	entry, present := node.xlate.lookup(XlateKey{Intrfc: in.Idx, VCI: c.vci, VPI: c.vpi})
	if !present {
		node.stats.UnknownCells += 1
		DropsTotal.WithLabelValues(node.Name, "unknown-vc").Inc()
		return
	}

	if entry.Intrfc == LocalIntrfc {
		node.reassembleCell(in, c)
		return
	}

	// switch the cell, rewriting its identifiers for the next hop
	out := node.intrfcs[entry.Intrfc]
	switched := &cell{vci: entry.VCI, vpi: entry.VPI, payload: c.payload, eom: c.eom}
	if out.send(evtMgr, &frame{cell: switched}) {
		node.stats.CellsSwitched += 1
		CellsTotal.WithLabelValues(node.Name, "switched").Inc()
	} else {
		node.stats.CellsDropped += 1
		DropsTotal.WithLabelValues(node.Name, "link-down").Inc()
	}
}

// reassembleCell adds a cell to its PDU and delivers the datagram it completes
func (node *Node) reassembleCell(in *Intrfc, c *cell) {
	CellsTotal.WithLabelValues(node.Name, "received").Inc()
	key := reasmKey{vci: c.vci, vpi: c.vpi, intrfc: in.Idx}
	sdu, err := node.reasm.accept(key, c.payload, c.eom)
	if err != nil {
		node.stats.ReasmDrops += 1
		DropsTotal.WithLabelValues(node.Name, reasmDropReason(err)).Inc()
		node.log.WithError(err).WithField("vci", c.vci).Debug("pdu discarded")
		return
	}
	if sdu == nil {
		return
	}

	node.stats.PDUsDelivered += 1
	node.monitor.OnPacketAllocated(len(sdu))
	if node.Deliver != nil {
		node.Deliver(node, sdu, in.Name)
	}
	node.monitor.OnPacketFreed(len(sdu))
}

// reasmDropReason labels a reassembly failure for the drop counter
func reasmDropReason(err error) string {
	switch errors.Cause(err) {
	case ErrOverflow:
		return "reasm-overflow"
	case ErrBadCRC:
		return "reasm-crc"
	case ErrBadPadding:
		return "reasm-padding"
	case ErrSDUSize:
		return "reasm-size"
	}
	return "reasm-length"
}

// SubmitPacket offers a datagram from IP for transmission toward dst.  The flow's
// circuit carries it at once if active; otherwise it is buffered, and a call is placed
// if the flow has none in progress.
func (node *Node) SubmitPacket(evtMgr *evtm.EventManager, src, dst netip.Addr, srcPort, dstPort int,
	payload []byte) error {

	if node.Kind != EndSystem {
		return errors.Wrap(ErrNotEndSystem, node.Name)
	}
	if len(payload) == 0 || len(payload) > node.cfg.maxSDU {
		return errors.Wrapf(ErrSDUSize, "datagram of %d bytes", len(payload))
	}
	if !dst.Is4() {
		return errors.Wrapf(ErrBadAddress, "destination %s", dst)
	}

	fk := FlowKey{SrcIP: src, DstIP: dst, SrcPort: srcPort, DstPort: dstPort}
	sdu := make([]byte, len(payload))
	copy(sdu, payload)

	ce, present := node.conns[fk]
	if present && ce.Status == SigActive && !node.carrying(ce) {
		// the circuit is being cleared; the datagram waits for a fresh call
		present = false
	}
	if present {
		switch ce.Status {
		case SigActive:
			node.monitor.OnPacketAllocated(len(sdu))
			err := node.sendSDU(evtMgr, ce, sdu)
			node.monitor.OnPacketFreed(len(sdu))
			return err
		case SigPending:
			node.monitor.OnPacketAllocated(len(sdu))
			node.pending[ce.VCI].push(sdu)
			ce.Buffered += 1
			return nil
		}
	}

	ae, found := node.arp.resolve(dst)
	if !found {
		DropsTotal.WithLabelValues(node.Name, "no-arp").Inc()
		return errors.Wrapf(ErrNoArpEntry, "destination %s", dst)
	}

	rec, err := node.originate(evtMgr, fk, ae.Atm)
	if err != nil {
		DropsTotal.WithLabelValues(node.Name, "no-route").Inc()
		return err
	}

	ce = &ConnEntry{Key: fk, CalledAtm: ae.Atm, VCI: rec.vci, Intrfc: LocalIntrfc,
		Status: SigPending, LastActive: evtMgr.CurrentSeconds()}
	node.conns[fk] = ce
	rec.conn = ce

	node.monitor.OnPacketAllocated(len(sdu))
	pb := new(pendingBuffer)
	pb.push(sdu)
	ce.Buffered += 1
	node.pending[rec.vci] = pb
	return nil
}

// carrying reports whether the call behind an active connection entry can still take data
func (node *Node) carrying(ce *ConnEntry) bool {
	rec, present := node.origin[ce.VCI]
	return present && rec.conn == ce && rec.state == Active
}

// originate places a call for a flow toward the end system at calledAtm
func (node *Node) originate(evtMgr *evtm.EventManager, fk FlowKey, calledAtm AtmAddr) (*callRecord, error) {
	desc := &SigMsg{CallingAtm: node.Atm, CalledAtm: calledAtm, CallingIP: fk.SrcIP, CalledIP: fk.DstIP,
		CallingPort: fk.SrcPort, CalledPort: fk.DstPort, Bandwidth: node.cfg.callBW, VCI: node.allocVCI()}
	rec := createRecord(CallingUser, desc)

	if node.extendCall(evtMgr, rec, LocalIntrfc) == 0 {
		node.stats.CallsFailed += 1
		CallsTotal.WithLabelValues(node.Name, "failed").Inc()
		return nil, errors.Wrapf(ErrNoRoute, "call to %s", calledAtm)
	}
	rec.state = CallInitiated
	node.origin[rec.vci] = rec
	node.stats.CallsOriginated += 1
	return rec, nil
}

// callActive starts the flow's traffic once its call reaches Active at the calling user
func (node *Node) callActive(evtMgr *evtm.EventManager, rec *callRecord, cs *callSide) {
	ce := rec.conn
	if ce == nil {
		return
	}
	ce.Status = SigActive
	ce.VPI = cs.vpi
	ce.Intrfc = cs.intrfc
	ce.LastActive = evtMgr.CurrentSeconds()

	pb, present := node.pending[rec.vci]
	delete(node.pending, rec.vci)
	if present {
		for _, sdu := range pb.drain() {
			node.sendSDU(evtMgr, ce, sdu)
			node.monitor.OnPacketFreed(len(sdu))
		}
	}

	if node.cfg.idle > 0.0 {
		node.timers.arm(evtMgr, node, cs.key(), TIdle, node.cfg.idle, 1)
	}
}

// sendSDU segments a datagram and puts its cells on the flow's circuit
func (node *Node) sendSDU(evtMgr *evtm.EventManager, ce *ConnEntry, sdu []byte) error {
	cells, err := segment(sdu, ce.VCI, ce.VPI)
	if err != nil {
		return err
	}
	intrfc := node.intrfcs[ce.Intrfc]
	for _, c := range cells {
		if !intrfc.send(evtMgr, &frame{cell: c}) {
			node.stats.CellsDropped += 1
			DropsTotal.WithLabelValues(node.Name, "link-down").Inc()
			continue
		}
		node.stats.CellsSent += 1
		CellsTotal.WithLabelValues(node.Name, "sent").Inc()
	}
	ce.Sent += 1
	ce.LastActive = evtMgr.CurrentSeconds()
	return nil
}

// discardPending drops whatever waits for a call that will never be active
func (node *Node) discardPending(vci int) {
	pb, present := node.pending[vci]
	if !present {
		return
	}
	delete(node.pending, vci)
	n := len(pb.pdus)
	if n == 0 {
		return
	}
	node.stats.PendingDropped += n
	node.monitor.OnPacketFreed(pb.bytes())
	DropsTotal.WithLabelValues(node.Name, "pending").Add(float64(n))
}

// Teardown clears the call carrying a flow, from the calling user
func (node *Node) Teardown(evtMgr *evtm.EventManager, fk FlowKey) bool {
	ce, present := node.conns[fk]
	if !present || (ce.Status != SigActive && ce.Status != SigPending) {
		return false
	}
	rec, present := node.origin[ce.VCI]
	if !present {
		return false
	}
	switch rec.state {
	case ReleaseRequest, ReleaseIndication, Null:
		return false
	}
	node.localRelease(evtMgr, rec, CauseNormal)
	return true
}
