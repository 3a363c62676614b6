package atmnet

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/iti/evt/evtm"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadOf(size int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, size)
}

func TestCallSetupAndDelivery(t *testing.T) {
	an, evtMgr := buildNet(t, lineTopo(), nil)
	h1, s1, s2, h2 := mustNode(t, an, "H1"), mustNode(t, an, "S1"), mustNode(t, an, "S2"), mustNode(t, an, "H2")

	var got delivery
	got.capture(h2)

	sizes := []int{1, 40, 41, 1500, 9000}
	sent := [][]byte{}
	for idx, size := range sizes {
		sent = append(sent, payloadOf(size, byte(idx+1)))
		submit(t, evtMgr, h1, h2.IP, 5000, sent[idx])
	}

	fk := FlowKey{SrcIP: h1.IP, DstIP: h2.IP, SrcPort: 5000, DstPort: 5000}
	ce, present := h1.Conn(fk)
	require.True(t, present)
	assert.Equal(t, SigPending, ce.Status)
	assert.Equal(t, FirstDataVCI, ce.VCI)

	evtMgr.Run(5.0)

	// delivered once each, in order, byte for byte
	require.Len(t, got.sdus, len(sent))
	for idx := range sent {
		assert.Equal(t, sent[idx], got.sdus[idx])
	}

	ce, present = h1.Conn(fk)
	require.True(t, present)
	assert.Equal(t, SigActive, ce.Status)
	assert.Equal(t, len(sent), ce.Sent)
	assert.Equal(t, len(sent), ce.Buffered)

	for _, node := range []*Node{h1, s1, s2, h2} {
		assert.Equal(t, []CallState{Active}, node.CallStates(), "states at %s", node.Name)
		assert.Zero(t, node.PendingTimers(), "timers at %s", node.Name)
		assert.Equal(t, 1, node.Stats().CallsActive)
	}
	assert.Zero(t, mustNode(t, an, "H3").Calls())

	// the VCI is carried end to end; each relay maps its inbound identifiers to one output
	assert.Empty(t, h1.Translations())
	assert.Equal(t, map[XlateKey]XlateEntry{{Intrfc: 0, VCI: 32, VPI: 1}: {Intrfc: 1, VCI: 32, VPI: 1}},
		s1.Translations())
	assert.Equal(t, map[XlateKey]XlateEntry{{Intrfc: 0, VCI: 32, VPI: 1}: {Intrfc: 1, VCI: 32, VPI: 1}},
		s2.Translations())
	assert.Equal(t, map[XlateKey]XlateEntry{{Intrfc: 0, VCI: 32, VPI: 1}: {Intrfc: LocalIntrfc, VCI: 32, VPI: 1}},
		h2.Translations())

	// one reservation per hop, on the sending side of each link
	assert.Equal(t, 1, h1.Intrfcs()[0].Busy())
	assert.Equal(t, 0, s1.Intrfcs()[0].Busy())
	assert.Equal(t, 1, s1.Intrfcs()[1].Busy())
	assert.Equal(t, 1, s2.Intrfcs()[1].Busy())
	assert.Equal(t, 0, h2.Intrfcs()[0].Busy())
	assert.InDelta(t, 1.0, s1.Intrfcs()[1].Committed(), 1e-9)

	cells := 0
	for _, size := range sizes {
		cells += pduLen(size) / CellPayload
	}
	assert.Equal(t, cells, h1.Stats().CellsSent)
	assert.Equal(t, cells, s1.Stats().CellsSwitched)
	assert.Equal(t, cells, s2.Stats().CellsSwitched)
	assert.Equal(t, len(sent), h2.Stats().PDUsDelivered)
}

func TestCallsShareVCI(t *testing.T) {
	an, evtMgr := buildNet(t, lineTopo(), nil)
	h1, h3, s2, h2 := mustNode(t, an, "H1"), mustNode(t, an, "H3"), mustNode(t, an, "S2"), mustNode(t, an, "H2")

	var got delivery
	got.capture(h2)

	fromH1 := payloadOf(100, 0xA1)
	fromH3 := payloadOf(100, 0xA3)
	submit(t, evtMgr, h1, h2.IP, 7, fromH1)
	submit(t, evtMgr, h3, h2.IP, 7, fromH3)

	evtMgr.Run(5.0)

	assert.ElementsMatch(t, [][]byte{fromH1, fromH3}, got.sdus)

	// both end systems chose VCI 32, so the shared link tells them apart by VPI
	xlate := s2.Translations()
	require.Len(t, xlate, 2)
	vpis := map[int]bool{}
	for key, entry := range xlate {
		assert.Equal(t, FirstDataVCI, key.VCI)
		assert.Equal(t, key.VCI, entry.VCI)
		vpis[key.VPI] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true}, vpis)
	assert.Len(t, h2.Translations(), 2)
	assert.Equal(t, 2, h2.Calls())
}

func TestFloodingOneWinner(t *testing.T) {
	// no forwarding entries anywhere, so every switch floods
	tf := CreateTopoCfgFrame("diamond")
	h1 := CreateEndSystemFrame("H1", "2.1", "10.1.0.1", "10.1.0.0/24")
	h2 := CreateEndSystemFrame("H2", "2.2", "10.1.0.2", "10.1.0.0/24")
	s1 := CreateSwitchFrame("S1", "2.101")
	s2 := CreateSwitchFrame("S2", "2.102")
	s3 := CreateSwitchFrame("S3", "2.103")
	s4 := CreateSwitchFrame("S4", "2.104")
	ConnectNodes(h1, s1)
	ConnectNodes(s1, s2)
	ConnectNodes(s1, s3)
	ConnectNodes(s2, s4)
	ConnectNodes(s3, s4)
	ConnectNodes(s4, h2)
	for _, nf := range []*NodeFrame{h1, h2, s1, s2, s3, s4} {
		tf.AddNode(nf)
	}
	tc := tf.Transform()
	evtMgr := evtm.New()
	an, err := BuildAtmNet(evtMgr, &tc, nil, nil, nil)
	require.NoError(t, err)

	src, dst := mustNode(t, an, "H1"), mustNode(t, an, "H2")
	_, present := src.Route(dst.Atm)
	require.False(t, present)

	var got delivery
	got.capture(dst)
	submit(t, evtMgr, src, dst.IP, 9, payloadOf(500, 9))

	fk := FlowKey{SrcIP: src.IP, DstIP: dst.IP, SrcPort: 9, DstPort: 9}
	var relays, held int
	var status SigStatus
	at(evtMgr, 1.0, func(evtMgr *evtm.EventManager) {
		ce, _ := src.Conn(fk)
		status = ce.Status
		for _, name := range []string{"S2", "S3"} {
			relays += mustNode(t, an, name).Calls()
		}
		for _, node := range an.Nodes() {
			for _, intrfc := range node.Intrfcs() {
				held += intrfc.Busy()
			}
		}
		require.True(t, src.Teardown(evtMgr, fk))
	})

	evtMgr.Run(10.0)

	assert.Equal(t, SigActive, status)
	assert.Equal(t, 1, relays, "exactly one flooded branch survives")
	assert.Equal(t, 4, held, "one reservation per hop of the winning path")
	assert.Len(t, got.sdus, 1)

	// the answering path became the route
	fe, present := mustNode(t, an, "S1").Route(dst.Atm)
	require.True(t, present)
	assert.Contains(t, []AtmAddr{{Net: 2, Host: 102}, {Net: 2, Host: 103}}, fe.NextHop)

	assertQuiet(t, an)
}

func TestSetupRetryThenFail(t *testing.T) {
	tf := CreateTopoCfgFrame("pair")
	h1 := CreateEndSystemFrame("H1", "3.1", "10.3.0.1", "10.3.0.0/24")
	h2 := CreateEndSystemFrame("H2", "3.2", "10.3.0.2", "10.3.0.0/24")
	ConnectNodes(h1, h2)
	tf.AddNode(h1)
	tf.AddNode(h2)
	an, evtMgr := buildNet(t, tf, nil)
	src, dst := mustNode(t, an, "H1"), mustNode(t, an, "H2")

	// resolves to H2, which does not answer for it
	ghost := netip.MustParseAddr("10.3.0.99")
	src.arp.add(ghost, dst.Atm)
	submit(t, evtMgr, src, ghost, 1, payloadOf(64, 1))

	var armedAt5 bool
	at(evtMgr, 5.0, func(evtMgr *evtm.EventManager) {
		armedAt5 = src.PendingTimers() == 1 && src.Calls() == 1
	})

	evtMgr.Run(20.0)

	assert.True(t, armedAt5, "Setup resent once with T303 rearmed")
	assert.Equal(t, 2, dst.Stats().UnreachableSetups)
	assert.Equal(t, 1, src.Stats().CallsFailed)
	assert.Equal(t, 1, src.Stats().PendingDropped)
	assert.Equal(t, 3, src.Intrfcs()[0].framesSent, "Setup, Setup, ReleaseComplete")

	ce, present := src.Conn(FlowKey{SrcIP: src.IP, DstIP: ghost, SrcPort: 1, DstPort: 1})
	require.True(t, present)
	assert.Equal(t, SigReleased, ce.Status)
	assertQuiet(t, an)
}

func TestUnreachableThroughSwitches(t *testing.T) {
	an, evtMgr := buildNet(t, lineTopo(), nil)
	h1, h2 := mustNode(t, an, "H1"), mustNode(t, an, "H2")

	ghost := netip.MustParseAddr("10.0.0.99")
	h1.arp.add(ghost, h2.Atm)
	submit(t, evtMgr, h1, ghost, 1, payloadOf(64, 1))

	evtMgr.Run(30.0)

	assert.Equal(t, 2, h2.Stats().UnreachableSetups)
	assert.Empty(t, h2.Translations())
	assert.Equal(t, 1, h1.Stats().CallsFailed)
	assertQuiet(t, an)
}

func TestInvalidSetupRejected(t *testing.T) {
	valid := func(an *AtmNet) SigMsg {
		h1, h2 := mustNode(t, an, "H1"), mustNode(t, an, "H2")
		return SigMsg{Kind: SigSetup, VCI: 40, VPI: 1, CallingAtm: h1.Atm, CalledAtm: h2.Atm,
			CallingIP: h1.IP, CalledIP: h2.IP, CallingPort: 1, CalledPort: 1, Bandwidth: 1.0}
	}

	cases := map[string]func(msg *SigMsg, s1 *Node){
		"no called address":  func(msg *SigMsg, s1 *Node) { msg.CalledAtm = AtmAddr{} },
		"broadcast called":   func(msg *SigMsg, s1 *Node) { msg.CalledAtm.Host = BroadcastHost },
		"reserved vci":       func(msg *SigMsg, s1 *Node) { msg.VCI = SigVCI },
		"signaling vpi":      func(msg *SigMsg, s1 *Node) { msg.VPI = SigVPI },
		"no bandwidth":       func(msg *SigMsg, s1 *Node) { msg.Bandwidth = 0.0 },
		"calling is self":    func(msg *SigMsg, s1 *Node) { msg.CallingAtm = s1.Atm },
		"ipv6 destination":   func(msg *SigMsg, s1 *Node) { msg.CalledIP = netip.MustParseAddr("fd00::2") },
		"wrong calling user": func(msg *SigMsg, s1 *Node) { msg.CallingAtm = AtmAddr{Net: 1, Host: 3} },
	}

	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			an, evtMgr := buildNet(t, lineTopo(), nil)
			s1 := mustNode(t, an, "S1")
			msg := valid(an)
			corrupt(&msg, s1)

			s1.recvSignal(evtMgr, s1.Intrfcs()[0], &msg)

			assert.Zero(t, s1.Calls())
			assert.Equal(t, 1, s1.Stats().SetupRejects)
			assert.Equal(t, 1, s1.Intrfcs()[0].framesSent, "ReleaseComplete only")
			assert.Zero(t, s1.Intrfcs()[1].framesSent, "nothing forwarded")

			evtMgr.Run(10.0)
			assertQuiet(t, an)
		})
	}
}

func TestNoPathRejected(t *testing.T) {
	tf := CreateTopoCfgFrame("cut")
	h1 := CreateEndSystemFrame("H1", "4.1", "10.4.0.1", "10.4.0.0/24")
	h2 := CreateEndSystemFrame("H2", "4.2", "10.4.0.2", "10.4.0.0/24")
	s1 := CreateSwitchFrame("S1", "4.100")
	ConnectNodes(h1, s1)
	for _, nf := range []*NodeFrame{h1, h2, s1} {
		tf.AddNode(nf)
	}
	an, evtMgr := buildNet(t, tf, nil)
	src, sw, dst := mustNode(t, an, "H1"), mustNode(t, an, "S1"), mustNode(t, an, "H2")

	submit(t, evtMgr, src, dst.IP, 1, payloadOf(10, 1))

	// H2 has no link at all
	err := dst.SubmitPacket(evtMgr, dst.IP, src.IP, 1, 1, payloadOf(10, 1))
	assert.ErrorIs(t, err, ErrNoRoute)

	evtMgr.Run(1.0)

	assert.Equal(t, 1, sw.Stats().SetupRejects)
	assert.Empty(t, sw.Translations())
	assert.Equal(t, 1, src.Stats().CallsFailed)
	assert.Equal(t, 1, src.Stats().PendingDropped)
	assertQuiet(t, an)
}

func TestSubmitPacketErrors(t *testing.T) {
	an, evtMgr := buildNet(t, lineTopo(), nil)
	h1, s1 := mustNode(t, an, "H1"), mustNode(t, an, "S1")

	err := s1.SubmitPacket(evtMgr, h1.IP, h1.IP, 1, 1, payloadOf(10, 1))
	assert.ErrorIs(t, err, ErrNotEndSystem)

	err = h1.SubmitPacket(evtMgr, h1.IP, netip.MustParseAddr("10.0.0.2"), 1, 1, nil)
	assert.ErrorIs(t, err, ErrSDUSize)

	err = h1.SubmitPacket(evtMgr, h1.IP, netip.MustParseAddr("10.0.0.2"), 1, 1, payloadOf(MaxSDU+1, 1))
	assert.ErrorIs(t, err, ErrSDUSize)

	err = h1.SubmitPacket(evtMgr, h1.IP, netip.MustParseAddr("192.168.1.1"), 1, 1, payloadOf(10, 1))
	assert.ErrorIs(t, err, ErrNoArpEntry)

	err = h1.SubmitPacket(evtMgr, h1.IP, netip.MustParseAddr("fd00::1"), 1, 1, payloadOf(10, 1))
	assert.ErrorIs(t, err, ErrBadAddress)

	assert.Zero(t, h1.Calls())
}

func TestDuplicateSetupIdempotent(t *testing.T) {
	an, evtMgr := buildNet(t, lineTopo(), nil)
	h1, s1, h2 := mustNode(t, an, "H1"), mustNode(t, an, "S1"), mustNode(t, an, "H2")

	setup := SigMsg{Kind: SigSetup, VCI: 40, VPI: 1, CallingAtm: h1.Atm, CalledAtm: h2.Atm,
		CallingIP: h1.IP, CalledIP: h2.IP, CallingPort: 1, CalledPort: 1, Bandwidth: 2.0}
	first, again := setup, setup
	s1.recvSignal(evtMgr, s1.Intrfcs()[0], &first)
	s1.recvSignal(evtMgr, s1.Intrfcs()[0], &again)

	assert.Equal(t, 1, s1.Calls())
	assert.Equal(t, []CallState{IncomingCallProceeding}, s1.CallStates())
	assert.Equal(t, 1, s1.Intrfcs()[1].Busy())
	assert.InDelta(t, 2.0, s1.Intrfcs()[1].Committed(), 1e-9)
	assert.Equal(t, 1, s1.Intrfcs()[1].framesSent, "one Setup forwarded")
	assert.Equal(t, 2, s1.Intrfcs()[0].framesSent, "CallProceeding answered twice")
	assert.Zero(t, s1.Stats().SetupRejects)

	// H1 holds no such call and has it cleared everywhere
	evtMgr.Run(10.0)
	assertQuiet(t, an)
}

func TestTeardown(t *testing.T) {
	an, evtMgr := buildNet(t, lineTopo(), nil)
	h1, s1, s2, h2 := mustNode(t, an, "H1"), mustNode(t, an, "S1"), mustNode(t, an, "S2"), mustNode(t, an, "H2")

	var got delivery
	got.capture(h2)
	fk := FlowKey{SrcIP: h1.IP, DstIP: h2.IP, SrcPort: 80, DstPort: 80}
	submit(t, evtMgr, h1, h2.IP, 80, payloadOf(300, 3))

	var tornDown, again bool
	at(evtMgr, 1.0, func(evtMgr *evtm.EventManager) {
		tornDown = h1.Teardown(evtMgr, fk)
		again = h1.Teardown(evtMgr, fk)
	})

	// the flow places a fresh call once the old one is gone
	var secondVCI int
	var secondStatus SigStatus
	at(evtMgr, 2.0, func(evtMgr *evtm.EventManager) {
		submit(t, evtMgr, h1, h2.IP, 80, payloadOf(300, 4))
	})
	at(evtMgr, 3.0, func(evtMgr *evtm.EventManager) {
		ce, _ := h1.Conn(fk)
		secondVCI, secondStatus = ce.VCI, ce.Status
		h1.Teardown(evtMgr, fk)
	})

	evtMgr.Run(10.0)

	assert.True(t, tornDown)
	assert.False(t, again, "release already under way")
	assert.Equal(t, FirstDataVCI+1, secondVCI)
	assert.Equal(t, SigActive, secondStatus)
	assert.Len(t, got.sdus, 2)

	for _, node := range []*Node{h1, s1, s2, h2} {
		assert.Equal(t, 2, node.Stats().CallsReleased, "released at %s", node.Name)
		assert.Zero(t, node.Stats().CallsFailed, "failed at %s", node.Name)
	}
	ce, _ := h1.Conn(fk)
	assert.Equal(t, SigReleased, ce.Status)
	assertQuiet(t, an)
}

func TestIdleRelease(t *testing.T) {
	xc := CreateExpCfg("idle")
	require.NoError(t, xc.AddParameter("Node", "name%%H1", "idle", "0.5"))
	an, evtMgr := buildNet(t, lineTopo(), xc)
	h1, h2 := mustNode(t, an, "H1"), mustNode(t, an, "H2")

	for _, when := range []float64{0.3, 0.6, 0.9} {
		at(evtMgr, when, func(evtMgr *evtm.EventManager) {
			submit(t, evtMgr, h1, h2.IP, 53, payloadOf(20, 5))
		})
	}
	submit(t, evtMgr, h1, h2.IP, 53, payloadOf(20, 5))

	var stateAt12 []CallState
	at(evtMgr, 1.2, func(evtMgr *evtm.EventManager) {
		stateAt12 = h1.CallStates()
	})

	evtMgr.Run(5.0)

	assert.Equal(t, []CallState{Active}, stateAt12, "traffic keeps the call up")
	assert.Equal(t, 1, h1.Stats().CallsReleased)
	assertQuiet(t, an)
}

func TestAlertTimeout(t *testing.T) {
	xc := CreateExpCfg("slow")
	require.NoError(t, xc.AddParameter("Node", "*", "t301", "2.0"))
	require.NoError(t, xc.AddParameter("Node", "name%%H2", "thinktime", "500"))
	an, evtMgr := buildNet(t, lineTopo(), xc)
	h1, h2 := mustNode(t, an, "H1"), mustNode(t, an, "H2")

	submit(t, evtMgr, h1, h2.IP, 1, payloadOf(20, 1))

	var stateAt1 []CallState
	at(evtMgr, 1.0, func(evtMgr *evtm.EventManager) {
		stateAt1 = h1.CallStates()
	})

	evtMgr.Run(10.0)

	assert.Equal(t, []CallState{CallDelivered}, stateAt1)
	assert.Equal(t, 1, h1.Stats().CallsFailed)
	assert.Zero(t, h2.Stats().PDUsDelivered)
	assertQuiet(t, an)
}

func TestAdmissionRefused(t *testing.T) {
	xc := CreateExpCfg("thin")
	require.NoError(t, xc.AddParameter("Interface", "device%%S1", "bandwidth", "1.5"))
	an, evtMgr := buildNet(t, lineTopo(), xc)
	h1, h3, s1, h2 := mustNode(t, an, "H1"), mustNode(t, an, "H3"), mustNode(t, an, "S1"), mustNode(t, an, "H2")
	trunk := s1.Intrfcs()[1].Name
	accepted := testutil.ToFloat64(AdmissionsTotal.WithLabelValues(trunk, "accepted"))
	refused := testutil.ToFloat64(AdmissionsTotal.WithLabelValues(trunk, "refused"))

	submit(t, evtMgr, h1, h2.IP, 1, payloadOf(20, 1))

	// H3 tries once H1's call holds the link
	at(evtMgr, 1.0, func(evtMgr *evtm.EventManager) {
		submit(t, evtMgr, h3, h2.IP, 1, payloadOf(20, 3))
	})

	evtMgr.Run(5.0)

	assert.Equal(t, []CallState{Active}, h1.CallStates())
	assert.Equal(t, 1, h3.Stats().CallsFailed)
	assert.Equal(t, 1, s1.Stats().AdmissionFailures)
	assert.Equal(t, 1, s1.Stats().SetupRejects)
	assert.Equal(t, 1, s1.Intrfcs()[1].Busy())
	assert.Equal(t, accepted+1, testutil.ToFloat64(AdmissionsTotal.WithLabelValues(trunk, "accepted")))
	assert.Equal(t, refused+1, testutil.ToFloat64(AdmissionsTotal.WithLabelValues(trunk, "refused")))
}

func TestLinkFailureClearsCalls(t *testing.T) {
	an, evtMgr := buildNet(t, lineTopo(), nil)
	h1, s1, s2, h2 := mustNode(t, an, "H1"), mustNode(t, an, "S1"), mustNode(t, an, "S2"), mustNode(t, an, "H2")
	unknown := testutil.ToFloat64(DropsTotal.WithLabelValues("S1", "unknown-vc"))

	var got delivery
	got.capture(h2)
	fk := FlowKey{SrcIP: h1.IP, DstIP: h2.IP, SrcPort: 1, DstPort: 1}
	submit(t, evtMgr, h1, h2.IP, 1, payloadOf(100, 1))

	// the datagram leaves H1 before S1 has heard of the failure
	at(evtMgr, 1.0, func(evtMgr *evtm.EventManager) {
		s1.Intrfcs()[1].Fail(evtMgr)
		submit(t, evtMgr, h1, h2.IP, 1, payloadOf(100, 2))
	})

	evtMgr.Run(5.0)

	assert.Len(t, got.sdus, 1)
	assert.False(t, s1.Intrfcs()[1].Up())
	assert.False(t, s2.Intrfcs()[0].Up())

	// both ends of the link cleared the call toward their users
	for _, node := range []*Node{h1, s1, s2, h2} {
		assert.Equal(t, 1, node.Stats().CallsReleased, "released at %s", node.Name)
	}
	assert.Equal(t, pduLen(100)/CellPayload, s1.Stats().UnknownCells)
	assert.Zero(t, s1.Stats().CellsDropped)
	assert.Equal(t, unknown+float64(pduLen(100)/CellPayload),
		testutil.ToFloat64(DropsTotal.WithLabelValues("S1", "unknown-vc")))
	ce, _ := h1.Conn(fk)
	assert.Equal(t, SigReleased, ce.Status)
	assertQuiet(t, an)
}

func TestLinkFailureDuringFlooding(t *testing.T) {
	an, evtMgr := buildNet(t, lineTopo(), nil)
	h1, s1, h2 := mustNode(t, an, "H1"), mustNode(t, an, "S1"), mustNode(t, an, "H2")

	// the only way toward H2 goes down while the Setup is on it
	submit(t, evtMgr, h1, h2.IP, 1, payloadOf(20, 1))
	at(evtMgr, 0.0015, func(evtMgr *evtm.EventManager) {
		s1.Intrfcs()[1].Fail(evtMgr)
	})

	evtMgr.Run(10.0)

	assert.Equal(t, 1, h1.Stats().CallsFailed)
	assert.Equal(t, 1, s1.Stats().CallsFailed)
	assert.Equal(t, 1, h1.Stats().PendingDropped)
	assert.Zero(t, mustNode(t, an, "S2").Stats().CallsFailed, "the Setup never reached S2")
	assertQuiet(t, an)
}

func TestProceedingTimeout(t *testing.T) {
	// H2 sits a second away from S2, longer than S1 waits for an answer
	// once the call has proceeded
	xc := CreateExpCfg("distant")
	require.NoError(t, xc.AddParameter("Node", "name%%S1", "t310", "0.5"))
	require.NoError(t, xc.AddParameter("Interface", "device%%H2", "latency", "1.0"))
	require.NoError(t, xc.AddParameter("Interface", "name%%intrfc@S2[.1]", "latency", "1.0"))
	an, evtMgr := buildNet(t, lineTopo(), xc)
	h1, s1, s2, h2 := mustNode(t, an, "H1"), mustNode(t, an, "S1"), mustNode(t, an, "S2"), mustNode(t, an, "H2")

	submit(t, evtMgr, h1, h2.IP, 1, payloadOf(20, 1))

	var s1At, h1At []CallState
	at(evtMgr, 0.25, func(evtMgr *evtm.EventManager) {
		s1At, h1At = s1.CallStates(), h1.CallStates()
	})

	evtMgr.Run(10.0)

	assert.Equal(t, []CallState{OutgoingCallProceeding}, s1At)
	assert.Equal(t, []CallState{OutgoingCallProceeding}, h1At)
	for _, node := range []*Node{h1, s1, s2, h2} {
		assert.Equal(t, 1, node.Stats().CallsFailed, "failed at %s", node.Name)
		assert.Zero(t, node.Stats().CallsActive, "active at %s", node.Name)
	}
	assert.Equal(t, 1, h1.Stats().PendingDropped)
	assert.Zero(t, h2.Stats().PDUsDelivered)
	assertQuiet(t, an)
}

func TestConnectAckTimeout(t *testing.T) {
	// H2 gives up on its Connect long before the ConnectAck can cross the slow link
	xc := CreateExpCfg("distant")
	require.NoError(t, xc.AddParameter("Node", "name%%H2", "t313", "0.5"))
	require.NoError(t, xc.AddParameter("Interface", "device%%H2", "latency", "1.0"))
	require.NoError(t, xc.AddParameter("Interface", "name%%intrfc@S2[.1]", "latency", "1.0"))
	an, evtMgr := buildNet(t, lineTopo(), xc)
	h1, s1, s2, h2 := mustNode(t, an, "H1"), mustNode(t, an, "S1"), mustNode(t, an, "S2"), mustNode(t, an, "H2")

	submit(t, evtMgr, h1, h2.IP, 1, payloadOf(20, 1))

	var h2At []CallState
	at(evtMgr, 2.0, func(evtMgr *evtm.EventManager) {
		h2At = h2.CallStates()
	})
	var h1At []CallState
	at(evtMgr, 2.3, func(evtMgr *evtm.EventManager) {
		h1At = h1.CallStates()
	})

	evtMgr.Run(10.0)

	assert.Equal(t, []CallState{ReleaseRequest}, h2At)
	assert.Equal(t, []CallState{Active}, h1At, "the Connect was already on its way")

	// the Release overtakes the ConnectAck, so H2 never activates
	for _, node := range []*Node{h1, s1, s2} {
		assert.Equal(t, 1, node.Stats().CallsReleased, "released at %s", node.Name)
	}
	assert.Equal(t, 1, h2.Stats().CallsFailed)
	assert.Zero(t, h2.Stats().CallsActive)
	assert.Zero(t, h2.Stats().PDUsDelivered)
	assertQuiet(t, an)
}

func TestReleaseTimeout(t *testing.T) {
	// H1 stops waiting for the ReleaseComplete well before it can come back
	xc := CreateExpCfg("impatient")
	require.NoError(t, xc.AddParameter("Node", "name%%H1", "t306", "0.0025"))
	an, evtMgr := buildNet(t, lineTopo(), xc)
	h1, s1, s2, h2 := mustNode(t, an, "H1"), mustNode(t, an, "S1"), mustNode(t, an, "S2"), mustNode(t, an, "H2")

	var got delivery
	got.capture(h2)
	fk := FlowKey{SrcIP: h1.IP, DstIP: h2.IP, SrcPort: 1, DstPort: 1}
	submit(t, evtMgr, h1, h2.IP, 1, payloadOf(20, 1))

	at(evtMgr, 1.0, func(evtMgr *evtm.EventManager) {
		require.True(t, h1.Teardown(evtMgr, fk))
	})
	var h1Calls int
	var s1At []CallState
	at(evtMgr, 1.0035, func(evtMgr *evtm.EventManager) {
		h1Calls, s1At = h1.Calls(), s1.CallStates()
	})

	evtMgr.Run(10.0)

	assert.Zero(t, h1Calls)
	assert.Equal(t, []CallState{ReleaseIndication}, s1At)
	assert.Len(t, got.sdus, 1)
	for _, node := range []*Node{h1, s1, s2, h2} {
		assert.Equal(t, 1, node.Stats().CallsReleased, "released at %s", node.Name)
	}
	assertQuiet(t, an)
}

func TestRoleDerivation(t *testing.T) {
	an, _ := buildNet(t, lineTopo(), nil)
	h1, h2, h3 := mustNode(t, an, "H1"), mustNode(t, an, "H2"), mustNode(t, an, "H3")
	s1, s2 := mustNode(t, an, "S1"), mustNode(t, an, "S2")

	msg := &SigMsg{CallingAtm: h1.Atm, CalledAtm: h2.Atm}
	assert.Equal(t, CallingNetSwitch, s1.deriveRole(msg))
	assert.Equal(t, CalledNetSwitch, s2.deriveRole(msg))
	assert.Equal(t, CalledUser, h2.deriveRole(msg))
	assert.Equal(t, Transit, h3.deriveRole(msg))

	msg = &SigMsg{CallingAtm: h1.Atm, CalledAtm: h3.Atm}
	assert.Equal(t, CommonNetSwitch, s1.deriveRole(msg))

	msg = &SigMsg{CallingAtm: AtmAddr{Net: 9, Host: 9}, CalledAtm: AtmAddr{Net: 9, Host: 8}}
	assert.Equal(t, Transit, s2.deriveRole(msg))
}

func TestEveryRoleHandlesEveryKind(t *testing.T) {
	for role := CallRole(0); role < numRoles; role++ {
		for kind := SigKind(0); kind < numSigKinds; kind++ {
			if role == CallingUser && kind == SigSetup {
				continue
			}
			assert.NotNil(t, sigHandlers[role][kind], "%s / %s", role, kind)
		}
	}
}
