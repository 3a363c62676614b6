package atmnet

import (
	"testing"

	"github.com/iti/evt/evtm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortcutTopo offers S1 and S2 a two-hop shortcut through the end system H3,
// beside a three-hop path through switches S3 and S4
func shortcutTopo() *TopoCfgFrame {
	tf := CreateTopoCfgFrame("shortcut")
	h1 := CreateEndSystemFrame("H1", "4.1", "10.4.0.1", "10.4.0.0/24")
	h2 := CreateEndSystemFrame("H2", "4.2", "10.4.0.2", "10.4.0.0/24")
	h3 := CreateEndSystemFrame("H3", "4.3", "10.4.0.3", "10.4.0.0/24")
	s1 := CreateSwitchFrame("S1", "4.101")
	s2 := CreateSwitchFrame("S2", "4.102")
	s3 := CreateSwitchFrame("S3", "4.103")
	s4 := CreateSwitchFrame("S4", "4.104")
	ConnectNodes(h1, s1)
	ConnectNodes(s1, h3)
	ConnectNodes(h3, s2)
	ConnectNodes(s1, s3)
	ConnectNodes(s3, s4)
	ConnectNodes(s4, s2)
	ConnectNodes(s2, h2)
	for _, nf := range []*NodeFrame{h1, h2, h3, s1, s2, s3, s4} {
		tf.AddNode(nf)
	}
	return tf
}

func TestShowPath(t *testing.T) {
	an, _ := buildNet(t, lineTopo(), nil)
	assert.Equal(t, "H1,S1,S2,H2", an.ShowPath("H1", "H2"))
	assert.Equal(t, "H3,S1,H1", an.ShowPath("H3", "H1"))
	assert.Equal(t, "S2,S1", an.ShowPath("S2", "S1"))
	assert.Empty(t, an.ShowPath("H1", "nobody"))
}

func TestEndSystemsNotTransit(t *testing.T) {
	an, evtMgr := buildNet(t, shortcutTopo(), nil)

	assert.Equal(t, "H1,S1,S3,S4,S2,H2", an.ShowPath("H1", "H2"))
	assert.Equal(t, "S1,S3,S4,S2", an.ShowPath("S1", "S2"))
	// an end system may still start or end a path over either of its cables
	assert.Equal(t, "H1,S1,H3", an.ShowPath("H1", "H3"))
	assert.Equal(t, "H3,S2,H2", an.ShowPath("H3", "H2"))

	h1, h2, h3 := mustNode(t, an, "H1"), mustNode(t, an, "H2"), mustNode(t, an, "H3")
	s1 := mustNode(t, an, "S1")
	fe, present := s1.Route(h2.Atm)
	require.True(t, present)
	assert.Equal(t, AtmAddr{Net: 4, Host: 103}, fe.NextHop)

	var got delivery
	got.capture(h2)
	submit(t, evtMgr, h1, h2.IP, 5, payloadOf(200, 5))

	var h3Calls int
	var s3Xlate int
	at(evtMgr, 1.0, func(evtMgr *evtm.EventManager) {
		h3Calls = h3.Calls()
		s3Xlate = len(mustNode(t, an, "S3").Translations())
	})
	evtMgr.Run(2.0)

	assert.Zero(t, h3Calls)
	assert.Equal(t, 1, s3Xlate)
	assert.Len(t, got.sdus, 1)
	assert.Equal(t, []CallState{Active}, h2.CallStates())
}

func TestStaticRouteOverridesAutoroute(t *testing.T) {
	tc := shortcutTopo().Transform()
	rc := CreateRouteCfg("static", true)
	// S1 sends calls for H2 the only other way it can, through H3, which will not relay them
	rc.AddRoute("S1", "4.2", DefaultIntrfcName("S1", 1))
	an, err := BuildAtmNet(evtm.New(), &tc, nil, rc, nil)
	require.NoError(t, err)

	s1, h2, h3 := mustNode(t, an, "S1"), mustNode(t, an, "H2"), mustNode(t, an, "H3")
	fe, present := s1.Route(h2.Atm)
	require.True(t, present)
	assert.Equal(t, h3.Atm, fe.NextHop)

	// destinations without a static route still get shortest paths
	fe, present = s1.Route(mustNode(t, an, "H1").Atm)
	require.True(t, present)
	assert.Equal(t, 0, fe.Intrfc)
}

func TestStaticRouteErrors(t *testing.T) {
	tests := map[string]struct {
		origin, dest, intrfc string
		want                 error
	}{
		"unknown origin":    {"S9", "4.2", DefaultIntrfcName("S9", 0), ErrUnknownNode},
		"malformed dest":    {"S1", "4", DefaultIntrfcName("S1", 0), ErrBadAddress},
		"foreign interface": {"S1", "4.2", DefaultIntrfcName("S2", 0), ErrUnknownIntrfc},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			tc := shortcutTopo().Transform()
			rc := CreateRouteCfg("bad", false)
			rc.AddRoute(tt.origin, tt.dest, tt.intrfc)
			_, err := BuildAtmNet(evtm.New(), &tc, nil, rc, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
