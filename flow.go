package atmnet

// flow.go generates IP traffic between end systems.  A flow offers datagrams of a
// fixed size from its source end system at a given rate, with constant or
// exponentially distributed inter-arrival times, between its start and stop times.
// Each datagram carries a sequence number so the sink can check delivery order.

import (
	"math"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/pkg/errors"
)

// FlowDesc is the serializable description of a flow
type FlowDesc struct {
	Name string `json:"name" yaml:"name"`

	// names of the source and destination end systems
	Src string `json:"src" yaml:"src"`
	Dst string `json:"dst" yaml:"dst"`

	// destination IP address, when not the destination end system's own
	// (e.g., an address in a subnet it serves)
	DstIP string `json:"dstip" yaml:"dstip"`

	SrcPort int `json:"srcport" yaml:"srcport"`
	DstPort int `json:"dstport" yaml:"dstport"`

	// datagrams per second
	Rate float64 `json:"rate" yaml:"rate"`

	// UDP payload bytes per datagram
	Size int `json:"size" yaml:"size"`

	// "const" or "expon"
	Model string `json:"model" yaml:"model"`

	Start float64 `json:"start" yaml:"start"`

	// 0 means run until the simulation ends
	Stop float64 `json:"stop" yaml:"stop"`

	Groups []string `json:"groups" yaml:"groups"`
}

// FlowCfg holds the flows of an experiment
type FlowCfg struct {
	Name  string     `json:"name" yaml:"name"`
	Flows []FlowDesc `json:"flows" yaml:"flows"`
}

// CreateFlowCfg is a constructor
func CreateFlowCfg(name string) *FlowCfg {
	return &FlowCfg{Name: name, Flows: make([]FlowDesc, 0)}
}

// AddFlow appends a flow description
func (fc *FlowCfg) AddFlow(fd FlowDesc) {
	fc.Flows = append(fc.Flows, fd)
}

// WriteToFile stores the FlowCfg to the file whose name is given
func (fc *FlowCfg) WriteToFile(filename string) error {
	return writeDesc(filename, *fc)
}

// ReadFlowCfg deserializes a FlowCfg from dict, or from the named file when dict is empty
func ReadFlowCfg(filename string, useYAML bool, dict []byte) (*FlowCfg, error) {
	fc := FlowCfg{}
	if err := readDesc(filename, useYAML, dict, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Flow is a running traffic generator
type Flow struct {
	Name   string
	Number int
	Src    *Node
	Dst    *Node
	Key    FlowKey
	Groups []string

	rate  float64
	size  int
	model string
	start float64
	stop  float64

	nxtSeq    uint32
	expected  uint32
	suspended bool

	stats FlowStats
}

// FlowStats counts a flow's datagrams
type FlowStats struct {
	Offered    int // handed to the source end system
	Rejected   int // refused by the source end system
	Delivered  int // reassembled at the destination
	OutOfOrder int // delivered with a sequence number other than the next expected
}

// flowSet holds the flows of a network
type flowSet struct {
	byName map[string]*Flow
	byKey  map[FlowKey]*Flow
	list   []*Flow
}

func createFlowSet() *flowSet {
	return &flowSet{byName: make(map[string]*Flow), byKey: make(map[FlowKey]*Flow), list: make([]*Flow, 0)}
}

// CreateFlow adds a flow to the network
func (an *AtmNet) CreateFlow(fd FlowDesc) (*Flow, error) {
	if _, present := an.flows.byName[fd.Name]; present || len(fd.Name) == 0 {
		return nil, errors.Errorf("flow name %q empty or duplicated", fd.Name)
	}
	src, serr := an.Node(fd.Src)
	dst, derr := an.Node(fd.Dst)
	if err := ReportErrs([]error{serr, derr}); err != nil {
		return nil, errors.Wrapf(err, "flow %s", fd.Name)
	}
	if src.Kind != EndSystem || dst.Kind != EndSystem {
		return nil, errors.Wrapf(ErrNotEndSystem, "flow %s", fd.Name)
	}
	if !(fd.Rate > 0.0) {
		return nil, errors.Errorf("flow %s needs a positive rate", fd.Name)
	}
	switch fd.Model {
	case "", "const", "constant", "expon", "exp", "exponential":
	default:
		return nil, errors.Errorf("flow %s has unknown model %q", fd.Name, fd.Model)
	}

	dstIP := dst.IP
	if len(fd.DstIP) > 0 {
		ip, err := netip.ParseAddr(fd.DstIP)
		if err != nil || !dst.reachable(ip) {
			return nil, errors.Wrapf(ErrBadAddress, "flow %s destination %q", fd.Name, fd.DstIP)
		}
		dstIP = ip
	}

	flow := new(Flow)
	flow.Name = fd.Name
	flow.Number = nxtID()
	flow.Src = src
	flow.Dst = dst
	flow.Key = FlowKey{SrcIP: src.IP, DstIP: dstIP, SrcPort: fd.SrcPort, DstPort: fd.DstPort}
	flow.Groups = append([]string{}, fd.Groups...)
	flow.rate = fd.Rate
	flow.size = fd.Size
	flow.model = fd.Model
	flow.start = fd.Start
	flow.stop = fd.Stop

	if _, present := an.flows.byKey[flow.Key]; present {
		return nil, errors.Errorf("flow %s repeats the addresses and ports of another flow", fd.Name)
	}
	an.flows.byName[flow.Name] = flow
	an.flows.byKey[flow.Key] = flow
	an.flows.list = append(an.flows.list, flow)
	an.Trace.AddName(flow.Number, flow.Name, "flow")
	return flow, nil
}

// CreateFlows adds every flow of the configuration
func (an *AtmNet) CreateFlows(fc *FlowCfg) error {
	errs := []error{}
	for _, fd := range fc.Flows {
		_, err := an.CreateFlow(fd)
		errs = append(errs, err)
	}
	return ReportErrs(errs)
}

// Flow returns the named flow
func (an *AtmNet) Flow(name string) (*Flow, bool) {
	flow, present := an.flows.byName[name]
	return flow, present
}

// Flows lists the flows in the order they were created
func (an *AtmNet) Flows() []*Flow {
	return an.flows.list
}

// StartFlows schedules the first datagram of every flow
func (an *AtmNet) StartFlows(evtMgr *evtm.EventManager) {
	for _, flow := range an.flows.list {
		flow.suspended = false
		delay := math.Max(flow.start-evtMgr.CurrentSeconds(), 0.0)
		evtMgr.Schedule(flow, nil, flowArrival, vrtime.SecondsToTime(delay))
	}
}

// StopFlows suspends every flow
func (an *AtmNet) StopFlows() {
	for _, flow := range an.flows.list {
		flow.suspended = true
	}
}

// Stats returns the flow's counters
func (flow *Flow) Stats() FlowStats {
	return flow.stats
}

// interarrival samples the time to the flow's next datagram
func (flow *Flow) interarrival() float64 {
	switch flow.model {
	case "expon", "exp", "exponential":
		return sampleExpRV(flow.Src.rng.RandU01(), []float64{flow.rate})
	}
	return sampleConst(0.0, []float64{flow.rate})
}

// flowArrival is the event handler offering one datagram of a flow to its source
func flowArrival(evtMgr *evtm.EventManager, context any, data any) any {
	flow := context.(*Flow)
	if flow.suspended {
		return nil
	}
	now := evtMgr.CurrentSeconds()
	if flow.stop > 0.0 && now >= flow.stop {
		return nil
	}

	seq := flow.nxtSeq
	flow.nxtSeq += 1
	dgram, err := BuildDatagram(flow.Key, seq, flow.size)
	if err == nil {
		err = flow.Src.SubmitPacket(evtMgr, flow.Key.SrcIP, flow.Key.DstIP, flow.Key.SrcPort, flow.Key.DstPort, dgram)
	}
	if err != nil {
		flow.stats.Rejected += 1
		flow.Src.log.WithError(err).WithField("flow", flow.Name).Debug("datagram refused")
	} else {
		flow.stats.Offered += 1
	}

	evtMgr.Schedule(flow, nil, flowArrival, vrtime.SecondsToTime(flow.interarrival()))
	return nil
}

// received credits a datagram delivered at the destination
func (flow *Flow) received(seq uint32) {
	flow.stats.Delivered += 1
	if seq != flow.expected {
		flow.stats.OutOfOrder += 1
	}
	flow.expected = seq + 1
}

func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

func sampleExpRV(u01 float64, params []float64) float64 {
	return expRV(u01, params[0])
}

func sampleConst(u01 float64, params []float64) float64 {
	return 1.0 / params[0]
}
