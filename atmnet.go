package atmnet

// atmnet.go has code that builds the run-time network from its descriptions:
// nodes and interfaces from the topology, cables between them, parameters from
// the experiment configuration, address resolution within logical IP subnets, and
// forwarding entries from the route configuration.

import (
	"net/netip"
	"path"
	"sort"
	"strconv"

	"github.com/iti/evt/evtm"
	"github.com/pkg/errors"
)

// AtmNet is a network built from a topology description, and the event manager that runs it
type AtmNet struct {
	Name   string
	EvtMgr *evtm.EventManager
	Trace  *TraceManager

	nodes        map[string]*Node
	nodeList     []*Node // in order of the topology description
	nodeByAtm    map[AtmAddr]*Node
	intrfcByName map[string]*Intrfc

	flows *flowSet
}

// utility function for generating unique integer ids on demand
var NumIDs int = 0

// nxtID creates an id for objects created within the package that is unique among those objects
func nxtID() int {
	NumIDs += 1
	return NumIDs
}

// paramObj is satisfied by the objects experiment parameters are applied to
type paramObj interface {
	matchParam(string, string) bool
	setParam(string, valueStruct)
	paramObjName() string
}

// A valueStruct type holds the different types a value might have;
// typically only one of these is used, and which one is known by context
type valueStruct struct {
	intValue    int
	floatValue  float64
	stringValue string
	boolValue   bool
}

// stringToValueStruct takes a string (used in the run-time configuration phase)
// and determines whether it is an integer, floating point, bool or a string
func stringToValueStruct(v string) valueStruct {
	vs := valueStruct{}

	ivalue, ierr := strconv.Atoi(v)
	if ierr == nil {
		vs.intValue = ivalue
		vs.floatValue = float64(ivalue)
		return vs
	}

	fvalue, ferr := strconv.ParseFloat(v, 64)
	if ferr == nil {
		vs.intValue = int(fvalue)
		vs.floatValue = fvalue
		return vs
	}

	if v == "true" || v == "True" {
		vs.boolValue = true
		return vs
	}

	vs.stringValue = v
	return vs
}

// reorderExpParams puts the ExpParameters in an order such that the earlier elements
// have a broader range of application than later ones that apply to the same object.
// This is the same idea as choosing the routing rule with the smallest subnet range
// when multiple rules apply to the same address.
func reorderExpParams(pL []ExpParameter) []ExpParameter {
	// wildcard (wc) always before single (sg), named (nm) after all the others
	wc := []ExpParameter{}
	nm := []ExpParameter{}
	sg := []ExpParameter{}

	for _, param := range pL {
		assigned := false
		for _, attrb := range param.Attributes {
			if attrb.AttrbName == "*" {
				wc = append(wc, param)
				assigned = true
				break
			} else if attrb.AttrbName == "name" {
				nm = append(nm, param)
				assigned = true
				break
			}
		}
		if !assigned {
			sg = append(sg, param)
		}
	}

	// bring identical elements together for detection and cleanup
	sort.SliceStable(wc, func(i, j int) bool { return wc[i].Param < wc[j].Param })

	byAttrbs := func(lst []ExpParameter) func(i, j int) bool {
		return func(i, j int) bool {
			compared := CompareAttrbs(lst[i].Attributes, lst[j].Attributes)
			if compared != 0 {
				return compared < 0
			}
			return lst[i].Param < lst[j].Param
		}
	}
	sort.SliceStable(sg, byAttrbs(sg))
	sort.SliceStable(nm, byAttrbs(nm))

	wc = append(wc, sg...)
	wc = append(wc, nm...)

	// get rid of duplicates
	for idx := len(wc) - 1; idx > 0; idx-- {
		if wc[idx].Eq(&wc[idx-1]) {
			wc = append(wc[:idx], wc[idx+1:]...)
		}
	}
	return wc
}

// defaultParamValue is the value every object gets before the experiment's parameters are applied
func defaultParamValue(param string) string {
	switch param {
	case "t303", "t313":
		return "4.0"
	case "t310":
		return "10.0"
	case "t301":
		return "180.0"
	case "t306":
		return "30.0"
	case "thinktime":
		return "0.05"
	case "maxsdu":
		return strconv.Itoa(MaxSDU)
	case "idle", "evtcost":
		return "0.0"
	case "callbw":
		return "1.0"
	case "cores":
		return "1"
	case "backlog", "memlimit":
		return "0"
	case "bandwidth":
		return "155.52"
	case "latency":
		return "1e-3"
	case "mincallbw":
		return "0.064"
	case "sigstats":
		return "false"
	}
	panic(errors.Errorf("no default for parameter %s", param))
}

// setModelParameters takes the list of parameter configurations expressed in
// ExpCfg form and applies them, defaults first and then in greatest-to-least
// application order
func (an *AtmNet) setModelParameters(expCfg *ExpCfg) error {
	GetExpParamDesc()

	orderedParamList := make([]ExpParameter, 0)
	for _, pObj := range ExpParamObjs {
		for _, param := range ExpParams[pObj] {
			wcAttrb := []AttrbStruct{{AttrbName: "*", AttrbValue: ""}}
			orderedParamList = append(orderedParamList,
				ExpParameter{ParamObj: pObj, Attributes: wcAttrb, Param: param, Value: defaultParamValue(param)})
		}
	}

	nodeParamList := []ExpParameter{}
	intrfcParamList := []ExpParameter{}
	errs := []error{}
	if expCfg != nil {
		for _, param := range expCfg.Parameters {
			if err := ValidateParameter(param.ParamObj, param.Attributes, param.Param); err != nil {
				errs = append(errs, err)
				continue
			}
			switch param.ParamObj {
			case "Node":
				nodeParamList = append(nodeParamList, param)
			case "Interface":
				intrfcParamList = append(intrfcParamList, param)
			}
		}
	}
	if err := ReportErrs(errs); err != nil {
		return err
	}

	orderedParamList = append(orderedParamList, reorderExpParams(nodeParamList)...)
	orderedParamList = append(orderedParamList, reorderExpParams(intrfcParamList)...)

	nodeObjs := []paramObj{}
	intrfcObjs := []paramObj{}
	for _, node := range an.nodeList {
		nodeObjs = append(nodeObjs, node)
		for _, intrfc := range node.intrfcs {
			intrfcObjs = append(intrfcObjs, intrfc)
		}
	}

	for _, param := range orderedParamList {
		testList := nodeObjs
		if param.ParamObj == "Interface" {
			testList = intrfcObjs
		}

		// every attribute must match, '*' matches all
		for _, testObj := range testList {
			matched := true
			for _, attrb := range param.Attributes {
				if attrb.AttrbName == "*" {
					matched = true
					break
				}
				if !testObj.matchParam(attrb.AttrbName, attrb.AttrbValue) {
					matched = false
					break
				}
			}
			if matched {
				testObj.setParam(param.Param, stringToValueStruct(param.Value))
			}
		}
	}
	return nil
}

// BuildAtmNet creates the run-time network described by the topology, parameters and routes.
// xc and rc may be nil.  Every problem found in the descriptions is reported in the error.
func BuildAtmNet(evtMgr *evtm.EventManager, tc *TopoCfg, xc *ExpCfg, rc *RouteCfg, tm *TraceManager) (*AtmNet, error) {
	if tm == nil {
		tm = CreateTraceManager(tc.Name, false)
	}
	an := &AtmNet{Name: tc.Name, EvtMgr: evtMgr, Trace: tm}
	an.nodes = make(map[string]*Node)
	an.nodeList = make([]*Node, 0, len(tc.Nodes))
	an.nodeByAtm = make(map[AtmAddr]*Node)
	an.intrfcByName = make(map[string]*Intrfc)
	an.flows = createFlowSet()

	if err := an.createNodes(tc); err != nil {
		return nil, err
	}
	if err := an.connectCables(tc); err != nil {
		return nil, err
	}
	if err := an.setModelParameters(xc); err != nil {
		return nil, err
	}

	for _, node := range an.nodeList {
		for _, intrfc := range node.intrfcs {
			intrfc.initPool()
		}
		node.reasm = createReassembler(node.cfg.maxSDU)
		if node.cfg.needsMeter() {
			node.monitor = createUsageMeter(evtMgr, node)
		}
		if node.Kind == EndSystem {
			node.Deliver = an.deliverDatagram
		}
	}

	an.resolveSubnets()

	if rc != nil {
		if err := an.loadRoutes(rc); err != nil {
			return nil, err
		}
	}
	return an, nil
}

// createNodes makes a Node for every node description, and an Intrfc for each of its interfaces
func (an *AtmNet) createNodes(tc *TopoCfg) error {
	errs := []error{}
	for idx := range tc.Nodes {
		desc := &tc.Nodes[idx]

		if _, present := an.nodes[desc.Name]; present {
			errs = append(errs, errors.Errorf("node name %s duplicated", desc.Name))
			continue
		}
		kind, ok := nodeKindFromStr(desc.Kind)
		if !ok {
			errs = append(errs, errors.Errorf("node %s has unknown kind %q", desc.Name, desc.Kind))
			continue
		}
		atm, err := ParseAtmAddr(desc.AtmAddr)
		if err != nil || atm.IsZero() || atm.IsBroadcast() {
			errs = append(errs, errors.Wrapf(ErrBadAddress, "node %s atm address %q", desc.Name, desc.AtmAddr))
			continue
		}
		if prev, present := an.nodeByAtm[atm]; present {
			errs = append(errs, errors.Errorf("nodes %s and %s share atm address %s", prev.Name, desc.Name, atm))
			continue
		}

		node := createNode(an, desc, kind, atm)
		if kind == EndSystem {
			errs = append(errs, node.setAddresses(desc))
		}

		for jdx := range desc.Interfaces {
			idesc := &desc.Interfaces[jdx]
			if _, present := an.intrfcByName[idesc.Name]; present {
				errs = append(errs, errors.Errorf("interface name %s duplicated", idesc.Name))
				continue
			}
			intrfc := createIntrfc(node, idesc)
			node.addIntrfc(intrfc)
			an.intrfcByName[intrfc.Name] = intrfc
			an.Trace.AddName(intrfc.Number, intrfc.Name, "interface")
		}

		an.nodes[node.Name] = node
		an.nodeList = append(an.nodeList, node)
		an.nodeByAtm[atm] = node
		an.Trace.AddName(node.Number, node.Name, node.Kind.String())
	}
	return ReportErrs(errs)
}

// setAddresses parses an end system's IP address, its logical IP subnet and the subnets it serves
func (node *Node) setAddresses(desc *NodeDesc) error {
	ip, err := netip.ParseAddr(desc.IPAddr)
	if err != nil || !ip.Is4() {
		return errors.Wrapf(ErrBadAddress, "end system %s ip address %q", desc.Name, desc.IPAddr)
	}
	node.IP = ip

	if len(desc.LIS) > 0 {
		lis, perr := netip.ParsePrefix(desc.LIS)
		if perr != nil || !lis.Contains(ip) {
			return errors.Wrapf(ErrBadAddress, "end system %s logical subnet %q", desc.Name, desc.LIS)
		}
		node.LIS = lis.Masked()
	}

	served := make([]netip.Prefix, 0, len(desc.Served))
	for _, cidr := range desc.Served {
		pfx, perr := netip.ParsePrefix(cidr)
		if perr != nil || !pfx.Addr().Is4() {
			return errors.Wrapf(ErrBadAddress, "end system %s served subnet %q", desc.Name, cidr)
		}
		served = append(served, pfx.Masked())
	}
	return node.setServed(served)
}

// connectCables joins each interface to the one its cable names.  Both ends must name each other.
func (an *AtmNet) connectCables(tc *TopoCfg) error {
	errs := []error{}
	for _, desc := range tc.Nodes {
		for _, idesc := range desc.Interfaces {
			if len(idesc.Cable) == 0 {
				continue
			}
			intrfc, present := an.intrfcByName[idesc.Name]
			if !present {
				continue
			}
			peer, present := an.intrfcByName[idesc.Cable]
			if !present {
				errs = append(errs, errors.Wrapf(ErrUnknownIntrfc, "cable from %s to %s", idesc.Name, idesc.Cable))
				continue
			}
			if peer.Node == intrfc.Node {
				errs = append(errs, errors.Errorf("cable from %s loops back to its own node", idesc.Name))
				continue
			}
			if peer.Peer != nil && peer.Peer != intrfc {
				errs = append(errs, errors.Errorf("interface %s is cabled to both %s and %s",
					peer.Name, peer.Peer.Name, intrfc.Name))
				continue
			}
			intrfc.Peer = peer
			peer.Peer = intrfc
		}
	}
	return ReportErrs(errs)
}

// resolveSubnets fills each end system's address-resolution table with the members of its
// logical IP subnet, and the subnets each member serves
func (an *AtmNet) resolveSubnets() {
	for _, node := range an.nodeList {
		if node.Kind != EndSystem || !node.LIS.IsValid() {
			continue
		}
		for _, member := range an.nodeList {
			if member == node || member.Kind != EndSystem || member.LIS != node.LIS {
				continue
			}
			node.arp.add(member.IP, member.Atm)
			for _, pfx := range member.Served() {
				node.arp.addReachable(member.IP, pfx)
			}
		}
	}
}

// loadRoutes installs the static forwarding entries, then computes the rest if asked to
func (an *AtmNet) loadRoutes(rc *RouteCfg) error {
	errs := []error{}
	for _, rd := range rc.Routes {
		node, present := an.nodes[rd.Origin]
		if !present {
			errs = append(errs, errors.Wrapf(ErrUnknownNode, "route origin %s", rd.Origin))
			continue
		}
		dest, err := ParseAtmAddr(rd.Dest)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		intrfc, present := node.IntrfcByName(rd.Intrfc)
		if !present {
			errs = append(errs, errors.Wrapf(ErrUnknownIntrfc, "route at %s through %s", rd.Origin, rd.Intrfc))
			continue
		}
		node.fwd.set(dest, FwdEntry{NextHop: intrfc.peerAtm(), Intrfc: intrfc.Idx})
	}
	if err := ReportErrs(errs); err != nil {
		return err
	}

	if rc.AutoRoute {
		an.autoRoute()
	}
	return nil
}

// GetExperimentNetDicts reads the files named in syn: "topo" (required), "exp" and "routes"
// (optional).  Serialization is chosen by each file's extension.
func GetExperimentNetDicts(syn map[string]string) (*TopoCfg, *ExpCfg, *RouteCfg, error) {
	var xc *ExpCfg
	var rc *RouteCfg
	errs := []error{}

	tc, err := ReadTopoCfg(syn["topo"], useYAMLFor(syn["topo"]), nil)
	errs = append(errs, err)

	if len(syn["exp"]) > 0 {
		xc, err = ReadExpCfg(syn["exp"], useYAMLFor(syn["exp"]), nil)
		errs = append(errs, err)
	}
	if len(syn["routes"]) > 0 {
		rc, err = ReadRouteCfg(syn["routes"])
		errs = append(errs, err)
	}

	if err := ReportErrs(errs); err != nil {
		return nil, nil, nil, err
	}
	return tc, xc, rc, nil
}

// BuildExperimentNet is called from the module that creates and runs a simulation.
// Its inputs identify the names of input files, which it uses to assemble the network.
func BuildExperimentNet(evtMgr *evtm.EventManager, syn map[string]string, tm *TraceManager) (*AtmNet, error) {
	tc, xc, rc, err := GetExperimentNetDicts(syn)
	if err != nil {
		return nil, err
	}
	if tm == nil {
		tm = CreateTraceManager(path.Base(syn["topo"]), false)
	}
	return BuildAtmNet(evtMgr, tc, xc, rc, tm)
}

// Node returns the named node
func (an *AtmNet) Node(name string) (*Node, error) {
	node, present := an.nodes[name]
	if !present {
		return nil, errors.Wrap(ErrUnknownNode, name)
	}
	return node, nil
}

// NodeByAtm returns the node with the given ATM address
func (an *AtmNet) NodeByAtm(atm AtmAddr) (*Node, bool) {
	node, present := an.nodeByAtm[atm]
	return node, present
}

// Intrfc returns the named interface
func (an *AtmNet) Intrfc(name string) (*Intrfc, error) {
	intrfc, present := an.intrfcByName[name]
	if !present {
		return nil, errors.Wrap(ErrUnknownIntrfc, name)
	}
	return intrfc, nil
}

// Nodes lists the nodes in the order the topology describes them
func (an *AtmNet) Nodes() []*Node {
	return an.nodeList
}
