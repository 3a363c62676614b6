package atmnet

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Structures used to describe a network are built in two forms.  While a topology
// is being assembled programmatically it is convenient to hold pointers between its
// pieces; the versions of the structures with the final appellation 'Frame' do.  The
// pointer-free versions, with the final appellation 'Desc', are what is serialized.
// After the Frames are completely built each is transformed into its Desc.

// IntrfcDesc defines a serializable description of an interface
type IntrfcDesc struct {
	// name for interface, unique across the topology
	Name string `json:"name" yaml:"name"`

	// name of the node on which this interface is resident
	Device string `json:"device" yaml:"device"`

	// name of the interface at the other end of the cable, empty if none
	Cable string `json:"cable" yaml:"cable"`

	// groups the interface belongs to, used to select it in experiment parameters
	Groups []string `json:"groups" yaml:"groups"`
}

// IntrfcFrame gives a pre-serializable description of an interface, used in model construction
type IntrfcFrame struct {
	Name   string
	Device string
	Cable  *IntrfcFrame
	Groups []string
}

// DefaultIntrfcName generates a name for an interface from the device hosting it and a counter
func DefaultIntrfcName(device string, idx int) string {
	return fmt.Sprintf("intrfc@%s[.%d]", device, idx)
}

// CreateIntrfcFrame is a constructor.  An empty name asks for a default one.
func CreateIntrfcFrame(device, name string, idx int) *IntrfcFrame {
	if len(name) == 0 {
		name = DefaultIntrfcName(device, idx)
	}
	return &IntrfcFrame{Name: name, Device: device, Groups: []string{}}
}

// ConnectIntrfcFrames links two interfaces through their cables
func ConnectIntrfcFrames(intrfc1, intrfc2 *IntrfcFrame) {
	intrfc1.Cable = intrfc2
	intrfc2.Cable = intrfc1
}

// Transform converts an IntrfcFrame into an IntrfcDesc
func (ifs *IntrfcFrame) Transform() IntrfcDesc {
	desc := IntrfcDesc{Name: ifs.Name, Device: ifs.Device, Groups: ifs.Groups}
	if ifs.Cable != nil {
		desc.Cable = ifs.Cable.Name
	}
	return desc
}

// NodeDesc defines a serializable description of an ATM-attached node
type NodeDesc struct {
	Name string `json:"name" yaml:"name"`

	// "EndSystem" or "Switch"
	Kind string `json:"kind" yaml:"kind"`

	// ATM address, "N.H"
	AtmAddr string `json:"atmaddr" yaml:"atmaddr"`

	// IP address of an end system
	IPAddr string `json:"ipaddr" yaml:"ipaddr"`

	// logical IP subnet of an end system, in CIDR form
	LIS string `json:"lis" yaml:"lis"`

	// subnets reached through an end system, e.g., when it routes for a LAN, in CIDR form
	Served []string `json:"served" yaml:"served"`

	Groups     []string     `json:"groups" yaml:"groups"`
	Interfaces []IntrfcDesc `json:"interfaces" yaml:"interfaces"`
}

// NodeFrame gives a pre-serializable description of a node
type NodeFrame struct {
	Name       string
	Kind       string
	AtmAddr    string
	IPAddr     string
	LIS        string
	Served     []string
	Groups     []string
	Interfaces []*IntrfcFrame
}

// CreateEndSystemFrame is a constructor for the frame of an end system
func CreateEndSystemFrame(name, atmAddr, ipAddr, lis string) *NodeFrame {
	return &NodeFrame{Name: name, Kind: "EndSystem", AtmAddr: atmAddr, IPAddr: ipAddr, LIS: lis,
		Served: []string{}, Groups: []string{}, Interfaces: []*IntrfcFrame{}}
}

// CreateSwitchFrame is a constructor for the frame of a switch
func CreateSwitchFrame(name, atmAddr string) *NodeFrame {
	return &NodeFrame{Name: name, Kind: "Switch", AtmAddr: atmAddr,
		Served: []string{}, Groups: []string{}, Interfaces: []*IntrfcFrame{}}
}

// AddServed includes a subnet reached through the end system
func (nf *NodeFrame) AddServed(cidr string) {
	if !slices.Contains(nf.Served, cidr) {
		nf.Served = append(nf.Served, cidr)
	}
}

// AddGroup includes the node in a group
func (nf *NodeFrame) AddGroup(group string) {
	if !slices.Contains(nf.Groups, group) {
		nf.Groups = append(nf.Groups, group)
	}
}

// AddIntrfc creates and attaches a new interface to the node
func (nf *NodeFrame) AddIntrfc(name string) *IntrfcFrame {
	iff := CreateIntrfcFrame(nf.Name, name, len(nf.Interfaces))
	nf.Interfaces = append(nf.Interfaces, iff)
	return iff
}

// Transform converts a NodeFrame into a NodeDesc
func (nf *NodeFrame) Transform() NodeDesc {
	desc := NodeDesc{Name: nf.Name, Kind: nf.Kind, AtmAddr: nf.AtmAddr, IPAddr: nf.IPAddr, LIS: nf.LIS,
		Served: nf.Served, Groups: nf.Groups}
	desc.Interfaces = make([]IntrfcDesc, 0, len(nf.Interfaces))
	for _, iff := range nf.Interfaces {
		desc.Interfaces = append(desc.Interfaces, iff.Transform())
	}
	return desc
}

// ConnectNodes cables a new interface on node1 to a new interface on node2
func ConnectNodes(node1, node2 *NodeFrame) (*IntrfcFrame, *IntrfcFrame) {
	intrfc1 := node1.AddIntrfc("")
	intrfc2 := node2.AddIntrfc("")
	ConnectIntrfcFrames(intrfc1, intrfc2)
	return intrfc1, intrfc2
}

// TopoCfgFrame gives the highest level structure of the topology while it is built
type TopoCfgFrame struct {
	Name  string
	Nodes []*NodeFrame
}

// CreateTopoCfgFrame is a constructor
func CreateTopoCfgFrame(name string) *TopoCfgFrame {
	return &TopoCfgFrame{Name: name, Nodes: make([]*NodeFrame, 0)}
}

// AddNode adds a node to the topology configuration, if it is not already present
func (tf *TopoCfgFrame) AddNode(nf *NodeFrame) {
	for _, stored := range tf.Nodes {
		if nf == stored || nf.Name == stored.Name {
			return
		}
	}
	tf.Nodes = append(tf.Nodes, nf)
}

// Transform converts the frame into a TopoCfg, for serialization or building
func (tf *TopoCfgFrame) Transform() TopoCfg {
	tc := TopoCfg{Name: tf.Name, Nodes: make([]NodeDesc, 0, len(tf.Nodes))}
	for _, nf := range tf.Nodes {
		tc.Nodes = append(tc.Nodes, nf.Transform())
	}
	return tc
}

// TopoCfg contains all of the nodes of a topology, as they are listed in its file
type TopoCfg struct {
	Name  string     `json:"name" yaml:"name"`
	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
}

// useYAMLFor selects the serialization from the file name extension
func useYAMLFor(filename string) bool {
	ext := path.Ext(filename)
	return ext == ".yaml" || ext == ".YAML" || ext == ".yml"
}

// writeDesc serializes a description and writes it to the named file.
// Extension of the file name selects whether serialization is to json or to yaml format.
func writeDesc(filename string, desc any) error {
	var bytes []byte
	var merr error

	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(desc)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(desc, "", "\t")
	default:
		return errors.Errorf("%s needs a .json or .yaml extension", filename)
	}
	if merr != nil {
		return errors.Wrapf(merr, "serializing %s", filename)
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// readDesc deserializes a slice of bytes into desc.  If the slice is empty the named file is read.
func readDesc(filename string, useYAML bool, dict []byte, desc any) error {
	var err error
	if len(dict) == 0 {
		fileInfo, serr := os.Stat(filename)
		if serr != nil || fileInfo.IsDir() {
			return errors.Errorf("%s does not exist or cannot be read", filename)
		}
		dict, err = os.ReadFile(filename)
		if err != nil {
			return err
		}
	}

	if useYAML {
		err = yaml.Unmarshal(dict, desc)
	} else {
		err = json.Unmarshal(dict, desc)
	}
	return errors.Wrapf(err, "decoding %s", filename)
}

// WriteToFile serializes the TopoCfg and writes it to the file whose name is given
func (tc *TopoCfg) WriteToFile(filename string) error {
	return writeDesc(filename, *tc)
}

// ReadTopoCfg deserializes a slice of bytes into a TopoCfg.  If the input arg of bytes
// is empty, the file whose name is given as an argument is read.
func ReadTopoCfg(topoFileName string, useYAML bool, dict []byte) (*TopoCfg, error) {
	tc := TopoCfg{}
	if err := readDesc(topoFileName, useYAML, dict, &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

// AttrbStruct is one test an object must pass to receive an experiment parameter:
// the object's attribute AttrbName must have the value AttrbValue.  The name "*" matches everything.
type AttrbStruct struct {
	AttrbName  string `json:"attrbname" yaml:"attrbname"`
	AttrbValue string `json:"attrbvalue" yaml:"attrbvalue"`
}

// CompareAttrbs orders two attribute lists, returning -1, 0 or 1
func CompareAttrbs(attrbs1, attrbs2 []AttrbStruct) int {
	for idx := 0; idx < len(attrbs1) && idx < len(attrbs2); idx++ {
		a1, a2 := attrbs1[idx], attrbs2[idx]
		if a1.AttrbName != a2.AttrbName {
			if a1.AttrbName < a2.AttrbName {
				return -1
			}
			return 1
		}
		if a1.AttrbValue != a2.AttrbValue {
			if a1.AttrbValue < a2.AttrbValue {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(attrbs1) < len(attrbs2):
		return -1
	case len(attrbs1) > len(attrbs2):
		return 1
	}
	return 0
}

// An ExpParameter struct describes an input to experiment configuration at run-time. It specifies
//   - ParamObj identifies the kind of thing being configured : Node or Interface
//   - Attributes identify the objects of that kind to which the parameter applies.
//     All of them must match; "*" matches everything.
//   - Param is the parameter being set, and Value its string-encoded value
type ExpParameter struct {
	ParamObj   string        `json:"paramObj" yaml:"paramObj"`
	Attributes []AttrbStruct `json:"attributes" yaml:"attributes"`
	Param      string        `json:"param" yaml:"param"`
	Value      string        `json:"value" yaml:"value"`
}

// Eq is true when two parameters are identical
func (ep *ExpParameter) Eq(ep2 *ExpParameter) bool {
	return ep.ParamObj == ep2.ParamObj && ep.Param == ep2.Param && ep.Value == ep2.Value &&
		CompareAttrbs(ep.Attributes, ep2.Attributes) == 0
}

// ParseAttributes converts the string form of an attribute list into AttrbStructs.
// The string is "*", or a comma-separated list of "attribute%%value" elements.
func ParseAttributes(attribute string) []AttrbStruct {
	rtn := []AttrbStruct{}
	for _, elem := range strings.Split(attribute, ",") {
		elem = strings.TrimSpace(elem)
		if len(elem) == 0 {
			continue
		}
		if elem == "*" {
			return []AttrbStruct{{AttrbName: "*"}}
		}
		name, value, _ := strings.Cut(elem, "%%")
		rtn = append(rtn, AttrbStruct{AttrbName: name, AttrbValue: value})
	}
	return rtn
}

// An ExpCfg structure holds all of the ExpParameters for a named experiment
type ExpCfg struct {
	Name       string         `json:"expname" yaml:"expname"`
	Parameters []ExpParameter `json:"parameters" yaml:"parameters"`
}

// CreateExpCfg is a constructor
func CreateExpCfg(name string) *ExpCfg {
	return &ExpCfg{Name: name, Parameters: make([]ExpParameter, 0)}
}

// AddParameter validates a parameter given in string form and adds it to the ExpCfg's list
func (expcfg *ExpCfg) AddParameter(paramObj, attribute, param, value string) error {
	attrbs := ParseAttributes(attribute)
	if err := ValidateParameter(paramObj, attrbs, param); err != nil {
		return err
	}
	expcfg.Parameters = append(expcfg.Parameters,
		ExpParameter{ParamObj: paramObj, Attributes: attrbs, Param: param, Value: value})
	return nil
}

// WriteToFile stores the ExpCfg struct to the file whose name is given
func (expcfg *ExpCfg) WriteToFile(filename string) error {
	return writeDesc(filename, *expcfg)
}

// ReadExpCfg deserializes a byte slice holding a representation of an ExpCfg struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read.
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	expcfg := ExpCfg{}
	if err := readDesc(filename, useYAML, dict, &expcfg); err != nil {
		return nil, err
	}
	return &expcfg, nil
}

// ValidateParameter returns an error if the paramObj, attributes, and param values don't
// make sense taken together within an ExpParameter
func ValidateParameter(paramObj string, attrbs []AttrbStruct, param string) error {
	GetExpParamDesc()

	if !slices.Contains(ExpParamObjs, paramObj) {
		return errors.Errorf("parameter paramObj %s is not recognized", paramObj)
	}
	if len(attrbs) == 0 {
		return errors.Errorf("parameter %s for %s names no attributes", param, paramObj)
	}

	for _, attrb := range attrbs {
		// "*" and a name each stand alone
		if attrb.AttrbName == "*" || attrb.AttrbName == "name" {
			if len(attrbs) != 1 {
				return errors.Errorf("parameter attribute %s for paramObj %s is included with more attributes",
					attrb.AttrbName, paramObj)
			}
			continue
		}
		if !slices.Contains(ExpAttributes[paramObj], attrb.AttrbName) {
			return errors.Errorf("parameter attribute %s is not recognized for paramObj %s", attrb.AttrbName, paramObj)
		}
	}

	if !slices.Contains(ExpParams[paramObj], param) {
		return errors.Errorf("parameter %s is not recognized for paramObj %s", param, paramObj)
	}
	return nil
}

// ExpParamObjs, ExpAttributes, and ExpParams hold descriptions of the types of objects
// that are initialized by an exp file, for each the attributes of the object that can be tested
// to determine whether the object is to receive the parameter, and the parameters defined for each type
var ExpParamObjs []string
var ExpAttributes map[string][]string
var ExpParams map[string][]string

// GetExpParamDesc returns ExpParamObjs, ExpAttributes, and ExpParams after ensuring that they have been built
func GetExpParamDesc() ([]string, map[string][]string, map[string][]string) {
	if ExpParamObjs == nil {
		ExpParamObjs = []string{"Node", "Interface"}
		ExpAttributes = make(map[string][]string)
		ExpAttributes["Node"] = []string{"name", "group", "kind", "*"}
		ExpAttributes["Interface"] = []string{"name", "group", "device", "kind", "*"}
		ExpParams = make(map[string][]string)
		ExpParams["Node"] = []string{"t303", "t310", "t301", "t306", "t313", "thinktime", "maxsdu", "idle",
			"callbw", "cores", "evtcost", "backlog", "memlimit"}
		ExpParams["Interface"] = []string{"bandwidth", "latency", "mincallbw", "sigstats"}
	}
	return ExpParamObjs, ExpAttributes, ExpParams
}

// RouteDesc is one static forwarding entry: at node Origin, calls to the ATM address
// Dest leave through the interface named Intrfc
type RouteDesc struct {
	Origin string `json:"origin" yaml:"origin"`
	Dest   string `json:"dest" yaml:"dest"`
	Intrfc string `json:"intrfc" yaml:"intrfc"`
}

// RouteCfg holds the static routes of an experiment.  With AutoRoute set, nodes are
// also given shortest-path entries toward every ATM address no static route covers.
type RouteCfg struct {
	Name      string      `json:"name" yaml:"name"`
	AutoRoute bool        `json:"autoroute" yaml:"autoroute"`
	Routes    []RouteDesc `json:"routes" yaml:"routes"`
}

// CreateRouteCfg is a constructor
func CreateRouteCfg(name string, autoRoute bool) *RouteCfg {
	return &RouteCfg{Name: name, AutoRoute: autoRoute, Routes: make([]RouteDesc, 0)}
}

// AddRoute appends a static route
func (rc *RouteCfg) AddRoute(origin, dest, intrfc string) {
	rc.Routes = append(rc.Routes, RouteDesc{Origin: origin, Dest: dest, Intrfc: intrfc})
}

// WriteToFile stores the RouteCfg to the file whose name is given
func (rc *RouteCfg) WriteToFile(filename string) error {
	return writeDesc(filename, *rc)
}

// ReadRouteCfg reads static routes.  Files with a .json or .yaml extension are
// deserialized; anything else is read as text, one "origin dest intrfc" triple per
// line, with '#' starting a comment and a line reading "autoroute" setting AutoRoute.
func ReadRouteCfg(filename string) (*RouteCfg, error) {
	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml", ".json", ".JSON":
		rc := RouteCfg{}
		if err := readDesc(filename, useYAMLFor(filename), nil, &rc); err != nil {
			return nil, err
		}
		return &rc, nil
	}

	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rc := CreateRouteCfg(filepath.Base(filename), false)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	errs := []error{}
	for scanner.Scan() {
		lineNo += 1
		line, _, _ := strings.Cut(scanner.Text(), "#")
		fields := strings.Fields(line)
		switch {
		case len(fields) == 0:
			continue
		case len(fields) == 1 && fields[0] == "autoroute":
			rc.AutoRoute = true
		case len(fields) == 3:
			rc.AddRoute(fields[0], fields[1], fields[2])
		default:
			errs = append(errs, errors.Errorf("%s line %d: expected origin, destination and interface", filename, lineNo))
		}
	}
	errs = append(errs, scanner.Err())
	if err := ReportErrs(errs); err != nil {
		return nil, err
	}
	return rc, nil
}

// ReportErrs transforms the non-nil errors of a list into a single error
// with a comma-separated report of all the constituent errors, and returns it.
// A lone error is returned as it is, so callers can still test for it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	var lone error
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
			lone = err
		}
	}
	switch len(errMsg) {
	case 0:
		return nil
	case 1:
		return lone
	}
	return errors.New(strings.Join(errMsg, ","))
}

// CheckFiles checks the file system for permitted access to all the
// argument filenames, optionally checking also for the existence
// of those files for the purposes of reading them
func CheckFiles(names []string, checkExistence bool) (bool, error) {
	errs := make([]error, 0)

	for _, name := range names {
		if len(name) == 0 {
			continue
		}
		directory, _ := filepath.Split(name)
		if len(directory) == 0 {
			continue
		}
		if _, err := os.Stat(directory); err != nil {
			errs = append(errs, err)
		}
	}

	if checkExistence {
		for _, name := range names {
			if len(name) == 0 {
				continue
			}
			if _, err := os.Stat(name); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if rtnerr := ReportErrs(errs); rtnerr != nil {
		return false, rtnerr
	}
	return true, nil
}
