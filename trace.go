package atmnet

// trace.go gathers a record of the signaling traffic crossing interfaces whose
// 'sigstats' parameter is set.  Records are grouped by call and written out after
// the run, as json or yaml selected by the file extension.

import (
	"encoding/json"
	"os"
	"path"
	"strconv"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TraceInst is one stored trace record
type TraceInst struct {
	TraceTime string
	TraceType string
	TraceStr  string
}

// NameType is an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string
	Type string
}

// TraceManager gathers information about an execution of the model
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// trace records, by the call they describe
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`

	// call numbers assigned, by call identity
	callNums map[callID]int
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  Calls to its methods
// can be embedded everywhere they are needed; they do nothing when it is not.
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	tm.callNums = make(map[callID]int)
	return tm
}

// Active tells the caller whether the trace manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddTrace stores a record under the given id
func (tm *TraceManager) AddTrace(vrt vrtime.Time, execID int, trace TraceInst) {
	if !tm.Active() {
		return
	}
	tm.Traces[execID] = append(tm.Traces[execID], trace)
}

// AddName adds an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if !tm.Active() {
		return
	}
	if _, present := tm.NameByID[id]; present {
		panic("duplicated id in AddName")
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
}

// callNumber returns the number under which the records of a call are kept
func (tm *TraceManager) callNumber(cid callID) int {
	num, present := tm.callNums[cid]
	if !present {
		num = len(tm.callNums) + 1
		tm.callNums[cid] = num
	}
	return num
}

// WriteToFile stores the TraceManager to the named file.
// Serialization to json or to yaml is selected based on the extension of the name.
func (tm *TraceManager) WriteToFile(filename string) (bool, error) {
	if !tm.Active() {
		return false, nil
	}
	var bytes []byte
	var merr error

	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(*tm)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	default:
		return false, errors.Errorf("trace file %s needs a .json or .yaml extension", filename)
	}
	if merr != nil {
		return false, merr
	}

	if werr := os.WriteFile(filename, bytes, 0o644); werr != nil {
		return false, werr
	}
	return true, nil
}

// SigTrace records one signaling message crossing an interface
type SigTrace struct {
	Time    float64 // time in float64
	Ticks   int64   // ticks variable of time
	ObjID   int     // id of the interface crossed
	Op      string  // "send" or "recv"
	Kind    string  // message kind
	VCI     int
	VPI     int
	RefFlag bool
	Calling string // calling ATM address
	Called  string // called ATM address
	Cause   int
}

// Serialize renders the record for storage
func (st *SigTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*st)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// traceSig records a signaling message sent or received on intrfc, if that interface is traced
func (node *Node) traceSig(evtMgr *evtm.EventManager, intrfc *Intrfc, msg *SigMsg, op string) {
	if !intrfc.sigStats || node.net == nil || !node.net.Trace.Active() {
		return
	}
	tm := node.net.Trace
	vrt := evtMgr.CurrentTime()

	st := new(SigTrace)
	st.Time = vrt.Seconds()
	st.Ticks = vrt.Ticks()
	st.ObjID = intrfc.Number
	st.Op = op
	st.Kind = msg.Kind.String()
	st.VCI = msg.VCI
	st.VPI = msg.VPI
	st.RefFlag = msg.RefFlag
	st.Calling = msg.CallingAtm.String()
	st.Called = msg.CalledAtm.String()
	st.Cause = int(msg.Cause)

	// records about a call we hold no identity for (bare ReleaseComplete replies) go under 0
	execID := 0
	if !msg.CallingAtm.IsZero() {
		execID = tm.callNumber(callID{calling: msg.CallingAtm, vci: msg.VCI})
	}

	traceTime := strconv.FormatFloat(st.Time, 'f', -1, 64)
	tm.AddTrace(vrt, execID, TraceInst{TraceTime: traceTime, TraceType: "signal", TraceStr: st.Serialize()})
}
