package atmnet

// tables.go holds the per-node lookup tables: address resolution (IP -> ATM),
// forwarding (ATM destination -> outgoing interface), translation (incoming
// connection identifier -> outgoing connection identifier), and the connection
// table that binds IP flows to virtual circuits.

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// AtmAddr is a two-level ATM address, printed "Net.Host"
type AtmAddr struct {
	Net  uint16
	Host uint16
}

// BroadcastHost as the host part marks a group address, which is never a legal call destination
const BroadcastHost uint16 = 0xFFFF

func (aa AtmAddr) String() string {
	return fmt.Sprintf("%d.%d", aa.Net, aa.Host)
}

// IsZero is true for the unset address
func (aa AtmAddr) IsZero() bool {
	return aa.Net == 0 && aa.Host == 0
}

// IsBroadcast is true when the host part names a group
func (aa AtmAddr) IsBroadcast() bool {
	return aa.Host == BroadcastHost
}

// ParseAtmAddr converts "N.H" into an AtmAddr
func ParseAtmAddr(s string) (AtmAddr, error) {
	pieces := strings.Split(strings.TrimSpace(s), ".")
	if len(pieces) != 2 {
		return AtmAddr{}, errors.Wrapf(ErrBadAddress, "atm address %q", s)
	}
	netPart, nerr := strconv.ParseUint(pieces[0], 10, 16)
	hostPart, herr := strconv.ParseUint(pieces[1], 10, 16)
	if nerr != nil || herr != nil {
		return AtmAddr{}, errors.Wrapf(ErrBadAddress, "atm address %q", s)
	}
	return AtmAddr{Net: uint16(netPart), Host: uint16(hostPart)}, nil
}

// ArpEntry binds a logical IP address to the ATM address that reaches it, together
// with the subnets reachable through that ATM address (e.g., through an IP router there).
type ArpEntry struct {
	LogicalIP netip.Addr
	Atm       AtmAddr
	Reachable []netip.Prefix
}

// arpTable is append-only
type arpTable struct {
	entries []*ArpEntry
}

// add includes an entry for ip, or returns the one already present
func (at *arpTable) add(ip netip.Addr, atm AtmAddr) *ArpEntry {
	for _, ae := range at.entries {
		if ae.LogicalIP == ip {
			return ae
		}
	}
	ae := &ArpEntry{LogicalIP: ip, Atm: atm, Reachable: []netip.Prefix{}}
	at.entries = append(at.entries, ae)
	return ae
}

// addReachable appends a subnet to the list reachable through the entry for ip
func (at *arpTable) addReachable(ip netip.Addr, pfx netip.Prefix) {
	for _, ae := range at.entries {
		if ae.LogicalIP == ip {
			if !slices.Contains(ae.Reachable, pfx) {
				ae.Reachable = append(ae.Reachable, pfx)
			}
			return
		}
	}
}

// resolve looks first for an exact match on the logical address, then for the
// entry whose reachable subnets hold dst with the longest prefix
func (at *arpTable) resolve(dst netip.Addr) (*ArpEntry, bool) {
	for _, ae := range at.entries {
		if ae.LogicalIP == dst {
			return ae, true
		}
	}

	var best *ArpEntry
	bestBits := -1
	for _, ae := range at.entries {
		for _, pfx := range ae.Reachable {
			if pfx.Contains(dst) && pfx.Bits() > bestBits {
				best = ae
				bestBits = pfx.Bits()
			}
		}
	}
	return best, best != nil
}

// FwdEntry is the outgoing interface toward an ATM destination, and the neighbor it reaches
type FwdEntry struct {
	NextHop AtmAddr
	Intrfc  int
}

// fwdTable is keyed by destination ATM address; the last write wins
type fwdTable map[AtmAddr]FwdEntry

func (ft fwdTable) set(dst AtmAddr, entry FwdEntry) {
	ft[dst] = entry
}

func (ft fwdTable) lookup(dst AtmAddr) (FwdEntry, bool) {
	entry, present := ft[dst]
	return entry, present
}

// LocalIntrfc in a translation entry's output means reassemble and deliver here
const LocalIntrfc int = -1

// XlateKey identifies cells arriving at an interface
type XlateKey struct {
	Intrfc int
	VCI    int
	VPI    int
}

// XlateEntry says where cells matching a key leave, and with what identifiers
type XlateEntry struct {
	Intrfc int
	VCI    int
	VPI    int
}

// xlateTable maps each incoming key to exactly one output
type xlateTable map[XlateKey]XlateEntry

// publish adds a translation. Mapping a key to a second, different output means two
// calls were given the same identifiers, which cannot happen unless the allocator is broken.
func (xt xlateTable) publish(key XlateKey, entry XlateEntry) {
	prev, present := xt[key]
	if present && prev != entry {
		panic(fmt.Errorf("translation key %v already mapped to %v, offered %v", key, prev, entry))
	}
	xt[key] = entry
}

func (xt xlateTable) withdraw(key XlateKey) {
	delete(xt, key)
}

func (xt xlateTable) lookup(key XlateKey) (XlateEntry, bool) {
	entry, present := xt[key]
	return entry, present
}

// SigStatus is the signaling status of a connection table entry
type SigStatus int

const (
	SigIdle SigStatus = iota
	SigPending
	SigActive
	SigReleased
)

var sigStatusToStr map[SigStatus]string = map[SigStatus]string{SigIdle: "idle",
	SigPending: "pending", SigActive: "active", SigReleased: "released"}

func (ss SigStatus) String() string {
	return sigStatusToStr[ss]
}

// FlowKey identifies an IP flow offered to the adaptation layer
type FlowKey struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort int
	DstPort int
}

// ConnEntry binds a flow to the virtual circuit carrying it
type ConnEntry struct {
	Key        FlowKey
	CalledAtm  AtmAddr
	VCI        int
	VPI        int
	Intrfc     int
	Status     SigStatus
	LastActive float64
	Sent       int // pdus handed to the circuit
	Buffered   int // pdus that waited for the circuit to come up
}

type connTable map[FlowKey]*ConnEntry

