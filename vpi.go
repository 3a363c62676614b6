package atmnet

// vpi.go implements per-interface bandwidth admission and VPI allocation.
// Each interface owns a pool of VPI slots. A call is admitted on an interface
// only if the interface's uncommitted bandwidth covers the call's request, and
// it then holds one slot (its VPI on that hop) until the call is released.

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// VPI 0 carries signaling, so data VPIs run 1..MaxVPI
const MaxVPI int = 255

// bandwidth below this is treated as zero when returning reservations to the pool
const bwEpsilon float64 = 1e-9

type slotStatus int

const (
	slotIdle slotStatus = iota
	slotBusy
)

// vpiSlot records who holds the slot and how much bandwidth it committed
type vpiSlot struct {
	status  slotStatus
	vci     int
	bndwdth float64
}

// vpiPool is the allocator state of one interface.  Slots are created on demand and
// never removed; the VPI of slot i is i+1.
type vpiPool struct {
	bndwdth   float64 // capacity of the interface, Mbits/sec
	minCallBW float64 // smallest call the interface expects to carry, bounds the slot count
	committed float64 // bandwidth held by busy slots
	slots     []vpiSlot
}

// createVpiPool is a constructor
func createVpiPool(bndwdth, minCallBW float64) *vpiPool {
	vp := new(vpiPool)
	vp.bndwdth = bndwdth
	vp.minCallBW = minCallBW
	vp.committed = 0.0
	vp.slots = make([]vpiSlot, 0)
	return vp
}

// maxSlots is the most slots the pool may hold, the number of minimum-sized calls
// the interface bandwidth supports, capped by the VPI field width
func (vp *vpiPool) maxSlots() int {
	if !(vp.minCallBW > 0.0) {
		return MaxVPI
	}
	n := int(math.Floor(vp.bndwdth/vp.minCallBW + bwEpsilon))
	if n > MaxVPI {
		return MaxVPI
	}
	return n
}

// uncommitted returns the bandwidth still available to new calls
func (vp *vpiPool) uncommitted() float64 {
	return math.Max(vp.bndwdth-vp.committed, 0.0)
}

// tryReserve admits a call of the given bandwidth, owned by the call with the given VCI,
// and returns the VPI it is to use on this interface
func (vp *vpiPool) tryReserve(vci int, bndwdth float64) (int, error) {
	if vp.uncommitted()+bwEpsilon < bndwdth {
		return 0, errors.Wrapf(ErrBandwidth, "requested %g Mbps, %g uncommitted", bndwdth, vp.uncommitted())
	}

	// first choice is an idle slot already in the pool
	idx := -1
	for sidx := range vp.slots {
		if vp.slots[sidx].status == slotIdle {
			idx = sidx
			break
		}
	}

	// otherwise grow the pool, if that is still permitted
	if idx == -1 {
		if len(vp.slots) >= vp.maxSlots() {
			return 0, errors.Wrapf(ErrVPIExhausted, "%d slots busy", len(vp.slots))
		}
		vp.slots = append(vp.slots, vpiSlot{})
		idx = len(vp.slots) - 1
	}

	vp.slots[idx] = vpiSlot{status: slotBusy, vci: vci, bndwdth: bndwdth}
	vp.committed += bndwdth
	return idx + 1, nil
}

// release returns the slot behind vpi to the pool.  Releasing a slot that is not busy
// means the call bookkeeping has gone wrong.
func (vp *vpiPool) release(vpi int) {
	idx := vpi - 1
	if idx < 0 || idx >= len(vp.slots) || vp.slots[idx].status != slotBusy {
		panic(fmt.Errorf("release of vpi %d which is not busy", vpi))
	}
	vp.committed -= vp.slots[idx].bndwdth
	if vp.committed < bwEpsilon {
		vp.committed = 0.0
	}
	vp.slots[idx] = vpiSlot{status: slotIdle}
}

// busy reports the number of slots held by calls
func (vp *vpiPool) busy() int {
	n := 0
	for _, slot := range vp.slots {
		if slot.status == slotBusy {
			n += 1
		}
	}
	return n
}

// owner returns the VCI of the call holding vpi, or -1
func (vp *vpiPool) owner(vpi int) int {
	idx := vpi - 1
	if idx < 0 || idx >= len(vp.slots) || vp.slots[idx].status != slotBusy {
		return -1
	}
	return vp.slots[idx].vci
}
