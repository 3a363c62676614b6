package atmnet

// scheduler.go models the processing capacity of a node.  Every event the node
// handles asks for a fixed amount of service from one of the node's cores.  When
// the request exceeds the time-slice the work is served a slice at a time, the
// residual going back into competition for a core.  Allocation of cores is
// first-come first-serve, and the requests waiting for a core form the node's backlog.

import (
	"container/heap"
	"math"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// work describes the service requirements of one event processed by the node
type work struct {
	op           string                    // what is being processed
	req          float64                   // residual service required
	ts           float64                   // timeslice
	completeFunc evtm.EventHandlerFunction // called when finished, may be nil
	context      any
}

// reqSrvHeap and its methods implement a min-priority heap
// on the residual service requirements of work in service
type reqSrvHeap []*work

func (h reqSrvHeap) Len() int           { return len(h) }
func (h reqSrvHeap) Less(i, j int) bool { return h[i].req < h[j].req }
func (h reqSrvHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *reqSrvHeap) Push(x any) {
	*h = append(*h, x.(*work))
}

func (h *reqSrvHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// coreScheduler holds the data structures of the multi-core scheduling
type coreScheduler struct {
	cores     int
	waiting   []*work    // work to do, not in service
	inservice reqSrvHeap // work being served concurrently
	served    int        // pieces of work completed
}

// createCoreScheduler is a constructor
func createCoreScheduler(cores int) *coreScheduler {
	if cores < 1 {
		cores = 1
	}
	cs := new(coreScheduler)
	cs.cores = cores
	cs.waiting = []*work{}
	cs.inservice = []*work{}
	heap.Init(&cs.inservice)
	return cs
}

// schedule puts a piece of work either in service or in the waiting queue.  The return
// is true if the work went into service at once.
func (cs *coreScheduler) schedule(evtMgr *evtm.EventManager, op string, req, ts float64,
	context any, complete evtm.EventHandlerFunction) bool {

	w := &work{op: op, req: req, ts: ts, context: context, completeFunc: complete}
	return cs.joinQueue(evtMgr, w)
}

// joinQueue puts work into service if a core is free, otherwise into the waiting queue
func (cs *coreScheduler) joinQueue(evtMgr *evtm.EventManager, w *work) bool {
	if cs.cores <= len(cs.inservice) {
		cs.waiting = append(cs.waiting, w)
		return false
	}

	execute := w.ts
	finished := false
	if w.req <= w.ts {
		execute = w.req
		finished = true
	}
	evtMgr.Schedule(cs, finished, sliceComplete, vrtime.SecondsToTime(execute))

	if finished && w.completeFunc != nil {
		evtMgr.Schedule(w.context, w, w.completeFunc, vrtime.SecondsToTime(w.req))
	}
	w.req = math.Max(w.req-w.ts, 0.0)
	heap.Push(&cs.inservice, w)
	return true
}

// backlog is the number of pieces of work waiting for a core
func (cs *coreScheduler) backlog() int {
	return len(cs.waiting)
}

// busy is the number of cores in use
func (cs *coreScheduler) busy() int {
	return len(cs.inservice)
}

// sliceComplete is called when the timeslice allocated to a piece of work has completed
func sliceComplete(evtMgr *evtm.EventManager, context any, data any) any {
	cs := context.(*coreScheduler)
	finished := data.(bool)

	w := heap.Pop(&cs.inservice).(*work)

	if len(cs.waiting) > 0 {
		nxt := cs.waiting[0]
		cs.waiting = cs.waiting[1:]
		cs.joinQueue(evtMgr, nxt)
	}

	if finished {
		cs.served += 1
		return nil
	}

	// residual service remains, so compete for a core again
	cs.joinQueue(evtMgr, w)
	return nil
}
