package atmnet

// timers.go holds the signaling timers of a node.  A timer is named by the side of
// the call it watches (its CallKey) and its type.  Arming schedules an event that
// carries the generation the timer had when it was armed; cancelling or re-arming
// changes the generation, so an event that fires for an older generation is ignored.

import (
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// TimerType names a signaling timer
type TimerType int

const (
	T303 TimerType = iota // Setup sent, waiting for any response
	T310                  // CallProceeding received, waiting for Alert or Connect
	T301                  // Alert received, waiting for Connect
	T306                  // Release sent, waiting for ReleaseComplete
	T313                  // Connect sent, waiting for ConnectAck
	TConnectDelay         // called user's think time between Alert and Connect
	TIdle                 // no data on an active call
	numTimerTypes
)

var timerTypeToStr map[TimerType]string = map[TimerType]string{T303: "T303", T310: "T310",
	T301: "T301", T306: "T306", T313: "T313", TConnectDelay: "connect-delay", TIdle: "idle"}

func (tt TimerType) String() string {
	return timerTypeToStr[tt]
}

type timerKey struct {
	call  CallKey
	ttype TimerType
}

// timerEntry is an armed timer.  tries counts how many times in a row it has been armed
// for the same purpose, which T303 uses to limit Setup retransmission.
type timerEntry struct {
	gen   uint64
	tries int
}

// timerFiring is the context of the scheduled expiry event
type timerFiring struct {
	node *Node
	key  timerKey
	gen  uint64
}

type timerArena struct {
	entries map[timerKey]*timerEntry
	nxtGen  uint64
}

func createTimerArena() *timerArena {
	return &timerArena{entries: make(map[timerKey]*timerEntry)}
}

// arm starts (or restarts) a timer, recording the try count given
func (ta *timerArena) arm(evtMgr *evtm.EventManager, node *Node, ck CallKey, tt TimerType, delay float64, tries int) {
	ta.nxtGen += 1
	key := timerKey{call: ck, ttype: tt}
	ta.entries[key] = &timerEntry{gen: ta.nxtGen, tries: tries}

	tf := &timerFiring{node: node, key: key, gen: ta.nxtGen}
	evtMgr.Schedule(tf, nil, timerExpired, vrtime.SecondsToTime(delay))
}

// cancel stops a timer; cancelling one that is not armed does nothing
func (ta *timerArena) cancel(ck CallKey, tt TimerType) {
	delete(ta.entries, timerKey{call: ck, ttype: tt})
}

// cancelAll stops every timer watching the given side
func (ta *timerArena) cancelAll(ck CallKey) {
	for tt := TimerType(0); tt < numTimerTypes; tt++ {
		delete(ta.entries, timerKey{call: ck, ttype: tt})
	}
}

// armed reports whether a timer is running
func (ta *timerArena) armed(ck CallKey, tt TimerType) bool {
	_, present := ta.entries[timerKey{call: ck, ttype: tt}]
	return present
}

// size is the number of timers running
func (ta *timerArena) size() int {
	return len(ta.entries)
}

// timerExpired is the event handler scheduled by arm
func timerExpired(evtMgr *evtm.EventManager, context any, data any) any {
	tf := context.(*timerFiring)
	ta := tf.node.timers

	entry, present := ta.entries[tf.key]
	if !present || entry.gen != tf.gen {
		// cancelled or re-armed since this event was scheduled
		return nil
	}
	delete(ta.entries, tf.key)

	tf.node.timerFired(evtMgr, tf.key.call, tf.key.ttype, entry.tries)
	return nil
}
