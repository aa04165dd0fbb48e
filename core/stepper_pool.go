package core

// Move is a short-lived ramp record queued by the host and consumed by a
// single stepper's pulse scheduler. Ownership transfers host->stepper at
// allocation (QueueMove) and stepper->pool at consumption (loadNext) or
// on Stop, which frees the whole remaining queue.
type Move struct {
	Interval uint32 // ticks
	Add      int16  // per-step interval delta
	Count    uint16 // pulses in this ramp
	Flags    uint8  // bit 0 = MFDir (direction-change marker)
	Next     *Move

	poolIndex uint16
}

// MFDir marks a Move as carrying a direction reversal relative to the
// move queued immediately before it.
const MFDir = 1 << 0

// movePoolCapacity bounds the number of Moves live across all steppers at
// once. It stands in for "sized at configuration time": the pool is not
// touched until the first queue_step after config_stepper, and a single
// shared pool this size comfortably covers every stepper's queue depth
// for the small OID counts this firmware targets.
const movePoolCapacity = 256

var (
	movePool     [movePoolCapacity]Move
	moveFreeList [movePoolCapacity]uint16
	moveFreeTop  int
	movePoolInit bool
)

func ensureMovePoolInit() {
	if movePoolInit {
		return
	}
	for i := 0; i < movePoolCapacity; i++ {
		moveFreeList[i] = uint16(i)
	}
	moveFreeTop = movePoolCapacity
	movePoolInit = true
}

// allocMove pops a Move off the free list. Wait-free: the only exclusion
// mechanism is the same interrupt-disable bracket every other piece of
// shared stepper state uses, never a blocking lock or GC-backed pool.
// Returns nil if the pool is exhausted.
func allocMove() *Move {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	ensureMovePoolInit()
	if moveFreeTop == 0 {
		return nil
	}
	moveFreeTop--
	idx := moveFreeList[moveFreeTop]
	m := &movePool[idx]
	*m = Move{poolIndex: idx}
	return m
}

// freeMove returns a Move to the pool. Freeing nil is a no-op.
func freeMove(m *Move) {
	if m == nil {
		return
	}
	state := disableInterrupts()
	defer restoreInterrupts(state)

	idx := m.poolIndex
	m.Next = nil
	moveFreeList[moveFreeTop] = idx
	moveFreeTop++
}

// movePoolAvailable reports the number of free Move slots, for tests and
// diagnostics.
func movePoolAvailable() int {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	ensureMovePoolInit()
	return moveFreeTop
}
