package gateway

// slotState tracks the lifecycle of one reserved position in the ordered
// output sequence.
type slotState int

const (
	slotReserved slotState = iota
	slotReady
	slotFailed
)

// ttsSlot is one entry in a turn's dense output vector, indexed by
// submission order.
type ttsSlot struct {
	state slotState
	text  string
	audio []byte
}

// slotQueue is the ordered audio buffer of a single turn. It is owned by
// the session actor; no locking.
type slotQueue struct {
	slots    []ttsSlot
	nextEmit int
}

// Reserve appends a reserved slot and returns its index.
func (q *slotQueue) Reserve(text string) int {
	q.slots = append(q.slots, ttsSlot{state: slotReserved, text: text})
	return len(q.slots) - 1
}

// Resolve marks a slot ready or failed. Resolving an already resolved or
// out-of-range slot is a no-op so stale completions are harmless.
func (q *slotQueue) Resolve(index int, audio []byte, ok bool) {
	if index < 0 || index >= len(q.slots) || q.slots[index].state != slotReserved {
		return
	}
	if ok {
		q.slots[index].state = slotReady
		q.slots[index].audio = audio
	} else {
		q.slots[index].state = slotFailed
	}
}

// NextReady returns the next slot to emit, advancing over failed slots.
// It returns emit=false when the head slot is still reserved or the queue
// is drained; it never advances past a reserved slot.
func (q *slotQueue) NextReady() (index int, audio []byte, emit bool) {
	for q.nextEmit < len(q.slots) {
		s := &q.slots[q.nextEmit]
		switch s.state {
		case slotReserved:
			return 0, nil, false
		case slotFailed:
			q.nextEmit++
		case slotReady:
			index = q.nextEmit
			audio = s.audio
			s.audio = nil
			q.nextEmit++
			return index, audio, true
		}
	}
	return 0, nil, false
}

// Drained reports whether every slot has been emitted or skipped.
func (q *slotQueue) Drained() bool { return q.nextEmit == len(q.slots) }

// Len returns the number of reserved slots so far.
func (q *slotQueue) Len() int { return len(q.slots) }

// Clear drops all queued audio. Used on interrupt.
func (q *slotQueue) Clear() {
	q.slots = nil
	q.nextEmit = 0
}
