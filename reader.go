package trng

// reader samples the enabled entropy sources round-robin and fills the
// mixer's block buffer one 32-bit slot per tick.
//
// Fairness comes from the persistent cursor: each filled slot advances
// the cursor by exactly one position regardless of which source
// supplied the word, so a fast source cannot crowd out a slower one.
// Across any 32-slot window each enabled-and-presenting source lands
// within one word of 32/k.
type reader struct {
	handles []*sourceHandle
	cursor  int
	stalls  uint64
}

func newReader(handles []*sourceHandle) *reader {
	return &reader{handles: handles}
}

// step attempts to fill one slot of the mixer's current block. It
// reports the source that supplied a word, or nil on a stall. Stalls
// never advance the cursor.
func (r *reader) step(m *mixer) *sourceHandle {
	if !m.collecting() {
		return nil
	}

	n := len(r.handles)
	for i := 0; i < n; i++ {
		h := r.handles[(r.cursor+i)%n]
		if !h.usable() {
			continue
		}
		w := h.src.Word()
		h.src.Ack()
		m.block.put(w)
		r.cursor = (r.cursor + 1) % n
		return h
	}

	r.stalls++
	return nil
}
