package validator

import "sync"

// SequenceTable holds the last accepted sequence per sender. Zero means no
// packet has been accepted. Values only ever increase.
type SequenceTable struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewSequenceTable returns an empty table.
func NewSequenceTable() *SequenceTable {
	return &SequenceTable{last: make(map[string]uint64)}
}

// Last returns the last accepted sequence for sender.
func (t *SequenceTable) Last(sender string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last[sender]
}

// advance sets sender's sequence to next if it still equals from. It returns
// the current value and whether the swap happened.
func (t *SequenceTable) advance(sender string, from, next uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.last[sender]
	if cur != from || next <= cur {
		return cur, false
	}
	t.last[sender] = next
	return next, true
}

// Snapshot copies the table.
func (t *SequenceTable) Snapshot() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]uint64, len(t.last))
	for k, v := range t.last {
		out[k] = v
	}
	return out
}

// Len returns the number of senders with an accepted packet.
func (t *SequenceTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
