// Package framerecord implements a compact reference-count table: a
// linear mapping from hardware buffer id to outstanding reference count,
// used to know when a buffer can be returned to the hardware.
//
// Table is not internally synchronized. The caller (HalCamera) is
// expected to hold its frame mutex around every call.
package framerecord

// Record is one FrameRecord table entry.
type Record struct {
	BufferID uint64
	RefCount int
}

// Table is the linear {bufferId, refCount} table.
type Table struct {
	records []Record
}

// NewTable creates an empty table with room for capacity live records.
func NewTable(capacity int) *Table {
	return &Table{records: make([]Record, 0, capacity)}
}

// Track inserts a new record with the given refCount, reusing the first
// slot whose refCount is zero, or appending if none is free.
func (t *Table) Track(bufferID uint64, refCount int) {
	for i := range t.records {
		if t.records[i].RefCount == 0 {
			t.records[i].BufferID = bufferID
			t.records[i].RefCount = refCount
			return
		}
	}
	t.records = append(t.records, Record{BufferID: bufferID, RefCount: refCount})
}

// Release decrements the refcount for bufferID and reports whether it
// reached zero (the caller should then return the buffer to hardware).
// If bufferID is not found, ok is false and the caller should log, not
// fail — an unknown buffer is a soft failure, not fatal.
func (t *Table) Release(bufferID uint64) (reachedZero bool, ok bool) {
	for i := range t.records {
		if t.records[i].BufferID == bufferID && t.records[i].RefCount > 0 {
			t.records[i].RefCount--
			return t.records[i].RefCount == 0, true
		}
	}
	return false, false
}

// LiveCount returns the number of records with RefCount > 0.
func (t *Table) LiveCount() int {
	n := 0
	for _, r := range t.records {
		if r.RefCount > 0 {
			n++
		}
	}
	return n
}

// Compact keeps only live records (RefCount > 0) and reserves space for
// capacity. It returns true if the number of surviving live records
// exceeds capacity — a transient overshoot that is tolerated but worth
// logging as a warning.
func (t *Table) Compact(capacity int) (overshoot bool) {
	live := make([]Record, 0, capacity)
	for _, r := range t.records {
		if r.RefCount > 0 {
			live = append(live, r)
		}
	}
	t.records = live
	return len(live) > capacity
}
