package framerecord

import "testing"

func TestTrack_ReusesZeroedSlot(t *testing.T) {
	tbl := NewTable(4)
	tbl.Track(1, 2)
	tbl.Track(2, 1)

	if ok, _ := tbl.Release(1); ok {
		t.Fatalf("releasing refCount 2 to 1 should not reach zero")
	}
	if ok, found := tbl.Release(1); !ok || !found {
		t.Fatalf("second release of buffer 1 should reach zero, got ok=%v found=%v", ok, found)
	}

	tbl.Track(3, 1)
	if got := tbl.LiveCount(); got != 2 {
		t.Fatalf("expected 2 live records after reuse, got %d", got)
	}
}

func TestRelease_UnknownBufferIsSoftFailure(t *testing.T) {
	tbl := NewTable(2)
	tbl.Track(1, 1)

	_, ok := tbl.Release(99)
	if ok {
		t.Fatalf("release of unknown buffer id should report ok=false")
	}
	if tbl.LiveCount() != 1 {
		t.Fatalf("unrelated record should be untouched")
	}
}

func TestRelease_AlreadyZeroIsNotFound(t *testing.T) {
	tbl := NewTable(2)
	tbl.Track(1, 1)
	tbl.Release(1)

	if _, ok := tbl.Release(1); ok {
		t.Fatalf("releasing an already-zeroed slot should report not found")
	}
}

func TestCompact_DropsDeadRecords(t *testing.T) {
	tbl := NewTable(4)
	tbl.Track(1, 1)
	tbl.Track(2, 1)
	tbl.Release(1)
	tbl.Track(3, 1)

	if overshoot := tbl.Compact(4); overshoot {
		t.Fatalf("unexpected overshoot")
	}
	if got := tbl.LiveCount(); got != 2 {
		t.Fatalf("expected 2 live records post-compact, got %d", got)
	}
}

func TestCompact_ReportsOvershoot(t *testing.T) {
	tbl := NewTable(4)
	tbl.Track(1, 1)
	tbl.Track(2, 1)
	tbl.Track(3, 1)

	if overshoot := tbl.Compact(2); !overshoot {
		t.Fatalf("expected overshoot warning when live records exceed new capacity")
	}
	if got := tbl.LiveCount(); got != 3 {
		t.Fatalf("compact must not drop live records even when over capacity, got %d", got)
	}
}
