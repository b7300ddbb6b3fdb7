package changelog

import (
	"errors"
	"testing"
)

func newLog(t *testing.T) (*Log, *MemoryLedger) {
	t.Helper()
	ledger := NewMemoryLedger()
	l, err := Open(ledger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l, ledger
}

func mustAdd(t *testing.T, l *Log, fid int64, op Op) {
	t.Helper()
	if err := l.Add(fid, op); err != nil {
		t.Fatalf("Add(%d, %s): %v", fid, op, err)
	}
}

func TestCreateEditEditKeepsSingleNew(t *testing.T) {
	l, _ := newLog(t)
	mustAdd(t, l, -1, OpNew)
	mustAdd(t, l, -1, OpChanged)
	mustAdd(t, l, -1, OpChanged)

	recs := l.ForFeature(-1)
	if len(recs) != 1 {
		t.Fatalf("records = %v, want exactly one", recs)
	}
	if recs[0].Op != OpNew {
		t.Errorf("Op = %s, want NEW", recs[0].Op)
	}
}

func TestCreateDeleteLeavesNothing(t *testing.T) {
	l, _ := newLog(t)
	mustAdd(t, l, -5, OpNew)
	mustAdd(t, l, -5, OpChanged)
	if err := l.AddAttach(-5, -1, AttachNew); err != nil {
		t.Fatal(err)
	}
	mustAdd(t, l, -5, OpDelete)

	if n := len(l.ForFeature(-5)); n != 0 {
		t.Errorf("records for feature = %d, want 0", n)
	}
	if l.Count() != 0 {
		t.Errorf("Count = %d, want 0", l.Count())
	}
}

func TestSyncedEditThenDelete(t *testing.T) {
	l, _ := newLog(t)
	mustAdd(t, l, 10, OpChanged)
	mustAdd(t, l, 10, OpChanged)
	if err := l.AddAttach(10, 3, AttachChanged); err != nil {
		t.Fatal(err)
	}

	recs := l.ForFeature(10)
	if len(recs) != 2 {
		t.Fatalf("records = %v, want CHANGED + attach CHANGED", recs)
	}

	mustAdd(t, l, 10, OpDelete)
	recs = l.ForFeature(10)
	if len(recs) != 1 || recs[0].Op != OpDelete {
		t.Fatalf("records = %v, want a single DELETE", recs)
	}

	// Edits after a delete are ignored
	mustAdd(t, l, 10, OpChanged)
	if err := l.AddAttach(10, 3, AttachChanged); err != nil {
		t.Fatal(err)
	}
	if n := len(l.ForFeature(10)); n != 1 {
		t.Errorf("records = %d after late edits, want 1", n)
	}
}

func TestAttachStateMachine(t *testing.T) {
	l, _ := newLog(t)
	if err := l.AddAttach(10, -1, AttachNew); err != nil {
		t.Fatal(err)
	}
	if err := l.AddAttach(10, -1, AttachChanged); err != nil {
		t.Fatal(err)
	}
	if !l.HasPendingAttach(10, -1, AttachNew) {
		t.Fatal("expected pending attach NEW")
	}
	if l.HasPending(10, 0) {
		t.Error("attachment records must not count as data records")
	}
	if err := l.AddAttach(10, -1, AttachDelete); err != nil {
		t.Fatal(err)
	}
	if l.Count() != 0 {
		t.Errorf("local attachment create+delete left %d records", l.Count())
	}

	if err := l.AddAttach(10, 7, AttachChanged); err != nil {
		t.Fatal(err)
	}
	if err := l.AddAttach(10, 7, AttachDelete); err != nil {
		t.Fatal(err)
	}
	recs := l.Records()
	if len(recs) != 1 || recs[0].AttachOp != AttachDelete || recs[0].AttachID != 7 {
		t.Errorf("records = %v, want one attach DELETE", recs)
	}
}

func TestRecordIDsNeverReused(t *testing.T) {
	ledger := NewMemoryLedger()
	l, err := Open(ledger)
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, l, -1, OpNew)
	mustAdd(t, l, -1, OpDelete)
	first := l.LastID()

	// Reopen against the same ledger, as after a restart
	l, err = Open(ledger)
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, l, -2, OpNew)
	recs := l.Records()
	if len(recs) != 1 {
		t.Fatalf("records = %v", recs)
	}
	if recs[0].ID <= first {
		t.Errorf("record id %d reused, last before restart was %d", recs[0].ID, first)
	}
}

func TestRemoveToLast(t *testing.T) {
	l, _ := newLog(t)
	mustAdd(t, l, 20, OpChanged)
	upper := l.MarkInFlight(20)

	// Edit during the push appends instead of folding
	mustAdd(t, l, 20, OpChanged)
	if n := len(l.ForFeature(20)); n != 2 {
		t.Fatalf("records = %d during push, want 2", n)
	}

	if err := l.RemoveToLast(20, OpNew|OpChanged, upper); err != nil {
		t.Fatal(err)
	}
	l.ClearInFlight(20)

	recs := l.ForFeature(20)
	if len(recs) != 1 || recs[0].ID <= upper {
		t.Errorf("records = %v, want only the edit made after %d", recs, upper)
	}
}

func TestDeleteDuringInFlightCreate(t *testing.T) {
	l, _ := newLog(t)
	mustAdd(t, l, -42, OpNew)
	l.MarkInFlight(-42)
	mustAdd(t, l, -42, OpDelete)

	recs := l.ForFeature(-42)
	if len(recs) != 1 || recs[0].Op != OpDelete {
		t.Fatalf("records = %v, want queued DELETE", recs)
	}

	if err := l.Remap(-42, 1001); err != nil {
		t.Fatal(err)
	}
	l.ClearInFlight(1001)
	if !l.HasPending(1001, OpDelete) {
		t.Error("DELETE should follow the remapped id")
	}
	if len(l.ForFeature(-42)) != 0 {
		t.Error("records still reference the local id")
	}
}

func TestReclassifyAndRemap(t *testing.T) {
	l, ledger := newLog(t)
	mustAdd(t, l, -3, OpNew)
	if err := l.AddAttach(-3, -9, AttachNew); err != nil {
		t.Fatal(err)
	}

	if err := l.Remap(-3, 300); err != nil {
		t.Fatal(err)
	}
	if err := l.RemapAttach(300, -9, 900); err != nil {
		t.Fatal(err)
	}
	recs := l.Records()
	if recs[0].Op != OpNew {
		t.Fatalf("first record = %v", recs[0])
	}
	if err := l.Reclassify(recs[0].ID, OpChanged); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(ledger)
	if err != nil {
		t.Fatal(err)
	}
	got := reopened.Records()
	if len(got) != 2 {
		t.Fatalf("records = %v", got)
	}
	if got[0].FeatureID != 300 || got[0].Op != OpChanged {
		t.Errorf("data record = %v, want feature 300 CHANGED", got[0])
	}
	if got[1].FeatureID != 300 || got[1].AttachID != 900 {
		t.Errorf("attach record = %v, want feature 300 attach 900", got[1])
	}
}

func TestRecordsAscending(t *testing.T) {
	l, _ := newLog(t)
	for _, fid := range []int64{5, -1, 9, 2} {
		mustAdd(t, l, fid, OpChanged)
	}
	recs := l.Records()
	for i := 1; i < len(recs); i++ {
		if recs[i-1].ID >= recs[i].ID {
			t.Fatalf("records not ascending: %v", recs)
		}
	}
}

type failingLedger struct {
	*MemoryLedger
	failDelete bool
	failAppend bool
}

func (f *failingLedger) Append(r Record) (uint64, error) {
	if f.failAppend {
		return 0, errors.New("disk full")
	}
	return f.MemoryLedger.Append(r)
}

func (f *failingLedger) Delete(id uint64) error {
	if f.failDelete {
		return errors.New("disk full")
	}
	return f.MemoryLedger.Delete(id)
}

func TestLedgerFailureKeepsMirrorConsistent(t *testing.T) {
	ledger := &failingLedger{MemoryLedger: NewMemoryLedger()}
	l, err := Open(ledger)
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, l, 4, OpChanged)

	ledger.failDelete = true
	if err := l.RemoveForFeature(4); err == nil {
		t.Fatal("expected ledger error")
	}
	if l.Count() != 1 {
		t.Errorf("Count = %d, want record kept after failed delete", l.Count())
	}
}

func TestFailedDeleteAppendKeepsEarlierRecords(t *testing.T) {
	ledger := &failingLedger{MemoryLedger: NewMemoryLedger()}
	l, err := Open(ledger)
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, l, 4, OpChanged)
	if err := l.AddAttach(4, 9, AttachChanged); err != nil {
		t.Fatal(err)
	}

	ledger.failAppend = true
	if err := l.Add(4, OpDelete); err == nil {
		t.Fatal("expected ledger error")
	}
	if err := l.AddAttach(4, 9, AttachDelete); err == nil {
		t.Fatal("expected ledger error")
	}
	if !l.HasPending(4, OpChanged) || !l.HasPendingAttach(4, 9, AttachChanged) {
		t.Errorf("records = %v, want CHANGED records kept", l.Records())
	}

	ledger.failAppend = false
	mustAdd(t, l, 4, OpDelete)
	recs := l.ForFeature(4)
	if len(recs) != 1 || recs[0].Op != OpDelete {
		t.Errorf("records = %v, want a single DELETE", recs)
	}
}

func TestHasAnyAttach(t *testing.T) {
	l, _ := newLog(t)
	mustAdd(t, l, 3, OpChanged)
	if l.HasAnyAttach(3) {
		t.Error("HasAnyAttach = true with only a data record")
	}
	if err := l.AddAttach(3, 8, AttachChanged); err != nil {
		t.Fatal(err)
	}
	if !l.HasAnyAttach(3) {
		t.Error("HasAnyAttach = false after AddAttach")
	}
	if l.HasAnyAttach(4) {
		t.Error("HasAnyAttach reports another feature")
	}
}

func TestOpString(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{0, "NONE"},
		{OpNew, "NEW"},
		{OpChanged | OpAttach, "CHANGED|ATTACH"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Op(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
