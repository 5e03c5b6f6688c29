package progress

import (
	"errors"
	"sync"
	"testing"
)

func TestTracker_Lifecycle(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	if _, ok := tr.Get("wangguan_onu"); ok {
		t.Fatal("unexpected entry before Start")
	}

	tr.Start("wangguan_onu")
	s, ok := tr.Get("wangguan_onu")
	if !ok || s.Stage != StageReceiving || s.Percent != 0 {
		t.Fatalf("after Start: %+v", s)
	}

	tr.Update("wangguan_onu", StageParsing, 20, 0, 0)
	tr.Update("wangguan_onu", StageWriting, 70, 700, 1000)
	s, _ = tr.Get("wangguan_onu")
	if s.Stage != StageWriting || s.Percent != 70 || s.RowsDone != 700 || s.RowsTotal != 1000 {
		t.Fatalf("after updates: %+v", s)
	}

	tr.Done("wangguan_onu")
	s, _ = tr.Get("wangguan_onu")
	if s.Stage != StageDone || s.Percent != 100 || s.RowsDone != 1000 {
		t.Fatalf("after Done: %+v", s)
	}

	tr.Clear("wangguan_onu")
	if _, ok := tr.Get("wangguan_onu"); ok {
		t.Fatal("entry survived Clear")
	}
}

func TestTracker_PercentMonotonicAndClamped(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Start("d")
	tr.Update("d", StageDiffing, 60, 0, 0)
	tr.Update("d", StageWriting, 40, 0, 0) // late update, lower percent
	s, _ := tr.Get("d")
	if s.Percent != 60 {
		t.Errorf("percent regressed to %d", s.Percent)
	}
	if s.Stage != StageWriting {
		t.Errorf("stage should still advance: %s", s.Stage)
	}
	tr.Update("d", StageWriting, 150, 0, 0)
	s, _ = tr.Get("d")
	if s.Percent != 100 {
		t.Errorf("percent not clamped: %d", s.Percent)
	}
}

func TestTracker_Error(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Start("d")
	tr.Update("d", StageWriting, 50, 500, 1000)
	tr.SetError("d", errors.New("disk full"))
	s, _ := tr.Get("d")
	if s.Stage != StageError || s.Error != "disk full" {
		t.Fatalf("after SetError: %+v", s)
	}
	// Partial progress stays visible.
	if s.RowsDone != 500 {
		t.Errorf("RowsDone = %d", s.RowsDone)
	}
}

func TestTracker_UpdateUnknownKeyIsNoop(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Update("ghost", StageWriting, 50, 0, 0)
	tr.SetError("ghost", errors.New("x"))
	tr.Done("ghost")
	if _, ok := tr.Get("ghost"); ok {
		t.Fatal("noop updates must not create entries")
	}
}

func TestTracker_Concurrent(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Start("d")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for p := 0; p <= 100; p++ {
				tr.Update("d", StageWriting, p, int64(p), 100)
				tr.Get("d")
			}
		}(i)
	}
	wg.Wait()

	s, _ := tr.Get("d")
	if s.Percent != 100 {
		t.Errorf("final percent = %d", s.Percent)
	}
}
