package runmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func spawnOK(t *testing.T) (SpawnFunc, *Handle) {
	t.Helper()
	h := &Handle{
		Commands: make(chan Command, 8),
		Cancel:   func() {},
	}
	return func(runID string) (*Handle, error) { return h, nil }, h
}

func TestStartRunTransitionsToRunning(t *testing.T) {
	m := New(false)
	spawn, _ := spawnOK(t)

	runID, err := m.StartRun("s1", spawn)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	st := m.State("s1")
	if st.Phase != Running || st.RunID != runID {
		t.Errorf("state = %+v", st)
	}
	if m.ActiveRunID("s1") != runID {
		t.Errorf("ActiveRunID = %q", m.ActiveRunID("s1"))
	}
}

func TestAtMostOneRun(t *testing.T) {
	m := New(false)
	spawn, _ := spawnOK(t)

	if _, err := m.StartRun("s1", spawn); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartRun("s1", spawn); !errors.Is(err, ErrSessionAlreadyRunning) {
		t.Errorf("second StartRun = %v, want ErrSessionAlreadyRunning", err)
	}
	// A different session is unaffected.
	if _, err := m.StartRun("s2", spawn); err != nil {
		t.Errorf("other session StartRun = %v", err)
	}
}

func TestSpawnFailureResetsToIdle(t *testing.T) {
	m := New(false)
	boom := func(runID string) (*Handle, error) { return nil, errors.New("boom") }

	_, err := m.StartRun("s1", boom)
	if !errors.Is(err, ErrActorStartupFailed) {
		t.Fatalf("err = %v, want ErrActorStartupFailed", err)
	}
	if st := m.State("s1"); st.Phase != Idle {
		t.Errorf("phase = %v, want Idle", st.Phase)
	}
	// Session is usable again.
	spawn, _ := spawnOK(t)
	if _, err := m.StartRun("s1", spawn); err != nil {
		t.Errorf("StartRun after failure = %v", err)
	}
}

func TestSendCommandRunMismatch(t *testing.T) {
	m := New(false)
	spawn, h := spawnOK(t)
	runID, _ := m.StartRun("s1", spawn)

	if err := m.SendCommand("s1", "other-run", "cmd"); !errors.Is(err, ErrRunMismatch) {
		t.Errorf("mismatched run = %v, want ErrRunMismatch", err)
	}
	if err := m.SendCommand("s1", runID, "cmd"); err != nil {
		t.Errorf("matching run = %v", err)
	}
	if got := <-h.Commands; got != "cmd" {
		t.Errorf("command = %v", got)
	}
}

func TestSendCommandWhenIdle(t *testing.T) {
	m := New(false)
	if err := m.SendCommand("s1", "", "cmd"); !errors.Is(err, ErrSessionNotRunning) {
		t.Errorf("idle send = %v, want ErrSessionNotRunning", err)
	}
}

func TestCancelRunFiresToken(t *testing.T) {
	m := New(false)
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{Commands: make(chan Command, 1), Cancel: cancel}
	runID, _ := m.StartRun("s1", func(string) (*Handle, error) { return h, nil })

	if err := m.CancelRun("s1", "wrong"); !errors.Is(err, ErrRunMismatch) {
		t.Errorf("wrong run cancel = %v, want ErrRunMismatch", err)
	}
	if err := m.CancelRun("s1", runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("cancel token not fired")
	}
}

func TestMarkRunFinishedResetsState(t *testing.T) {
	m := New(false)
	spawn, _ := spawnOK(t)
	runID, _ := m.StartRun("s1", spawn)

	m.MarkRunFinished("s1", runID, nil)
	if st := m.State("s1"); st.Phase != Idle || st.RunID != "" {
		t.Errorf("state = %+v", st)
	}
	if m.ActiveRunID("s1") != "" {
		t.Errorf("ActiveRunID = %q, want empty", m.ActiveRunID("s1"))
	}
}

func TestMarkRunFinishedLatchesFailure(t *testing.T) {
	m := New(true)
	spawn, _ := spawnOK(t)
	runID, _ := m.StartRun("s1", spawn)

	m.MarkRunFinished("s1", runID, errors.New("llm exploded"))
	st := m.State("s1")
	if st.Phase != Failed || st.Err == nil {
		t.Errorf("state = %+v, want Failed with error", st)
	}
	// A new run clears the latch.
	if _, err := m.StartRun("s1", spawn); err != nil {
		t.Errorf("StartRun after Failed = %v", err)
	}
}

func TestMarkRunFinishedStaleRunIgnored(t *testing.T) {
	m := New(false)
	spawn, _ := spawnOK(t)
	first, _ := m.StartRun("s1", spawn)
	m.MarkRunFinished("s1", first, nil)
	second, _ := m.StartRun("s1", spawn)

	// A late finish from the first run must not clobber the second.
	m.MarkRunFinished("s1", first, nil)
	if st := m.State("s1"); st.Phase != Running || st.RunID != second {
		t.Errorf("state = %+v", st)
	}
}

func TestConcurrentStartRunSingleWinner(t *testing.T) {
	m := New(false)
	spawn, _ := spawnOK(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.StartRun("s1", spawn); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d StartRun calls succeeded, want exactly 1", wins)
	}
}
