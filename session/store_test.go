package session

import (
	"errors"
	"sync"
	"testing"
)

func TestStoreCreatesLazily(t *testing.T) {
	st := NewStore()
	state, gen := st.Current(42)
	if state != Idle {
		t.Fatalf("new session state = %s, want idle", state)
	}
	if gen != 0 {
		t.Fatalf("new session generation = %d, want 0", gen)
	}
}

func TestTransitionBumpsGeneration(t *testing.T) {
	st := NewStore()
	state, gen, err := st.Transition(1, StartTraining)
	if err != nil {
		t.Fatal(err)
	}
	if state != EnteringModelName {
		t.Fatalf("state = %s", state)
	}
	if gen != 1 {
		t.Fatalf("generation = %d, want 1", gen)
	}
	if curState, curGen := st.Current(1); curState != state || curGen != gen {
		t.Fatalf("Current() = %s/%d, want %s/%d", curState, curGen, state, gen)
	}
}

func TestRejectedTransitionDoesNotBump(t *testing.T) {
	st := NewStore()
	_, _, err := st.Transition(1, TrainingConfirmed)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if state, gen := st.Current(1); state != Idle || gen != 0 {
		t.Fatalf("rejected event mutated session: %s/%d", state, gen)
	}
}

func TestResetIsIdempotentAndBumps(t *testing.T) {
	st := NewStore()
	_, _, _ = st.Transition(7, StartTraining)
	st.SetData(7, KeyModelName, "anna")

	gen1 := st.Reset(7)
	if state, _ := st.Current(7); state != Idle {
		t.Fatalf("state after reset = %s", state)
	}
	if st.GetData(7, KeyModelName) != nil {
		t.Fatal("scratch data survived reset")
	}

	gen2 := st.Reset(7)
	if state, _ := st.Current(7); state != Idle {
		t.Fatal("second reset changed state")
	}
	if gen2 <= gen1 {
		t.Fatalf("reset did not bump generation: %d then %d", gen1, gen2)
	}
}

func TestUpdateErrorLeavesGeneration(t *testing.T) {
	st := NewStore()
	boom := errors.New("boom")
	if err := st.Update(3, func(s *Session) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, gen := st.Current(3); gen != 0 {
		t.Fatalf("generation bumped on failed update: %d", gen)
	}
}

func TestConcurrentUpdatesSerialized(t *testing.T) {
	st := NewStore()
	const workers = 64

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.Update(5, func(s *Session) error {
				n, _ := s.Data["count"].(int)
				s.Data["count"] = n + 1
				return nil
			})
		}()
	}
	wg.Wait()

	if n, _ := st.GetData(5, "count").(int); n != workers {
		t.Fatalf("count = %d, want %d", n, workers)
	}
	if _, gen := st.Current(5); gen != workers {
		t.Fatalf("generation = %d, want %d", gen, workers)
	}
}

func TestUsersAreIndependent(t *testing.T) {
	st := NewStore()
	if _, _, err := st.Transition(1, StartTraining); err != nil {
		t.Fatal(err)
	}
	if state, gen := st.Current(2); state != Idle || gen != 0 {
		t.Fatalf("user 2 affected by user 1: %s/%d", state, gen)
	}
}
