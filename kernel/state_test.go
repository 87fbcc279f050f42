package kernel

import (
	"sync"
	"testing"
)

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		name string
		path []State
		ok   bool
	}{
		{"startup", []State{StateIdle}, true},
		{"execute cycle", []State{StateIdle, StateBusy, StateIdle}, true},
		{"shutdown from idle", []State{StateIdle, StateStopping}, true},
		{"shutdown while busy", []State{StateIdle, StateBusy, StateStopping}, true},
		{"shutdown during startup", []State{StateStopping}, true},
		{"busy before ready", []State{StateBusy}, false},
		{"skip to idle twice", []State{StateIdle, StateIdle}, false},
		{"revive after stop", []State{StateStopping, StateIdle}, false},
		{"busy after stop", []State{StateIdle, StateStopping, StateBusy}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewStateMachine(nil)
			var err error
			for _, next := range tc.path {
				if err = m.Transition(next); err != nil {
					break
				}
			}
			if tc.ok && err != nil {
				t.Errorf("path %v: unexpected error %v", tc.path, err)
			}
			if !tc.ok && err == nil {
				t.Errorf("path %v: expected error", tc.path)
			}
			if !tc.ok && err != nil && KindOf(err) != KindState {
				t.Errorf("kind = %v", KindOf(err))
			}
		})
	}
}

func TestStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	m := NewStateMachine(func(from, to State) {
		mu.Lock()
		seen = append(seen, from.String()+"->"+to.String())
		mu.Unlock()
	})
	if err := m.Transition(StateIdle); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(StateBusy); err != nil {
		t.Fatal(err)
	}
	if m.Current() != StateBusy {
		t.Errorf("current = %v", m.Current())
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"starting->idle", "idle->busy"}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, seen[i], want[i])
		}
	}
}
