package shutdown

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestRegistry_RunsInPriorityOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	record := func(name string) Func {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	r.Register("history", 20, record("history"))
	r.Register("server", 0, record("server"))
	r.Register("engine", 10, record("engine"))
	r.Register("metrics", 20, record("metrics"))

	if errs := r.Run(context.Background()); len(errs) != 0 {
		t.Fatalf("Run returned errors: %v", errs)
	}

	want := []string{"server", "engine", "history", "metrics"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if !reflect.DeepEqual(r.Names(), want) {
		t.Errorf("Names() = %v, want %v", r.Names(), want)
	}
}

func TestRegistry_ContinuesAfterFailure(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	ran := false

	r.Register("first", 1, func(context.Context) error { return boom })
	r.Register("second", 2, func(context.Context) error {
		ran = true
		return nil
	})

	errs := r.Run(context.Background())
	if len(errs) != 1 || !errors.Is(errs[0], boom) {
		t.Fatalf("errs = %v, want one wrapping boom", errs)
	}
	if !ran {
		t.Error("second handler did not run")
	}
}

func TestRegistry_RunOnce(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register("once", 0, func(context.Context) error {
		calls++
		return nil
	})

	r.Run(context.Background())
	r.Run(context.Background())
	r.Register("late", 0, func(context.Context) error {
		calls++
		return nil
	})
	r.Run(context.Background())

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestSignalCounter(t *testing.T) {
	forced := 0
	s := NewSignalCounter(2, func() { forced++ })

	if got := s.Increment(); got != 1 {
		t.Errorf("first Increment = %d", got)
	}
	if forced != 0 {
		t.Error("forced after one signal")
	}
	s.Increment()
	if forced != 1 {
		t.Errorf("forced = %d after two signals, want 1", forced)
	}
	if s.Count() != 2 {
		t.Errorf("Count() = %d", s.Count())
	}
}
