package cron

import (
	"context"
	"testing"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryKeepsRunOrder(t *testing.T) {
	registry := NewRegistry()
	warmup := &stubJob{name: "token-warmup"}
	sweep := &stubJob{name: "payment-reconcile"}
	if err := registry.Register(warmup); err != nil {
		t.Fatalf("register warmup: %v", err)
	}
	if err := registry.Register(sweep); err != nil {
		t.Fatalf("register sweep: %v", err)
	}
	jobs := registry.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0] != warmup || jobs[1] != sweep {
		t.Fatalf("jobs returned out of order")
	}
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
}

func TestRegistryRejectsDuplicatesAndBlanks(t *testing.T) {
	registry := NewRegistry(&stubJob{name: "payment-reconcile"}, &stubJob{name: "payment-reconcile"}, nil)
	if got := len(registry.Jobs()); got != 1 {
		t.Fatalf("expected duplicate to be dropped, got %d jobs", got)
	}
	if err := registry.Register(&stubJob{name: "payment-reconcile"}); err == nil {
		t.Fatal("expected duplicate name error")
	}
	if err := registry.Register(&stubJob{name: " "}); err == nil {
		t.Fatal("expected blank name error")
	}
	if err := registry.Register(nil); err == nil {
		t.Fatal("expected nil job error")
	}
}
