package balancer

import (
	"testing"
)

func TestQuotaSelectorDrainsFromTail(t *testing.T) {
	registry := NewRegistry([]Worker{{Port: 8001}, {Port: 8002}})
	s := NewQuotaSelector(registry)
	s.Publish([]QuotaEntry{{Port: 8001, Quota: 1}, {Port: 8002, Quota: 3}})

	// The last (least busy) entry is consumed first.
	port, ok := s.ChooseTargetPort()
	if !ok || port != 8002 {
		t.Fatalf("first pick = (%d, %v), want (8002, true)", port, ok)
	}

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0] != (QuotaEntry{Port: 8001, Quota: 1}) || snap[1] != (QuotaEntry{Port: 8002, Quota: 2}) {
		t.Fatalf("table after one pick = %+v, want [{8001 1} {8002 2}]", snap)
	}
}

func TestQuotaSelectorPopsExhaustedEntry(t *testing.T) {
	registry := NewRegistry([]Worker{{Port: 8001}, {Port: 8002}})
	s := NewQuotaSelector(registry)
	s.Publish([]QuotaEntry{{Port: 8001, Quota: 2}, {Port: 8002, Quota: 1}})

	if port, _ := s.ChooseTargetPort(); port != 8002 {
		t.Fatalf("first pick = %d, want 8002", port)
	}
	// 8002 held quota 1 and must now be gone.
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Port != 8001 {
		t.Fatalf("table = %+v, want only port 8001", snap)
	}
}

// TestQuotaSelectorDrainInvariant: a table with total quota Q serves exactly
// Q quota-backed picks before falling back to uniform random.
func TestQuotaSelectorDrainInvariant(t *testing.T) {
	registry := NewRegistry([]Worker{{Port: 8001}, {Port: 8002}, {Port: 8003}})
	s := NewQuotaSelector(registry)
	s.Publish([]QuotaEntry{{Port: 8001, Quota: 1}, {Port: 8002, Quota: 2}, {Port: 8003, Quota: 4}})

	counts := map[int]int{}
	for i := 0; i < 7; i++ {
		port, ok := s.ChooseTargetPort()
		if !ok {
			t.Fatalf("pick %d failed", i)
		}
		counts[port]++
	}
	if counts[8001] != 1 || counts[8002] != 2 || counts[8003] != 4 {
		t.Fatalf("drain distribution = %v, want map[8001:1 8002:2 8003:4]", counts)
	}
	if len(s.Snapshot()) != 0 {
		t.Fatalf("table not empty after drain: %+v", s.Snapshot())
	}

	// Every further pick comes from the registry.
	for i := 0; i < 20; i++ {
		port, ok := s.ChooseTargetPort()
		if !ok {
			t.Fatal("random fallback failed with non-empty registry")
		}
		if !registry.Contains(port) {
			t.Fatalf("random fallback picked %d, not a registry member", port)
		}
	}
}

func TestQuotaSelectorEmptyEverything(t *testing.T) {
	s := NewQuotaSelector(NewRegistry(nil))
	if _, ok := s.ChooseTargetPort(); ok {
		t.Fatal("empty table and empty registry must yield no port")
	}
	if _, ok := s.RandomPort(); ok {
		t.Fatal("empty registry must yield no random port")
	}
}

func TestQuotaSelectorPublishReplaces(t *testing.T) {
	registry := NewRegistry([]Worker{{Port: 8001}, {Port: 8002}})
	s := NewQuotaSelector(registry)
	s.Publish([]QuotaEntry{{Port: 8001, Quota: 5}})
	s.Publish([]QuotaEntry{{Port: 8002, Quota: 1}})

	port, ok := s.ChooseTargetPort()
	if !ok || port != 8002 {
		t.Fatalf("pick after republish = (%d, %v), want (8002, true)", port, ok)
	}
	if len(s.Snapshot()) != 0 {
		t.Fatalf("old table leaked into the new one: %+v", s.Snapshot())
	}
}

func TestRegistryMembershipAndReplacement(t *testing.T) {
	r := NewRegistry([]Worker{{Port: 8001}, {Port: 8002}})
	if !r.Contains(8001) || !r.Contains(8002) || r.Contains(9999) {
		t.Fatal("membership set does not match the worker list")
	}

	r.SetWorkers([]Worker{{Port: 9001}})
	if r.Contains(8001) {
		t.Error("old port survived SetWorkers")
	}
	if !r.Contains(9001) {
		t.Error("new port missing after SetWorkers")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}
