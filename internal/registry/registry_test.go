package registry

import (
	"fmt"
	"sync"
	"testing"
)

func mustCap(t *testing.T, attrs map[string]any) Capability {
	t.Helper()
	c, err := NewCapability(attrs)
	if err != nil {
		t.Fatalf("NewCapability: %v", err)
	}
	return c
}

func TestCapabilityMatches(t *testing.T) {
	tests := []struct {
		name     string
		declared map[string]any
		query    map[string]any
		want     bool
	}{
		{"exact", map[string]any{"type": "chat"}, map[string]any{"type": "chat"}, true},
		{"subset", map[string]any{"type": "chat", "model": "v1"}, map[string]any{"type": "chat"}, true},
		{"empty query matches all", map[string]any{"type": "chat"}, map[string]any{}, true},
		{"empty query empty declared", map[string]any{}, map[string]any{}, true},
		{"missing key", map[string]any{"type": "chat"}, map[string]any{"model": "v1"}, false},
		{"value mismatch", map[string]any{"type": "chat", "model": "v1"}, map[string]any{"type": "chat", "model": "v2"}, false},
		{"superset query", map[string]any{"type": "chat"}, map[string]any{"type": "chat", "model": "v1"}, false},
		{"int widths equal", map[string]any{"gpus": int32(2)}, map[string]any{"gpus": 2}, true},
		{"bool attr", map[string]any{"stream": true}, map[string]any{"stream": true}, true},
		{"int vs string differ", map[string]any{"gpus": "2"}, map[string]any{"gpus": 2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			declared := mustCap(t, tt.declared)
			query := mustCap(t, tt.query)
			if got := declared.Matches(query); got != tt.want {
				t.Errorf("Matches(%v, %v) = %v, want %v", declared, query, got, tt.want)
			}
		})
	}
}

func TestCapabilityRejectsNonScalar(t *testing.T) {
	if _, err := NewCapability(map[string]any{"bad": 1.5}); err == nil {
		t.Error("expected error for float value")
	}
	if _, err := NewCapability(map[string]any{"bad": []string{"x"}}); err == nil {
		t.Error("expected error for slice value")
	}
}

func TestCapabilityFingerprint(t *testing.T) {
	a := mustCap(t, map[string]any{"type": "chat", "model": "v1"})
	b := mustCap(t, map[string]any{"model": "v1", "type": "chat"})
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("fingerprint not order-invariant: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}

	s := mustCap(t, map[string]any{"v": "1"})
	n := mustCap(t, map[string]any{"v": 1})
	if s.Fingerprint() == n.Fingerprint() {
		t.Error("string and int values must fingerprint differently")
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"false", false},
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"chat", "chat"},
		{"v1.2", "v1.2"},
	}
	for _, tt := range tests {
		if got := ParseValue(tt.in); got != tt.want {
			t.Errorf("ParseValue(%q) = %v (%T), want %v (%T)", tt.in, got, got, tt.want, tt.want)
		}
	}
}

func TestRegisterReplaces(t *testing.T) {
	reg := New()

	reg.Register("r1", "127.0.0.1:7001", []Capability{mustCap(t, map[string]any{"type": "chat", "model": "v1"})})
	reg.Register("r1", "127.0.0.1:7001", []Capability{mustCap(t, map[string]any{"type": "embed"})})

	if got := reg.Lookup(mustCap(t, map[string]any{"type": "chat"}), nil); got != nil {
		t.Errorf("old capability still visible after re-register: %v", got)
	}
	if got := reg.Lookup(mustCap(t, map[string]any{"type": "embed"}), nil); got == nil || got.ID != "r1" {
		t.Errorf("new capability not visible: %v", got)
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}
}

func TestUnregister(t *testing.T) {
	reg := New()
	reg.Register("r1", "127.0.0.1:7001", []Capability{mustCap(t, map[string]any{"type": "chat"})})

	if !reg.Unregister("r1") {
		t.Error("Unregister existing = false")
	}
	if reg.Unregister("r1") {
		t.Error("Unregister missing = true")
	}
	if got := reg.Lookup(mustCap(t, map[string]any{"type": "chat"}), nil); got != nil {
		t.Errorf("lookup after unregister = %v, want nil", got)
	}
}

// Scenario: R1 serves {type: chat, model: v1}; a {type: chat} query finds it,
// a {type: chat, model: v2} query finds nothing.
func TestLookupSubsetSemantics(t *testing.T) {
	reg := New()
	reg.Register("r1", "127.0.0.1:7001", []Capability{mustCap(t, map[string]any{"type": "chat", "model": "v1"})})

	if got := reg.Lookup(mustCap(t, map[string]any{"type": "chat"}), nil); got == nil || got.ID != "r1" {
		t.Errorf("Lookup({type:chat}) = %v, want r1", got)
	}
	if got := reg.Lookup(mustCap(t, map[string]any{"type": "chat", "model": "v2"}), nil); got != nil {
		t.Errorf("Lookup({type:chat,model:v2}) = %v, want nil", got)
	}
}

func TestLookupExclude(t *testing.T) {
	reg := New()
	query := mustCap(t, map[string]any{"type": "decode"})
	reg.Register("r1", "127.0.0.1:7001", []Capability{query})
	reg.Register("r2", "127.0.0.1:7002", []Capability{query})

	exclude := map[string]struct{}{"r1": {}}
	for i := 0; i < 20; i++ {
		got := reg.Lookup(query, exclude)
		if got == nil || got.ID != "r2" {
			t.Fatalf("Lookup with exclude returned %v, want r2", got)
		}
	}

	exclude["r2"] = struct{}{}
	if got := reg.Lookup(query, exclude); got != nil {
		t.Errorf("Lookup with all excluded = %v, want nil", got)
	}
}

func TestLookupAllDeduplicates(t *testing.T) {
	reg := New()
	// Two declared capabilities both match a {type: decode} query.
	reg.Register("r1", "127.0.0.1:7001", []Capability{
		mustCap(t, map[string]any{"type": "decode", "model": "a"}),
		mustCap(t, map[string]any{"type": "decode", "model": "b"}),
	})
	reg.Register("r2", "127.0.0.1:7002", []Capability{mustCap(t, map[string]any{"type": "decode"})})

	got := reg.LookupAll(mustCap(t, map[string]any{"type": "decode"}), nil)
	if len(got) != 2 {
		t.Fatalf("LookupAll returned %d replicas, want 2", len(got))
	}
	seen := map[string]bool{}
	for _, rep := range got {
		if seen[rep.ID] {
			t.Errorf("replica %s returned twice", rep.ID)
		}
		seen[rep.ID] = true
	}
}

func TestLookupRandomSpread(t *testing.T) {
	reg := New()
	query := mustCap(t, map[string]any{"type": "chat"})
	for i := 0; i < 3; i++ {
		reg.Register(fmt.Sprintf("r%d", i), fmt.Sprintf("127.0.0.1:700%d", i), []Capability{query})
	}

	hits := map[string]int{}
	for i := 0; i < 300; i++ {
		rep := reg.Lookup(query, nil)
		if rep == nil {
			t.Fatal("Lookup returned nil with matches present")
		}
		hits[rep.ID]++
	}
	// Only require that every replica gets picked sometimes; distribution
	// beyond that is not part of the contract.
	if len(hits) != 3 {
		t.Errorf("random selection only hit %d of 3 replicas: %v", len(hits), hits)
	}
}

func TestUpdateHeartbeat(t *testing.T) {
	reg := New()
	reg.Register("r1", "127.0.0.1:7001", nil)

	before := reg.Get("r1").LastHeartbeat
	if !reg.UpdateHeartbeat("r1") {
		t.Error("UpdateHeartbeat existing = false")
	}
	if reg.UpdateHeartbeat("ghost") {
		t.Error("UpdateHeartbeat missing = true")
	}
	if after := reg.Get("r1").LastHeartbeat; after.Before(before) {
		t.Errorf("heartbeat went backwards: %v -> %v", before, after)
	}
}

func TestConcurrentRegisterLookup(t *testing.T) {
	reg := New()
	query := mustCap(t, map[string]any{"type": "chat"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("r%d", n)
			for j := 0; j < 100; j++ {
				reg.Register(id, "127.0.0.1:7000", []Capability{query})
				reg.Lookup(query, nil)
				reg.LookupAll(query, nil)
				if j%10 == 0 {
					reg.Unregister(id)
				}
			}
		}(i)
	}
	wg.Wait()
}
