package bufpool

import "testing"

func TestGetLandsInSmallestBucket(t *testing.T) {
	tests := []struct {
		n       int
		wantCap int
	}{
		{1, 512},
		{512, 512},
		{513, 2 << 10},
		{1500, 2 << 10},     // typical encoded envelope
		{5 << 10, 8 << 10},  // inline payload frame
		{8 << 10, 8 << 10},
		{20 << 10, 64 << 10},
		{MaxPooled, MaxPooled},
	}
	for _, tt := range tests {
		b := Get(tt.n)
		if len(b) != tt.n {
			t.Errorf("Get(%d) len = %d", tt.n, len(b))
		}
		if cap(b) != tt.wantCap {
			t.Errorf("Get(%d) cap = %d, want %d", tt.n, cap(b), tt.wantCap)
		}
		Put(b)
	}
}

func TestGetOversizedBypassesBuckets(t *testing.T) {
	n := MaxPooled + 1
	b := Get(n)
	if len(b) != n || cap(b) != n {
		t.Errorf("Get(%d) = len %d cap %d", n, len(b), cap(b))
	}
	Put(b) // must be a no-op, not a panic
}

func TestGetNonPositive(t *testing.T) {
	if Get(0) != nil || Get(-5) != nil {
		t.Error("non-positive sizes must return nil")
	}
}

func TestRecycledBufferIsZeroed(t *testing.T) {
	b := Get(300)
	for i := range b {
		b[i] = 0xEE
	}
	Put(b)

	// Drain until the dirty buffer comes back, then check it was scrubbed.
	for i := 0; i < 64; i++ {
		c := Get(300)
		for j, v := range c {
			if v != 0 {
				t.Fatalf("recycled buffer dirty at %d: %#x", j, v)
			}
		}
	}
}

func TestPutRejectsForeignCapacity(t *testing.T) {
	Put(nil)
	Put(make([]byte, 0))
	Put(make([]byte, 777)) // not a bucket size, silently dropped

	// A buffer resliced below its bucket capacity still recycles cleanly.
	b := Get(2 << 10)
	Put(b[:100])
	c := Get(2 << 10)
	if cap(c) != 2<<10 || len(c) != 2<<10 {
		t.Errorf("reslice broke recycling: len %d cap %d", len(c), cap(c))
	}
}

func BenchmarkEnvelopeSizedGetPut(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Put(Get(1500))
	}
}
