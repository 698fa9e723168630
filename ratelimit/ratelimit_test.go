package ratelimit

import (
	"testing"
	"time"
)

func TestAllowEnforcesLimit(t *testing.T) {
	l := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d denied, want the first 3 admitted", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("request over the limit was admitted")
	}

	// Other keys are counted independently.
	if !l.Allow("10.0.0.2") {
		t.Error("fresh key denied while another key is over its limit")
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := New(2, time.Minute)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("k")
	l.Allow("k")
	if l.Allow("k") {
		t.Fatal("request over the limit was admitted")
	}

	// Just short of the window edge the key stays blocked.
	now = now.Add(time.Minute - time.Second)
	if l.Allow("k") {
		t.Error("request admitted before the window elapsed")
	}

	// The first request of the next window opens a fresh count.
	now = now.Add(2 * time.Second)
	if !l.Allow("k") {
		t.Error("request denied after the window elapsed")
	}
	if !l.Allow("k") {
		t.Error("second request of the new window denied")
	}
	if l.Allow("k") {
		t.Error("request over the limit admitted in the new window")
	}
}

func TestRetryAfter(t *testing.T) {
	l := New(1, 45*time.Second)
	if got := l.RetryAfter(); got != 45*time.Second {
		t.Errorf("RetryAfter = %v, want 45s", got)
	}
}

func TestPurgeDropsExpiredRecords(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(30 * time.Second)
	l.Allow("fresh")

	now = now.Add(31 * time.Second)
	l.purge()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records["old"]; ok {
		t.Error("expired record survived the purge")
	}
	if _, ok := l.records["fresh"]; !ok {
		t.Error("live record was purged")
	}
}
