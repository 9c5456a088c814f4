package api

import (
	"testing"
	"time"
)

func TestClientLimits_retryAfter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	slow := newClientLimits(0, 1, time.Minute)
	slow.rps = 0.25 // one token every four seconds

	if ok, _ := slow.allow("10.0.0.1", now); !ok {
		t.Fatal("first request should pass")
	}
	ok, retry := slow.allow("10.0.0.1", now)
	if ok {
		t.Fatal("second request should be limited")
	}
	if retry != 4 {
		t.Errorf("got Retry-After %d, want 4", retry)
	}
	if ok, _ := slow.allow("10.0.0.1", now.Add(4*time.Second)); !ok {
		t.Error("request after refill should pass")
	}
}

func TestClientLimits_sweep(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newClientLimits(10, 10, time.Minute)
	l.allow("10.0.0.1", now)
	l.allow("10.0.0.2", now.Add(50*time.Second))

	l.sweep(now.Add(30 * time.Second))
	if got := l.size(); got != 2 {
		t.Fatalf("nothing is idle yet, got %d clients", got)
	}
	l.sweep(now.Add(90 * time.Second))
	if got := l.size(); got != 1 {
		t.Errorf("expected the idle client to be swept, got %d clients", got)
	}
	if _, ok := l.clients["10.0.0.2"]; !ok {
		t.Error("active client was swept")
	}
}
