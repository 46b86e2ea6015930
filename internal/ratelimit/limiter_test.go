package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestUnlimitedNeverBlocks(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 100; i++ {
		if !l.Allow("any/model") {
			t.Fatalf("request %d rejected with no limits configured", i)
		}
	}
	if _, err := l.Wait(context.Background(), "any/model"); err != nil {
		t.Fatal(err)
	}
}

func TestModelBurst(t *testing.T) {
	l := New(Config{ModelPerMinute: 1, ModelBurst: 2})
	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst of 2 should be admitted")
	}
	if l.Allow("a") {
		t.Fatal("third request should be rejected")
	}
	if !l.Allow("b") {
		t.Fatal("other models have their own bucket")
	}
}

func TestModelOverride(t *testing.T) {
	l := New(Config{ModelPerMinute: 1, ModelBurst: 1, ModelOverrides: map[string]float64{"fast": 0}})
	for i := 0; i < 10; i++ {
		if !l.Allow("fast") {
			t.Fatalf("override of 0 should disable the model bucket, rejected at %d", i)
		}
	}
}

func TestGlobalBucketSharedAcrossModels(t *testing.T) {
	l := New(Config{GlobalPerMinute: 1, GlobalBurst: 1})
	if !l.Allow("a") {
		t.Fatal("first request should pass")
	}
	if l.Allow("b") {
		t.Fatal("global bucket should be exhausted")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(Config{GlobalPerMinute: 1, GlobalBurst: 1})
	l.Allow("a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// The limiter refuses up front when the deadline cannot be met.
	if _, err := l.Wait(ctx, "a"); err == nil {
		t.Fatal("expected wait to fail")
	}
}
