package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewRedis_EmptyAddrDisablesCache(t *testing.T) {
	r, err := NewRedis(context.Background(), Options{})
	if err != nil || r != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", r, err)
	}
}

func TestNewRedis_UnreachableAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Port 1 on loopback is never a redis server.
	r, err := NewRedis(ctx, Options{Addr: "127.0.0.1:1"})
	if err == nil || r != nil {
		t.Fatalf("expected connection error, got (%v, %v)", r, err)
	}
	if !strings.Contains(err.Error(), "127.0.0.1:1") {
		t.Fatalf("error should name the address: %v", err)
	}
}

func TestNilRedis_IsNoop(t *testing.T) {
	var r *Redis
	ctx := context.Background()

	var dst map[string]any
	hit, err := r.GetJSON(ctx, "k", &dst)
	if hit || err != nil {
		t.Fatalf("GetJSON on nil = (%v, %v)", hit, err)
	}
	if err := r.SetJSON(ctx, "k", map[string]any{"a": 1}, time.Minute); err != nil {
		t.Fatalf("SetJSON on nil: %v", err)
	}
	if err := r.Ping(ctx); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Ping on nil: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close on nil: %v", err)
	}
}

func TestKey(t *testing.T) {
	var disabled *Redis
	if got := disabled.Key("research", "STRP", "full"); got != "research:STRP:full" {
		t.Fatalf("nil Key = %q", got)
	}
	r := &Redis{prefix: "dealflow:"}
	if got := r.Key("research", "STRP"); got != "dealflow:research:STRP" {
		t.Fatalf("Key = %q", got)
	}
}
