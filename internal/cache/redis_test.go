package cache

import (
	"context"
	"testing"
	"time"

	"github.com/nutcas3/crashd/internal/config"
)

func TestNew_HealthReportsDownWhenUnreachable(t *testing.T) {
	svc := New(config.RedisConfig{Addr: "127.0.0.1:1", DB: 0})
	defer svc.Close()

	stats := svc.Health()
	if stats["status"] != "down" {
		t.Fatalf("status = %q, want down against an unreachable address", stats["status"])
	}
}

func TestGetSnapshot_MissWhenUnreachable(t *testing.T) {
	svc := New(config.RedisConfig{Addr: "127.0.0.1:1", DB: 0})
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if _, err := svc.GetSnapshot(ctx); err == nil {
		t.Fatal("expected an error reading from an unreachable Redis instance")
	}
}
