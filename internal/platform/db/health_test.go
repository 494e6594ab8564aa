package db

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestPoolStats_JSON(t *testing.T) {
	stats := PoolStats{
		TotalConns:      3,
		IdleConns:       2,
		AcquiredConns:   1,
		MaxConns:        10,
		AcquireDuration: "250ms",
	}

	data, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_duration"} {
		if !strings.Contains(string(data), `"`+key+`"`) {
			t.Errorf("expected key %q in %s", key, data)
		}
	}
}

func TestNewPool_BadURL(t *testing.T) {
	_, err := NewPool(context.Background(), "://not a url", 1, 0)
	if err == nil {
		t.Fatal("expected error for unparsable database url")
	}
	if !strings.Contains(err.Error(), "parse database url") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig("postgres://user:pw@localhost:5432/dashboard", 8, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxConns != 8 || cfg.MinConns != 2 {
		t.Errorf("unexpected sizing max=%d min=%d", cfg.MaxConns, cfg.MinConns)
	}
	if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != applicationName {
		t.Errorf("expected application_name %q, got %q", applicationName, got)
	}
}

func TestPoolConfig_KeepsExplicitApplicationName(t *testing.T) {
	cfg, err := poolConfig("postgres://localhost/dashboard?application_name=ops", 4, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != "ops" {
		t.Errorf("expected application_name from url, got %q", got)
	}
	if cfg.MinConns > cfg.MaxConns {
		t.Errorf("min conns %d exceeds max %d", cfg.MinConns, cfg.MaxConns)
	}
}
