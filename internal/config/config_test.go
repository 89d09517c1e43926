package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/conclave")
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("default addr: %q", cfg.Addr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("default log level: %q", cfg.LogLevel)
	}
	if cfg.DatabaseURL == "" || cfg.JWTSecret == "" {
		t.Fatalf("required values not read: %+v", cfg)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	// Setenv registers the restore; the test itself needs the vars absent,
	// not empty, since an empty-but-set var satisfies "required".
	for _, key := range []string{"DATABASE_URL", "JWT_SECRET"} {
		t.Setenv(key, "placeholder")
		os.Unsetenv(key)
	}

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing required settings")
	}
}

func TestLogger_BadLevel(t *testing.T) {
	c := Config{LogLevel: "shouty"}
	if _, err := c.Logger(); err == nil {
		t.Fatalf("expected error for bad log level")
	}
}
