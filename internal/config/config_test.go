package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ValidConfigFile(t *testing.T) {
	cfg, err := Load("../../config")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// SMTP defaults from config.yaml
	if cfg.SMTP.Host != "smtp.example.com" {
		t.Errorf("expected SMTP host smtp.example.com, got %s", cfg.SMTP.Host)
	}
	if cfg.SMTP.Port != 587 {
		t.Errorf("expected SMTP port 587, got %d", cfg.SMTP.Port)
	}
	if cfg.SMTP.HelloName != "sender.example.com" {
		t.Errorf("expected hello name sender.example.com, got %s", cfg.SMTP.HelloName)
	}
	if cfg.SMTP.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", cfg.SMTP.ConnectionTimeout)
	}
	if cfg.SMTP.SocketTimeout != 5*time.Minute {
		t.Errorf("expected socket timeout 5m, got %v", cfg.SMTP.SocketTimeout)
	}

	// Pool defaults
	if cfg.Pool.MaxConnections != 5 {
		t.Errorf("expected max connections 5, got %d", cfg.Pool.MaxConnections)
	}
	if cfg.Pool.MaxMessages != 100 {
		t.Errorf("expected max messages 100, got %d", cfg.Pool.MaxMessages)
	}
	if cfg.Pool.RateLimit != 0 {
		t.Errorf("expected rate limit 0, got %d", cfg.Pool.RateLimit)
	}

	// Ops defaults
	if cfg.Ops.Host != "0.0.0.0" {
		t.Errorf("expected ops host 0.0.0.0, got %s", cfg.Ops.Host)
	}
	if cfg.Ops.Port != 9090 {
		t.Errorf("expected ops port 9090, got %d", cfg.Ops.Port)
	}

	// Archive defaults
	if cfg.Archive.Enabled {
		t.Error("expected archive disabled")
	}
	if cfg.Archive.Type != "local" {
		t.Errorf("expected archive type local, got %s", cfg.Archive.Type)
	}

	// Logging defaults
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("expected log output stdout, got %s", cfg.Logging.Output)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoad_CustomConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
smtp:
  host: mail.internal
  port: 2525
pool:
  max_connections: 2
  rate_limit: 50
`)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.SMTP.Host != "mail.internal" {
		t.Errorf("host = %s", cfg.SMTP.Host)
	}
	if cfg.SMTP.Port != 2525 {
		t.Errorf("port = %d", cfg.SMTP.Port)
	}
	if cfg.Pool.MaxConnections != 2 {
		t.Errorf("max connections = %d", cfg.Pool.MaxConnections)
	}
	if cfg.Pool.RateLimit != 50 {
		t.Errorf("rate limit = %d", cfg.Pool.RateLimit)
	}
}
