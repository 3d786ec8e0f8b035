package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir == "" || cfg.NotesDir == "" {
		t.Fatalf("defaults missing: %+v", cfg)
	}
	if cfg.SyncEnabled() {
		t.Fatal("sync should be disabled without endpoint and token")
	}
	if got := cfg.DatabasePath(); filepath.Base(got) != "driftnote.db" {
		t.Fatalf("DatabasePath = %q", got)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DRIFTNOTE_ENDPOINT", "https://sync.example.com")
	t.Setenv("DRIFTNOTE_TOKEN", "secret")
	t.Setenv("DRIFTNOTE_USER_ID", "user-42")

	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.SyncEnabled() {
		t.Fatal("sync should be enabled")
	}
	if cfg.Endpoint != "https://sync.example.com" || cfg.UserID != "user-42" {
		t.Fatalf("environment not applied: %+v", cfg)
	}
}

func TestLoadFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	body := "endpoint: https://file.example.com\nnotes_dir: /tmp/mynotes\ndrain_debounce: 3s\n"
	if err := os.WriteFile(filepath.Join(dir, ".driftnote.yaml"), []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	v := viper.New()
	v.Set("data_dir", dir)

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Endpoint != "https://file.example.com" {
		t.Fatalf("Endpoint = %q", cfg.Endpoint)
	}
	if cfg.NotesDir != "/tmp/mynotes" {
		t.Fatalf("NotesDir = %q", cfg.NotesDir)
	}
	if cfg.DrainDebounce != 3*time.Second {
		t.Fatalf("DrainDebounce = %v", cfg.DrainDebounce)
	}
}

func TestExplicitSettingBeatsConfigFile(t *testing.T) {
	dir := t.TempDir()
	body := "endpoint: https://file.example.com\n"
	if err := os.WriteFile(filepath.Join(dir, ".driftnote.yaml"), []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	v := viper.New()
	v.Set("data_dir", dir)
	v.Set("endpoint", "https://flag.example.com")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Endpoint != "https://flag.example.com" {
		t.Fatalf("Endpoint = %q, want the explicit setting", cfg.Endpoint)
	}
}
