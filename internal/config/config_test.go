package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity = Identity{UserID: "alice", DisplayName: "Alice", Username: "alice01"}
	return cfg
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing user id", func(c *Config) { c.Identity.UserID = "" }, true},
		{"missing display name", func(c *Config) { c.Identity.DisplayName = " " }, true},
		{"missing data dir", func(c *Config) { c.Paths.DataDir = "" }, true},
		{"remote url ok", func(c *Config) { c.Store.RemoteURL = "wss://store.example.org/live" }, false},
		{"remote url bad scheme", func(c *Config) { c.Store.RemoteURL = "https://store.example.org" }, true},
		{"remote url no host", func(c *Config) { c.Store.RemoteURL = "ws://" }, true},
		{"negative timeout", func(c *Config) { c.Call.AnswerTimeoutSec = -1 }, true},
		{"turn server ok", func(c *Config) { c.Call.ICEServers = []string{"turn:relay.example.org:3478"} }, false},
		{"bogus ice url", func(c *Config) { c.Call.ICEServers = []string{"http://not-ice"} }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"identity":{"user_id":"alice","display_name":"Alice"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Paths.DataDir != "data" {
		t.Fatalf("data_dir default not applied: %q", cfg.Paths.DataDir)
	}
	if cfg.Call.AnswerTimeoutSec != 30 {
		t.Fatalf("answer timeout default not applied: %d", cfg.Call.AnswerTimeoutSec)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"a","display_name":"A"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("BOM-prefixed config rejected: %v", err)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	_, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a new config file")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("config file not written")
	}

	// Second call loads the existing file; the default has no identity, so
	// validation fails and surfaces the misconfiguration.
	if _, created, err = Ensure(path); created || err == nil {
		t.Fatalf("created=%v err=%v, want load failure on identity-less file", created, err)
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := validConfig()
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan Config, 1)
	w, err := NewWatcher(path, cfg, func(c Config) { reloaded <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	next := cfg
	next.Call.VideoDisabled = true
	next.Identity.UserID = "mallory" // must be ignored
	if err := Save(path, next); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-reloaded:
		if !got.Call.VideoDisabled {
			t.Fatal("changed field not reloaded")
		}
		if got.Identity.UserID != "alice" {
			t.Fatalf("identity changed on reload: %q", got.Identity.UserID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload fired")
	}

	if !w.Current().Call.VideoDisabled {
		t.Fatal("Current() not updated")
	}
}

func TestWatcherKeepsLastGoodConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := validConfig()
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)

	if w.Current().Identity.UserID != "alice" {
		t.Fatal("broken file replaced the last good config")
	}
}
